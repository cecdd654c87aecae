package capture

import (
	"context"

	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"

	"github.com/coder/quartz"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// MessageTag marks the messages the bridge cares about. The channel is shared
// with unrelated page traffic, so everything else is ignored quietly.
const MessageTag = "networkCall"

// DefaultMailboxSize bounds the bridge mailbox when no option is given.
const DefaultMailboxSize = 256

// Message is one cross-context message: its source plus the raw body.
type Message struct {
	Source string
	Data   json.RawMessage
}

// envelope: {type: "networkCall", networkCall: {...}}
type envelope struct {
	Type        string   `json:"type"`
	NetworkCall *rawCall `json:"networkCall"`
}

type rawCall struct {
	Type      model.ContentKind `json:"type"`
	URL       string            `json:"url"`
	Headers   string            `json:"headers"`
	Timestamp float64           `json:"timestamp"` // JS number, epoch ms
	Data      json.RawMessage   `json:"data"`
	Host      string            `json:"host"`
}

// Enqueuer receives accepted records. It must not block.
type Enqueuer interface {
	Enqueue(rec model.NetworkCallRecord)
}

// OriginPolicy decides whether a message from source belongs to the context
// the bridge was installed in.
type OriginPolicy func(installed, source string) bool

// SameOrigin accepts only messages whose source is exactly the installed origin.
func SameOrigin(installed, source string) bool {
	return installed != "" && installed == source
}

// Bridge
// ------------------------------------------------------------
// Typed channel between page instrumentation and the delivery queue.
//
//	Post (any goroutine, never blocks)
//	  -> mailbox (bounded)
//	  -> Run: filter by origin + tag -> estimate size -> build record
//	  -> Enqueuer.Enqueue (fire and forget)
type Bridge struct {
	origin  string
	owner   string
	policy  OriginPolicy
	clock   quartz.Clock
	queue   Enqueuer
	metrics *metrics.Metrics
	mailbox chan Message
}

type Option func(*Bridge)

func WithPolicy(p OriginPolicy) Option { return func(b *Bridge) { b.policy = p } }

func WithClock(c quartz.Clock) Option { return func(b *Bridge) { b.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

func WithMailboxSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.mailbox = make(chan Message, n)
		}
	}
}

// NewBridge installs a bridge for origin. Every record it builds is owned by owner.
func NewBridge(origin, owner string, q Enqueuer, opts ...Option) *Bridge {
	b := &Bridge{
		origin:  origin,
		owner:   owner,
		policy:  SameOrigin,
		clock:   quartz.NewReal(),
		queue:   q,
		mailbox: make(chan Message, DefaultMailboxSize),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	return b
}

// Post hands msg to the bridge. Returns false when the mailbox is full and the
// message was dropped.
func (b *Bridge) Post(msg Message) bool {
	select {
	case b.mailbox <- msg:
		return true
	default:
		b.metrics.BridgeDroppedTotal.Inc()
		return false
	}
}

// Run consumes the mailbox until ctx is done, then handles whatever was
// already posted before returning.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case msg := <-b.mailbox:
			b.Handle(msg)
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case msg := <-b.mailbox:
			b.Handle(msg)
		default:
			return
		}
	}
}

// Handle filters and converts a single message. The record is returned for
// callers that want to inspect it; it has already been enqueued when ok is true.
func (b *Bridge) Handle(msg Message) (rec model.NetworkCallRecord, ok bool) {
	if !b.policy(b.origin, msg.Source) {
		b.ignore("foreign source", msg.Source)
		return rec, false
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.ignore("undecodable message", msg.Source)
		return rec, false
	}
	if env.NetworkCall == nil {
		b.ignore("empty payload", msg.Source)
		return rec, false
	}
	if env.Type != MessageTag {
		b.ignore("unknown tag", msg.Source)
		return rec, false
	}

	rec = b.build(env.NetworkCall)
	b.metrics.BridgeAcceptedTotal.Inc()
	b.queue.Enqueue(rec)
	return rec, true
}

// build computes size = body estimate + header estimate (as text).
// An unknown content kind contributes 0 instead of rejecting the event, and
// the record is filed as text so the ingestion API accepts it.
func (b *Bridge) build(c *rawCall) model.NetworkCallRecord {
	var body any
	if len(c.Data) > 0 {
		body = c.Data
	}
	size := EstimateOrZero(body, c.Type) + EstimateOrZero(c.Headers, model.KindText)

	ts := int64(c.Timestamp)
	if ts <= 0 {
		ts = b.clock.Now().UnixMilli()
	}

	kind := c.Type
	if !kind.Valid() {
		log.Debug().Str("type", string(c.Type)).Str("url", c.URL).Msg("unknown content kind, recorded as text")
		kind = model.KindText
	}

	return model.NetworkCallRecord{
		Type:               kind,
		URL:                c.URL,
		Host:               c.Host,
		Headers:            c.Headers,
		Timestamp:          ts,
		Size:               size,
		UserID:             b.owner,
		ManuallyCalculated: true,
	}
}

func (b *Bridge) ignore(reason, source string) {
	b.metrics.BridgeIgnoredTotal.Inc()
	log.Debug().Str("reason", reason).Str("source", source).Msg("capture message ignored")
}

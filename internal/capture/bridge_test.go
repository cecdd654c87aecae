package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"

	"github.com/coder/quartz"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageOrigin = "https://news.example"

type recordingQueue struct {
	mu   sync.Mutex
	recs []model.NetworkCallRecord
}

func (q *recordingQueue) Enqueue(rec model.NetworkCallRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recs = append(q.recs, rec)
}

func (q *recordingQueue) all() []model.NetworkCallRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.NetworkCallRecord(nil), q.recs...)
}

func networkCallMessage(t *testing.T, source string, call map[string]any) Message {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": MessageTag, "networkCall": call})
	require.NoError(t, err)
	return Message{Source: source, Data: data}
}

func TestBridgeBuildsRecord(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q)

	msg := networkCallMessage(t, pageOrigin, map[string]any{
		"type":      "json",
		"url":       "https://api.news.example/feed",
		"headers":   "x-test",
		"timestamp": 1700000000000,
		"data":      map[string]any{"a": 1},
		"host":      "api.news.example",
	})

	rec, ok := b.Handle(msg)
	require.True(t, ok)

	// {"a":1} is 7 bytes, "x-test" is 6 bytes.
	assert.Equal(t, int64(13), rec.Size)
	assert.Equal(t, model.KindJSON, rec.Type)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, int64(1700000000000), rec.Timestamp)
	assert.True(t, rec.ManuallyCalculated)
	assert.Empty(t, rec.UID)
	assert.Equal(t, []model.NetworkCallRecord{rec}, q.all())
}

func TestBridgeSizeIsBodyPlusHeaders(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q)

	rec, ok := b.Handle(networkCallMessage(t, pageOrigin, map[string]any{
		"type":      "json",
		"url":       "https://a.example",
		"headers":   "x-test2",
		"timestamp": 1,
		"data":      map[string]any{"a": "1"},
	}))
	require.True(t, ok)
	assert.Equal(t, int64(9+7), rec.Size)
}

func TestBridgeUnknownKindCountsHeadersOnly(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q)

	rec, ok := b.Handle(networkCallMessage(t, pageOrigin, map[string]any{
		"type":    "document",
		"url":     "https://a.example",
		"headers": "abc",
		"data":    "<html></html>",
	}))
	require.True(t, ok, "an unsupported kind degrades to zero body size, the event survives")
	assert.Equal(t, int64(3), rec.Size)
	assert.Equal(t, model.KindText, rec.Type, "filed under a kind the ingestion API accepts")
	assert.True(t, rec.Type.Valid())
}

func TestBridgeFillsMissingTimestampFromClock(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(now)

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q, WithClock(clock))

	rec, ok := b.Handle(networkCallMessage(t, pageOrigin, map[string]any{
		"type": "text", "url": "https://a.example", "data": "hi",
	}))
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli(), rec.Timestamp)
	assert.Equal(t, int64(2), rec.Size)
}

func TestBridgeIgnoresForeignTraffic(t *testing.T) {
	t.Parallel()

	call := map[string]any{"type": "text", "url": "https://a.example", "data": "hi"}

	wrongTag, err := json.Marshal(map[string]any{"type": "analytics", "networkCall": call})
	require.NoError(t, err)
	noPayload, err := json.Marshal(map[string]any{"type": MessageTag})
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  Message
	}{
		{"foreign origin", networkCallMessage(t, "https://ads.example", call)},
		{"empty origin", networkCallMessage(t, "", call)},
		{"wrong tag", Message{Source: pageOrigin, Data: wrongTag}},
		{"no payload", Message{Source: pageOrigin, Data: noPayload}},
		{"not json", Message{Source: pageOrigin, Data: json.RawMessage(`hello`)}},
		{"null payload", Message{Source: pageOrigin, Data: json.RawMessage(`{"type":"networkCall","networkCall":null}`)}},
	}

	m := metrics.New()
	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q, WithMetrics(m))

	for _, tt := range tests {
		_, ok := b.Handle(tt.msg)
		assert.False(t, ok, tt.name)
	}

	assert.Empty(t, q.all(), "no record may be produced for filtered messages")
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(m.BridgeIgnoredTotal))
	assert.Zero(t, testutil.ToFloat64(m.BridgeAcceptedTotal))
}

func TestBridgeCustomPolicy(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	anySubdomain := func(installed, source string) bool { return source == installed || source == "https://www.news.example" }
	b := NewBridge(pageOrigin, "user-1", q, WithPolicy(anySubdomain))

	_, ok := b.Handle(networkCallMessage(t, "https://www.news.example", map[string]any{"type": "text", "url": "u", "data": "x"}))
	assert.True(t, ok)
}

func TestBridgePostNeverBlocks(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	b := NewBridge(pageOrigin, "user-1", &recordingQueue{}, WithMailboxSize(2), WithMetrics(m))
	msg := Message{Source: pageOrigin}

	assert.True(t, b.Post(msg))
	assert.True(t, b.Post(msg))
	assert.False(t, b.Post(msg), "full mailbox drops instead of blocking")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BridgeDroppedTotal))
}

func TestBridgeRun(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		require.True(t, b.Post(networkCallMessage(t, pageOrigin, map[string]any{
			"type": "text", "url": "https://a.example", "data": "abc", "timestamp": i + 1,
		})))
	}

	require.Eventually(t, func() bool { return len(q.all()) == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	for i, rec := range q.all() {
		assert.Equal(t, int64(i+1), rec.Timestamp, "mailbox preserves order")
	}
}

func TestBridgeRunDrainsOnCancel(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	b := NewBridge(pageOrigin, "user-1", q)

	for i := 0; i < 2; i++ {
		require.True(t, b.Post(networkCallMessage(t, pageOrigin, map[string]any{
			"type": "text", "url": "https://a.example", "data": "x", "timestamp": i + 1,
		})))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	assert.Len(t, q.all(), 2, "messages posted before teardown are not lost")
}

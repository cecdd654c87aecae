package delivery

import (
	"context"
	"sync"
	"time"

	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/spool"

	"github.com/coder/quartz"
	"github.com/rs/zerolog/log"
)

// Transport delivers one record. An error means "not delivered as far as we
// know"; the record is retried even if the other side actually committed it.
// A *RejectedError is final: the record is dropped, not retried.
type Transport interface {
	Send(ctx context.Context, rec model.NetworkCallRecord) error
}

// FlushResult summarizes one flush cycle.
type FlushResult struct {
	Sent     int
	Requeued int
	Rejected int
}

// Queue
// ------------------------------------------------------------
// Outbound buffer between the capture bridge and the ingestion API.
//
//   - Enqueue appends and triggers an asynchronous flush. Never blocks,
//     never fails, whatever the transport is doing.
//   - Flush snapshots and clears the buffer in one step, sends every record
//     concurrently, waits for all of them, then re-appends the failures in
//     snapshot order. Records enqueued during the flush are neither lost
//     nor sent twice by that flush.
//
// Delivery is at-least-once for transient failures. A record the server
// rejects outright (4xx, see RejectedError) is logged and dropped. There is no backoff; failures are retried on
// the next trigger (an Enqueue or the retry ticker).
//
// One Queue per collector session. Close tears it down and, when a spool is
// configured, writes the still pending records to disk so the next session
// picks them up again.
type Queue struct {
	transport Transport
	metrics   *metrics.Metrics
	clock     quartz.Clock
	spool     *spool.Spool

	autoFlush     bool
	retryInterval time.Duration

	mu      sync.Mutex
	pending []model.NetworkCallRecord
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

type Option func(*Queue)

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

func WithClock(c quartz.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithSpool persists pending records across sessions.
func WithSpool(s *spool.Spool) Option { return func(q *Queue) { q.spool = s } }

// WithAutoFlush controls whether Enqueue triggers a flush (default true).
func WithAutoFlush(on bool) Option { return func(q *Queue) { q.autoFlush = on } }

// WithRetryInterval flushes pending records every d. 0 disables.
func WithRetryInterval(d time.Duration) Option { return func(q *Queue) { q.retryInterval = d } }

// NewQueue creates a queue and restores records a previous session spooled.
func NewQueue(t Transport, opts ...Option) *Queue {
	q := &Queue{
		transport: t,
		clock:     quartz.NewReal(),
		autoFlush: true,
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = metrics.New()
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	if q.spool != nil {
		restored, err := spool.Drain[model.NetworkCallRecord](q.spool)
		if err != nil {
			log.Warn().Err(err).Msg("restore spooled records")
		}
		if len(restored) > 0 {
			q.pending = append(q.pending, restored...)
			q.metrics.QueuePending.Set(float64(len(q.pending)))
			log.Info().Int("records", len(restored)).Msg("restored spooled records")
		}
	}

	if q.retryInterval > 0 {
		q.wg.Add(1)
		go q.retryLoop()
	}
	return q
}

// Enqueue appends rec and triggers a flush. After Close the record goes
// straight to the spool (or is dropped with a warning when there is none).
func (q *Queue) Enqueue(rec model.NetworkCallRecord) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.spill([]model.NetworkCallRecord{rec})
		return
	}
	q.pending = append(q.pending, rec)
	q.metrics.QueuePending.Set(float64(len(q.pending)))
	// wg.Add under the lock so Close cannot start waiting in between.
	trigger := q.autoFlush
	if trigger {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.QueueEnqueuedTotal.Inc()

	if trigger {
		go func() {
			defer q.wg.Done()
			q.Flush(q.ctx)
		}()
	}
}

// Flush runs one delivery cycle over a snapshot of the buffer.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	batch := q.snapshot()
	if len(batch) == 0 {
		return FlushResult{}
	}

	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.transport.Send(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	var failed []model.NetworkCallRecord
	rejectedN := 0
	for i, err := range errs {
		if IsRejected(err) {
			rejectedN++
			q.metrics.QueueRejectedTotal.Inc()
			log.Warn().Err(err).Str("url", batch[i].URL).Str("type", string(batch[i].Type)).Msg("record rejected by server, dropped")
			continue
		}
		if err != nil {
			q.metrics.QueueSendErrorsTotal.Inc()
			log.Debug().Err(err).Str("url", batch[i].URL).Msg("send failed, record re-enqueued")
			failed = append(failed, batch[i])
			continue
		}
		q.metrics.QueueSentTotal.Inc()
	}

	if len(failed) > 0 {
		q.requeue(failed)
	}
	return FlushResult{Sent: len(batch) - len(failed) - rejectedN, Requeued: len(failed), Rejected: rejectedN}
}

// Pending returns a copy of the buffer, in order.
func (q *Queue) Pending() []model.NetworkCallRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.NetworkCallRecord(nil), q.pending...)
}

// Len is the number of buffered records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until every flush triggered so far has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close stops the retry loop, cancels in-flight sends, waits for running
// flushes and spills whatever is still pending. Safe to call twice.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.cancel()
		q.wg.Wait()

		q.spill(q.snapshot())
	})
}

// snapshot takes the current buffer and resets it in one step.
func (q *Queue) snapshot() []model.NetworkCallRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	q.metrics.QueuePending.Set(0)
	return batch
}

func (q *Queue) requeue(recs []model.NetworkCallRecord) {
	q.mu.Lock()
	q.pending = append(q.pending, recs...)
	q.metrics.QueuePending.Set(float64(len(q.pending)))
	q.mu.Unlock()
}

func (q *Queue) spill(recs []model.NetworkCallRecord) {
	if len(recs) == 0 {
		return
	}
	if q.spool == nil {
		log.Warn().Int("records", len(recs)).Msg("queue closed without spool, pending records lost")
		return
	}
	if err := spool.SaveItems(q.spool, recs); err != nil {
		log.Error().Err(err).Int("records", len(recs)).Msg("spill pending records")
		return
	}
	log.Info().Int("records", len(recs)).Msg("pending records spooled")
}

// retryLoop re-flushes failed records on a fixed interval, no backoff.
func (q *Queue) retryLoop() {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.retryInterval, "queue", "retry")
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Flush(q.ctx)
			}
		}
	}
}

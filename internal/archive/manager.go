// Package archive ships every persisted network call to S3 as partitioned
// gzip JSONL objects, with a local spool as dead letter queue.
package archive

import (
	"context"
	"os"
	"sync"
	"time"

	"carbon-ingest/internal/config"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/spool"

	"github.com/coder/quartz"
	"github.com/rs/zerolog/log"
)

// dlqPerRound is how many spooled files are retried per upload or idle tick,
// so the DLQ keeps draining while live traffic is flowing.
const dlqPerRound = 3

// Manager
// ------------------------------------------------------------
// Raw archive pipeline.
//
//	Submit ─> in ─> collectLoop ─(batch)─> uploadCh ─> uploadLoop ─> S3
//	                                                      │ fail
//	                                                      └─> spool (DLQ) ─> retried when idle
//
//   - collectLoop cuts a batch at BatchSize or every FlushInterval
//   - uploadLoop encodes gzip JSONL and uploads with retries; a batch that
//     still fails lands in the spool
//   - Shutdown stops intake and drains everything already submitted
type Manager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader *Uploader
	dlq      *spool.Spool
	clock    quartz.Clock
	loc      *time.Location

	idleInterval time.Duration

	mu       sync.RWMutex
	closed   bool
	in       chan model.NetworkCallRecord
	uploadCh chan []model.NetworkCallRecord

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Option func(*Manager)

func WithClock(c quartz.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithIdleInterval sets how often the DLQ is retried when no batch arrives.
func WithIdleInterval(d time.Duration) Option { return func(m *Manager) { m.idleInterval = d } }

// WithPartitionLocation sets the timezone of the dt/hr key partitions (default UTC).
func WithPartitionLocation(loc *time.Location) Option { return func(m *Manager) { m.loc = loc } }

func NewManager(cfg config.Config, up *Uploader, dlq *spool.Spool, m *metrics.Metrics, opts ...Option) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	mgr := &Manager{
		cfg:          cfg,
		metrics:      m,
		uploader:     up,
		dlq:          dlq,
		clock:        quartz.NewReal(),
		loc:          time.UTC,
		idleInterval: time.Second,
		in:           make(chan model.NetworkCallRecord, max(cfg.ChannelSize, 1)),
		uploadCh:     make(chan []model.NetworkCallRecord, max(cfg.UploadQueue, 1)),
	}
	for _, o := range opts {
		o(mgr)
	}
	return mgr
}

// Start runs collectLoop and uploadLoop.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go m.collectLoop()
	go m.uploadLoop()
}

// Submit hands rec to the pipeline without blocking.
// Returns false when the intake is full or the manager is shut down.
func (m *Manager) Submit(rec model.NetworkCallRecord) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.in <- rec:
		return true
	default:
		m.metrics.ArchiveDroppedTotal.Inc()
		log.Warn().Str("uid", rec.UID).Msg("archive intake full, record not archived")
		return false
	}
}

// Shutdown closes intake and waits until submitted records are uploaded or
// spooled. When ctx expires first, in-flight uploads are cancelled; their
// batches go to the spool.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.in)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("archive drain deadline reached, cancelling uploads")
		m.stop()
		<-done
	}
	m.stop()
}

func (m *Manager) stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// collectLoop batches records by size or time. Each flush hands over a
// fresh slice; the old one is never reused.
func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	batch := make([]model.NetworkCallRecord, 0, m.cfg.BatchSize)
	timer := m.clock.NewTimer(m.cfg.FlushInterval, "archive", "flush")
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			m.uploadCh <- batch
			batch = make([]model.NetworkCallRecord, 0, m.cfg.BatchSize)
		}
		timer.Reset(m.cfg.FlushInterval, "archive", "flush")
	}

	for {
		select {
		case rec, ok := <-m.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}

		case <-timer.C:
			flush()
		}
	}
}

// uploadLoop uploads batches until uploadCh is closed, retrying a few DLQ
// files after each batch and on every idle tick.
func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	idle := m.clock.NewTicker(m.idleInterval, "archive", "idle")
	defer idle.Stop()

	for {
		select {
		case batch, ok := <-m.uploadCh:
			if !ok {
				log.Info().Msg("archive uploader exiting")
				return
			}
			m.processBatch(m.ctx, batch)
			m.drainDLQ(m.ctx)

		case <-idle.C:
			m.drainDLQ(m.ctx)
		}
	}
}

func (m *Manager) drainDLQ(ctx context.Context) {
	for i := 0; i < dlqPerRound; i++ {
		if !m.ReuploadOne(ctx) {
			return
		}
	}
}

// processBatch encodes one batch and uploads it under the raw prefix.
// Upload failure saves the encoded bytes into the DLQ.
func (m *Manager) processBatch(ctx context.Context, batch []model.NetworkCallRecord) {
	if len(batch) == 0 {
		return
	}

	data, err := spool.EncodeJSONLGZ(batch)
	if err != nil {
		m.metrics.DLQEventsDroppedTotal.Add(float64(len(batch)))
		log.Error().Err(err).Int("records", len(batch)).Msg("encode archive batch")
		return
	}

	name := m.dlq.NewFilename()
	key := BuildKey(m.cfg.RawPrefix, name, m.clock.Now(), m.loc)

	if err := m.uploader.UploadBytes(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("key", key).Int("records", len(batch)).Msg("archive upload failed, saving to DLQ")
		if _, err2 := m.dlq.Save(data, len(batch)); err2 != nil {
			log.Error().Err(err2).Msg("local DLQ save failed")
		}
		return
	}
	m.metrics.S3EventsStoredTotal.Add(float64(len(batch)))
}

// ReuploadOne
//
// Takes the oldest DLQ file and uploads it again: valid gzip JSONL goes
// to the raw prefix, anything else to the DLQ prefix. Expired files are
// deleted instead. Returns false when there was nothing to do or the
// upload failed.
func (m *Manager) ReuploadOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := m.dlq.Oldest()
	if name == "" {
		return false
	}

	if m.dlq.Expired(name) {
		m.dlq.Expire(name)
		log.Info().Str("file", name).Msg("DLQ file expired, deleted")
		return true
	}

	path := m.dlq.Path(name)
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("DLQ open failed")
		m.dlq.Remove(name)
		return true
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("DLQ stat failed")
		return false
	}

	valid := spool.ValidJSONLGZ(f)
	prefix := m.cfg.DLQPrefix
	if valid {
		prefix = m.cfg.RawPrefix
	}
	key := BuildKey(prefix, name, m.clock.Now(), m.loc)

	if err := m.uploader.UploadFile(ctx, key, f, info.Size()); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("DLQ reupload failed")
		return false
	}

	n := m.dlq.NumEvents(name)
	m.dlq.Remove(name)
	m.metrics.DLQEventsReuploadedTotal.Add(float64(n))
	log.Info().Str("key", key).Int64("records", n).Bool("raw", valid).Msg("DLQ file reuploaded")
	return true
}

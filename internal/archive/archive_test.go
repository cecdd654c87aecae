package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"carbon-ingest/internal/config"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/spool"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type object struct {
	key  string
	body []byte
}

// fakeS3 fails the first failFirst calls, or every call while down is set.
type fakeS3 struct {
	mu        sync.Mutex
	down      bool
	failFirst int
	calls     int
	objects   []object
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down || f.calls <= f.failFirst {
		return nil, errors.New("503 slow down")
	}
	f.objects = append(f.objects, object{key: *in.Key, body: body})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeS3) stored() []object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]object(nil), f.objects...)
}

func testConfig() config.Config {
	return config.Config{
		ArchiveBucket: "usage-archive",
		RawPrefix:     "raw",
		DLQPrefix:     "raw_dlq",
		ChannelSize:   16,
		UploadQueue:   4,
		BatchSize:     2,
		FlushInterval: time.Hour,
		S3Timeout:     time.Second,
		S3AppRetries:  1,
	}
}

func newUploader(cfg config.Config, s *fakeS3, m *metrics.Metrics) *Uploader {
	u := NewUploader(cfg, s, m)
	u.backoff = time.Millisecond
	u.maxBackoff = 2 * time.Millisecond
	return u
}

func newSpool(t *testing.T, clock quartz.Clock, m *metrics.Metrics) *spool.Spool {
	sp, err := spool.Open(spool.Options{
		Dir:        t.TempDir(),
		InstanceID: "ingest1",
		MaxAge:     time.Hour,
		Clock:      clock,
		Metrics:    m,
	})
	require.NoError(t, err)
	return sp
}

func recs(n int) []model.NetworkCallRecord {
	out := make([]model.NetworkCallRecord, n)
	for i := range out {
		out[i] = model.NetworkCallRecord{
			UID:       string(rune('a' + i)),
			Type:      model.KindJSON,
			URL:       "https://api.example.com",
			UserID:    "alice",
			Timestamp: int64(i + 1),
			Size:      int64(i),
		}
	}
	return out
}

func TestBuildKey(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 10, 0, 0, time.UTC)
	assert.Equal(t, "raw/dt=2024-12-31/hr=23/f.jsonl.gz", BuildKey("raw", "f.jsonl.gz", ts, nil))

	kst := time.FixedZone("KST", 9*3600)
	assert.Equal(t, "raw/dt=2025-01-01/hr=08/f.jsonl.gz", BuildKey("raw", "f.jsonl.gz", ts, kst))
}

func TestUploaderRetries(t *testing.T) {
	cfg := testConfig()
	cfg.S3AppRetries = 3
	m := metrics.New()

	s := &fakeS3{failFirst: 2}
	require.NoError(t, newUploader(cfg, s, m).UploadBytes(context.Background(), "k", []byte("payload")))
	require.Len(t, s.stored(), 1)
	assert.Equal(t, []byte("payload"), s.stored()[0].body, "body is re-read on every attempt")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.S3PutErrorsTotal))

	down := &fakeS3{down: true}
	err := newUploader(cfg, down, m).UploadBytes(context.Background(), "k", []byte("x"))
	assert.Error(t, err)
	assert.Equal(t, 3, down.calls)
}

func TestUploaderStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.S3AppRetries = 5
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeS3{}
	err := newUploader(cfg, s, metrics.New()).UploadBytes(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.calls)
}

func TestManagerBatchesBySize(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()
	s := &fakeS3{}
	mgr := NewManager(cfg, newUploader(cfg, s, m), newSpool(t, quartz.NewReal(), m), m)
	mgr.Start()

	in := recs(5)
	for _, r := range in {
		require.True(t, mgr.Submit(r))
	}
	mgr.Shutdown(context.Background())

	objs := s.stored()
	require.Len(t, objs, 3, "2 + 2 by size, the remainder on shutdown")

	var got []model.NetworkCallRecord
	for _, o := range objs {
		assert.True(t, strings.HasPrefix(o.key, "raw/dt="), o.key)
		assert.Contains(t, o.key, "_ingest1_")
		batch, err := spool.DecodeJSONLGZ[model.NetworkCallRecord](bytes.NewReader(o.body))
		require.NoError(t, err)
		got = append(got, batch...)
	}
	assert.Equal(t, in, got)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.S3EventsStoredTotal))

	assert.False(t, mgr.Submit(in[0]), "intake closed after shutdown")
}

func TestManagerFlushesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 20 * time.Millisecond
	m := metrics.New()
	s := &fakeS3{}
	mgr := NewManager(cfg, newUploader(cfg, s, m), newSpool(t, quartz.NewReal(), m), m)
	mgr.Start()
	defer mgr.Shutdown(context.Background())

	mgr.Submit(recs(1)[0])
	require.Eventually(t, func() bool { return len(s.stored()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestFailedUploadGoesToDLQAndIsReuploaded(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()
	s := &fakeS3{down: true}
	sp := newSpool(t, quartz.NewReal(), m)
	mgr := NewManager(cfg, newUploader(cfg, s, m), sp, m, WithIdleInterval(time.Hour))
	mgr.Start()

	for _, r := range recs(2) {
		mgr.Submit(r)
	}
	mgr.Shutdown(context.Background())

	require.Len(t, sp.Files(), 1)
	assert.Equal(t, int64(2), sp.NumEvents(sp.Oldest()))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DLQEventsEnqueuedTotal))

	s.setDown(false)
	assert.True(t, mgr.ReuploadOne(context.Background()))
	assert.Empty(t, sp.Files())

	objs := s.stored()
	require.Len(t, objs, 1)
	assert.True(t, strings.HasPrefix(objs[0].key, "raw/"), objs[0].key)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DLQEventsReuploadedTotal))

	assert.False(t, mgr.ReuploadOne(context.Background()), "nothing left")
}

func TestCorruptDLQFileGoesToDLQPrefix(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()
	s := &fakeS3{}
	sp := newSpool(t, quartz.NewReal(), m)
	mgr := NewManager(cfg, newUploader(cfg, s, m), sp, m)

	_, err := sp.Save([]byte("definitely not gzip"), 1)
	require.NoError(t, err)

	assert.True(t, mgr.ReuploadOne(context.Background()))
	objs := s.stored()
	require.Len(t, objs, 1)
	assert.True(t, strings.HasPrefix(objs[0].key, "raw_dlq/"), objs[0].key)
}

func TestExpiredDLQFileIsDeleted(t *testing.T) {
	cfg := testConfig()
	m := metrics.New()
	clock := quartz.NewMock(t)
	s := &fakeS3{}
	sp := newSpool(t, clock, m)
	mgr := NewManager(cfg, newUploader(cfg, s, m), sp, m, WithClock(clock))

	data, err := spool.EncodeJSONLGZ(recs(1))
	require.NoError(t, err)
	name, err := sp.Save(data, 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	assert.True(t, mgr.ReuploadOne(context.Background()))
	assert.Empty(t, s.stored())
	_, err = os.Stat(sp.Path(name))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DLQFilesExpiredTotal))
}

func TestSubmitNeverBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelSize = 1
	m := metrics.New()
	mgr := NewManager(cfg, newUploader(cfg, &fakeS3{}, m), newSpool(t, quartz.NewReal(), m), m)
	// not started: nothing drains the intake

	assert.True(t, mgr.Submit(recs(1)[0]))
	assert.False(t, mgr.Submit(recs(1)[0]))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveDroppedTotal))
}

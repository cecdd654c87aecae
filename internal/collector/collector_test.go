package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carbon-ingest/internal/aggregate"
	"carbon-ingest/internal/auth"
	"carbon-ingest/internal/capture"
	"carbon-ingest/internal/config"
	"carbon-ingest/internal/delivery"
	"carbon-ingest/internal/ingest"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/server"
	"carbon-ingest/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageOrigin = "https://shop.example"

// ingestAPI runs the real ingestion server on a memory store.
func ingestAPI(t *testing.T) (*httptest.Server, *store.Memory, string) {
	t.Helper()
	st := store.NewMemory()
	m := metrics.New()
	v := auth.NewVerifier("collector-test")
	srv := server.New(config.Config{MaxBodySize: 1 << 20}, m,
		ingest.New(st, ingest.WithMetrics(m)),
		aggregate.New(st, aggregate.WithMetrics(m)),
		v,
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	tok, err := v.Issue("user-1", time.Hour)
	require.NoError(t, err)
	return ts, st, tok
}

func collectorConfig(t *testing.T, ingestURL, token string) config.Collector {
	return config.Collector{
		Origin:      pageOrigin,
		MaxBodySize: 4 * 1024,
		MailboxSize: 16,
		IngestURL:   ingestURL,
		UserID:      "user-1",
		AuthToken:   token,
		SendTimeout: 2 * time.Second,
		SpoolDir:    t.TempDir(),
		SpoolMaxAge: time.Hour,
	}
}

func post(h http.Handler, origin, body string) int {
	req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(body))
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

const jsonCall = `{"type":"networkCall","networkCall":{"type":"json","url":"https://api.shop.example/cart","headers":"x-test","timestamp":1700000000000,"data":{"a":1},"host":"shop.example"}}`

func TestCaptureToStorage(t *testing.T) {
	api, st, tok := ingestAPI(t)
	cfg := collectorConfig(t, api.URL, tok)
	m := metrics.New()

	sess, err := Open(cfg, delivery.NewHTTPTransport(api.URL, tok, cfg.SendTimeout, api.Client()), m)
	require.NoError(t, err)
	defer sess.Close()

	mux := NewHandler(cfg.MaxBodySize, m, sess.Bridge).Mux()

	assert.Equal(t, http.StatusAccepted, post(mux, pageOrigin, jsonCall))
	// foreign origin: accepted at the door, ignored by the bridge
	assert.Equal(t, http.StatusAccepted, post(mux, "https://ads.example", jsonCall))

	var recs []model.NetworkCallRecord
	require.Eventually(t, func() bool {
		recs, _ = st.RecordsForUser(context.Background(), "user-1")
		return len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 13, recs[0].Size, `{"a":1} is 7 bytes, "x-test" 6`)
	assert.Equal(t, "https://api.shop.example/cart", recs[0].URL)
	assert.True(t, recs[0].ManuallyCalculated)
	assert.NotEmpty(t, recs[0].UID)

	sess.Queue.Wait()
	assert.Never(t, func() bool {
		recs, _ = st.RecordsForUser(context.Background(), "user-1")
		return len(recs) != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestUnknownKindIsDeliveredNotRetried(t *testing.T) {
	api, st, tok := ingestAPI(t)
	cfg := collectorConfig(t, api.URL, tok)
	m := metrics.New()

	sess, err := Open(cfg, delivery.NewHTTPTransport(api.URL, tok, cfg.SendTimeout, api.Client()), m)
	require.NoError(t, err)
	defer sess.Close()

	mux := NewHandler(cfg.MaxBodySize, m, sess.Bridge).Mux()
	doc := `{"type":"networkCall","networkCall":{"type":"document","url":"https://shop.example/page","headers":"x-test","timestamp":1700000000000,"data":"<html></html>"}}`
	require.Equal(t, http.StatusAccepted, post(mux, pageOrigin, doc))

	var recs []model.NetworkCallRecord
	require.Eventually(t, func() bool {
		recs, _ = st.RecordsForUser(context.Background(), "user-1")
		return len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.KindText, recs[0].Type)
	assert.EqualValues(t, 6, recs[0].Size, "body has no estimate, headers still count")
	sess.Queue.Wait()
	assert.Zero(t, sess.Queue.Len())
}

func TestPendingRecordsSurviveSessions(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	api, st, tok := ingestAPI(t)
	cfg := collectorConfig(t, down.URL, tok)

	first, err := Open(cfg, delivery.NewHTTPTransport(down.URL, tok, cfg.SendTimeout, down.Client()), nil)
	require.NoError(t, err)
	mux := NewHandler(cfg.MaxBodySize, metrics.New(), first.Bridge).Mux()
	require.Equal(t, http.StatusAccepted, post(mux, pageOrigin, jsonCall))

	require.Eventually(t, func() bool { return first.Queue.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	first.Queue.Wait()
	first.Close()

	second, err := Open(cfg, delivery.NewHTTPTransport(api.URL, tok, cfg.SendTimeout, api.Client()), nil)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, 1, second.Queue.Len(), "restored from spool")

	second.Queue.Flush(context.Background())
	recs, err := st.RecordsForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestHandleCollectStatuses(t *testing.T) {
	m := metrics.New()
	// bridge without a consumer: the mailbox fills up
	b := capture.NewBridge(pageOrigin, "user-1", nopQueue{}, capture.WithMailboxSize(1), capture.WithMetrics(m))
	h := NewHandler(64, m, b).Mux()

	req := httptest.NewRequest(http.MethodOptions, "/collect", nil)
	req.Header.Set("Origin", pageOrigin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, pageOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/collect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, http.StatusRequestEntityTooLarge, post(h, pageOrigin, `"`+strings.Repeat("x", 100)+`"`))
	assert.Equal(t, http.StatusBadRequest, post(h, pageOrigin, `{not json`))

	assert.Equal(t, http.StatusAccepted, post(h, pageOrigin, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, post(h, pageOrigin, `{}`))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSourceHeaderFallback(t *testing.T) {
	q := &captureQueue{}
	b := capture.NewBridge(pageOrigin, "user-1", q)
	h := NewHandler(4096, metrics.New(), b).Mux()

	req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(jsonCall))
	req.Header.Set(SourceHeader, pageOrigin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)
	assert.Len(t, q.recs, 1)
}

type nopQueue struct{}

func (nopQueue) Enqueue(model.NetworkCallRecord) {}

type captureQueue struct{ recs []model.NetworkCallRecord }

func (q *captureQueue) Enqueue(r model.NetworkCallRecord) { q.recs = append(q.recs, r) }

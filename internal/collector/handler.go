package collector

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"carbon-ingest/internal/capture"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/pool"

	json "github.com/goccy/go-json"
)

// SourceHeader names the message source when the page cannot set Origin.
const SourceHeader = "X-Capture-Source"

type Handler struct {
	maxBodySize int64
	metrics     *metrics.Metrics
	bridge      *capture.Bridge
}

func NewHandler(maxBodySize int64, m *metrics.Metrics, b *capture.Bridge) *Handler {
	return &Handler{maxBodySize: maxBodySize, metrics: m, bridge: b}
}

// HandleCollect
//
// Local intake for page instrumentation. The body is the window message,
// the Origin header (or X-Capture-Source) its source.
//
//   - OPTIONS: CORS preflight, 204
//   - POST only, body capped at maxBodySize (413)
//   - not JSON: 400
//   - 202 once the message is in the bridge mailbox, whether or not the
//     bridge later keeps it; foreign traffic is dropped there silently
//   - mailbox full: 503
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SourceHeader)
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.maxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.HTTPRequestsRejectedBodyTooLargeTotal.Inc()
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !json.Valid(buf.Bytes()) {
		h.metrics.HTTPRequestsTotal.WithLabelValues("/collect", "400").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get(SourceHeader)
	}

	// the pooled buffer is reused after return; the mailbox gets its own copy
	data := append(json.RawMessage(nil), buf.Bytes()...)

	if !h.bridge.Post(capture.Message{Source: source, Data: data}) {
		h.metrics.HTTPRequestsTotal.WithLabelValues("/collect", "503").Inc()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.metrics.HTTPRequestsTotal.WithLabelValues("/collect", "202").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// Mux serves /collect, /metrics and /health.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

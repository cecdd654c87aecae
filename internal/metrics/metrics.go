package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carbon"

// Metrics
// ------------------------------------------------------------
// Operational counters for both binaries. Each process registers the whole
// set on its own registry; counters a binary never touches simply stay at 0.
type Metrics struct {
	Registry *prometheus.Registry

	// ======================
	// HTTP
	// ======================

	// HTTPRequestsTotal counts every API request by route pattern and status code.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestsRejectedBodyTooLargeTotal counts 413 answers (MaxBodySize exceeded).
	HTTPRequestsRejectedBodyTooLargeTotal prometheus.Counter

	// ======================
	// Ingestion / storage
	// ======================

	// RecordsStoredTotal counts records persisted (single, batch and update paths).
	RecordsStoredTotal prometheus.Counter

	// StoreErrorsTotal counts failed persist/read calls against the store.
	StoreErrorsTotal prometheus.Counter

	// NotAuthorizedTotal counts owner mismatches rejected before persistence.
	NotAuthorizedTotal prometheus.Counter

	// BatchPartialFailuresTotal counts batch requests where some, not all, records failed.
	// Those records stay persisted while the caller sees an error.
	BatchPartialFailuresTotal prometheus.Counter

	// ======================
	// Capture / delivery (collector)
	// ======================

	BridgeAcceptedTotal prometheus.Counter
	BridgeIgnoredTotal  prometheus.Counter // foreign origin, unknown tag, empty payload
	BridgeDroppedTotal  prometheus.Counter // mailbox full

	QueueEnqueuedTotal   prometheus.Counter
	QueueSentTotal       prometheus.Counter
	QueueSendErrorsTotal prometheus.Counter // each failure re-enqueues the record
	QueueRejectedTotal   prometheus.Counter // 4xx from the server, record dropped
	QueuePending         prometheus.Gauge

	// ======================
	// Archive (S3 + DLQ)
	// ======================

	S3EventsStoredTotal prometheus.Counter
	S3PutErrorsTotal    prometheus.Counter // per attempt, retries included
	ArchiveDroppedTotal prometheus.Counter // intake channel full

	DLQEventsEnqueuedTotal   prometheus.Counter
	DLQEventsReuploadedTotal prometheus.Counter
	DLQEventsDroppedTotal    prometheus.Counter // capacity exhausted, data lost
	DLQFilesExpiredTotal     prometheus.Counter // TTL or capacity eviction
	DLQFilesCurrent          prometheus.Gauge
	DLQSizeBytes             prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestsRejectedBodyTooLargeTotal: counter("http_requests_rejected_body_too_large_total", "Requests rejected with 413."),

		RecordsStoredTotal:        counter("records_stored_total", "Network call records persisted."),
		StoreErrorsTotal:          counter("store_errors_total", "Failed store operations."),
		NotAuthorizedTotal:        counter("not_authorized_total", "Owner mismatches rejected."),
		BatchPartialFailuresTotal: counter("batch_partial_failures_total", "Batches that failed after persisting some records."),

		BridgeAcceptedTotal: counter("bridge_accepted_total", "Capture messages turned into records."),
		BridgeIgnoredTotal:  counter("bridge_ignored_total", "Capture messages ignored by the filter."),
		BridgeDroppedTotal:  counter("bridge_dropped_total", "Capture messages dropped on a full mailbox."),

		QueueEnqueuedTotal:   counter("queue_enqueued_total", "Records handed to the delivery queue."),
		QueueSentTotal:       counter("queue_sent_total", "Records delivered to the ingestion API."),
		QueueSendErrorsTotal: counter("queue_send_errors_total", "Failed send attempts, each re-enqueued."),
		QueueRejectedTotal:   counter("queue_rejected_total", "Records the ingestion API refused outright, dropped."),
		QueuePending:         gauge("queue_pending", "Records waiting in the delivery queue."),

		S3EventsStoredTotal: counter("s3_events_stored_total", "Records archived to S3."),
		S3PutErrorsTotal:    counter("s3_put_errors_total", "Failed S3 PutObject attempts."),
		ArchiveDroppedTotal: counter("archive_dropped_total", "Records not archived because the intake was full."),

		DLQEventsEnqueuedTotal:   counter("dlq_events_enqueued_total", "Records written to the local DLQ."),
		DLQEventsReuploadedTotal: counter("dlq_events_reuploaded_total", "Records recovered from the local DLQ."),
		DLQEventsDroppedTotal:    counter("dlq_events_dropped_total", "Records dropped because the DLQ was full."),
		DLQFilesExpiredTotal:     counter("dlq_files_expired_total", "DLQ files removed by TTL or capacity."),
		DLQFilesCurrent:          gauge("dlq_files_current", "DLQ files on disk."),
		DLQSizeBytes:             gauge("dlq_size_bytes", "Bytes held by the DLQ."),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

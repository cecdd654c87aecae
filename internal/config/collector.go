// internal/config/collector.go
package config

import (
	"path/filepath"
	"time"
)

// Collector
//
// Settings of the capture agent (one per browser profile / extension context).
type Collector struct {
	Log

	ListenAddr  string // local intake for page instrumentation, keep it on loopback
	Origin      string // the only message source the bridge accepts
	MaxBodySize int64
	MailboxSize int // bridge mailbox capacity

	IngestURL   string        // base URL of the ingestion server
	UserID      string        // owner stamped on every captured record
	AuthToken   string        // bearer token for the ingestion API
	SendTimeout time.Duration // per record HTTP attempt

	RetryInterval time.Duration // periodic re-flush of failed records, 0 disables

	SpoolDir          string // pending records survive teardown here, "" disables
	SpoolMaxAge       time.Duration
	SpoolMaxSizeBytes int64
}

// LoadCollector reads the collector settings from .env and the environment.
func LoadCollector() Collector {
	loadDotEnv()

	return Collector{
		Log: loadLog("carbon-collector"),

		ListenAddr:  envOr("COLLECTOR_ADDR", "127.0.0.1:8787"),
		Origin:      must("COLLECTOR_ORIGIN"),
		MaxBodySize: envOrInt64("MAX_BODY_SIZE", 4<<20),
		MailboxSize: envOrInt("MAILBOX_SIZE", 1024),

		IngestURL:   must("INGEST_URL"),
		UserID:      must("COLLECTOR_USER_ID"),
		AuthToken:   must("COLLECTOR_TOKEN"),
		SendTimeout: envOrDur("SEND_TIMEOUT", 10*time.Second),

		RetryInterval: envOrDur("RETRY_INTERVAL", 30*time.Second),

		SpoolDir:          envOr("SPOOL_DIR", filepath.Join("data", "spool")),
		SpoolMaxAge:       envOrDur("SPOOL_MAX_AGE", 7*24*time.Hour),
		SpoolMaxSizeBytes: envOrInt64("SPOOL_MAX_SIZE_BYTES", 64<<20),
	}
}

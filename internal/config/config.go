// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Log
//
// Logging settings shared by every binary.
type Log struct {
	ServiceName string // log field "service"
	InstanceID  string // hostname, random hex fallback
	Level       string // debug | info | warn | error
	Pretty      bool   // console writer instead of JSON
	SampleN     uint32 // keep 1/N debug+info lines, 0/1 disables sampling
}

func loadLog(service string) Log {
	return Log{
		ServiceName: envOr("SERVICE_NAME", service),
		InstanceID:  fallbackInstanceID(),
		Level:       envOr("LOG_LEVEL", "info"),
		Pretty:      envOrBool("LOG_PRETTY", false),
		SampleN:     uint32(envOrInt("LOG_SAMPLE_N", 0)),
	}
}

// Config
//
// Everything the ingestion server needs, read once from the environment by Load().
// Values never change after startup.
type Config struct {

	Log

	// ---------------------------
	// Network
	// ---------------------------

	HTTPAddr    string // bind address (":8080")
	MaxBodySize int64  // max request body in bytes

	// ---------------------------
	// Auth
	// ---------------------------

	JWTSecret string // HS256 key for bearer tokens

	// ---------------------------
	// Storage
	// ---------------------------

	StoreDriver      string // sqlite | memory
	DatabasePath     string // sqlite file
	BatchConcurrency int    // parallel persist calls per batch request

	// ---------------------------
	// Aggregation
	// ---------------------------

	Location    *time.Location // day boundary reference timezone
	KWHPerGB    float64
	GramsPerKWH float64

	// ---------------------------
	// Raw archive (optional, enabled when ArchiveBucket != "")
	// ---------------------------
	// SDK retries are pinned to 0 in the uploader; S3AppRetries is the only
	// retry knob, so retry latency stays predictable.

	AWSRegion     string
	ArchiveBucket string
	RawPrefix     string
	DLQPrefix     string

	ChannelSize   int           // archive intake channel
	UploadQueue   int           // encoded batch queue
	BatchSize     int           // records per archive object
	FlushInterval time.Duration // time based flush

	S3Timeout    time.Duration // per PutObject attempt
	S3AppRetries int

	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64
}

// ArchiveEnabled reports whether the raw archive pipeline should run.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// Load
//
// Reads .env (if present) and then the environment.
// Required keys fail fast; everything else has a default.
func Load() Config {
	loadDotEnv()

	cfg := Config{
		Log: loadLog("carbon-ingest"),

		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		MaxBodySize: envOrInt64("MAX_BODY_SIZE", 1<<20),

		JWTSecret: must("JWT_SECRET"),

		StoreDriver:      envOr("STORE_DRIVER", "sqlite"),
		DatabasePath:     envOr("DATABASE_PATH", filepath.Join("data", "usage.db")),
		BatchConcurrency: envOrInt("BATCH_CONCURRENCY", 16),

		Location:    mustLocation("USAGE_TIMEZONE"),
		KWHPerGB:    envOrFloat("KWH_PER_GB", 0.81),
		GramsPerKWH: envOrFloat("CO2_GRAMS_PER_KWH", 442),

		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),
	}

	if cfg.ArchiveEnabled() {
		cfg.AWSRegion = must("AWS_REGION")
		cfg.RawPrefix = envOr("RAW_PREFIX", "raw")
		cfg.DLQPrefix = envOr("DLQ_PREFIX", "raw_dlq")

		cfg.ChannelSize = envOrInt("CHANNEL_SIZE", 4096)
		cfg.UploadQueue = envOrInt("UPLOAD_QUEUE", 8)
		cfg.BatchSize = envOrInt("BATCH_SIZE", 500)
		cfg.FlushInterval = envOrDur("FLUSH_INTERVAL", 10*time.Second)

		cfg.S3Timeout = envOrDur("S3_TIMEOUT", 5*time.Second)
		cfg.S3AppRetries = envOrInt("S3_APP_RETRIES", 3)

		cfg.DLQDir = envOr("DLQ_DIR", filepath.Join("data", "dlq"))
		cfg.DLQMaxAge = envOrDur("DLQ_MAX_AGE", 72*time.Hour)
		cfg.DLQMaxSizeBytes = envOrInt64("DLQ_MAX_SIZE_BYTES", 512<<20)
	}

	return cfg
}

// loadDotEnv loads the first .env found in the working directory or its parent.
// Real environment variables always win over file values.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	for _, p := range []string{filepath.Join(cwd, ".env"), filepath.Join(filepath.Dir(cwd), ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// must / mustInt / mustDur
//
// Required keys: missing or malformed values stop the process at startup
// instead of surfacing as runtime failures later.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func mustInt(key string) int {
	v := must(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func mustDur(key string) time.Duration {
	v := must(key)
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// mustLocation accepts an IANA zone name. Empty means the host's local zone.
func mustLocation(key string) *time.Location {
	v := os.Getenv(key)
	if v == "" || v == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		log.Fatalf("invalid timezone env %s=%q: %v", key, v, err)
	}
	return loc
}

// envOr* return def when the key is unset; a malformed value is fatal.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if os.Getenv(key) == "" {
		return def
	}
	return mustInt(key)
}

func envOrInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envOrFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid float env %s=%q: %v", key, v, err)
	}
	return f
}

func envOrBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envOrDur(key string, def time.Duration) time.Duration {
	if os.Getenv(key) == "" {
		return def
	}
	return mustDur(key)
}

// fallbackInstanceID
//
// Identifies this process in logs and file names.
//   - default: hostname (unique per task/container)
//   - fallback: 12 random hex chars
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"carbon-ingest/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Called once at startup. Configures the global zerolog logger from cfg.
//
//  1. Format:
//     - LOG_PRETTY=true: colored console output for local development
//     - otherwise: one JSON object per line on stdout for log shipping
//
//  2. Common fields: every line carries "service" and "instance".
//
//  3. Sampling: with LOG_SAMPLE_N > 1, debug/info keep 1 of N lines.
//     Warn and error are never sampled.
//
// Usage:
//
//	logger.Init(cfg.Log)
//	log.Info().Msg("listening")
func Init(cfg config.Log) {
	zlog.Logger = New(cfg, os.Stdout)

	// Route stdlib log.Printf through zerolog as well.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New builds the logger Init installs, writing to out.
func New(cfg config.Log, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	w := out
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.SampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.SampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.SampleN},
		})
	}
	return base
}

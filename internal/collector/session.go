// Package collector runs the capture side of one browser session: the local
// intake, the bridge and the delivery queue.
package collector

import (
	"context"
	"fmt"

	"carbon-ingest/internal/capture"
	"carbon-ingest/internal/config"
	"carbon-ingest/internal/delivery"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/spool"

	"github.com/rs/zerolog/log"
)

// Session
// ------------------------------------------------------------
// Everything one activation owns. Created by Open, released by Close;
// nothing is shared with other sessions except the spool directory.
//
// Close order:
//  1. cancel the bridge (it handles what is already in its mailbox)
//  2. close the queue (waits for in-flight flushes, spools the rest)
type Session struct {
	Bridge *capture.Bridge
	Queue  *delivery.Queue

	cancel context.CancelFunc
	done   chan struct{}
}

// Open activates a session delivering through t. Records spooled by an
// earlier session in cfg.SpoolDir are picked up again.
func Open(cfg config.Collector, t delivery.Transport, m *metrics.Metrics) (*Session, error) {
	if m == nil {
		m = metrics.New()
	}

	qopts := []delivery.Option{
		delivery.WithMetrics(m),
		delivery.WithRetryInterval(cfg.RetryInterval),
	}
	if cfg.SpoolDir != "" {
		sp, err := spool.Open(spool.Options{
			Dir:          cfg.SpoolDir,
			InstanceID:   cfg.InstanceID,
			MaxAge:       cfg.SpoolMaxAge,
			MaxSizeBytes: cfg.SpoolMaxSizeBytes,
			Metrics:      m,
		})
		if err != nil {
			return nil, fmt.Errorf("open spool: %w", err)
		}
		qopts = append(qopts, delivery.WithSpool(sp))
	}

	q := delivery.NewQueue(t, qopts...)
	b := capture.NewBridge(cfg.Origin, cfg.UserID, q,
		capture.WithMetrics(m),
		capture.WithMailboxSize(cfg.MailboxSize),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Bridge: b,
		Queue:  q,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		b.Run(ctx)
	}()

	log.Info().
		Str("origin", cfg.Origin).
		Str("user_id", cfg.UserID).
		Int("restored", q.Len()).
		Msg("collector session started")
	return s, nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.cancel()
	<-s.done
	s.Queue.Close()
	log.Info().Msg("collector session closed")
}

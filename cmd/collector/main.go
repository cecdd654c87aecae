package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"carbon-ingest/internal/collector"
	"carbon-ingest/internal/config"
	"carbon-ingest/internal/delivery"
	"carbon-ingest/internal/logger"
	"carbon-ingest/internal/metrics"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadCollector()
	logger.Init(cfg.Log)
	m := metrics.New()

	transport := delivery.NewHTTPTransport(cfg.IngestURL, cfg.AuthToken, cfg.SendTimeout, nil)

	sess, err := collector.Open(cfg, transport, m)
	if err != nil {
		log.Fatal().Err(err).Msg("open collector session")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      collector.NewHandler(cfg.MaxBodySize, m, sess.Bridge).Mux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("ingest", cfg.IngestURL).Msg("collector listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("collector intake terminated")
		}
	}

	// intake first, then the session: nothing new can reach the bridge
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("collector http shutdown")
	}
	sess.Close()

	log.Info().Msg("collector stopped")
}

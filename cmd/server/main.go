package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"carbon-ingest/internal/aggregate"
	"carbon-ingest/internal/archive"
	"carbon-ingest/internal/auth"
	"carbon-ingest/internal/carbon"
	"carbon-ingest/internal/config"
	"carbon-ingest/internal/ingest"
	"carbon-ingest/internal/logger"
	"carbon-ingest/internal/metrics"
	"carbon-ingest/internal/server"
	"carbon-ingest/internal/spool"
	"carbon-ingest/internal/store"

	"github.com/rs/zerolog/log"
)

const shutdownGrace = 15 * time.Second

func main() {

	// ====================================================================
	// Config, logging, metrics
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg.Log)
	m := metrics.New()

	// ====================================================================
	// Storage
	// ====================================================================
	st, err := store.Open(cfg.StoreDriver, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}

	cm := carbon.Model{KWHPerGB: cfg.KWHPerGB, GramsPerKWH: cfg.GramsPerKWH}

	ingestOpts := []ingest.Option{
		ingest.WithMetrics(m),
		ingest.WithLocation(cfg.Location),
		ingest.WithCarbonModel(cm),
		ingest.WithConcurrency(cfg.BatchConcurrency),
	}

	// ====================================================================
	// Raw archive (optional)
	// ====================================================================
	//
	// Every persisted record is also shipped to S3 as gzip JSONL.
	// Upload failures wait in the local DLQ and are retried when idle.
	// ====================================================================
	var mgr *archive.Manager
	if cfg.ArchiveEnabled() {
		client, err := archive.NewS3Client(context.Background(), cfg.AWSRegion)
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 client")
		}
		dlq, err := spool.Open(spool.Options{
			Dir:          cfg.DLQDir,
			InstanceID:   cfg.InstanceID,
			MaxAge:       cfg.DLQMaxAge,
			MaxSizeBytes: cfg.DLQMaxSizeBytes,
			Metrics:      m,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("open dlq")
		}
		mgr = archive.NewManager(cfg, archive.NewUploader(cfg, client, m), dlq, m)
		mgr.Start()
		ingestOpts = append(ingestOpts, ingest.WithArchive(mgr))
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("raw archive enabled")
	}

	svc := ingest.New(st, ingestOpts...)
	eng := aggregate.New(st,
		aggregate.WithMetrics(m),
		aggregate.WithLocation(cfg.Location),
		aggregate.WithCarbonModel(cm),
	)

	srv := server.New(cfg, m, svc, eng, auth.NewVerifier(cfg.JWTSecret)).HTTPServer()

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//
	// On SIGTERM/SIGINT:
	//   1. stop accepting requests and let in-flight ones finish
	//   2. drain the archive (remaining batches are uploaded or spooled)
	//   3. close the store
	// ====================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("ingestion server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server terminated")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if mgr != nil {
		log.Info().Msg("draining raw archive")
		mgr.Shutdown(shutdownCtx)
	}
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}

	log.Info().Msg("shutdown complete")
}

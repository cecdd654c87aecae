// Package server exposes ingestion and aggregation over HTTP.
package server

import (
	"net/http"
	"strconv"
	"time"

	"carbon-ingest/internal/aggregate"
	"carbon-ingest/internal/auth"
	"carbon-ingest/internal/config"
	"carbon-ingest/internal/ingest"
	"carbon-ingest/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Server struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	ingest   *ingest.Service
	agg      *aggregate.Engine
	verifier *auth.Verifier
}

func New(cfg config.Config, m *metrics.Metrics, svc *ingest.Service, eng *aggregate.Engine, v *auth.Verifier) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  m,
		ingest:   svc,
		agg:      eng,
		verifier: v,
	}
}

// Router
//
//	GET  /health
//	GET  /metrics
//	POST /network-call
//	POST /network-call/batch
//	PUT  /network-call/{uid}
//	GET  /network-call/user/{uid}
//	GET  /network-call/users/usage-details/{uid}
//	GET  /network-call/total-usage/{numberOfDays}
//
// Everything under /network-call needs a bearer token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/network-call", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/", s.handleCreate)
		r.Post("/batch", s.handleCreateBatch)
		r.Put("/", s.handleUpdate)
		r.Put("/{uid}", s.handleUpdate)
		r.Get("/user/{uid}", s.handleUserCalls)
		r.Get("/users/usage-details/{uid}", s.handleUsageDetails)
		r.Get("/total-usage/{numberOfDays}", s.handleTotalUsage)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// HTTPServer wraps Router with the listener timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.Router(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.verifier.FromRequest(r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
			writeStatus(w, http.StatusUnauthorized, "not authorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				writeStatus(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog logs one line per request and counts it by route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		} else if status >= http.StatusBadRequest {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("ip", clientIP(r)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

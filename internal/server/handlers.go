package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"carbon-ingest/internal/aggregate"
	"carbon-ingest/internal/apperr"
	"carbon-ingest/internal/auth"
	"carbon-ingest/internal/model"
	"carbon-ingest/internal/pool"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

type uidResponse struct {
	UID string `json:"uid"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type callsResponse struct {
	NetworkCalls []model.NetworkCallRecord `json:"networkCalls"`
}

// totalUsageResponse keys usage by day start in epoch milliseconds.
type totalUsageResponse struct {
	Usage         map[int64]model.UsageSummary `json:"usage"`
	NumberOfUsers int                          `json:"numberOfUsers"`
}

// decodeBody reads at most MaxBodySize bytes through a pooled buffer and
// unmarshals them into v. Oversized bodies answer 413, malformed JSON 400;
// false means the response is already written.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, s.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.HTTPRequestsRejectedBodyTooLargeTotal.Inc()
			writeStatus(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeStatus(w, http.StatusBadRequest, "unreadable request body")
		return false
	}

	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		writeStatus(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return false
	}
	return true
}

// POST /network-call
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var rec model.NetworkCallRecord
	if !s.decodeBody(w, r, &rec) {
		return
	}
	uid, err := s.ingest.StoreOne(r.Context(), rec, auth.Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uidResponse{UID: uid})
}

// POST /network-call/batch
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req model.BatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ids, err := s.ingest.StoreBatch(r.Context(), req, auth.Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idsResponse{IDs: ids})
}

// PUT /network-call and PUT /network-call/{uid}
// The body must name the record it replaces; a path uid must agree with it.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var rec model.NetworkCallRecord
	if !s.decodeBody(w, r, &rec) {
		return
	}
	uid := rec.UID
	if uid == "" {
		writeError(w, r, apperr.BadRequest("uid is required"))
		return
	}
	if p := chi.URLParam(r, "uid"); p != "" && p != uid {
		writeError(w, r, apperr.BadRequest("uid in body does not match path"))
		return
	}
	if err := s.ingest.UpdateOne(r.Context(), uid, rec, auth.Caller(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uidResponse{UID: uid})
}

// GET /network-call/user/{uid}
func (s *Server) handleUserCalls(w http.ResponseWriter, r *http.Request) {
	recs, err := s.agg.UsageForUser(r.Context(), chi.URLParam(r, "uid"), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, callsResponse{NetworkCalls: recs})
}

// GET /network-call/users/usage-details/{uid}
func (s *Server) handleUsageDetails(w http.ResponseWriter, r *http.Request) {
	d, err := s.agg.UsageDetails(r.Context(), chi.URLParam(r, "uid"), auth.Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /network-call/total-usage/{numberOfDays}
// A missing or unparsable day count falls back to a week.
func (s *Server) handleTotalUsage(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(chi.URLParam(r, "numberOfDays"))
	if err != nil {
		days = aggregate.DefaultDays
	}
	usage, users, err := s.agg.TotalUsageSince(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totalUsageResponse{Usage: usage, NumberOfUsers: users})
}


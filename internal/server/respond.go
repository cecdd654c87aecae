package server

import (
	"errors"
	"net/http"

	"carbon-ingest/internal/apperr"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type errorItem struct {
	Message string `json:"message"`
}

type errorBody struct {
	Errors []errorItem `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// writeError answers with the status apperr maps err to.
// Storage failures never leak their cause to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.StatusCode(err)
	msg := err.Error()

	var dbErr *apperr.DatabaseConnectionError
	if status == http.StatusInternalServerError {
		if !errors.As(err, &dbErr) {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("unclassified error")
		}
		msg = "error connecting to database"
	}
	writeJSON(w, status, errorBody{Errors: []errorItem{{Message: msg}}})
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Errors: []errorItem{{Message: msg}}})
}

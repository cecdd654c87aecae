// internal/apperr/errors.go
package apperr

import (
	"errors"
	"net/http"
)

// ------------------------------------------------------------
// Error taxonomy shared by the ingestion and aggregation layers.
//
//   NotAuthorizedError      caller != resource owner      -> 401, never retried
//   BadRequestError         malformed / missing field     -> 400, client must fix
//   NotFoundError           unknown record uid            -> 404
//   DatabaseConnectionError storage unreachable/rejected  -> 500, client may retry
// ------------------------------------------------------------

type NotAuthorizedError struct{}

func (NotAuthorizedError) Error() string { return "not authorized" }

type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return e.Reason }

type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + " not found" }

// DatabaseConnectionError wraps the storage failure that caused it.
type DatabaseConnectionError struct {
	Err error
}

func (e *DatabaseConnectionError) Error() string {
	if e.Err == nil {
		return "error connecting to database"
	}
	return "error connecting to database: " + e.Err.Error()
}

func (e *DatabaseConnectionError) Unwrap() error { return e.Err }

// ErrNotAuthorized is the single value callers compare against.
var ErrNotAuthorized error = NotAuthorizedError{}

func BadRequest(reason string) error { return &BadRequestError{Reason: reason} }

func NotFound(what string) error { return &NotFoundError{What: what} }

// Database wraps err unless it already carries a taxonomy error.
func Database(err error) error {
	if err == nil {
		return nil
	}
	if StatusCode(err) != http.StatusInternalServerError {
		return err
	}
	var dbErr *DatabaseConnectionError
	if errors.As(err, &dbErr) {
		return err
	}
	return &DatabaseConnectionError{Err: err}
}

// StatusCode maps an error onto the HTTP status the API answers with.
func StatusCode(err error) int {
	var (
		badReq   *BadRequestError
		notFound *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, new(NotAuthorizedError)):
		return http.StatusUnauthorized
	case errors.As(err, &badReq):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

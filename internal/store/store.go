// Package store persists network call records, daily usage buckets and the
// set of registered users.
package store

import (
	"context"
	"errors"

	"carbon-ingest/internal/model"
)

// ErrNotFound is returned when a record uid does not exist.
var ErrNotFound = errors.New("store: not found")

// Store
// ------------------------------------------------------------
// Storage backend used by ingest and aggregate.
//
//   - SaveRecord writes the record, adds usage to the bucket of day and
//     registers the owner, atomically where the backend allows it.
//   - Buckets only accumulate. Nothing here ever subtracts.
//   - Errors are raw backend errors; callers classify them.
type Store interface {
	SaveRecord(ctx context.Context, rec model.NetworkCallRecord, day int64, usage model.Usage) error
	GetRecord(ctx context.Context, uid string) (model.NetworkCallRecord, error)
	UpdateRecord(ctx context.Context, rec model.NetworkCallRecord) error
	RecordsForUser(ctx context.Context, userID string) ([]model.NetworkCallRecord, error)
	BucketsSince(ctx context.Context, since int64) ([]model.UsageBucket, error)
	CountUsers(ctx context.Context) (int, error)
	Close() error
}

// Open selects a backend by driver name.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return OpenSQLite(path)
	}
	return nil, errors.New("store: unknown driver " + driver)
}

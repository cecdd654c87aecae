// internal/model/record.go
package model

// ContentKind
// ------------------------------------------------------------
// Payload kind reported by page instrumentation.
// Decides which size estimation strategy applies to the body.
type ContentKind string

const (
	KindArrayBuffer ContentKind = "arraybuffer"
	KindBlob        ContentKind = "blob"
	KindJSON        ContentKind = "json"
	KindText        ContentKind = "text"
)

// Valid reports whether k is one of the four kinds the pipeline knows.
func (k ContentKind) Valid() bool {
	switch k {
	case KindArrayBuffer, KindBlob, KindJSON, KindText:
		return true
	}
	return false
}

// NetworkCallRecord
// ------------------------------------------------------------
// One captured network event. This is the unit that flows through
// the whole pipeline: Bridge -> Queue -> Transport -> Ingest -> Store.
//
// Treated as an immutable value. The only "mutation" is WithUID / WithOwner,
// which return a copy, so a record handed to the queue is never changed
// behind the caller's back.
type NetworkCallRecord struct {
	Type               ContentKind `json:"type" validate:"required,oneof=arraybuffer blob json text"`
	URL                string      `json:"url" validate:"required"`
	Host               string      `json:"host"`
	Headers            string      `json:"headers"`
	Timestamp          int64       `json:"timestamp" validate:"gte=0"` // epoch milliseconds
	Size               int64       `json:"size" validate:"gte=0"`      // body + header bytes
	UserID             string      `json:"userId" validate:"required"`
	UID                string      `json:"uid,omitempty"` // empty until persisted
	ManuallyCalculated bool        `json:"manuallyCalculated"`
}

// WithUID returns a copy carrying the server assigned identifier.
func (r NetworkCallRecord) WithUID(uid string) NetworkCallRecord {
	r.UID = uid
	return r
}

// WithOwner returns a copy owned by userID.
func (r NetworkCallRecord) WithOwner(userID string) NetworkCallRecord {
	r.UserID = userID
	return r
}

// BatchRequest is the body of POST /network-call/batch.
// UserID is the declared owner of every record in the batch.
type BatchRequest struct {
	UserID       string              `json:"userId" validate:"required"`
	NetworkCalls []NetworkCallRecord `json:"networkCalls" validate:"required,dive"`
}

// BatchResult is the per record outcome of a batch store.
type BatchResult struct {
	Index int
	UID   string
	Err   error
}

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carbon-ingest/internal/model"

	json "github.com/goccy/go-json"
)

// HTTPTransport posts records one at a time to POST <base>/network-call.
type HTTPTransport struct {
	base    string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPTransport builds a transport for the ingestion server at baseURL.
// timeout bounds one attempt; 0 leaves it to the caller's context.
func NewHTTPTransport(baseURL, token string, timeout time.Duration, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		client:  client,
	}
}

// RejectedError is a response the server will give again for the same
// record: a malformed body, a foreign owner or an oversized request.
// Resending cannot help, so the queue drops the record instead.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("post network call: rejected with status %d: %s", e.Status, e.Body)
}

// IsRejected reports whether err is a permanent rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

func rejected(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Send returns nil only on 201 Created. 4xx answers that would repeat on
// every attempt come back as *RejectedError; everything else is retryable.
func (t *HTTPTransport) Send(ctx context.Context, rec model.NetworkCallRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/network-call", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post network call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if rejected(resp.StatusCode) {
			return &RejectedError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		}
		return fmt.Errorf("post network call: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

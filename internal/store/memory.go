package store

import (
	"context"
	"sort"
	"sync"

	"carbon-ingest/internal/model"
)

// Memory is a mutex guarded in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]model.NetworkCallRecord
	buckets map[int64]model.Usage
	users   map[string]struct{}

	// FailSave, when set, is consulted before every SaveRecord.
	// A non-nil return aborts the save with that error.
	FailSave func(rec model.NetworkCallRecord) error
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]model.NetworkCallRecord),
		buckets: make(map[int64]model.Usage),
		users:   make(map[string]struct{}),
	}
}

func (m *Memory) SaveRecord(ctx context.Context, rec model.NetworkCallRecord, day int64, usage model.Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailSave != nil {
		if err := m.FailSave(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UID] = rec
	m.buckets[day] = m.buckets[day].Add(usage)
	m.users[rec.UserID] = struct{}{}
	return nil
}

func (m *Memory) GetRecord(_ context.Context, uid string) (model.NetworkCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[uid]
	if !ok {
		return model.NetworkCallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpdateRecord(_ context.Context, rec model.NetworkCallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.UID]; !ok {
		return ErrNotFound
	}
	m.records[rec.UID] = rec
	return nil
}

func (m *Memory) RecordsForUser(_ context.Context, userID string) ([]model.NetworkCallRecord, error) {
	m.mu.RLock()
	out := make([]model.NetworkCallRecord, 0)
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func (m *Memory) BucketsSince(_ context.Context, since int64) ([]model.UsageBucket, error) {
	m.mu.RLock()
	out := make([]model.UsageBucket, 0, len(m.buckets))
	for d, u := range m.buckets {
		if d >= since {
			out = append(out, model.UsageBucket{Date: d, Usage: u})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) CountUsers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *Memory) Close() error { return nil }

// Copyright 2025 James Ross
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jamesross/inference-gateway/internal/request"
)

// MemStore is an in-process Store used by unit tests in place of a live
// MongoDB, the same role alicebob/miniredis plays for the teacher's
// Redis-backed tests.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]request.Request
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]request.Request)}
}

func (m *MemStore) UpsertRequest(_ context.Context, r request.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = r.Clone()
	return nil
}

func (m *MemStore) FindByStatusAndBackend(_ context.Context, backend string, statuses ...request.Status) ([]request.Request, error) {
	want := make(map[request.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []request.Request
	for _, r := range m.rows {
		if r.Backend == backend && want[r.Status] {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) FindRequestHistory(_ context.Context, since time.Time) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryRecord
	for _, r := range m.rows {
		if !r.CreatedAt.Before(since) {
			out = append(out, HistoryRecord{Backend: r.Backend, CreatedAt: r.CreatedAt})
		}
	}
	return out, nil
}

func (m *MemStore) Close(_ context.Context) error { return nil }

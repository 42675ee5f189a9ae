// Copyright 2025 James Ross
// Package persistence implements the Persistent Store: a durable document
// store with indexed upserts and range scans, consumed by the per-backend
// queue for request state and by the pattern analyzer as a read-only
// historical log.
package persistence

import (
	"context"
	"time"

	"github.com/jamesross/inference-gateway/internal/request"
)

// Store is the persistence contract every Persistent Store implementation
// satisfies: idempotent upsert by id, range scans by backend+status, and a
// retention sweep. Any durable key/document store satisfying this suffices.
type Store interface {
	// UpsertRequest idempotently writes r keyed by r.ID.
	UpsertRequest(ctx context.Context, r request.Request) error

	// FindByStatusAndBackend returns every Request for backend whose status
	// is one of statuses. Used by the queue's recovery scan on start.
	FindByStatusAndBackend(ctx context.Context, backend string, statuses ...request.Status) ([]request.Request, error)

	// DeleteOlderThan removes terminal-status rows older than cutoff, used by
	// the retention sweep described in spec.md's Request lifecycle ownership.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// FindRequestHistory returns historical rows for the pattern analyzer,
	// read-only, scoped to the window starting at since.
	FindRequestHistory(ctx context.Context, since time.Time) ([]HistoryRecord, error)

	// Close releases underlying connections.
	Close(ctx context.Context) error
}

// HistoryRecord is the subset of request_history a pattern analysis pass
// needs. created_at may arrive as a string or native timestamp upstream
// (spec.md §6); implementations normalize to time.Time before returning.
type HistoryRecord struct {
	Backend   string
	CreatedAt time.Time
}

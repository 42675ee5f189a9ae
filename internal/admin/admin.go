// Copyright 2025 James Ross
// Package admin implements the operator-facing surface over the gateway's
// runtime state: per-backend stats, a look into a backend's waiting list,
// and a manual trigger for the crash-recovery scan.
package admin

import (
	"context"
	"fmt"
	"sort"

	"github.com/jamesross/inference-gateway/internal/blm"
	"github.com/jamesross/inference-gateway/internal/queue"
)

// BackendStats is one backend's combined lifecycle + queue snapshot.
type BackendStats struct {
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Resolution     string  `json:"resolution,omitempty"`
	Processing     int     `json:"processing"`
	Waiting        int     `json:"waiting"`
	MaxConcurrent  int     `json:"max_concurrent"`
	MaxWaiting     int     `json:"max_waiting"`
	TotalProcessed int64   `json:"total_processed"`
	TotalFailed    int64   `json:"total_failed"`
	TotalTimeout   int64   `json:"total_timeout"`
	Utilization    float64 `json:"utilization"`
}

// StatsResult is the stats command's output.
type StatsResult struct {
	Current  string         `json:"current_backend,omitempty"`
	Backends []BackendStats `json:"backends"`
}

// Stats reports a snapshot across every backend known to manager and queues.
// Backends with a registered Handle but no queue (not yet enabled) are
// reported with zeroed queue fields.
func Stats(manager *blm.Manager, queues map[string]*queue.Queue) StatsResult {
	res := StatsResult{}
	if current, ok := manager.Current(); ok {
		res.Current = current
	}

	snapshots := manager.AllStatus()
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })

	for _, snap := range snapshots {
		bs := BackendStats{Name: snap.Name, Status: snap.Status.String(), Resolution: snap.Resolution}
		if q, ok := queues[snap.Name]; ok {
			m := q.Metrics()
			bs.Processing = m.Processing
			bs.Waiting = m.Waiting
			bs.MaxConcurrent = m.MaxConcurrent
			bs.MaxWaiting = m.MaxWaiting
			bs.TotalProcessed = m.TotalProcessed
			bs.TotalFailed = m.TotalFailed
			bs.TotalTimeout = m.TotalTimeout
			bs.Utilization = m.Utilization
		}
		res.Backends = append(res.Backends, bs)
	}
	return res
}

// PeekItem is one waiting Request's summary, omitting its payload.
type PeekItem struct {
	ID       string `json:"id"`
	TaskKind string `json:"task_kind"`
	Client   string `json:"client"`
	Priority string `json:"priority"`
}

// PeekResult is the peek command's output.
type PeekResult struct {
	Backend string     `json:"backend"`
	Items   []PeekItem `json:"items"`
}

// Peek returns up to n Requests from the front of backend's waiting list,
// without dequeuing them.
func Peek(queues map[string]*queue.Queue, backend string, n int) (PeekResult, error) {
	q, ok := queues[backend]
	if !ok {
		return PeekResult{}, fmt.Errorf("unknown backend %q", backend)
	}
	rows := q.Peek(n)
	items := make([]PeekItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, PeekItem{ID: r.ID, TaskKind: r.TaskKind, Client: r.Client, Priority: string(r.Priority)})
	}
	return PeekResult{Backend: backend, Items: items}, nil
}

// Recover triggers backend's crash-recovery scan out of band, without
// restarting the process (spec.md §4.1).
func Recover(ctx context.Context, queues map[string]*queue.Queue, backend string) error {
	q, ok := queues[backend]
	if !ok {
		return fmt.Errorf("unknown backend %q", backend)
	}
	return q.Recover(ctx)
}

// SwitchResult is the switch-backend command's output.
type SwitchResult struct {
	Backend    string `json:"backend"`
	Resolution string `json:"resolution,omitempty"`
	Switched   bool   `json:"switched"`
}

// Switch manually swaps the resident backend, bypassing the Auto-Switcher.
func Switch(ctx context.Context, manager *blm.Manager, backend, resolution string) (SwitchResult, error) {
	ok, err := manager.Swap(ctx, backend, resolution)
	if err != nil {
		return SwitchResult{}, err
	}
	return SwitchResult{Backend: backend, Resolution: resolution, Switched: ok}, nil
}

// Copyright 2025 James Ross
// Package queue implements the Crash-Proof Queue (CPQ): one bounded,
// priority-ordered, persistent admission/dispatch structure per backend,
// with timeout detection, bounded retry, and crash recovery.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/gatewayerrors"
	"github.com/jamesross/inference-gateway/internal/obs"
	"github.com/jamesross/inference-gateway/internal/persistence"
	"github.com/jamesross/inference-gateway/internal/request"
)

// Config is the per-backend CPQ configuration (spec.md §4.1, §6).
type Config struct {
	MaxConcurrent         int
	MaxWaiting            int
	DefaultMaxRetries     int
	PersistenceEnabled    bool
	RecoveryCheckInterval time.Duration
}

// Metrics is the observable snapshot described in spec.md §6.
type Metrics struct {
	Backend        string
	Processing     int
	Waiting        int
	MaxConcurrent  int
	MaxWaiting     int
	TotalProcessed int64
	TotalFailed    int64
	TotalTimeout   int64
	Utilization    float64
}

// Queue is one backend's Crash-Proof Queue. All mutations to processing and
// waiting run under mu, matching spec.md §5's "one mutator at a time" model.
type Queue struct {
	backend string
	cfg     Config
	store   persistence.Store
	log     *zap.Logger

	mu         sync.Mutex
	processing map[string]request.Request
	waiting    []request.Request

	totalProcessed int64
	totalFailed    int64
	totalTimeout   int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Queue for backend. It does not start the timeout loop or
// run recovery; call Start for that.
func New(backend string, cfg Config, store persistence.Store, log *zap.Logger) *Queue {
	return &Queue{
		backend:    backend,
		cfg:        cfg,
		store:      store,
		log:        log,
		processing: make(map[string]request.Request),
	}
}

// Start runs the recovery protocol (spec.md §4.1) and launches the timeout
// detection loop. It must be called before new admissions are accepted.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go q.timeoutLoop(loopCtx)
	return nil
}

// Stop halts the timeout loop and flushes every in-memory Request to the
// store, per spec.md §4.1's persistence contract.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
		q.wg.Wait()
	}

	q.mu.Lock()
	rows := make([]request.Request, 0, len(q.processing)+len(q.waiting))
	for _, r := range q.processing {
		rows = append(rows, r)
	}
	rows = append(rows, q.waiting...)
	q.mu.Unlock()

	for _, r := range rows {
		q.persist(ctx, r)
	}
	return nil
}

// recover implements spec.md §4.1's recovery protocol: rows left QUEUED or
// PROCESSING from a prior crash are reconciled before any new admission.
func (q *Queue) recover(ctx context.Context) error {
	if !q.cfg.PersistenceEnabled {
		return nil
	}
	rows, err := q.store.FindByStatusAndBackend(ctx, q.backend, request.StatusQueued, request.StatusProcessing)
	if err != nil {
		q.log.Warn("recovery scan failed", zap.String("backend", q.backend), zap.Error(err))
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range rows {
		if r.Status == request.StatusProcessing {
			r.Status = request.StatusQueued
			r.StartedAt = nil
			r.Retries++
		}
		if r.Retries < r.MaxRetries {
			q.insertByPriorityLocked(r)
			obs.QueueRecoveredOnStart.WithLabelValues(q.backend).Inc()
		} else {
			now := time.Now()
			r.Status = request.StatusFailed
			r.CompletedAt = &now
			atomic.AddInt64(&q.totalFailed, 1)
			q.persist(ctx, r)
		}
	}
	q.updateGauges()
	return nil
}

// Enqueue admits a new Request. It returns ErrQueueFull once len(waiting)
// reaches MaxWaiting.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, taskKind, client string, priority request.Priority, timeoutS int) (string, error) {
	if !priority.Valid() {
		return "", gatewayerrors.NewQueueError(q.backend, "", gatewayerrors.ErrInvalidPriority)
	}

	q.mu.Lock()
	if len(q.waiting) >= q.cfg.MaxWaiting {
		q.mu.Unlock()
		obs.QueueRejectedFull.WithLabelValues(q.backend).Inc()
		return "", gatewayerrors.NewQueueError(q.backend, "", gatewayerrors.ErrQueueFull)
	}

	r := request.Request{
		ID:         uuid.NewString(),
		Backend:    q.backend,
		TaskKind:   taskKind,
		Client:     client,
		Payload:    payload,
		Priority:   priority,
		Status:     request.StatusQueued,
		CreatedAt:  time.Now(),
		TimeoutS:   timeoutS,
		MaxRetries: q.cfg.DefaultMaxRetries,
	}
	q.insertByPriorityLocked(r)
	q.updateGauges()
	q.mu.Unlock()

	q.persist(ctx, r)
	return r.ID, nil
}

// insertByPriorityLocked inserts r into waiting keyed on (priority rank,
// created_at), preserving FIFO within a bucket. Caller holds mu.
func (q *Queue) insertByPriorityLocked(r request.Request) {
	idx := sort.Search(len(q.waiting), func(i int) bool {
		if q.waiting[i].Priority.Rank() != r.Priority.Rank() {
			return q.waiting[i].Priority.Rank() > r.Priority.Rank()
		}
		return q.waiting[i].CreatedAt.After(r.CreatedAt)
	})
	q.waiting = append(q.waiting, request.Request{})
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = r
}

// Dequeue moves the next waiting Request into processing, if a slot and a
// waiting Request are both available.
func (q *Queue) Dequeue(ctx context.Context) (request.Request, bool) {
	q.mu.Lock()
	if len(q.waiting) == 0 || len(q.processing) >= q.cfg.MaxConcurrent {
		q.mu.Unlock()
		return request.Request{}, false
	}

	r := q.waiting[0]
	q.waiting = q.waiting[1:]
	now := time.Now()
	r.Status = request.StatusProcessing
	r.StartedAt = &now
	q.processing[r.ID] = r
	q.updateGauges()
	q.mu.Unlock()

	// Persist before the caller can act on the returned Request, so a crash
	// immediately after dequeue still finds status=PROCESSING on recovery.
	q.persist(ctx, r)
	return r, true
}

// Complete marks id COMPLETED. A no-op (warn-logged) if id is not processing.
func (q *Queue) Complete(ctx context.Context, id string, result []byte) error {
	q.mu.Lock()
	r, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("complete: unknown processing id", zap.String("backend", q.backend), zap.String("request_id", id))
		return gatewayerrors.NewQueueError(q.backend, id, gatewayerrors.ErrUnknownRequest)
	}
	delete(q.processing, id)
	now := time.Now()
	r.Status = request.StatusCompleted
	r.CompletedAt = &now
	r.Result = result
	atomic.AddInt64(&q.totalProcessed, 1)
	q.updateGauges()
	q.mu.Unlock()

	q.persist(ctx, r)
	obs.QueueTotalProcessed.WithLabelValues(q.backend).Inc()
	return nil
}

// Fail either re-queues r at its current priority, incrementing retries, or
// marks it terminally FAILED once max_retries retries have been spent, so a
// request that always fails is dispatched max_retries+1 times.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	q.mu.Lock()
	r, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		q.log.Warn("fail: unknown processing id", zap.String("backend", q.backend), zap.String("request_id", id))
		return gatewayerrors.NewQueueError(q.backend, id, gatewayerrors.ErrUnknownRequest)
	}
	delete(q.processing, id)
	r.Error = errMsg

	if r.Retries < r.MaxRetries {
		r.Retries++
		r.Status = request.StatusQueued
		r.StartedAt = nil
		q.insertByPriorityLocked(r)
		q.updateGauges()
		q.mu.Unlock()
		q.persist(ctx, r)
		obs.QueueTotalRetried.WithLabelValues(q.backend).Inc()
		return nil
	}

	now := time.Now()
	r.Status = request.StatusFailed
	r.CompletedAt = &now
	atomic.AddInt64(&q.totalFailed, 1)
	q.updateGauges()
	q.mu.Unlock()

	q.persist(ctx, r)
	obs.QueueTotalFailed.WithLabelValues(q.backend).Inc()
	return nil
}

// Peek returns clones of up to n Requests from the front of the waiting
// list, without dequeuing them. Used by the admin surface (spec.md §6).
func (q *Queue) Peek(n int) []request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.waiting) {
		n = len(q.waiting)
	}
	out := make([]request.Request, n)
	for i := 0; i < n; i++ {
		out[i] = q.waiting[i].Clone()
	}
	return out
}

// Recover re-runs the crash-recovery scan described in spec.md §4.1. Start
// calls this automatically; it is also exposed so an operator can trigger a
// re-scan of the persisted store without restarting the process.
func (q *Queue) Recover(ctx context.Context) error {
	return q.recover(ctx)
}

// Status returns a snapshot of id, wherever it currently sits: processing,
// waiting, or, once terminal, its persisted row (when persistence is enabled).
func (q *Queue) Status(id string) (request.Request, bool) {
	q.mu.Lock()
	if r, ok := q.processing[id]; ok {
		q.mu.Unlock()
		return r.Clone(), true
	}
	for _, r := range q.waiting {
		if r.ID == id {
			q.mu.Unlock()
			return r.Clone(), true
		}
	}
	q.mu.Unlock()
	if q.cfg.PersistenceEnabled {
		rows, err := q.store.FindByStatusAndBackend(context.Background(), q.backend,
			request.StatusCompleted, request.StatusFailed, request.StatusTimeout, request.StatusCancelled)
		for _, r := range rows {
			if err == nil && r.ID == id {
				return r, true
			}
		}
	}
	return request.Request{}, false
}

// Metrics returns the observable snapshot from spec.md §6.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	processing := len(q.processing)
	waiting := len(q.waiting)
	q.mu.Unlock()

	util := 0.0
	if q.cfg.MaxConcurrent > 0 {
		util = float64(processing) / float64(q.cfg.MaxConcurrent)
	}
	return Metrics{
		Backend:        q.backend,
		Processing:     processing,
		Waiting:        waiting,
		MaxConcurrent:  q.cfg.MaxConcurrent,
		MaxWaiting:     q.cfg.MaxWaiting,
		TotalProcessed: atomic.LoadInt64(&q.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&q.totalFailed),
		TotalTimeout:   atomic.LoadInt64(&q.totalTimeout),
		Utilization:    util,
	}
}

// updateGauges refreshes the Prometheus gauges from in-memory state. Caller
// holds mu.
func (q *Queue) updateGauges() {
	processing := len(q.processing)
	waiting := len(q.waiting)
	obs.QueueProcessing.WithLabelValues(q.backend).Set(float64(processing))
	obs.QueueWaiting.WithLabelValues(q.backend).Set(float64(waiting))
	util := 0.0
	if q.cfg.MaxConcurrent > 0 {
		util = float64(processing) / float64(q.cfg.MaxConcurrent)
	}
	obs.QueueUtilization.WithLabelValues(q.backend).Set(util)
}

// timeoutLoop runs on RecoveryCheckInterval; it transitions stale PROCESSING
// requests to TIMEOUT without waiting for completion (spec.md §4.1).
func (q *Queue) timeoutLoop(ctx context.Context) {
	defer q.wg.Done()
	interval := q.cfg.RecoveryCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepTimeouts(ctx)
		}
	}
}

func (q *Queue) sweepTimeouts(ctx context.Context) {
	now := time.Now()
	q.mu.Lock()
	var timedOut []request.Request
	for id, r := range q.processing {
		if r.StartedAt == nil {
			continue
		}
		if now.Sub(*r.StartedAt) > time.Duration(r.TimeoutS)*time.Second {
			delete(q.processing, id)
			r.Status = request.StatusTimeout
			r.CompletedAt = &now
			timedOut = append(timedOut, r)
		}
	}
	if len(timedOut) > 0 {
		q.updateGauges()
	}
	q.mu.Unlock()

	for _, r := range timedOut {
		atomic.AddInt64(&q.totalTimeout, 1)
		q.persist(ctx, r)
		obs.QueueTotalTimeout.WithLabelValues(q.backend).Inc()
		q.log.Warn("request timed out", zap.String("backend", q.backend), zap.String("request_id", r.ID), zap.Int("timeout_s", r.TimeoutS))
	}
}

// persist upserts r. Persistence failures are logged, not surfaced: the
// in-memory transition has already happened and the next transition's
// upsert reconciles the row (spec.md §4.1, §7).
func (q *Queue) persist(ctx context.Context, r request.Request) {
	if !q.cfg.PersistenceEnabled {
		return
	}
	if err := q.store.UpsertRequest(ctx, r); err != nil {
		q.log.Warn("persist failed", zap.String("backend", q.backend), zap.String("request_id", r.ID), zap.Error(err))
	}
}

// Processing reports the current in-flight count. It satisfies
// blm.ActiveRequestsProvider so the BLM can poll it during a graceful drain.
func (q *Queue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// Backend returns the name this Queue serves.
func (q *Queue) Backend() string { return q.backend }

// String is used in log/admin output.
func (q *Queue) String() string {
	return fmt.Sprintf("queue[%s]", q.backend)
}

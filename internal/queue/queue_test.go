// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/gatewayerrors"
	"github.com/jamesross/inference-gateway/internal/persistence"
	"github.com/jamesross/inference-gateway/internal/request"
)

func testQueue(t *testing.T, maxConcurrent, maxWaiting, maxRetries int) *Queue {
	t.Helper()
	store := persistence.NewMemStore()
	log := zap.NewNop()
	cfg := Config{
		MaxConcurrent:         maxConcurrent,
		MaxWaiting:            maxWaiting,
		DefaultMaxRetries:     maxRetries,
		PersistenceEnabled:    true,
		RecoveryCheckInterval: 50 * time.Millisecond,
	}
	q := New("b", cfg, store, log)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

// Priority ordering: max_concurrent=1, max_waiting=10. n1 is enqueued and
// dispatched first, while it is PROCESSING four more NORMALs (n2..n5) are
// enqueued, then one HIGH (h1) is enqueued behind them. Because h1 arrives
// after n2..n5 are already waiting, it must still dequeue ahead of all of
// them: dispatch order is n1, h1, n2..n5.
func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 1, 10, 3)

	n1, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 300)
	if err != nil {
		t.Fatal(err)
	}
	first, ok := q.Dequeue(ctx)
	if !ok || first.ID != n1 {
		t.Fatalf("expected n1 dispatched first, got %#v", first)
	}

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 300)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}
	hID, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityHigh, 300)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Complete(ctx, n1, nil); err != nil {
		t.Fatal(err)
	}

	want := append([]string{hID}, ids...)
	for i, w := range want {
		r, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatalf("dequeue %d: expected a request", i)
		}
		if r.ID != w {
			t.Fatalf("dispatch order mismatch at %d: got %s want %s", i, r.ID, w)
		}
		if err := q.Complete(ctx, r.ID, nil); err != nil {
			t.Fatal(err)
		}
	}
}

// Admission bound: max_waiting=3. Four enqueues, no dequeues: first three
// succeed, the fourth fails with QueueFull.
func TestAdmissionBound(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 1, 3, 3)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 300); err != nil {
			t.Fatalf("enqueue %d: unexpected error: %v", i, err)
		}
	}
	_, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 300)
	if err == nil {
		t.Fatal("expected QueueFull on the fourth enqueue")
	}
	if gatewayerrors.ErrorCode(err) != "QUEUE_FULL" {
		t.Fatalf("expected QUEUE_FULL, got %v", err)
	}
}

// Retry: max_retries=3. A request that always fails is dispatched 4 times
// and ends FAILED; it is counted in total_failed exactly once.
func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 1, 10, 3)

	id, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 300)
	if err != nil {
		t.Fatal(err)
	}

	dispatches := 0
	for {
		r, ok := q.Dequeue(ctx)
		if !ok {
			break
		}
		if r.ID != id {
			t.Fatalf("unexpected dispatch id %s", r.ID)
		}
		dispatches++
		if err := q.Fail(ctx, r.ID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	if dispatches != 4 {
		t.Fatalf("expected 4 dispatches (max_retries+1), got %d", dispatches)
	}
	final, ok := q.Status(id)
	if !ok || final.Status != request.StatusFailed {
		t.Fatalf("expected terminal FAILED, got %#v", final)
	}
	if q.Metrics().TotalFailed != 1 {
		t.Fatalf("expected total_failed=1, got %d", q.Metrics().TotalFailed)
	}
}

// Timeout: timeout_s=1. A dispatched request never completed becomes
// TIMEOUT within recovery_check_interval_s + 1s and is not re-queued.
func TestTimeoutSweep(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 1, 10, 3)

	id, err := q.Enqueue(ctx, nil, "chat", "c", request.PriorityNormal, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := q.Dequeue(ctx); !ok {
		t.Fatal("expected a dispatch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := q.Status(id); ok && r.Status == request.StatusTimeout {
			if _, stillWaiting := q.Dequeue(ctx); stillWaiting {
				t.Fatal("a timed-out request must not be re-queued")
			}
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("request never transitioned to TIMEOUT")
}

// Crash recovery: persist a PROCESSING row from a past start; on Start it
// recovers as QUEUED with retries incremented and appears in the next dequeue.
func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemStore()
	log := zap.NewNop()

	started := time.Now().Add(-time.Hour)
	crashed := request.Request{
		ID:         "crashed-1",
		Backend:    "b",
		Status:     request.StatusProcessing,
		CreatedAt:  started,
		StartedAt:  &started,
		TimeoutS:   300,
		Retries:    0,
		MaxRetries: 3,
	}
	if err := store.UpsertRequest(ctx, crashed); err != nil {
		t.Fatal(err)
	}

	cfg := Config{MaxConcurrent: 1, MaxWaiting: 10, DefaultMaxRetries: 3, PersistenceEnabled: true, RecoveryCheckInterval: time.Second}
	q := New("b", cfg, store, log)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop(ctx)

	r, ok := q.Dequeue(ctx)
	if !ok {
		t.Fatal("expected the recovered request to be dispatchable")
	}
	if r.ID != "crashed-1" || r.Retries != 1 {
		t.Fatalf("expected recovered request with retries=1, got %#v", r)
	}
}

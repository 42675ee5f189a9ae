// Copyright 2025 James Ross
package autoswitch

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/persistence"
	"github.com/jamesross/inference-gateway/internal/pattern"
	"github.com/jamesross/inference-gateway/internal/request"
)

type fakeSwapper struct {
	current   string
	swapCalls int
	swapTo    string
}

func (f *fakeSwapper) Current() (string, bool) { return f.current, f.current != "" }

func (f *fakeSwapper) Swap(_ context.Context, target, _ string) (bool, error) {
	f.swapCalls++
	f.swapTo = target
	f.current = target
	return true, nil
}

type fakeIdle struct{ idle bool }

func (f *fakeIdle) AllIdle() bool { return f.idle }

func seed(t *testing.T, store *persistence.MemStore, backend string, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		r := request.Request{
			ID:        backend + time.Duration(i).String(),
			Backend:   backend,
			Status:    request.StatusCompleted,
			CreatedAt: now,
		}
		if err := store.UpsertRequest(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheckAndSwitchSwapsWhenIdleAndRecommended(t *testing.T) {
	store := persistence.NewMemStore()
	seed(t, store, "llm-b", 9)
	seed(t, store, "llm-a", 1)

	analyzer := pattern.New(store, 7, 5)
	swapper := &fakeSwapper{current: "llm-a"}
	idle := &fakeIdle{idle: true}

	s := New(swapper, analyzer, idle, time.Hour, zap.NewNop())
	s.CheckAndSwitch(context.Background())

	if swapper.swapCalls != 1 || swapper.swapTo != "llm-b" {
		t.Fatalf("expected a swap to llm-b, got calls=%d to=%q", swapper.swapCalls, swapper.swapTo)
	}
	if s.LastSwitch().IsZero() {
		t.Fatal("expected LastSwitch to be recorded")
	}
}

func TestCheckAndSwitchPostponesWhenNotIdle(t *testing.T) {
	store := persistence.NewMemStore()
	seed(t, store, "llm-b", 9)
	seed(t, store, "llm-a", 1)

	analyzer := pattern.New(store, 7, 5)
	swapper := &fakeSwapper{current: "llm-a"}
	idle := &fakeIdle{idle: false}

	s := New(swapper, analyzer, idle, time.Hour, zap.NewNop())
	s.CheckAndSwitch(context.Background())

	if swapper.swapCalls != 0 {
		t.Fatalf("expected no swap while busy, got %d calls", swapper.swapCalls)
	}
}

func TestCheckAndSwitchRespectsCooldown(t *testing.T) {
	store := persistence.NewMemStore()
	seed(t, store, "llm-b", 9)
	seed(t, store, "llm-a", 1)

	analyzer := pattern.New(store, 7, 5)
	swapper := &fakeSwapper{current: "llm-a"}
	idle := &fakeIdle{idle: true}

	s := New(swapper, analyzer, idle, time.Hour, zap.NewNop())
	s.lastSwitch = time.Now()
	s.CheckAndSwitch(context.Background())

	if swapper.swapCalls != 0 {
		t.Fatalf("expected no swap during cooldown, got %d calls", swapper.swapCalls)
	}
}

func TestCheckAndSwitchNoRecommendation(t *testing.T) {
	store := persistence.NewMemStore()
	seed(t, store, "llm-a", 1)

	analyzer := pattern.New(store, 7, 5)
	swapper := &fakeSwapper{current: "llm-a"}
	idle := &fakeIdle{idle: true}

	s := New(swapper, analyzer, idle, time.Hour, zap.NewNop())
	s.CheckAndSwitch(context.Background())

	if swapper.swapCalls != 0 {
		t.Fatalf("expected no swap with insufficient history, got %d calls", swapper.swapCalls)
	}
}

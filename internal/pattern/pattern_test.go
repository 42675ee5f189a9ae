// Copyright 2025 James Ross
package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/jamesross/inference-gateway/internal/persistence"
	"github.com/jamesross/inference-gateway/internal/request"
)

func seedHistory(t *testing.T, store *persistence.MemStore, backend string, n int, when time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := request.Request{
			ID:        backend + "-" + time.Duration(i).String(),
			Backend:   backend,
			Status:    request.StatusCompleted,
			CreatedAt: when,
		}
		if err := store.UpsertRequest(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAnalyzePatternsRecommendsMajorityBackend(t *testing.T) {
	store := persistence.NewMemStore()
	now := time.Now()
	seedHistory(t, store, "llm-a", 8, now)
	seedHistory(t, store, "llm-b", 2, now)

	a := New(store, 7, 5)
	rec, ok, err := a.AnalyzePatterns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a recommendation")
	}
	if rec.Backend != "llm-a" {
		t.Fatalf("expected llm-a recommended, got %s", rec.Backend)
	}
	if rec.Confidence < 0.6 {
		t.Fatalf("expected confidence >= 0.6, got %f", rec.Confidence)
	}
}

func TestAnalyzePatternsBelowMinRequests(t *testing.T) {
	store := persistence.NewMemStore()
	seedHistory(t, store, "llm-a", 2, time.Now())

	a := New(store, 7, 10)
	_, ok, err := a.AnalyzePatterns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no recommendation below min requests")
	}
}

func TestShouldSwitchRespectsCurrentAndConfidence(t *testing.T) {
	store := persistence.NewMemStore()
	now := time.Now()
	seedHistory(t, store, "llm-a", 6, now)
	seedHistory(t, store, "llm-b", 4, now)

	a := New(store, 7, 5)

	// Tied-ish distribution: 60% confidence meets MinConfidence exactly.
	backend, ok, err := a.ShouldSwitch(context.Background(), "llm-b")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || backend != "llm-a" {
		t.Fatalf("expected switch recommendation to llm-a, got %q ok=%v", backend, ok)
	}

	// Already on the recommended backend: no switch.
	backend, ok, err = a.ShouldSwitch(context.Background(), "llm-a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected no switch when already on recommended backend, got %q", backend)
	}
}

func TestAnalyzePatternsEmptyHistory(t *testing.T) {
	store := persistence.NewMemStore()
	a := New(store, 7, 1)
	_, ok, err := a.AnalyzePatterns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no recommendation with empty history")
	}
}

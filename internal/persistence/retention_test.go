// Copyright 2025 James Ross
package persistence

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/request"
)

func TestRunRetentionSweepRemovesOldTerminalRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemStore()

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	if err := s.UpsertRequest(ctx, request.Request{ID: "old", Backend: "ocr", Status: request.StatusCompleted, CompletedAt: &old}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRequest(ctx, request.Request{ID: "recent", Backend: "ocr", Status: request.StatusCompleted, CompletedAt: &fresh}); err != nil {
		t.Fatal(err)
	}

	wait := RunRetentionSweep(ctx, s, 10*time.Millisecond, 24*time.Hour, zap.NewNop())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rows, err := s.FindByStatusAndBackend(ctx, "ocr", request.StatusCompleted)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 1 && rows[0].ID == "recent" {
			cancel()
			wait()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wait()
	t.Fatal("retention sweep never removed the old terminal row")
}

// Copyright 2025 James Ross
package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRetentionSweep periodically deletes terminal-status rows older than
// retention, across every backend (spec.md's Request lifecycle: "destroyed
// by retention sweep after terminal-status plus retention window"). It is a
// single store-wide loop, not one per backend queue, since DeleteOlderThan
// itself is not scoped to a backend. Cancel ctx to stop it; the returned
// function blocks until the loop has exited.
func RunRetentionSweep(ctx context.Context, store Store, interval, retention time.Duration, log *zap.Logger) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				n, err := store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					log.Warn("retention sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					log.Info("retention sweep removed terminal requests", zap.Int64("count", n), zap.Time("cutoff", cutoff))
				}
			}
		}
	}()
	return func() { <-done }
}

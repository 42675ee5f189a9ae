// Copyright 2025 James Ross
// Package autoswitch implements the Auto-Switcher (AS, spec.md §4.3): a
// periodic task that asks the Pattern Analyzer for a recommendation and,
// if the cooldown has elapsed, confidence clears the bar, and every queue
// is idle, asks the BLM to swap the resident backend.
package autoswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/obs"
	"github.com/jamesross/inference-gateway/internal/pattern"
)

// Switching depends only on the two narrow surfaces it actually needs,
// rather than *blm.Manager and *queue.Queue concretely, so it stays testable
// without spawning real backend processes.
type Switcher struct {
	log *zap.Logger

	swapper     BackendSwapper
	analyzer    *pattern.Analyzer
	idleChecker IdleChecker

	cooldown time.Duration

	mu         sync.Mutex
	lastSwitch time.Time
	cron       *cron.Cron
}

// BackendSwapper is the subset of blm.Manager the Auto-Switcher drives.
type BackendSwapper interface {
	Current() (string, bool)
	Swap(ctx context.Context, target, resolution string) (bool, error)
}

// IdleChecker reports whether every registered queue currently has zero
// in-flight requests (spec.md §4.3's "queues idle" guard).
type IdleChecker interface {
	AllIdle() bool
}

// New constructs a Switcher. cooldown doubles as both the minimum time
// between switches and the polling interval, matching
// auto_switcher.py's switch_cooldown_minutes.
func New(swapper BackendSwapper, analyzer *pattern.Analyzer, idle IdleChecker, cooldown time.Duration, log *zap.Logger) *Switcher {
	return &Switcher{
		swapper:     swapper,
		analyzer:    analyzer,
		idleChecker: idle,
		cooldown:    cooldown,
		log:         log,
	}
}

// Start schedules CheckAndSwitch on a constant-interval cron schedule
// (spec.md's "sleep cooldown_minutes" loop, expressed as a robfig/cron
// "@every" schedule; the queue timeout loop and the retention sweep use
// time.Ticker instead). Call Stop to halt it.
func (s *Switcher) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.cooldown.String())
	_, err := c.AddFunc(spec, func() {
		s.CheckAndSwitch(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule auto-switch: %w", err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the scheduled loop and waits for any in-flight run to finish.
func (s *Switcher) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// CheckAndSwitch runs one cycle of spec.md §4.3's decision: cooldown, then
// pattern recommendation, then idle check, then swap.
func (s *Switcher) CheckAndSwitch(ctx context.Context) {
	s.mu.Lock()
	since := time.Since(s.lastSwitch)
	s.mu.Unlock()
	if !s.lastSwitch.IsZero() && since < s.cooldown {
		s.log.Debug("auto-switch in cooldown", zap.Duration("since_last_switch", since))
		return
	}

	current, _ := s.swapper.Current()
	target, ok, err := s.analyzer.ShouldSwitch(ctx, current)
	if err != nil {
		s.log.Error("auto-switch pattern analysis failed", zap.Error(err))
		return
	}
	if !ok {
		s.log.Debug("no auto-switch recommended")
		return
	}

	if !s.idleChecker.AllIdle() {
		s.log.Info("auto-switch postponed, queues not idle", zap.String("target", target))
		obs.AutoswitchPostponedTotal.Inc()
		return
	}

	s.log.Info("auto-switching backend", zap.String("from", current), zap.String("to", target))
	if _, err := s.swapper.Swap(ctx, target, ""); err != nil {
		s.log.Error("auto-switch swap failed", zap.String("target", target), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastSwitch = time.Now()
	s.mu.Unlock()
	obs.AutoswitchLastSwitchUnix.Set(float64(time.Now().Unix()))
	obs.AutoswitchSwitchesTotal.Inc()
}

// LastSwitch reports the time of the most recent successful switch, or the
// zero time if none has happened yet.
func (s *Switcher) LastSwitch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSwitch
}

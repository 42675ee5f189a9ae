// Copyright 2025 James Ross
// Package pattern implements the Pattern Analyzer (PA, spec.md §4.4): a
// pure, read-only view over the historical request log that recommends
// which backend should be resident.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jamesross/inference-gateway/internal/persistence"
)

// MinConfidence is the confidence floor below which a recommendation is not
// actionable (spec.md §3, §4.3).
const MinConfidence = 0.6

// Recommendation is PA's output (spec.md §3).
type Recommendation struct {
	Backend      string
	Confidence   float64
	UsageCounts  map[string]int
	RecentCounts map[string]int
	Reason       string
}

// Analyzer is a thin wrapper over a read-only Store handle; it caches
// nothing but the last-analyzed timestamp, for observability only.
type Analyzer struct {
	store          persistence.Store
	windowDays     int
	minRequests    int
	lastAnalyzedAt time.Time
}

// New constructs an Analyzer reading windowDays of history and requiring at
// least minRequests absolute count for a recommendation to be actionable.
func New(store persistence.Store, windowDays, minRequests int) *Analyzer {
	return &Analyzer{store: store, windowDays: windowDays, minRequests: minRequests}
}

// AnalyzePatterns returns a Recommendation over the configured window, or
// ok=false if no backend has at least minRequests requests in that window.
func (a *Analyzer) AnalyzePatterns(ctx context.Context) (Recommendation, bool, error) {
	since := time.Now().AddDate(0, 0, -a.windowDays)
	rows, err := a.store.FindRequestHistory(ctx, since)
	if err != nil {
		return Recommendation{}, false, fmt.Errorf("find request history: %w", err)
	}
	a.lastAnalyzedAt = time.Now()

	usage := make(map[string]int)
	recent := make(map[string]int)
	recentSince := time.Now().Add(-24 * time.Hour)
	total := 0
	for _, r := range rows {
		usage[r.Backend]++
		total++
		if !r.CreatedAt.Before(recentSince) {
			recent[r.Backend]++
		}
	}

	recommended, count := argmax(usage)
	if recommended == "" || count < a.minRequests {
		return Recommendation{}, false, nil
	}

	confidence := float64(count) / float64(total)
	reason := fmt.Sprintf("%s received %d of %d requests (%.0f%%) over the last %d days",
		recommended, count, total, confidence*100, a.windowDays)

	return Recommendation{
		Backend:      recommended,
		Confidence:   confidence,
		UsageCounts:  usage,
		RecentCounts: recent,
		Reason:       reason,
	}, true, nil
}

// ShouldSwitch returns the recommended backend if it differs from current
// and meets MinConfidence, else ok=false.
func (a *Analyzer) ShouldSwitch(ctx context.Context, current string) (string, bool, error) {
	rec, ok, err := a.AnalyzePatterns(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	if rec.Backend == current || rec.Confidence < MinConfidence {
		return "", false, nil
	}
	return rec.Backend, true, nil
}

// LastAnalyzedAt reports when AnalyzePatterns last ran, for observability.
func (a *Analyzer) LastAnalyzedAt() time.Time { return a.lastAnalyzedAt }

// argmax returns the key with the largest value, breaking ties by the
// lexicographically smallest key for determinism.
func argmax(counts map[string]int) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestCount := "", -1
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best, bestCount
}

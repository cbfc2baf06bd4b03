package stats

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	got := Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if got.Mean != 5 || got.StdDev != 2 || got.Count != 8 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if empty := Summarize(nil); empty.Count != 0 || empty.Mean != 0 {
		t.Fatalf("expected zero summary, got %+v", empty)
	}
}

func TestRollingWindowFiltersOldSamples(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRolling(24 * time.Hour)
	r.now = func() time.Time { return now }
	r.Observe(now.Add(-3*time.Hour), 0.010)
	r.Observe(now.Add(-30*time.Minute), 0.002)
	r.Observe(now.Add(-10*time.Minute), 0.004)
	r.Observe(now, math.NaN())

	got, err := r.RecentSpreadStats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.Count != 2 || math.Abs(got.Mean-0.003) > 1e-12 || math.Abs(got.StdDev-0.001) > 1e-12 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestRollingPrunesPastRetention(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRolling(time.Hour)
	r.now = func() time.Time { return now }
	r.Observe(now.Add(-2*time.Hour), 1)
	r.Observe(now, 3)
	if len(r.samples) != 1 {
		t.Fatalf("expected old sample pruned, have %d", len(r.samples))
	}
}

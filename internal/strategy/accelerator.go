package strategy

import (
	"context"
	"time"

	"okx-carry-unwind/internal/stats"
)

type SpreadStats interface {
	RecentSpreadStats(ctx context.Context, window time.Duration) (stats.Summary, error)
}

// Accelerator relaxes the spread threshold to mean - 2*stddev of recent
// premiums every time the configured interval elapses.
type Accelerator struct {
	after  time.Duration
	window time.Duration
	stats  SpreadStats
	next   time.Time
}

func NewAccelerator(after, window time.Duration, src SpreadStats, start time.Time) *Accelerator {
	if window <= 0 {
		window = after
	}
	return &Accelerator{after: after, window: window, stats: src, next: start.Add(after)}
}

func (a *Accelerator) Enabled() bool {
	return a != nil && a.after > 0 && a.stats != nil
}

func (a *Accelerator) Due(now time.Time) bool {
	return a.Enabled() && now.After(a.next)
}

func (a *Accelerator) NextAt() time.Time {
	return a.next
}

// Recompute returns the new threshold and reschedules. ok is false when
// there are no observations to work from; the schedule still advances.
func (a *Accelerator) Recompute(ctx context.Context, now time.Time) (threshold float64, ok bool, err error) {
	a.next = now.Add(a.after)
	summary, err := a.stats.RecentSpreadStats(ctx, a.window)
	if err != nil {
		return 0, false, err
	}
	if summary.Count == 0 {
		return 0, false, nil
	}
	return summary.Mean - 2*summary.StdDev, true, nil
}

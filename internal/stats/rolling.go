package stats

import (
	"context"
	"math"
	"sync"
	"time"
)

// Summary describes spread observations over a window.
type Summary struct {
	Mean   float64
	StdDev float64
	Count  int
}

type sample struct {
	at    time.Time
	value float64
}

// Rolling keeps spread observations in memory for up to retention.
type Rolling struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	samples []sample
}

func NewRolling(retention time.Duration) *Rolling {
	return &Rolling{retention: retention, now: time.Now}
}

func (r *Rolling) Observe(at time.Time, premium float64) {
	if math.IsNaN(premium) || math.IsInf(premium, 0) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{at: at, value: premium})
	r.prune(r.now())
}

// RecentSpreadStats returns the population mean and standard deviation of
// observations newer than window.
func (r *Rolling) RecentSpreadStats(_ context.Context, window time.Duration) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	cutoff := now.Add(-window)
	values := make([]float64, 0, len(r.samples))
	for _, s := range r.samples {
		if window > 0 && s.at.Before(cutoff) {
			continue
		}
		values = append(values, s.value)
	}
	return Summarize(values), nil
}

func (r *Rolling) prune(now time.Time) {
	if r.retention <= 0 || len(r.samples) == 0 {
		return
	}
	cutoff := now.Add(-r.retention)
	idx := 0
	for idx < len(r.samples) && r.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.samples = append(r.samples[:0], r.samples[idx:]...)
	}
}

func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return Summary{Mean: mean, StdDev: math.Sqrt(sq / float64(len(values))), Count: len(values)}
}

// Package churn tracks how fast a node's neighbor count is changing,
// producing the U_cdc term of the fitness formula in spec.md §4.F. It
// is modeled on the sovereign per-peer running-average bookkeeping in
// the reputation package this replaces: no gossip, purely local
// observation, updated on every neighbor-count sample.
package churn

import (
	"sync"
	"time"
)

// sample is one observed neighbor count at a point in time.
type sample struct {
	at    time.Time
	count int
}

// Tracker keeps a bounded sliding window of neighbor-count samples and
// derives a change-degree metric from it: the average absolute change
// between consecutive samples, normalized into [0,1] by the largest
// neighbor count seen in the window.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	history []sample
}

// New creates a Tracker that retains samples for the given window and
// caps the history at maxSamples entries (oldest dropped first), so
// memory stays bounded regardless of sampling rate.
func New(window time.Duration, maxSamples int) *Tracker {
	return &Tracker{
		window:  window,
		max:     maxSamples,
		history: make([]sample, 0, maxSamples),
	}
}

// Observe records a new neighbor-count sample at the given time,
// evicting samples older than the window.
func (t *Tracker) Observe(now time.Time, neighborCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = append(t.history, sample{at: now, count: neighborCount})
	t.evictLocked(now)
	if len(t.history) > t.max {
		t.history = t.history[len(t.history)-t.max:]
	}
}

func (t *Tracker) evictLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.history) && t.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.history = t.history[i:]
	}
}

// UCDC returns the current change-degree metric, clamped to [0,1].
// With fewer than two samples in the window there is nothing to
// compare, so it returns 0.0, matching the reference implementation's
// constant value.
func (t *Tracker) UCDC() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) < 2 {
		return 0.0
	}

	var totalDelta float64
	peak := t.history[0].count
	for i := 1; i < len(t.history); i++ {
		delta := t.history[i].count - t.history[i-1].count
		if delta < 0 {
			delta = -delta
		}
		totalDelta += float64(delta)
		if t.history[i].count > peak {
			peak = t.history[i].count
		}
	}
	if peak == 0 {
		return 0.0
	}

	avgDelta := totalDelta / float64(len(t.history)-1)
	u := avgDelta / float64(peak)
	if u > 1.0 {
		u = 1.0
	}
	if u < 0.0 {
		u = 0.0
	}
	return u
}

// Len reports how many samples currently sit in the window.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// Package scheduler implements the scheduler collaborator described
// in spec.md §6: now(), schedule(delay, callback), cancel(handle).
// Production code wraps a real clock; tests wrap a
// github.com/benbjohnson/clock.Mock so timer-driven protocol logic
// (election timeouts, profile expiry, lookup timeouts) can be driven
// deterministically instead of racing against wall-clock sleeps.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle identifies a scheduled callback so it can be cancelled.
type Handle uint64

// Scheduler is the collaborator the engine and its components use for
// every timer. No method blocks.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, callback func()) Handle
	Cancel(h Handle)
}

// clockScheduler implements Scheduler over a benbjohnson/clock.Clock,
// so the same code path backs both the real-time production scheduler
// and the fake-clock test scheduler.
type clockScheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	next    Handle
	timers  map[Handle]*clock.Timer
	stopped bool
}

// New returns a Scheduler backed by the real wall clock.
func New() Scheduler {
	return newWithClock(clock.New())
}

// NewMock returns a Scheduler backed by a benbjohnson/clock.Mock, and
// the mock itself so tests can advance virtual time with
// mock.Add(d) and deterministically observe fired callbacks.
func NewMock() (Scheduler, *clock.Mock) {
	mock := clock.NewMock()
	return newWithClock(mock), mock
}

func newWithClock(clk clock.Clock) Scheduler {
	return &clockScheduler{clk: clk, timers: make(map[Handle]*clock.Timer)}
}

// FromClock builds a Scheduler over a caller-supplied clock.Clock.
// Multi-node scenario tests use this to give several engines
// independent Schedulers (independent timer-handle bookkeeping) that
// all advance in lockstep off one shared clock.Mock.
func FromClock(clk clock.Clock) Scheduler {
	return newWithClock(clk)
}

func (s *clockScheduler) Now() time.Time {
	return s.clk.Now()
}

func (s *clockScheduler) Schedule(delay time.Duration, callback func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	h := s.next
	if s.stopped {
		return h
	}

	var timer *clock.Timer
	timer = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[h]
		delete(s.timers, h)
		stopped := s.stopped
		s.mu.Unlock()
		if live && !stopped {
			callback()
		}
	})
	s.timers[h] = timer
	return h
}

func (s *clockScheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[h]; ok {
		timer.Stop()
		delete(s.timers, h)
	}
}

// StopAll cancels every pending timer. Intended for engine shutdown:
// after StopAll, no previously scheduled callback will fire.
func (s *clockScheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, timer := range s.timers {
		timer.Stop()
		delete(s.timers, h)
	}
	s.stopped = true
}

// StopAll cancels every pending timer on a Scheduler returned by New
// or NewMock. Engines call this on Stop so late firings after
// shutdown are no-ops (spec.md §5).
func StopAll(s Scheduler) {
	if cs, ok := s.(*clockScheduler); ok {
		cs.StopAll()
	}
}

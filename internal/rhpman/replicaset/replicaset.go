// Package replicaset implements the replica-holder view of spec.md
// §4.E: the set of peers currently believed to hold durable replicas,
// each with its own expiry timer. The set becoming empty is the
// election state machine's watchdog trigger (spec.md §4.I).
package replicaset

import (
	"sync"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// OnEmpty is invoked once, outside the set's lock, whenever the set
// transitions from non-empty to empty — either through expiry or
// through an explicit Remove (ModeChange step-down handling).
type OnEmpty func()

// Set tracks ReplicaHolder entries and their missing-replication
// timers.
type Set struct {
	mu      sync.Mutex
	sched   scheduler.Scheduler
	timeout time.Duration
	onEmpty OnEmpty
	entries map[types.NodeID]scheduler.Handle
}

// New creates a Set whose entries expire after timeout unless
// refreshed by another ReplicaAnnounce.
func New(sched scheduler.Scheduler, timeout time.Duration, onEmpty OnEmpty) *Set {
	return &Set{
		sched:   sched,
		timeout: timeout,
		onEmpty: onEmpty,
		entries: make(map[types.NodeID]scheduler.Handle),
	}
}

// Insert adds peer (or refreshes its timer if already present).
func (s *Set) Insert(peer types.NodeID) {
	s.mu.Lock()
	if h, ok := s.entries[peer]; ok {
		s.sched.Cancel(h)
	}
	s.entries[peer] = s.sched.Schedule(s.timeout, func() { s.expire(peer) })
	s.mu.Unlock()
}

func (s *Set) expire(peer types.NodeID) {
	s.mu.Lock()
	delete(s.entries, peer)
	empty := len(s.entries) == 0
	s.mu.Unlock()
	if empty && s.onEmpty != nil {
		s.onEmpty()
	}
}

// Remove erases peer, cancelling its timer. If the set becomes empty,
// OnEmpty fires (spec.md §4.I ModeChange step-down handling).
func (s *Set) Remove(peer types.NodeID) {
	s.mu.Lock()
	h, ok := s.entries[peer]
	if ok {
		s.sched.Cancel(h)
		delete(s.entries, peer)
	}
	empty := len(s.entries) == 0
	s.mu.Unlock()
	if ok && empty && s.onEmpty != nil {
		s.onEmpty()
	}
}

// Contains reports whether peer is currently a known replica holder.
func (s *Set) Contains(peer types.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[peer]
	return ok
}

// Empty reports whether the set currently holds no replicas.
func (s *Set) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

// All returns a snapshot of every known replica holder.
func (s *Set) All() []types.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.NodeID, 0, len(s.entries))
	for peer := range s.entries {
		out = append(out, peer)
	}
	return out
}

// Stop cancels every pending expiry timer.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.entries {
		s.sched.Cancel(h)
	}
}

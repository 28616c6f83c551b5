// Package neighbor implements the per-peer profile table of spec.md
// §4.D: each neighbor's last-advertised delivery value, refreshed by
// Ping and expired by a per-peer timer scheduled through the
// scheduler collaborator (spec.md §6).
package neighbor

import (
	"sync"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// Table tracks PeerProfile entries and reschedules their expiry on
// every refresh. Safe for concurrent use from the engine's receive
// loop and from timer callbacks fired on other goroutines.
type Table struct {
	mu      sync.Mutex
	sched   scheduler.Scheduler
	timeout time.Duration
	entries map[types.NodeID]*entry
}

type entry struct {
	profile types.PeerProfile
	handle  scheduler.Handle
}

// New creates a Table whose entries expire timeout after their last
// refresh unless renewed again.
func New(sched scheduler.Scheduler, timeout time.Duration) *Table {
	return &Table{
		sched:   sched,
		timeout: timeout,
		entries: make(map[types.NodeID]*entry),
	}
}

// Refresh records a Ping from peer with the given delivery value and
// resets its expiry timer (spec.md §4.D step 1-2).
func (t *Table) Refresh(peer types.NodeID, delivery float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[peer]; ok {
		t.sched.Cancel(e.handle)
		e.profile.Delivery = delivery
		e.profile.ExpiresAt = t.sched.Now().Add(t.timeout)
		e.handle = t.sched.Schedule(t.timeout, func() { t.expire(peer) })
		return
	}

	e := &entry{profile: types.PeerProfile{
		Peer:      peer,
		Delivery:  delivery,
		ExpiresAt: t.sched.Now().Add(t.timeout),
	}}
	e.handle = t.sched.Schedule(t.timeout, func() { t.expire(peer) })
	t.entries[peer] = e
}

func (t *Table) expire(peer types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, peer)
}

// Get returns the current profile for a peer, if known.
func (t *Table) Get(peer types.NodeID) (types.PeerProfile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[peer]
	if !ok {
		return types.PeerProfile{}, false
	}
	return e.profile, true
}

// All returns a snapshot of every known neighbor profile.
func (t *Table) All() []types.PeerProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.PeerProfile, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.profile)
	}
	return out
}

// Len returns the number of known neighbors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// AtOrAbove returns the peers whose delivery value is >= sigma.
func (t *Table) AtOrAbove(sigma float64) []types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.NodeID, 0, len(t.entries))
	for peer, e := range t.entries {
		if e.profile.Delivery >= sigma {
			out = append(out, peer)
		}
	}
	return out
}

// Stop cancels every pending expiry timer. Called on engine Stop so
// late firings after shutdown are no-ops (spec.md §5).
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		t.sched.Cancel(e.handle)
	}
}

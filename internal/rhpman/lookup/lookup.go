// Package lookup implements the pending-lookup tracker of spec.md
// §4.G: request minting, timeout scheduling, and the success/failure
// callback contract — fired exactly once per lookup, with late
// Responses against an already-completed or expired request silently
// dropped.
package lookup

import (
	"sync"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// Outcome is delivered to a lookup's callback exactly once.
type Outcome struct {
	Item  types.DataItem
	Found bool
}

// Callback receives the result of a lookup: Found=true with the item
// on success, Found=false on timeout.
type Callback func(dataID uint64, outcome Outcome)

type pending struct {
	dataID   uint64
	callback Callback
	handle   scheduler.Handle
	done     bool
}

// Tracker tracks in-flight lookups keyed by the request id minted for
// each one.
type Tracker struct {
	mu      sync.Mutex
	sched   scheduler.Scheduler
	timeout time.Duration
	byID    map[types.MessageID]*pending
}

// New creates a Tracker whose pending lookups expire after timeout.
func New(sched scheduler.Scheduler, timeout time.Duration) *Tracker {
	return &Tracker{
		sched:   sched,
		timeout: timeout,
		byID:    make(map[types.MessageID]*pending),
	}
}

// Start records a newly minted request, scheduling its timeout. The
// caller is responsible for actually sending the Request envelope
// under this same id before or after calling Start.
func (t *Tracker) Start(requestID types.MessageID, dataID uint64, cb Callback) {
	t.mu.Lock()
	p := &pending{dataID: dataID, callback: cb}
	p.handle = t.sched.Schedule(t.timeout, func() { t.expire(requestID) })
	t.byID[requestID] = p
	t.mu.Unlock()
}

func (t *Tracker) expire(requestID types.MessageID) {
	t.mu.Lock()
	p, ok := t.byID[requestID]
	if !ok || p.done {
		t.mu.Unlock()
		return
	}
	p.done = true
	delete(t.byID, requestID)
	t.mu.Unlock()

	p.callback(p.dataID, Outcome{Found: false})
}

// Resolve matches an inbound Response against its pending lookup. It
// reports whether the response matched a still-pending request; a
// false return means the response arrived for an unknown, already
// completed, or already expired request and must be dropped.
func (t *Tracker) Resolve(requestID types.MessageID, item types.DataItem) bool {
	t.mu.Lock()
	p, ok := t.byID[requestID]
	if !ok || p.done {
		t.mu.Unlock()
		return false
	}
	p.done = true
	delete(t.byID, requestID)
	t.sched.Cancel(p.handle)
	t.mu.Unlock()

	p.callback(p.dataID, Outcome{Item: item, Found: true})
	return true
}

// Len reports the number of lookups still awaiting a response.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Stop cancels every pending timeout without firing callbacks.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.byID {
		t.sched.Cancel(p.handle)
		delete(t.byID, id)
	}
}

// Package buffer implements the bounded forwarding-carry store (spec
// component 4.B). Structurally identical to storage.Storage — a
// separate fixed-capacity slot array with its own capacity and
// semantics (best-effort cache vs. durable replica) — kept as its own
// package because the dissemination engine and the engine lifecycle
// reason about Storage and Buffer as distinct resources (invariant 2:
// a known data id lives in at most one of the two containers at a
// time).
package buffer

import (
	"sync"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// Buffer holds at most capacity items carried for best-effort
// forwarding; unlike Storage it is cleared wholesale on a successful
// Transfer handoff.
type Buffer struct {
	mu       sync.RWMutex
	slots    []*types.DataItem
	capacity int
}

// New creates a Buffer with the given slot capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{slots: make([]*types.DataItem, capacity), capacity: capacity}
}

// Store places item into the first empty slot. Returns false if full
// or the id is already present.
func (b *Buffer) Store(item types.DataItem) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	free := -1
	for i, slot := range b.slots {
		if slot == nil {
			if free == -1 {
				free = i
			}
			continue
		}
		if slot.ID == item.ID {
			return false
		}
	}
	if free == -1 {
		return false
	}
	cp := item.Clone()
	b.slots[free] = &cp
	return true
}

// Get returns a copy of the item with the given id, if present.
func (b *Buffer) Get(id uint64) (types.DataItem, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, slot := range b.slots {
		if slot != nil && slot.ID == id {
			return slot.Clone(), true
		}
	}
	return types.DataItem{}, false
}

// Remove clears the slot holding id, if any.
func (b *Buffer) Remove(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, slot := range b.slots {
		if slot != nil && slot.ID == id {
			b.slots[i] = nil
			return true
		}
	}
	return false
}

// Clear empties every slot. Used after a successful Transfer handoff.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		b.slots[i] = nil
	}
}

// FreeSpace returns the number of empty slots.
func (b *Buffer) FreeSpace() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, slot := range b.slots {
		if slot == nil {
			n++
		}
	}
	return n
}

// Len returns the number of occupied slots.
func (b *Buffer) Len() int {
	return b.capacity - b.FreeSpace()
}

// Capacity returns the configured slot count.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// All returns copies of every buffered item. Order is not meaningful.
func (b *Buffer) All() []types.DataItem {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.DataItem, 0, b.capacity)
	for _, slot := range b.slots {
		if slot != nil {
			out = append(out, slot.Clone())
		}
	}
	return out
}

// Package storage implements the bounded replica-item store (spec
// component 4.A): a fixed-capacity slot array of data items with no
// eviction policy. Overflow is reported to the caller, never silently
// dropped.
package storage

import (
	"sync"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// Storage holds at most capacity items, each appearing at most once.
// Safe for concurrent use; the engine's single receive loop is the
// only real caller but the daemon's read-only accessors run from a
// different goroutine.
type Storage struct {
	mu       sync.RWMutex
	slots    []*types.DataItem
	capacity int
}

// New creates a Storage with the given slot capacity.
func New(capacity int) *Storage {
	if capacity < 0 {
		capacity = 0
	}
	return &Storage{slots: make([]*types.DataItem, capacity), capacity: capacity}
}

// Store places item into the first empty slot. Returns false, without
// modifying the container, if no slot is free or the item id is
// already present.
func (s *Storage) Store(item types.DataItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := -1
	for i, slot := range s.slots {
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
	s.slots[free] = &cp
	return true
}

// Get returns a copy of the item with the given id, if present.
func (s *Storage) Get(id uint64) (types.DataItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, slot := range s.slots {
		if slot != nil && slot.ID == id {
			return slot.Clone(), true
		}
	}
	return types.DataItem{}, false
}

// Remove clears the slot holding id, if any. Returns whether an item
// was removed.
func (s *Storage) Remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, slot := range s.slots {
		if slot != nil && slot.ID == id {
			s.slots[i] = nil
			return true
		}
	}
	return false
}

// Clear empties every slot.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		s.slots[i] = nil
	}
}

// FreeSpace returns the number of empty slots.
func (s *Storage) FreeSpace() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, slot := range s.slots {
		if slot == nil {
			n++
		}
	}
	return n
}

// Len returns the number of occupied slots.
func (s *Storage) Len() int {
	return s.capacity - s.FreeSpace()
}

// Capacity returns the configured slot count.
func (s *Storage) Capacity() int {
	return s.capacity
}

// All returns copies of every stored item. Order is not meaningful.
func (s *Storage) All() []types.DataItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.DataItem, 0, s.capacity)
	for _, slot := range s.slots {
		if slot != nil {
			out = append(out, slot.Clone())
		}
	}
	return out
}

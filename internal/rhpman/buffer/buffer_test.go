package buffer

import (
	"testing"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

func item(id uint64) types.DataItem {
	return types.DataItem{ID: id, Owner: types.NodeID(2), Payload: []byte("y")}
}

func TestBufferStoreFullAndClear(t *testing.T) {
	b := New(1)
	if !b.Store(item(1)) {
		t.Fatal("first store should succeed")
	}
	if b.Store(item(2)) {
		t.Fatal("second store should fail: buffer full")
	}
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", b.Len())
	}
	if !b.Store(item(2)) {
		t.Fatal("store after clear should succeed")
	}
}

func TestBufferRemove(t *testing.T) {
	b := New(2)
	b.Store(item(5))
	if !b.Remove(5) {
		t.Fatal("Remove(5) should succeed")
	}
	if b.Remove(5) {
		t.Fatal("second Remove(5) should report nothing removed")
	}
}

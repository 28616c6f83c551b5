package codec

import (
	"testing"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

func TestItemCIDIsStableForIdenticalPayload(t *testing.T) {
	item := types.DataItem{ID: 1, Payload: []byte("same bytes")}
	a, err := ItemCID(item)
	if err != nil {
		t.Fatalf("ItemCID: %v", err)
	}
	b, err := ItemCID(item)
	if err != nil {
		t.Fatalf("ItemCID: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("expected identical payloads to produce identical CIDs, got %s and %s", a, b)
	}
}

func TestItemCIDDiffersAcrossPayloads(t *testing.T) {
	a, err := ItemCID(types.DataItem{ID: 1, Payload: []byte("a")})
	if err != nil {
		t.Fatalf("ItemCID: %v", err)
	}
	b, err := ItemCID(types.DataItem{ID: 1, Payload: []byte("b")})
	if err != nil {
		t.Fatalf("ItemCID: %v", err)
	}
	if a.Equals(b) {
		t.Fatal("expected distinct payloads to produce distinct CIDs")
	}
}

package identity

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	return id
}

func TestNodeIDIsDeterministic(t *testing.T) {
	id := newPeerID(t)
	a := NodeID(id)
	b := NodeID(id)
	if a != b {
		t.Fatalf("expected stable derivation, got %d then %d", a, b)
	}
}

func TestNodeIDNeverReturnsNoNode(t *testing.T) {
	for i := 0; i < 64; i++ {
		id := newPeerID(t)
		if NodeID(id) == types.NoNode {
			t.Fatalf("derived NodeID collided with the reserved NoNode value for peer %s", id)
		}
	}
}

func TestNodeIDDiffersAcrossDistinctPeers(t *testing.T) {
	a := NodeID(newPeerID(t))
	b := NodeID(newPeerID(t))
	if a == b {
		t.Skip("extremely unlikely 32-bit hash collision between two random peer IDs")
	}
}

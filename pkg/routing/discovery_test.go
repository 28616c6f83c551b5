package routing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func newMDNSNetwork(t *testing.T) *Network {
	t.Helper()
	dir := t.TempDir()
	n, err := New(Config{
		KeyFile:         dir + "/key",
		ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestDiscoverySelfIsIgnored(t *testing.T) {
	n := newMDNSNetwork(t)
	d := NewDiscovery(n, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.maybeConnect(peer.AddrInfo{ID: n.Host().ID()})
	if _, tried := d.lastTry[n.Host().ID()]; tried {
		t.Fatal("discovery must never try to dial itself")
	}
	_ = ctx
}

func TestDiscoveryDedupesRepeatedSightings(t *testing.T) {
	n := newMDNSNetwork(t)
	other := newMDNSNetwork(t)
	d := NewDiscovery(n, nil)
	d.ctx = context.Background()

	info := peer.AddrInfo{ID: other.Host().ID(), Addrs: other.Host().Addrs()}
	d.maybeConnect(info)
	first := d.lastTry[other.Host().ID()]
	d.maybeConnect(info)
	second := d.lastTry[other.Host().ID()]

	if !first.Equal(second) {
		t.Fatal("a sighting within the cooldown window must not refresh the dial attempt")
	}
}

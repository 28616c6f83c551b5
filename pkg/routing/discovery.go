package routing

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

// mdnsServiceName is the DNS-SD service type RHPMAN nodes advertise
// and browse for, grounded on the teacher's pkg/p2pnet/mdns.go
// (MDNSServiceName), adapted from "_shurli._udp" to this protocol's
// own name. Unlike the teacher, discovery here drops the
// platform-native cgo browse path (mdns_browse_native.go) in favor of
// zeroconf alone on both advertise and browse sides — RHPMAN's MANET
// setting assumes an ad hoc LAN/mesh, not the teacher's long-lived
// desktop-relay deployment where the native resolver was needed to
// cooperate with a system mDNS daemon already bound to port 5353.
const mdnsServiceName = "_rhpman._udp"

const (
	dnsaddrPrefix      = "dnsaddr="
	discoveryInterval  = 15 * time.Second
	discoveryTimeout   = 5 * time.Second
	rediscoverCooldown = 20 * time.Second
)

// Discovery advertises this node on the LAN via mDNS and connects to
// every peer it discovers, so BroadcastNeighborhood/BroadcastElection
// flooding and Unicast (spec.md §6) have a connected mesh to ride on.
// It does not decide who counts as a protocol neighbor — that remains
// the engine's neighbor.Table, driven by received Ping delivery
// values, not by libp2p connectivity.
type Discovery struct {
	net    *Network
	log    *slog.Logger
	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastTry map[peer.ID]time.Time
}

// NewDiscovery wraps net with mDNS advertise/browse. Call Start to
// begin; Close stops it.
func NewDiscovery(net *Network, log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{net: net, log: log, lastTry: make(map[peer.ID]time.Time)}
}

// Start registers the mDNS advertisement and begins the periodic
// browse loop.
func (d *Discovery) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	h := d.net.host
	addrs, err := h.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: addrs})
	if err != nil {
		return err
	}
	var txts []string
	for _, a := range p2pAddrs {
		txts = append(txts, dnsaddrPrefix+a.String())
	}

	instance := randomInstanceName()
	server, err := zeroconf.Register(instance, mdnsServiceName, "local.", 4001, txts, nil)
	if err != nil {
		return err
	}
	d.server = server

	d.wg.Add(1)
	go d.browseLoop()
	return nil
}

// Close stops advertising and browsing.
func (d *Discovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
	return nil
}

func (d *Discovery) browseLoop() {
	defer d.wg.Done()

	d.runBrowse()
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runBrowse()
		}
	}
}

func (d *Discovery) runBrowse() {
	ctx, cancel := context.WithTimeout(d.ctx, discoveryTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := zeroconf.Browse(ctx, mdnsServiceName, "local.", entries); err != nil {
		d.log.Debug("routing: mdns browse failed", "err", err)
	}
	wg.Wait()
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	var addrs []ma.Multiaddr
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		d.log.Debug("routing: mdns bad peer addrs", "err", err)
		return
	}
	for _, info := range infos {
		d.maybeConnect(info)
	}
}

func (d *Discovery) maybeConnect(pi peer.AddrInfo) {
	h := d.net.host
	if pi.ID == h.ID() {
		return
	}

	d.mu.Lock()
	if last, ok := d.lastTry[pi.ID]; ok && time.Since(last) < rediscoverCooldown {
		d.mu.Unlock()
		return
	}
	d.lastTry[pi.ID] = time.Now()
	d.mu.Unlock()

	if h.Network().Connectedness(pi.ID) != network.Connected {
		ctx, cancel := context.WithTimeout(d.ctx, discoveryTimeout)
		defer cancel()
		if err := h.Connect(ctx, pi); err != nil {
			d.log.Debug("routing: mdns connect failed", "peer", pi.ID, "err", err)
		}
	}
}

func randomInstanceName() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 24)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

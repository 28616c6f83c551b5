// Package simnet is an in-memory routing collaborator implementing
// the interface spec.md §6 describes: hop-limited broadcast and
// unicast delivery between engines that share a Network, with no
// physical layer or real sockets. It exists for tests and for
// property-based exploration of the protocol engine, standing in for
// the mobility/physics + routing-protocol collaborators spec.md
// explicitly places out of scope.
package simnet

import (
	"fmt"
	"sync"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// Network is a shared message bus connecting any number of Node
// instances. Delivery is immediate (synchronous, within the calling
// goroutine), matching the single-threaded cooperative model described
// in spec.md §5; a partition predicate installed with SetPartition
// suppresses delivery between the pairs it names.
type Network struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Node

	// partitioned, when non-nil, reports whether delivery between a
	// and b should be suppressed, letting tests model partitions
	// appearing and disappearing as nodes move (spec.md §1).
	partitioned func(a, b types.NodeID) bool
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[types.NodeID]*Node)}
}

// SetPartition installs a predicate controlling whether two nodes can
// currently exchange datagrams. A nil predicate (the default) means
// every pair can communicate.
func (n *Network) SetPartition(fn func(a, b types.NodeID) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned = fn
}

func (n *Network) connected(a, b types.NodeID) bool {
	n.mu.Lock()
	fn := n.partitioned
	n.mu.Unlock()
	if fn == nil {
		return true
	}
	return !fn(a, b)
}

// Join registers a node with the given id and returns its Node
// handle, which implements engine.Routing.
func (n *Network) Join(id types.NodeID) *Node {
	node := &Node{id: id, net: n}
	n.mu.Lock()
	n.nodes[id] = node
	n.mu.Unlock()
	return node
}

// Leave removes a node from the network; it will no longer receive
// broadcasts or unicasts.
func (n *Network) Leave(id types.NodeID) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

func (n *Network) peers() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		out = append(out, node)
	}
	return out
}

func (n *Network) get(id types.NodeID) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[id]
	return node, ok
}

// Node is one participant's view of a Network; it implements
// engine.Routing (Unicast, BroadcastNeighborhood, BroadcastElection,
// OwnNodeID, SetReceiveHandler) without importing the engine package.
type Node struct {
	id  types.NodeID
	net *Network

	mu      sync.Mutex
	handler func(source types.NodeID, body []byte)
}

// OwnNodeID returns the node's identity on this network.
func (node *Node) OwnNodeID() (types.NodeID, error) {
	if node.id == types.NoNode {
		return types.NoNode, fmt.Errorf("simnet: node has no assigned id")
	}
	return node.id, nil
}

// SetReceiveHandler installs the callback invoked for every datagram
// addressed to this node, whether by unicast or broadcast.
func (node *Node) SetReceiveHandler(h func(source types.NodeID, body []byte)) {
	node.mu.Lock()
	node.handler = h
	node.mu.Unlock()
}

func (node *Node) deliver(source types.NodeID, body []byte) {
	node.mu.Lock()
	h := node.handler
	node.mu.Unlock()
	if h != nil {
		h(source, body)
	}
}

// Unicast delivers body to dest if dest is joined and not partitioned
// away from this node.
func (node *Node) Unicast(dest types.NodeID, body []byte) error {
	target, ok := node.net.get(dest)
	if !ok {
		return fmt.Errorf("simnet: unknown destination %v", dest)
	}
	if !node.net.connected(node.id, dest) {
		return nil
	}
	cp := append([]byte(nil), body...)
	target.deliver(node.id, cp)
	return nil
}

// BroadcastNeighborhood delivers body to every other joined node.
// simnet does not model hop counts; TTL=h vs TTL=h_r distinctions are
// the routing collaborator's concern (spec.md §4.H), so both
// broadcast variants reach the full joined set here.
func (node *Node) BroadcastNeighborhood(body []byte) error {
	return node.broadcastAll(body)
}

// BroadcastElection delivers body to every other joined node.
func (node *Node) BroadcastElection(body []byte) error {
	return node.broadcastAll(body)
}

func (node *Node) broadcastAll(body []byte) error {
	for _, peer := range node.net.peers() {
		if peer.id == node.id {
			continue
		}
		if !node.net.connected(node.id, peer.id) {
			continue
		}
		cp := append([]byte(nil), body...)
		peer.deliver(node.id, cp)
	}
	return nil
}

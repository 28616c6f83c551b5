// Package types holds the value types shared by every RHPMAN engine
// component: node and message identifiers, the data item record, and
// the small bookkeeping structs the protocol tables are built from.
package types

import "time"

// NodeID is an opaque 32-bit identifier, unique within a run. Zero is
// reserved as "no node". The reference deployment derives it from a
// libp2p peer identity (see pkg/routing); the engine itself never
// interprets the bits.
type NodeID uint32

// NoNode is the reserved "absent node" identifier.
const NoNode NodeID = 0

// MessageID is a 64-bit value, unique across the run, used for both
// request/response correlation and duplicate suppression.
type MessageID uint64

// DataItem is an immutable unit of replicated data. Once constructed
// it is never mutated; every holder (Storage, Buffer, pending
// responses, in-flight messages) keeps its own copy of Payload.
type DataItem struct {
	ID      uint64
	Owner   NodeID
	Payload []byte
}

// Clone returns a DataItem with its own copy of Payload, so the
// returned value shares no backing array with the receiver.
func (d DataItem) Clone() DataItem {
	cp := make([]byte, len(d.Payload))
	copy(cp, d.Payload)
	return DataItem{ID: d.ID, Owner: d.Owner, Payload: cp}
}

// PeerProfile is a neighbor's advertised delivery value and the
// deadline at which it expires absent a refresh.
type PeerProfile struct {
	Peer      NodeID
	Delivery  float64
	ExpiresAt time.Time
}

// ReplicaHolder is a known replica-holding peer and its expiry.
type ReplicaHolder struct {
	Peer      NodeID
	ExpiresAt time.Time
}

// PendingLookup tracks one outstanding lookup request.
type PendingLookup struct {
	RequestID MessageID
	DataID    uint64
	Deadline  time.Time
}

// FitnessVote is one ballot received during an election.
type FitnessVote struct {
	Peer    NodeID
	Fitness float64
}

// Role is a node's replication role.
type Role int

const (
	NonReplicating Role = iota
	Replicating
)

func (r Role) String() string {
	if r == Replicating {
		return "replicating"
	}
	return "non-replicating"
}

// LifecycleState is the top-level engine's run state.
type LifecycleState int

const (
	NotStarted LifecycleState = iota
	Running
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "not-started"
	}
}

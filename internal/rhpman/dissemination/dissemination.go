// Package dissemination implements the semi-probabilistic send/receive
// rules of spec.md §4.H: recipient selection for Save/Store/Request
// relay, the Store receive pipeline (duplicate suppression, local
// store, forward, carry), and optional carrier forwarding of the
// whole Buffer on a higher-delivery Ping.
package dissemination

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/buffer"
	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/neighbor"
	"github.com/rhpman/rhpman-sim/internal/rhpman/replicaset"
	"github.com/rhpman/rhpman-sim/internal/rhpman/storage"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// erasureShardThreshold is the minimum buffer item count at which a
// carrier forward is worth splitting into Reed-Solomon shards; smaller
// batches go out as a single plain Transfer, since the shard framing
// overhead outweighs the loss-resilience benefit for a handful of
// items.
const erasureShardThreshold = 4

// erasureAssembly tracks the shards received so far for one inbound
// erasure-coded carrier forward, keyed by its TransferID.
type erasureAssembly struct {
	dataShards, parityShards int
	originalLen              int
	shards                   [][]byte
	have                     int
	createdAt                time.Time
}

// Sink is the outbound half of the routing collaborator (spec.md §6):
// point-to-point unicast plus the two hop-limited broadcast classes.
type Sink interface {
	Unicast(dest types.NodeID, body []byte) error
	BroadcastNeighborhood(body []byte) error
	BroadcastElection(body []byte) error
}

// Config carries the dissemination-relevant subset of engine
// configuration (spec.md §6).
type Config struct {
	ForwardingThreshold     float64 // σ
	CarryingThreshold       float64 // τ
	OptionalCarrierForward  bool
	OptionalCheckBuffer     bool
}

// Engine implements the recipient-selection and receive-pipeline
// rules. It does not own the duplicate-id set or the pending-envelope
// bookkeeping — those belong to the top-level engine, which calls
// Send/ReceiveStore after consulting them.
type Engine struct {
	cfg       Config
	sink      Sink
	log       *slog.Logger
	neighbors *neighbor.Table
	replicas  *replicaset.Set
	store     *storage.Storage
	buf       *buffer.Buffer

	transferSeq uint64

	pendingMu sync.Mutex
	pending   map[uint64]*erasureAssembly
}

// New builds a dissemination Engine wired to the given tables and
// routing sink.
func New(cfg Config, sink Sink, log *slog.Logger, neighbors *neighbor.Table, replicas *replicaset.Set, store *storage.Storage, buf *buffer.Buffer) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg: cfg, sink: sink, log: log, neighbors: neighbors, replicas: replicas, store: store, buf: buf,
		pending: make(map[uint64]*erasureAssembly),
	}
}

// Recipients computes the semi-probabilistic recipient set for a
// given envelope (spec.md §4.H step 1-2): every known replica holder,
// plus every neighbor whose advertised delivery is >= σ, excluding
// the replica set itself and an optional relay source to avoid
// bouncing a message back where it came from.
func (e *Engine) Recipients(excludeSource types.NodeID, hasSource bool) []types.NodeID {
	replicaPeers := e.replicas.All()
	inReplicas := make(map[types.NodeID]bool, len(replicaPeers))
	for _, p := range replicaPeers {
		inReplicas[p] = true
	}

	out := append([]types.NodeID(nil), replicaPeers...)
	for _, p := range e.neighbors.AtOrAbove(e.cfg.ForwardingThreshold) {
		if inReplicas[p] {
			continue
		}
		if hasSource && p == excludeSource {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Send encodes env and unicasts it to every computed recipient. It is
// used both for an application Save and for relay-on-receive of Store
// and Request (spec.md §4.H).
func (e *Engine) Send(env codec.Envelope, excludeSource types.NodeID, hasSource bool) error {
	body, err := codec.EncodeBody(env)
	if err != nil {
		return err
	}
	var firstErr error
	for _, dest := range e.Recipients(excludeSource, hasSource) {
		if err := e.sink.Unicast(dest, body); err != nil {
			e.log.Debug("unicast failed", "dest", dest, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BroadcastNeighborhood sends body with TTL = h (Ping).
func (e *Engine) BroadcastNeighborhood(body []byte) error {
	return e.sink.BroadcastNeighborhood(body)
}

// BroadcastElection sends body with TTL = h_r (ReplicaAnnounce,
// Election, Fitness, ModeChange).
func (e *Engine) BroadcastElection(body []byte) error {
	return e.sink.BroadcastElection(body)
}

// ReceiveStore implements the Store-receive pipeline of spec.md §4.H.
// Duplicate-envelope suppression is the caller's responsibility (it
// needs engine-wide visibility across all message tags); this method
// assumes the envelope has already passed that check and the item is
// not yet known to either Storage or Buffer.
func (e *Engine) ReceiveStore(item types.DataItem, source types.NodeID, replicating bool, selfDelivery float64) {
	if replicating {
		if !e.store.Store(item) {
			e.log.Debug("storage full, dropping replicated item", "item_id", item.ID)
		}
		return
	}

	env := codec.Envelope{Payload: codec.Store{Item: item}}
	if err := e.Send(env, source, true); err != nil {
		e.log.Debug("forward of Store failed for some recipients", "item_id", item.ID, "err", err)
	}

	if selfDelivery > e.cfg.CarryingThreshold {
		if !e.buf.Store(item) {
			e.log.Debug("buffer full, dropping carried item", "item_id", item.ID)
		}
	}
}

// MaybeCarrierForward implements the optional carrier-forwarding
// feature flag of spec.md §4.H: when a Ping arrives whose advertised
// delivery exceeds this node's own P_ij, hand the whole Buffer over
// to that peer and clear it. Batches of erasureShardThreshold items or
// more are Reed-Solomon coded and sent as independent shard frames
// (see erasure.go) so a lossy hop still reconstructs the batch from
// any surviving shards numbering at least the data-shard count;
// smaller batches go out as a single Transfer.
func (e *Engine) MaybeCarrierForward(peer types.NodeID, peerDelivery, selfDelivery float64) {
	if !e.cfg.OptionalCarrierForward {
		return
	}
	if peerDelivery <= selfDelivery {
		return
	}
	items := e.buf.All()
	if len(items) == 0 {
		return
	}

	var err error
	if len(items) >= erasureShardThreshold {
		err = e.sendErasureTransfer(peer, items)
	} else {
		err = e.sendPlainTransfer(peer, items)
	}
	if err != nil {
		e.log.Debug("carrier-forward transfer failed", "peer", peer, "err", err)
		return
	}
	e.buf.Clear()
}

// plainTransferIDBit keeps sendPlainTransfer's envelope ids from ever
// numerically colliding with a shardEnvelopeID derived from the same
// counter (erasure.go shifts its counter value left 8 bits; this sets
// the top bit instead, a disjoint range).
const plainTransferIDBit = uint64(1) << 63

func (e *Engine) sendPlainTransfer(peer types.NodeID, items []types.DataItem) error {
	id := types.MessageID(atomic.AddUint64(&e.transferSeq, 1) | plainTransferIDBit)
	env := codec.Envelope{ID: id, Payload: codec.Transfer{Items: items}}
	body, err := codec.EncodeBody(env)
	if err != nil {
		return err
	}
	return e.sink.Unicast(peer, body)
}

// ReceiveTransfer handles an inbound Transfer (the carrier-forwarding
// counterpart of MaybeCarrierForward): every item not already present
// locally is adopted into Storage if replicating, else Buffer.
func (e *Engine) ReceiveTransfer(items []types.DataItem, replicating bool) {
	for _, item := range items {
		if _, ok := e.store.Get(item.ID); ok {
			continue
		}
		if replicating {
			if !e.store.Store(item) {
				e.log.Debug("storage full, dropping transferred item", "item_id", item.ID)
			}
			continue
		}
		if _, ok := e.buf.Get(item.ID); ok {
			continue
		}
		if !e.buf.Store(item) {
			e.log.Debug("buffer full, dropping transferred item", "item_id", item.ID)
		}
	}
}

// ReceiveErasureShard handles one inbound ErasureTransfer shard,
// accumulating it against the other shards of the same TransferID and
// reconstructing the original Transfer once enough have arrived. See
// erasure.go.
func (e *Engine) ReceiveErasureShard(p codec.ErasureTransfer, replicating bool) {
	items, err := e.assembleErasureShard(p)
	if err != nil {
		e.log.Debug("erasure transfer assembly failed", "transfer_id", p.TransferID, "err", err)
		return
	}
	if items == nil {
		return // still waiting on more shards
	}
	e.ReceiveTransfer(items, replicating)
}

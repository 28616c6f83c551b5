package dissemination

import (
	"testing"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/buffer"
	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/neighbor"
	"github.com/rhpman/rhpman-sim/internal/rhpman/replicaset"
	"github.com/rhpman/rhpman-sim/internal/rhpman/storage"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

type fakeSink struct {
	unicasts    map[types.NodeID][][]byte
	neighborhood [][]byte
	election     [][]byte
}

func newFakeSink() *fakeSink {
	return &fakeSink{unicasts: make(map[types.NodeID][][]byte)}
}

func (f *fakeSink) Unicast(dest types.NodeID, body []byte) error {
	f.unicasts[dest] = append(f.unicasts[dest], body)
	return nil
}

func (f *fakeSink) BroadcastNeighborhood(body []byte) error {
	f.neighborhood = append(f.neighborhood, body)
	return nil
}

func (f *fakeSink) BroadcastElection(body []byte) error {
	f.election = append(f.election, body)
	return nil
}

func newTestEngine(cfg Config) (*Engine, *fakeSink, *neighbor.Table, *replicaset.Set, *storage.Storage, *buffer.Buffer) {
	sched, _ := scheduler.NewMock()
	nt := neighbor.New(sched, 30*time.Second)
	rs := replicaset.New(sched, 30*time.Second, nil)
	st := storage.New(10)
	buf := buffer.New(10)
	sink := newFakeSink()
	eng := New(cfg, sink, nil, nt, rs, st, buf)
	return eng, sink, nt, rs, st, buf
}

func TestRecipientsIncludesReplicasAndHighDeliveryNeighbors(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.4}
	eng, _, nt, rs, _, _ := newTestEngine(cfg)

	rs.Insert(1)
	nt.Refresh(2, 0.9)
	nt.Refresh(3, 0.1)

	got := eng.Recipients(0, false)
	want := map[types.NodeID]bool{1: true, 2: true}
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %v", got)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected recipient %v", p)
		}
	}
}

func TestRecipientsExcludesRelaySource(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.4}
	eng, _, nt, _, _, _ := newTestEngine(cfg)
	nt.Refresh(5, 0.9)

	got := eng.Recipients(5, true)
	if len(got) != 0 {
		t.Fatalf("expected relay source to be excluded, got %v", got)
	}
}

func TestReceiveStoreReplicatingStoresLocally(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.4, CarryingThreshold: 0.6}
	eng, sink, _, _, st, _ := newTestEngine(cfg)

	item := types.DataItem{ID: 1, Payload: []byte("x")}
	eng.ReceiveStore(item, 9, true, 1.0)

	if _, ok := st.Get(1); !ok {
		t.Fatal("expected item to be stored when replicating")
	}
	if len(sink.unicasts) != 0 {
		t.Fatal("a replicating node must not forward a Store it can keep itself")
	}
}

func TestReceiveStoreNonReplicatingForwardsAndMayCarry(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.4, CarryingThreshold: 0.5}
	eng, sink, nt, _, st, buf := newTestEngine(cfg)
	nt.Refresh(2, 0.9)

	item := types.DataItem{ID: 1, Payload: []byte("x")}
	eng.ReceiveStore(item, 9, false, 0.7)

	if _, ok := st.Get(1); ok {
		t.Fatal("a non-replicating node must not place the item into Storage")
	}
	if len(sink.unicasts[2]) != 1 {
		t.Fatal("expected the item to be forwarded to the high-delivery neighbor")
	}
	if _, ok := buf.Get(1); !ok {
		t.Fatal("expected the item to be buffered since self delivery exceeds carrying threshold")
	}
}

func TestReceiveStoreNonReplicatingBelowCarryingThresholdSkipsBuffer(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.4, CarryingThreshold: 0.9}
	eng, _, _, _, _, buf := newTestEngine(cfg)

	item := types.DataItem{ID: 1, Payload: []byte("x")}
	eng.ReceiveStore(item, 9, false, 0.2)

	if _, ok := buf.Get(1); ok {
		t.Fatal("item must not be buffered when self delivery is below the carrying threshold")
	}
}

func TestMaybeCarrierForwardRespectsFeatureFlag(t *testing.T) {
	cfg := Config{OptionalCarrierForward: false}
	eng, sink, _, _, _, buf := newTestEngine(cfg)
	buf.Store(types.DataItem{ID: 1, Payload: []byte("x")})

	eng.MaybeCarrierForward(2, 0.9, 0.1)

	if len(sink.unicasts[2]) != 0 {
		t.Fatal("carrier forwarding must be a no-op when the feature flag is off")
	}
	if _, ok := buf.Get(1); !ok {
		t.Fatal("buffer must be untouched when the feature flag is off")
	}
}

func TestMaybeCarrierForwardSendsAndClearsBuffer(t *testing.T) {
	cfg := Config{OptionalCarrierForward: true}
	eng, sink, _, _, _, buf := newTestEngine(cfg)
	buf.Store(types.DataItem{ID: 1, Payload: []byte("x")})

	eng.MaybeCarrierForward(2, 0.9, 0.1)

	if len(sink.unicasts[2]) != 1 {
		t.Fatal("expected a Transfer to be unicast to the higher-delivery peer")
	}
	if buf.Len() != 0 {
		t.Fatal("expected the buffer to be cleared after carrier forwarding")
	}
}

func TestMaybeCarrierForwardRequiresStrictlyHigherPeerDelivery(t *testing.T) {
	cfg := Config{OptionalCarrierForward: true}
	eng, sink, _, _, _, buf := newTestEngine(cfg)
	buf.Store(types.DataItem{ID: 1, Payload: []byte("x")})

	eng.MaybeCarrierForward(2, 0.5, 0.5)

	if len(sink.unicasts[2]) != 0 {
		t.Fatal("carrier forwarding must require peer delivery to strictly exceed self delivery")
	}
	if buf.Len() != 1 {
		t.Fatal("buffer must remain untouched when the peer does not qualify")
	}
}

func TestReceiveTransferAdoptsUnknownItems(t *testing.T) {
	cfg := Config{}
	eng, _, _, _, st, buf := newTestEngine(cfg)

	items := []types.DataItem{
		{ID: 1, Payload: []byte("a")},
		{ID: 2, Payload: []byte("b")},
	}
	eng.ReceiveTransfer(items, true)

	if _, ok := st.Get(1); !ok {
		t.Fatal("expected item 1 adopted into storage")
	}
	if _, ok := st.Get(2); !ok {
		t.Fatal("expected item 2 adopted into storage")
	}
	if buf.Len() != 0 {
		t.Fatal("a replicating node must adopt transferred items into storage, not buffer")
	}
}

func TestReceiveTransferNonReplicatingUsesBuffer(t *testing.T) {
	cfg := Config{}
	eng, _, _, _, st, buf := newTestEngine(cfg)

	items := []types.DataItem{{ID: 1, Payload: []byte("a")}}
	eng.ReceiveTransfer(items, false)

	if _, ok := st.Get(1); ok {
		t.Fatal("a non-replicating node must not place transferred items into storage")
	}
	if _, ok := buf.Get(1); !ok {
		t.Fatal("expected item adopted into buffer")
	}
}

func TestMaybeCarrierForwardLargeBatchSplitsIntoErasureShards(t *testing.T) {
	cfg := Config{OptionalCarrierForward: true}
	eng, sink, _, _, _, buf := newTestEngine(cfg)
	for i := uint64(1); i <= 5; i++ {
		buf.Store(types.DataItem{ID: i, Payload: []byte("item")})
	}

	eng.MaybeCarrierForward(2, 0.9, 0.1)

	got := sink.unicasts[2]
	if len(got) != 5+erasureParityShards {
		t.Fatalf("expected one frame per shard (%d data + %d parity), got %d", 5, erasureParityShards, len(got))
	}
	for _, body := range got {
		env, err := codec.Decode(body)
		if err != nil {
			t.Fatalf("decode shard frame: %v", err)
		}
		if _, ok := env.Payload.(codec.ErasureTransfer); !ok {
			t.Fatalf("expected an ErasureTransfer payload, got %T", env.Payload)
		}
	}
	if buf.Len() != 0 {
		t.Fatal("expected the buffer to be cleared after carrier forwarding")
	}
}

func TestReceiveErasureShardReconstructsAfterLosingParityShards(t *testing.T) {
	cfg := Config{}
	eng, sink, _, _, st, _ := newTestEngine(cfg)

	items := make([]types.DataItem, 0, 6)
	for i := uint64(1); i <= 6; i++ {
		items = append(items, types.DataItem{ID: i, Payload: []byte("payload")})
	}
	if err := eng.sendErasureTransfer(2, items); err != nil {
		t.Fatalf("sendErasureTransfer: %v", err)
	}

	frames := sink.unicasts[2]
	if len(frames) != 6+erasureParityShards {
		t.Fatalf("expected %d shard frames, got %d", 6+erasureParityShards, len(frames))
	}

	// Drop the parity shards (the last erasureParityShards frames) to
	// confirm reconstruction succeeds from data shards alone.
	for _, body := range frames[:6] {
		env, err := codec.Decode(body)
		if err != nil {
			t.Fatalf("decode shard frame: %v", err)
		}
		p, ok := env.Payload.(codec.ErasureTransfer)
		if !ok {
			t.Fatalf("expected ErasureTransfer, got %T", env.Payload)
		}
		eng.ReceiveErasureShard(p, true)
	}

	for _, item := range items {
		if _, ok := st.Get(item.ID); !ok {
			t.Fatalf("expected item %d reconstructed into storage", item.ID)
		}
	}
}

func TestReceiveErasureShardWaitsForEnoughShards(t *testing.T) {
	cfg := Config{}
	eng, sink, _, _, st, _ := newTestEngine(cfg)

	items := []types.DataItem{
		{ID: 1, Payload: []byte("a")},
		{ID: 2, Payload: []byte("b")},
		{ID: 3, Payload: []byte("c")},
		{ID: 4, Payload: []byte("d")},
	}
	if err := eng.sendErasureTransfer(2, items); err != nil {
		t.Fatalf("sendErasureTransfer: %v", err)
	}

	frames := sink.unicasts[2]
	env, err := codec.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode shard frame: %v", err)
	}
	p := env.Payload.(codec.ErasureTransfer)
	eng.ReceiveErasureShard(p, true)

	if _, ok := st.Get(1); ok {
		t.Fatal("expected no reconstruction yet with only one of four data shards received")
	}
}

func TestSendEncodesOncePerRecipient(t *testing.T) {
	cfg := Config{ForwardingThreshold: 0.0}
	eng, sink, nt, _, _, _ := newTestEngine(cfg)
	nt.Refresh(2, 0.5)
	nt.Refresh(3, 0.5)

	env := codec.Envelope{Payload: codec.Ping{Delivery: 0.5}}
	if err := eng.Send(env, 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.unicasts[2]) != 1 || len(sink.unicasts[3]) != 1 {
		t.Fatalf("expected one unicast per recipient, got %+v", sink.unicasts)
	}
}

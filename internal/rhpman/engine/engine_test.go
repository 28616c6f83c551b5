package engine

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/telemetry"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
	"github.com/rhpman/rhpman-sim/pkg/simnet"
)

func baseConfig() Config {
	return Config{
		Role:                      types.NonReplicating,
		ForwardingThreshold:       0.4,
		CarryingThreshold:         0.6,
		WCDC:                      0.5,
		WCol:                      0.5,
		ProfileDelay:              6 * time.Second,
		RequestTimeout:            5 * time.Second,
		MissingReplicationTimeout: 5 * time.Second,
		ProfileTimeout:            5 * time.Second,
		ElectionTimeout:           5 * time.Second,
		ElectionCooldown:          time.Second,
		StorageCapacity:           4,
		BufferCapacity:            4,
	}
}

// newNode builds an engine joined to net under id, sharing mock's
// virtual clock but with its own independent Scheduler bookkeeping.
func newNode(t *testing.T, net *simnet.Network, mock *clock.Mock, id types.NodeID, cfg Config) (*Engine, *simnet.Node) {
	t.Helper()
	node := net.Join(id)
	sched := scheduler.FromClock(mock)
	eng := New(cfg, sched, node, nil)
	return eng, node
}

func TestSelfHitLookupFiresSynchronously(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()
	eng, _ := newNode(t, net, mock, 1, cfg)
	if err := eng.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer eng.Stop()

	eng.Save(types.DataItem{ID: 42, Payload: []byte("answer")})

	successFired := false
	var got types.DataItem
	eng.Lookup(42, func(item types.DataItem) {
		successFired = true
		got = item
	}, func(dataID uint64) {
		t.Fatal("unexpected failure callback for a local hit")
	})

	if !successFired {
		t.Fatal("expected success callback to fire synchronously")
	}
	if got.ID != 42 {
		t.Fatalf("expected item id 42, got %d", got.ID)
	}
}

func TestMetricsRecordSelfHitLookupAndOccupancy(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()
	cfg.Metrics = telemetry.NewMetrics("test-engine", "test")
	eng, _ := newNode(t, net, mock, 1, cfg)
	if err := eng.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer eng.Stop()

	eng.Save(types.DataItem{ID: 42, Payload: []byte("answer")})
	eng.Lookup(42, func(types.DataItem) {}, func(uint64) { t.Fatal("unexpected failure") })

	if got := testutil.ToFloat64(cfg.Metrics.LookupsTotal.WithLabelValues(telemetry.LookupHit)); got != 1 {
		t.Fatalf("expected one recorded lookup hit, got %v", got)
	}

	mock.Add(cfg.ProfileDelay)
	if got := testutil.ToFloat64(cfg.Metrics.StorageOccupancy.WithLabelValues()); got != 1 {
		t.Fatalf("expected storage occupancy 1 after the next Ping tick samples it, got %v", got)
	}
}

func TestReplicaRoundTrip(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()

	cfg1 := cfg
	cfg1.Role = types.Replicating
	n1, _ := newNode(t, net, mock, 1, cfg1)
	if err := n1.Start(); err != nil {
		t.Fatalf("n1 start: %v", err)
	}
	defer n1.Stop()

	n2, _ := newNode(t, net, mock, 2, cfg)
	if err := n2.Start(); err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n2.Stop()

	n1.Save(types.DataItem{ID: 7, Payload: []byte("seven")})
	n1.replicas.Insert(2) // seeded directly: N2 is non-replicating, so it never sends ReplicaAnnounce
	n2.replicas.Insert(1) // N2 already knows N1 is a replica holder (election-radius peers)

	success := false
	failed := false
	n2.Lookup(7, func(item types.DataItem) {
		success = true
		if item.ID != 7 {
			t.Fatalf("expected item id 7, got %d", item.ID)
		}
	}, func(dataID uint64) { failed = true })

	if !success {
		t.Fatal("expected success callback to fire after the Request/Response round-trip")
	}
	if failed {
		t.Fatal("failure callback must not fire alongside success")
	}
}

func TestLookupTimeoutFiresFailureOnce(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()
	eng, _ := newNode(t, net, mock, 2, cfg)
	if err := eng.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	calls := 0
	eng.Lookup(99, func(item types.DataItem) {
		t.Fatal("unexpected success with no replicas or neighbors known")
	}, func(dataID uint64) {
		calls++
		if dataID != 99 {
			t.Fatalf("expected failure for data id 99, got %d", dataID)
		}
	})

	mock.Add(6 * time.Second)
	if calls != 1 {
		t.Fatalf("expected exactly one failure callback, got %d", calls)
	}
}

func TestElectionHandoverPicksHighestFitness(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()

	cfg1 := baseConfig()
	cfg1.FitnessFunc = func() float64 { return 0.3 }
	cfg2 := baseConfig()
	cfg2.FitnessFunc = func() float64 { return 0.5 }
	cfg3 := baseConfig()
	cfg3.FitnessFunc = func() float64 { return 0.9 }

	n1, _ := newNode(t, net, mock, 1, cfg1)
	n2, _ := newNode(t, net, mock, 2, cfg2)
	n3, _ := newNode(t, net, mock, 3, cfg3)

	for _, n := range []*Engine{n1, n2, n3} {
		if err := n.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer n.Stop()
	}

	// Starting kicks off each node's own initial election, which
	// self-broadcasts Election/Fitness. Advance past every
	// election_timeout so all three decide.
	mock.Add(6 * time.Second)

	if n3.Role() != types.Replicating {
		t.Fatalf("expected N3 (highest fitness) to become Replicating, role=%v", n3.Role())
	}
	if n1.Role() == types.Replicating {
		t.Fatal("N1 must not become Replicating")
	}
	if n2.Role() == types.Replicating {
		t.Fatal("N2 must not become Replicating")
	}
}

func TestStoreDisseminationRespectsThresholds(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()
	cfg.ForwardingThreshold = 0.4
	cfg.CarryingThreshold = 0.6

	cfg1 := cfg
	cfg1.Role = types.Replicating
	n1, _ := newNode(t, net, mock, 1, cfg1)
	if err := n1.Start(); err != nil {
		t.Fatalf("n1 start: %v", err)
	}
	defer n1.Stop()

	n2, _ := newNode(t, net, mock, 2, cfg)
	if err := n2.Start(); err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n2.Stop()

	n3, _ := newNode(t, net, mock, 3, cfg)
	if err := n3.Start(); err != nil {
		t.Fatalf("n3 start: %v", err)
	}
	defer n3.Stop()

	// Give N1 a neighbor view of N2 (delivery 0.7, forwards) and N3
	// (delivery 0.2, does not forward), matching spec.md scenario 5.
	n1.neighbors.Refresh(2, 0.7)
	n1.neighbors.Refresh(3, 0.2)

	n1.Save(types.DataItem{ID: 55, Payload: []byte("fifty-five")})

	if _, ok := n2.storage.Get(55); ok {
		t.Fatal("N2 is non-replicating and must not place the item into Storage")
	}
	if _, ok := n3.storage.Get(55); ok {
		t.Fatal("N3 must not have received the item at all (below forwarding threshold)")
	}
	if _, ok := n3.buf.Get(55); ok {
		t.Fatal("N3 must not have received the item at all (below forwarding threshold)")
	}
}

func TestDuplicateEnvelopeIsDroppedOnRedelivery(t *testing.T) {
	net := simnet.NewNetwork()
	mock := clock.NewMock()
	cfg := baseConfig()
	cfg.Role = types.Replicating
	n2, _ := newNode(t, net, mock, 2, cfg)
	if err := n2.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n2.Stop()

	env := codec.Envelope{ID: 1000, Payload: codec.Store{Item: types.DataItem{ID: 1, Payload: []byte("x")}}}
	body, err := codec.EncodeBody(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	n2.handleReceive(1, body)
	lenAfterFirst := n2.storage.Len()
	n2.handleReceive(1, body)
	lenAfterSecond := n2.storage.Len()

	if lenAfterFirst != 1 {
		t.Fatalf("expected the first delivery to store the item, len=%d", lenAfterFirst)
	}
	if lenAfterFirst != lenAfterSecond {
		t.Fatalf("expected redelivery of the same envelope id to be a no-op, before=%d after=%d", lenAfterFirst, lenAfterSecond)
	}
}

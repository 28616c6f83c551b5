// Package engine wires the per-node components A-I into the
// top-level protocol engine described in spec.md §4.J: lifecycle
// management, the inbound receive loop, periodic Ping/ReplicaAnnounce
// scheduling, and the application-facing Lookup/Save/FreeSpace API.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rhpman/rhpman-sim/internal/churn"
	"github.com/rhpman/rhpman-sim/internal/rhpman/buffer"
	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/dissemination"
	"github.com/rhpman/rhpman-sim/internal/rhpman/election"
	"github.com/rhpman/rhpman-sim/internal/rhpman/fitness"
	"github.com/rhpman/rhpman-sim/internal/rhpman/lookup"
	"github.com/rhpman/rhpman-sim/internal/rhpman/neighbor"
	"github.com/rhpman/rhpman-sim/internal/rhpman/replicaset"
	"github.com/rhpman/rhpman-sim/internal/rhpman/storage"
	"github.com/rhpman/rhpman-sim/internal/rhpman/telemetry"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// Routing is the full outbound+inbound surface the engine needs from
// the routing collaborator (spec.md §6).
type Routing interface {
	Unicast(dest types.NodeID, body []byte) error
	BroadcastNeighborhood(body []byte) error
	BroadcastElection(body []byte) error
	OwnNodeID() (types.NodeID, error)
	SetReceiveHandler(func(source types.NodeID, body []byte))
}

// Config is the full set of recognized engine options from spec.md §6.
type Config struct {
	Role                      types.Role
	ForwardingThreshold       float64 // σ
	CarryingThreshold         float64 // τ
	WCDC                      float64
	WCol                      float64
	ProfileDelay              time.Duration
	RequestTimeout            time.Duration
	MissingReplicationTimeout time.Duration
	ProfileTimeout            time.Duration
	ElectionTimeout           time.Duration
	ElectionCooldown          time.Duration
	StorageCapacity           int
	BufferCapacity            int
	OptionalCarrierForwarding bool
	OptionalCheckBuffer       bool
	// BroadcastRateLimit bounds how many Ping/Election-class
	// broadcasts this node emits per second; BroadcastBurst is the
	// token bucket's burst size. Zero means unlimited.
	BroadcastRateLimit float64
	BroadcastBurst     int
	// FitnessFunc overrides the reference election fitness constant
	// (spec.md §4.F calls this a "clear extension point for richer
	// metrics"). Nil uses fitness.Election's reference value of 0.0.
	FitnessFunc func() float64
	// Metrics is optional; when set, role transitions, Storage/Buffer
	// occupancy, election outcomes, and lookup latency are reported to
	// it. Nil disables all instrumentation.
	Metrics *telemetry.Metrics
}

// Engine is the per-node RHPMAN protocol engine.
type Engine struct {
	id  uuid.UUID
	cfg Config
	log *slog.Logger

	sched   scheduler.Scheduler
	routing Routing

	mu    sync.Mutex
	state types.LifecycleState
	self  types.NodeID

	storage   *storage.Storage
	buf       *buffer.Buffer
	neighbors *neighbor.Table
	replicas  *replicaset.Set
	lookups   *lookup.Tracker
	dissem    *dissemination.Engine
	elect     *election.Engine
	churn     *churn.Tracker

	seenMu sync.Mutex
	seen   map[types.MessageID]time.Time

	nextIDMu sync.Mutex
	nextID   uint64

	pingHandle            scheduler.Handle
	hasPing               bool
	replicaAnnounceHandle scheduler.Handle
	hasReplicaAnnounce    bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs an Engine in the NotStarted lifecycle state. The
// scheduler and routing collaborators are supplied by the caller
// (spec.md §6); sched may be a real or mock scheduler.Scheduler.
func New(cfg Config, sched scheduler.Scheduler, routing Routing, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		id:      uuid.New(),
		cfg:     cfg,
		log:     log,
		sched:   sched,
		routing: routing,
		state:   types.NotStarted,
		seen:    make(map[types.MessageID]time.Time),
	}
}

// Start brings the engine from NotStarted to Running: it binds the
// receive handler, latches the node's own NodeId, initializes Storage
// and Buffer, schedules periodic Ping, arms the replica watchdog, and
// kicks off an initial election. Idempotent against a second Start
// call while already Running; starting a Stopped engine is an error
// (spec.md's Non-goals exclude persistence/restart across lifecycle
// boundaries).
func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.state {
	case types.Running:
		e.mu.Unlock()
		return nil
	case types.Stopped:
		e.mu.Unlock()
		return fmt.Errorf("engine %s: cannot start a stopped engine", e.id)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	group, _ := errgroup.WithContext(ctx)

	var self types.NodeID
	group.Go(func() error {
		id, err := e.routing.OwnNodeID()
		if err != nil {
			return fmt.Errorf("obtain own node id: %w", err)
		}
		self = id
		return nil
	})
	if err := group.Wait(); err != nil {
		cancel()
		e.log.Error("engine start aborted", "err", err)
		return err
	}

	e.mu.Lock()
	e.self = self
	e.storage = storage.New(e.cfg.StorageCapacity)
	e.buf = buffer.New(e.cfg.BufferCapacity)
	e.neighbors = neighbor.New(e.sched, e.cfg.ProfileTimeout)
	e.churn = churn.New(e.cfg.ProfileTimeout*10, 256)
	e.replicas = replicaset.New(e.sched, e.cfg.MissingReplicationTimeout, e.onReplicasEmpty)

	var limiter *rate.Limiter
	if e.cfg.BroadcastRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.BroadcastRateLimit), e.cfg.BroadcastBurst)
	}
	routing := e.routing
	if limiter != nil {
		routing = &rateLimitedRouting{Routing: e.routing, limiter: limiter, log: e.log}
	}

	e.dissem = dissemination.New(dissemination.Config{
		ForwardingThreshold:    e.cfg.ForwardingThreshold,
		CarryingThreshold:      e.cfg.CarryingThreshold,
		OptionalCarrierForward: e.cfg.OptionalCarrierForwarding,
		OptionalCheckBuffer:    e.cfg.OptionalCheckBuffer,
	}, routing, e.log, e.neighbors, e.replicas, e.storage, e.buf)

	e.lookups = lookup.New(e.sched, e.cfg.RequestTimeout)

	e.elect = election.New(election.Config{
		ElectionTimeout:           e.cfg.ElectionTimeout,
		ElectionCooldown:          e.cfg.ElectionCooldown,
		MissingReplicationTimeout: e.cfg.MissingReplicationTimeout,
		ProfileDelay:              e.cfg.ProfileDelay,
	}, e.sched, routing, e.log, self, e.cfg.Role, e.replicas, election.Hooks{
		SelfFitness:         e.selfElectionFitness,
		OnBecomeReplicating: e.onBecomeReplicating,
		OnStepDown:          e.onStepDown,
		OnRoleChange: func(old, new types.Role) {
			e.log.Info("role change", "engine", e.id, "old", old, "new", new)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordRoleChange(old, new)
			}
		},
		OnElectionOutcome: func(outcome string) {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordElectionOutcome(outcome)
			}
		},
	})

	e.group = group
	e.cancel = cancel
	e.state = types.Running
	e.mu.Unlock()

	e.routing.SetReceiveHandler(e.handleReceive)

	e.schedulePing()
	e.elect.ArmWatchdog()
	e.elect.TriggerElection()

	return nil
}

// Stop brings the engine from Running to Stopped: it cancels every
// timer so no late firing can occur, and releases its background
// context. Stop on a NotStarted engine is a logged no-op error
// (spec.md §7 "lifecycle misuse").
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == types.NotStarted {
		e.mu.Unlock()
		e.log.Error("stop called before start")
		return fmt.Errorf("engine %s: cannot stop a not-started engine", e.id)
	}
	if e.state == types.Stopped {
		e.mu.Unlock()
		return nil
	}
	e.state = types.Stopped
	cancel := e.cancel
	group := e.group
	e.mu.Unlock()

	e.neighbors.Stop()
	e.replicas.Stop()
	e.lookups.Stop()
	e.elect.Stop()
	scheduler.StopAll(e.sched)

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	return nil
}

// State returns the current lifecycle state.
func (e *Engine) State() types.LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Role returns the node's current replication role.
func (e *Engine) Role() types.Role {
	return e.elect.Role()
}

// FreeSpace returns the number of unused Storage slots.
func (e *Engine) FreeSpace() int {
	return e.storage.FreeSpace()
}

// NodeID returns this node's own identity, as resolved from the
// routing collaborator at Start. Zero-valued before Start completes.
func (e *Engine) NodeID() types.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// StorageLen and BufferLen report the current occupancy of Storage
// and Buffer, for the daemon's status/free_space API.
func (e *Engine) StorageLen() int {
	return e.storage.Len()
}

func (e *Engine) BufferLen() int {
	return e.buf.Len()
}

// ReplicaCount and NeighborCount report the size of the replica set
// and neighbor table, for the daemon's status API.
func (e *Engine) ReplicaCount() int {
	return len(e.replicas.All())
}

func (e *Engine) NeighborCount() int {
	return e.neighbors.Len()
}

// Save places item into local Storage if room remains, then
// disseminates it regardless of whether local storage succeeded
// (spec.md §6).
func (e *Engine) Save(item types.DataItem) bool {
	stored := e.storage.Store(item)
	env := codec.Envelope{ID: e.mintMessageID(), TimestampMs: nowMillis(e.sched), Payload: codec.Store{Item: item}}
	if err := e.dissem.Send(env, 0, false); err != nil {
		e.log.Debug("save dissemination failed for some recipients", "item_id", item.ID, "err", err)
	}
	return stored
}

// Lookup implements spec.md §4.G: a Storage/Buffer hit fires onSuccess
// synchronously; otherwise a Request is minted and unicast to the
// best-known recipients, and onSuccess/onFailure fires exactly once
// when a Response arrives or the request times out.
func (e *Engine) Lookup(dataID uint64, onSuccess func(types.DataItem), onFailure func(uint64)) {
	started := e.sched.Now()
	if item, ok := e.storage.Get(dataID); ok {
		e.observeLookup(telemetry.LookupHit, started)
		onSuccess(item)
		return
	}
	if e.cfg.OptionalCheckBuffer {
		if item, ok := e.buf.Get(dataID); ok {
			e.observeLookup(telemetry.LookupHit, started)
			onSuccess(item)
			return
		}
	}

	requestID := e.mintMessageID()
	sigma := e.selfDelivery()
	recipients := e.replicas.All()
	if len(recipients) == 0 {
		recipients = e.neighbors.AtOrAbove(sigma)
	}

	env := codec.Envelope{ID: requestID, TimestampMs: nowMillis(e.sched), Payload: codec.Request{DataID: dataID, Requestor: e.self, Sigma: sigma}}
	body, err := codec.EncodeBody(env)
	if err != nil {
		e.log.Debug("failed to encode Request", "err", err)
		onFailure(dataID)
		return
	}
	for _, dest := range recipients {
		if err := e.routing.Unicast(dest, body); err != nil {
			e.log.Debug("lookup unicast failed", "dest", dest, "err", err)
		}
	}

	e.lookups.Start(requestID, dataID, func(id uint64, outcome lookup.Outcome) {
		if outcome.Found {
			e.observeLookup(telemetry.LookupHit, started)
			onSuccess(outcome.Item)
		} else {
			e.observeLookup(telemetry.LookupTimeout, started)
			onFailure(id)
		}
	})
}

func (e *Engine) observeLookup(result string, started time.Time) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.ObserveLookup(result, e.sched.Now().Sub(started).Seconds())
}

func (e *Engine) mintMessageID() types.MessageID {
	e.nextIDMu.Lock()
	defer e.nextIDMu.Unlock()
	e.nextID++
	return types.MessageID(e.nextID)
}

func nowMillis(sched scheduler.Scheduler) uint64 {
	return uint64(sched.Now().UnixMilli())
}

func (e *Engine) selfDelivery() float64 {
	replicating := e.elect.Role() == types.Replicating
	uCol := fitness.UCol(!e.replicas.Empty())
	uCDC := e.churn.UCDC()
	return fitness.Delivery(replicating, fitness.Weights{WCDC: e.cfg.WCDC, WCol: e.cfg.WCol}, uCDC, uCol)
}

func (e *Engine) selfElectionFitness() float64 {
	if e.cfg.FitnessFunc != nil {
		return e.cfg.FitnessFunc()
	}
	return fitness.Election()
}

func (e *Engine) onReplicasEmpty() {
	e.elect.TriggerElection()
}

func (e *Engine) onBecomeReplicating() {
	e.scheduleReplicaAnnounce()
}

func (e *Engine) onStepDown() {
	e.mu.Lock()
	if e.hasReplicaAnnounce {
		e.sched.Cancel(e.replicaAnnounceHandle)
		e.hasReplicaAnnounce = false
	}
	e.mu.Unlock()
}

func (e *Engine) schedulePing() {
	var tick func()
	tick = func() {
		e.churn.Observe(e.sched.Now(), e.neighbors.Len())
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.SetStorageOccupancy(e.storage.Len())
			e.cfg.Metrics.SetBufferOccupancy(e.buf.Len())
		}
		delivery := e.selfDelivery()
		body, err := codec.EncodeBody(codec.Envelope{ID: e.mintMessageID(), TimestampMs: nowMillis(e.sched), Payload: codec.Ping{Delivery: delivery}})
		if err == nil {
			if err := e.dissem.BroadcastNeighborhood(body); err != nil {
				e.log.Debug("ping broadcast failed", "err", err)
			}
		}
		e.mu.Lock()
		e.pingHandle = e.sched.Schedule(e.cfg.ProfileDelay, tick)
		e.hasPing = true
		e.mu.Unlock()
	}
	tick()
}

func (e *Engine) scheduleReplicaAnnounce() {
	var tick func()
	tick = func() {
		body, err := codec.EncodeBody(codec.Envelope{ID: e.mintMessageID(), TimestampMs: nowMillis(e.sched), Payload: codec.ReplicaAnnounce{}})
		if err == nil {
			if err := e.dissem.BroadcastElection(body); err != nil {
				e.log.Debug("replica announce broadcast failed", "err", err)
			}
		}
		e.mu.Lock()
		if e.elect.Role() == types.Replicating {
			e.replicaAnnounceHandle = e.sched.Schedule(e.cfg.ProfileDelay, tick)
			e.hasReplicaAnnounce = true
		} else {
			e.hasReplicaAnnounce = false
		}
		e.mu.Unlock()
	}
	tick()
}

// handleReceive is the single dispatch point for every inbound
// datagram (spec.md §4, data-flow diagram): decode, drop duplicates
// and malformed frames, then route by tag to the owning component.
func (e *Engine) handleReceive(source types.NodeID, body []byte) {
	env, err := codec.Decode(body)
	if err != nil {
		e.log.Debug("dropping malformed envelope", "source", source, "err", err)
		return
	}
	if e.isDuplicate(env.ID) {
		return
	}

	switch p := env.Payload.(type) {
	case codec.Ping:
		e.handlePing(source, p)
	case codec.ReplicaAnnounce:
		e.replicas.Insert(source)
		e.elect.ArmWatchdog()
	case codec.Election:
		e.elect.ReceiveElection(e.sched.Now())
	case codec.Fitness:
		e.elect.ReceiveFitness(source, p.Value)
	case codec.ModeChange:
		e.elect.ReceiveModeChange(p.Old, p.New)
	case codec.Store:
		e.handleStore(source, p.Item)
	case codec.Request:
		e.handleRequest(source, env.ID, p)
	case codec.Response:
		e.lookups.Resolve(p.RequestID, p.Item)
	case codec.Transfer:
		e.dissem.ReceiveTransfer(p.Items, e.elect.Role() == types.Replicating)
	case codec.ErasureTransfer:
		e.dissem.ReceiveErasureShard(p, e.elect.Role() == types.Replicating)
	default:
		e.log.Debug("unrecognized payload type", "source", source)
	}
}

func (e *Engine) handlePing(source types.NodeID, p codec.Ping) {
	e.neighbors.Refresh(source, p.Delivery)
	self := e.selfDelivery()
	e.dissem.MaybeCarrierForward(source, p.Delivery, self)
}

func (e *Engine) handleStore(source types.NodeID, item types.DataItem) {
	if _, ok := e.storage.Get(item.ID); ok {
		return
	}
	if _, ok := e.buf.Get(item.ID); ok {
		return
	}
	replicating := e.elect.Role() == types.Replicating
	e.dissem.ReceiveStore(item, source, replicating, e.selfDelivery())
}

func (e *Engine) handleRequest(source types.NodeID, requestID types.MessageID, req codec.Request) {
	if item, ok := e.storage.Get(req.DataID); ok {
		e.respond(source, requestID, item)
		return
	}
	if e.cfg.OptionalCheckBuffer {
		if item, ok := e.buf.Get(req.DataID); ok {
			e.respond(source, requestID, item)
			return
		}
	}
	// Not held locally: relay the Request using the same
	// semi-probabilistic recipient rule as Store (spec.md §4.H).
	env := codec.Envelope{ID: requestID, TimestampMs: nowMillis(e.sched), Payload: req}
	if err := e.dissem.Send(env, source, true); err != nil {
		e.log.Debug("request relay failed for some recipients", "data_id", req.DataID, "err", err)
	}
}

func (e *Engine) respond(dest types.NodeID, requestID types.MessageID, item types.DataItem) {
	resp := codec.Envelope{ID: e.mintMessageID(), TimestampMs: nowMillis(e.sched), Payload: codec.Response{RequestID: requestID, Item: item}}
	body, err := codec.EncodeBody(resp)
	if err != nil {
		e.log.Debug("failed to encode Response", "err", err)
		return
	}
	if err := e.routing.Unicast(dest, body); err != nil {
		e.log.Debug("response unicast failed", "dest", dest, "err", err)
	}
}

// isDuplicate enforces spec.md invariant 6: a duplicate MessageId on
// the receive path is dropped before any handler runs. Entries age
// out at 2x request_timeout, bounding the set's memory per the
// resource-bounds guidance in spec.md §4.
func (e *Engine) isDuplicate(id types.MessageID) bool {
	now := e.sched.Now()
	cutoff := 2 * e.cfg.RequestTimeout

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	for seenID, at := range e.seen {
		if now.Sub(at) > cutoff {
			delete(e.seen, seenID)
		}
	}
	if _, ok := e.seen[id]; ok {
		return true
	}
	e.seen[id] = now
	return false
}

// rateLimitedRouting wraps a Routing collaborator so broadcast-class
// sends are bounded by a token bucket (spec.md's Ping/Election
// broadcasts are the only traffic this node emits without a direct
// external trigger, so they are the natural place to bound emission
// rate under churn).
type rateLimitedRouting struct {
	Routing
	limiter *rate.Limiter
	log     *slog.Logger
}

func (r *rateLimitedRouting) BroadcastNeighborhood(body []byte) error {
	if !r.limiter.Allow() {
		r.log.Debug("dropping neighborhood broadcast, rate limit exceeded")
		return nil
	}
	return r.Routing.BroadcastNeighborhood(body)
}

func (r *rateLimitedRouting) BroadcastElection(body []byte) error {
	if !r.limiter.Allow() {
		r.log.Debug("dropping election-class broadcast, rate limit exceeded")
		return nil
	}
	return r.Routing.BroadcastElection(body)
}

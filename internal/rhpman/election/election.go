// Package election implements the election state machine of spec.md
// §4.I: replica watchdog, Election/Fitness broadcast and collection,
// winner determination, and ModeChange handling (step-up, step-down,
// handover).
package election

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rhpman/rhpman-sim/internal/rhpman/codec"
	"github.com/rhpman/rhpman-sim/internal/rhpman/replicaset"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/scheduler"
)

// State is one of the three states in spec.md §4.I's table. Deciding
// is transient: decide() resolves it back to Idle within the same
// call, so it is never observable from outside the package, but it
// is kept as a named value to mirror the spec's own state table.
type State int

const (
	Idle State = iota
	Collecting
	Deciding
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Collecting:
		return "Collecting"
	case Deciding:
		return "Deciding"
	default:
		return "Unknown"
	}
}

// Sink is the outbound half of the routing collaborator this package
// needs: hop-limited broadcast at TTL = h_r.
type Sink interface {
	BroadcastElection(body []byte) error
}

// Config carries the election-relevant subset of engine configuration
// (spec.md §6).
type Config struct {
	ElectionTimeout           time.Duration
	ElectionCooldown         time.Duration
	MissingReplicationTimeout time.Duration
	ProfileDelay              time.Duration
}

// Hooks lets the top-level engine observe role transitions and supply
// the self-fitness formula, without election importing the engine
// package (which would be a cycle since the engine wires election).
type Hooks struct {
	// SelfFitness computes this node's election fitness on demand.
	SelfFitness func() float64
	// OnRoleChange is invoked after role actually changes.
	OnRoleChange func(old, new types.Role)
	// OnBecomeReplicating is invoked once a node wins and becomes
	// Replicating; the engine uses it to start periodic
	// ReplicaAnnounce broadcasts every ProfileDelay.
	OnBecomeReplicating func()
	// OnStepDown is invoked when a node loses its Replicating role;
	// the engine uses it to stop periodic ReplicaAnnounce broadcasts.
	OnStepDown func()
	// OnElectionOutcome is invoked once per completed election with
	// one of "became_replicating", "stepped_down", or "no_change" —
	// the engine forwards this directly to telemetry.Metrics'
	// election-outcome labels, so the three values are a contract
	// with that package, not just a log string.
	OnElectionOutcome func(outcome string)
}

// Engine drives the election state machine for a single node.
type Engine struct {
	mu   sync.Mutex
	cfg  Config
	sched scheduler.Scheduler
	sink Sink
	log  *slog.Logger
	self types.NodeID
	hooks Hooks
	replicas *replicaset.Set

	role            types.Role
	state           State
	minElectionTime time.Time
	votes           map[types.NodeID]float64
	selfFitness     float64

	decideHandle   scheduler.Handle
	hasDecide      bool
	watchdogHandle scheduler.Handle
	hasWatchdog    bool
}

// New builds an election Engine for self, starting in the given role.
func New(cfg Config, sched scheduler.Scheduler, sink Sink, log *slog.Logger, self types.NodeID, initialRole types.Role, replicas *replicaset.Set, hooks Hooks) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		sched:    sched,
		sink:     sink,
		log:      log,
		self:     self,
		role:     initialRole,
		replicas: replicas,
		hooks:    hooks,
		state:    Idle,
		votes:    make(map[types.NodeID]float64),
	}
}

// Role returns the node's current role.
func (e *Engine) Role() types.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// State returns the current state-machine state, for diagnostics and
// tests.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ArmWatchdog (re)starts the replica watchdog timer: its expiry
// transitions Idle→Collecting (spec.md §4.I). Called at engine start
// and reset on every ReplicaAnnounce received.
func (e *Engine) ArmWatchdog() {
	e.mu.Lock()
	if e.hasWatchdog {
		e.sched.Cancel(e.watchdogHandle)
	}
	e.watchdogHandle = e.sched.Schedule(e.cfg.MissingReplicationTimeout, e.watchdogFired)
	e.hasWatchdog = true
	e.mu.Unlock()
}

func (e *Engine) watchdogFired() {
	e.TriggerElection()
}

// TriggerElection broadcasts Election and enters Collecting, but only
// from Idle — spec.md §4.I lists this transition for the Idle state
// alone (both "replicas becomes empty" and "replica watchdog fires"
// share this single action).
func (e *Engine) TriggerElection() {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.broadcastElection()
	e.enterCollecting()
}

func (e *Engine) broadcastElection() {
	body, err := codec.EncodeBody(codec.Envelope{Payload: codec.Election{}})
	if err != nil {
		e.log.Debug("failed to encode Election", "err", err)
		return
	}
	if err := e.sink.BroadcastElection(body); err != nil {
		e.log.Debug("failed to broadcast Election", "err", err)
	}
}

// ReceiveElection handles an inbound Election message: dropped if the
// cooldown from the last Collecting entry has not yet elapsed,
// otherwise (when Idle) enters Collecting.
func (e *Engine) ReceiveElection(now time.Time) {
	e.mu.Lock()
	if now.Before(e.minElectionTime) {
		e.mu.Unlock()
		return
	}
	if e.state != Idle {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.enterCollecting()
}

func (e *Engine) enterCollecting() {
	e.mu.Lock()
	e.state = Collecting
	e.minElectionTime = e.sched.Now().Add(e.cfg.ElectionCooldown)
	e.votes = make(map[types.NodeID]float64)
	var fitness float64
	if e.hooks.SelfFitness != nil {
		fitness = e.hooks.SelfFitness()
	}
	e.selfFitness = fitness
	if e.hasDecide {
		e.sched.Cancel(e.decideHandle)
	}
	e.decideHandle = e.sched.Schedule(e.cfg.ElectionTimeout, e.decide)
	e.hasDecide = true
	e.mu.Unlock()

	body, err := codec.EncodeBody(codec.Envelope{Payload: codec.Fitness{Value: fitness}})
	if err != nil {
		e.log.Debug("failed to encode Fitness", "err", err)
		return
	}
	if err := e.sink.BroadcastElection(body); err != nil {
		e.log.Debug("failed to broadcast Fitness", "err", err)
	}
}

// ReceiveFitness records a ballot while Collecting. Ballots received
// outside Collecting are ignored — there is nothing to tally them
// against.
func (e *Engine) ReceiveFitness(peer types.NodeID, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Collecting {
		return
	}
	e.votes[peer] = value
}

func (e *Engine) decide() {
	e.mu.Lock()
	e.state = Deciding
	winnerIsSelf := true
	for _, f := range e.votes {
		if e.selfFitness < f {
			winnerIsSelf = false
			break
		}
	}
	oldRole := e.role
	e.votes = make(map[types.NodeID]float64)
	e.mu.Unlock()

	outcome := "no_change"
	switch {
	case winnerIsSelf && oldRole == types.NonReplicating:
		e.setRole(types.Replicating)
		e.broadcastModeChange(e.self, e.self)
		if e.hooks.OnBecomeReplicating != nil {
			e.hooks.OnBecomeReplicating()
		}
		outcome = "became_replicating"
	case !winnerIsSelf && oldRole == types.Replicating:
		e.setRole(types.NonReplicating)
		if e.hooks.OnStepDown != nil {
			e.hooks.OnStepDown()
		}
		e.broadcastModeChange(e.self, types.NoNode)
		outcome = "stepped_down"
	}
	if e.hooks.OnElectionOutcome != nil {
		e.hooks.OnElectionOutcome(outcome)
	}

	e.mu.Lock()
	e.state = Idle
	e.mu.Unlock()
}

func (e *Engine) setRole(r types.Role) {
	e.mu.Lock()
	old := e.role
	e.role = r
	e.mu.Unlock()
	if e.hooks.OnRoleChange != nil && old != r {
		e.hooks.OnRoleChange(old, r)
	}
}

func (e *Engine) broadcastModeChange(old, new types.NodeID) {
	body, err := codec.EncodeBody(codec.Envelope{Payload: codec.ModeChange{Old: old, New: new}})
	if err != nil {
		e.log.Debug("failed to encode ModeChange", "err", err)
		return
	}
	if err := e.sink.BroadcastElection(body); err != nil {
		e.log.Debug("failed to broadcast ModeChange", "err", err)
	}
}

// ReceiveModeChange applies an inbound ModeChange to the replica set
// (spec.md §4.I): step-up inserts the new replica, step-down erases
// the old one and triggers an election if the set becomes empty
// (wired automatically through the replicaset.Set's onEmpty
// callback), and handover does both.
func (e *Engine) ReceiveModeChange(old, new types.NodeID) {
	switch {
	case old == new:
		e.replicas.Insert(new)
	case new == types.NoNode:
		e.replicas.Remove(old)
	default:
		e.replicas.Remove(old)
		e.replicas.Insert(new)
	}
}

// Stop cancels every pending election timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasDecide {
		e.sched.Cancel(e.decideHandle)
		e.hasDecide = false
	}
	if e.hasWatchdog {
		e.sched.Cancel(e.watchdogHandle)
		e.hasWatchdog = false
	}
}

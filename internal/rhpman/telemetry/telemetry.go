// Package telemetry exposes the engine's Prometheus instrumentation:
// role transitions, Storage/Buffer occupancy, election outcomes, and
// lookup latency. The isolated-registry pattern (one *prometheus.Registry
// per Metrics instance rather than the global default registry) is
// grounded on pkg/p2pnet/metrics.go, so multiple engines in one
// simulator process never collide on the same collector.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
)

// Metrics holds every RHPMAN engine collector, registered on an
// isolated registry.
type Metrics struct {
	Registry *prometheus.Registry

	RoleTransitionsTotal  *prometheus.CounterVec
	StorageOccupancy      *prometheus.GaugeVec
	BufferOccupancy       *prometheus.GaugeVec
	ElectionOutcomesTotal *prometheus.CounterVec
	LookupsTotal          *prometheus.CounterVec
	LookupLatencySeconds  *prometheus.HistogramVec

	DaemonRequestsTotal          *prometheus.CounterVec
	DaemonRequestDurationSeconds *prometheus.HistogramVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance scoped to one engine instance,
// labeled by engineID (serve passes the node's NodeID) so a simulator
// running many engines in one process can distinguish them in a
// shared /metrics scrape.
func NewMetrics(engineID, version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"engine": engineID}

	m := &Metrics{
		Registry: reg,

		RoleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rhpman_role_transitions_total",
				Help:        "Total number of replication role transitions.",
				ConstLabels: constLabels,
			},
			[]string{"from", "to"},
		),
		StorageOccupancy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "rhpman_storage_occupancy",
				Help:        "Number of items currently held in Storage.",
				ConstLabels: constLabels,
			},
			[]string{},
		),
		BufferOccupancy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "rhpman_buffer_occupancy",
				Help:        "Number of items currently held in Buffer.",
				ConstLabels: constLabels,
			},
			[]string{},
		),
		ElectionOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rhpman_election_outcomes_total",
				Help:        "Total number of completed elections by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rhpman_lookups_total",
				Help:        "Total number of Lookup calls by result.",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		LookupLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "rhpman_lookup_latency_seconds",
				Help:        "Lookup latency in seconds from request mint to resolution.",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"result"},
		),

		DaemonRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rhpman_daemon_requests_total",
				Help:        "Total number of daemon control-API requests by method, path, and status.",
				ConstLabels: constLabels,
			},
			[]string{"method", "path", "status"},
		),
		DaemonRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "rhpman_daemon_request_duration_seconds",
				Help:        "Daemon control-API request duration in seconds.",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rhpman_info",
				Help: "Build information for the running rhpman-sim engine.",
			},
			[]string{"engine", "version"},
		),
	}

	reg.MustRegister(
		m.RoleTransitionsTotal,
		m.StorageOccupancy,
		m.BufferOccupancy,
		m.ElectionOutcomesTotal,
		m.LookupsTotal,
		m.LookupLatencySeconds,
		m.DaemonRequestsTotal,
		m.DaemonRequestDurationSeconds,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(engineID, version).Set(1)

	return m
}

// Handler returns an http.Handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRoleChange observes a role transition.
func (m *Metrics) RecordRoleChange(old, new types.Role) {
	m.RoleTransitionsTotal.WithLabelValues(old.String(), new.String()).Inc()
}

// Election outcome labels, named by what happened to this node as a
// result of the election, not by who won globally.
const (
	ElectionBecameReplicating = "became_replicating"
	ElectionSteppedDown       = "stepped_down"
	ElectionNoChange          = "no_change"
)

// RecordElectionOutcome observes one completed election's effect on
// this node's role.
func (m *Metrics) RecordElectionOutcome(outcome string) {
	m.ElectionOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetStorageOccupancy records the current Storage item count.
func (m *Metrics) SetStorageOccupancy(n int) {
	m.StorageOccupancy.WithLabelValues().Set(float64(n))
}

// SetBufferOccupancy records the current Buffer item count.
func (m *Metrics) SetBufferOccupancy(n int) {
	m.BufferOccupancy.WithLabelValues().Set(float64(n))
}

// Lookup result labels.
const (
	LookupHit     = "hit"
	LookupTimeout = "timeout"
)

// ObserveLookup records one completed Lookup call's latency and
// result.
func (m *Metrics) ObserveLookup(result string, latency float64) {
	m.LookupsTotal.WithLabelValues(result).Inc()
	m.LookupLatencySeconds.WithLabelValues(result).Observe(latency)
}

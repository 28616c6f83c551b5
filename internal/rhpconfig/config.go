// Package rhpconfig loads and validates the on-disk YAML configuration
// for an RHPMAN node: identity and listen addresses, the routing
// collaborator's hop budgets, and every tunable named in spec.md §6
// (role, thresholds, weights, timeouts, capacities, feature flags).
// Conventions — the 0600 permission check, schema versioning, and
// string-typed duration fields parsed later by ParseDurations — are
// adapted from the teacher's internal/config package.
package rhpconfig

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds the libp2p listen configuration.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// RoutingConfig carries the hop budgets and dedup window for the
// routing collaborator (spec.md §6's h and h_r, pkg/routing.Config).
type RoutingConfig struct {
	// NeighborhoodHops is h: the hop budget for Ping flooding.
	// Default 2.
	NeighborhoodHops byte `yaml:"neighborhood_hops,omitempty"`
	// ElectionNeighborhoodHops is h_r: the hop budget for
	// ReplicaAnnounce/Election/Fitness/ModeChange flooding. Default 4.
	ElectionNeighborhoodHops byte `yaml:"election_neighborhood_hops,omitempty"`
	// SeenTTL bounds how long a flooded message's dedup fingerprint is
	// remembered. Default "1m".
	SeenTTL string `yaml:"seen_ttl,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default,
// mirroring the teacher's opt-in TelemetryConfig.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // no default; required when Enabled
}

// EngineConfig is the YAML shape of spec.md §6's full tunable set,
// matching engine.Config field-for-field (minus BroadcastRateLimit,
// BroadcastBurst, FitnessFunc and Metrics, which are programmatic-only
// and not file-configurable).
type EngineConfig struct {
	// Role is "replicating" or "non-replicating". Default
	// "non-replicating".
	Role string `yaml:"role,omitempty"`

	// ForwardingThreshold is σ. Default 0.4.
	ForwardingThreshold float64 `yaml:"forwarding_threshold,omitempty"`
	// CarryingThreshold is τ. Default 0.6.
	CarryingThreshold float64 `yaml:"carrying_threshold,omitempty"`
	// WCDC and WCol weight the U_cdc and U_col (replica holder known)
	// terms of P_ij. Defaults 0.5 and 0.5.
	WCDC  float64 `yaml:"w_cdc,omitempty"`
	WCol  float64 `yaml:"w_col,omitempty"`

	// ProfileDelay is the periodic Ping/ReplicaAnnounce interval.
	// Default "6s".
	ProfileDelay string `yaml:"profile_delay,omitempty"`
	// RequestTimeout bounds a Lookup's outstanding Request. Default
	// "5s".
	RequestTimeout string `yaml:"request_timeout,omitempty"`
	// MissingReplicationTimeout is the replica watchdog. Default "5s".
	MissingReplicationTimeout string `yaml:"missing_replication_timeout,omitempty"`
	// ProfileTimeout ages out a stale neighbor profile. Default "5s".
	ProfileTimeout string `yaml:"profile_timeout,omitempty"`
	// ElectionTimeout bounds Fitness collection. Default "5s".
	ElectionTimeout string `yaml:"election_timeout,omitempty"`
	// ElectionCooldown rate-limits repeat Election entry. Default
	// "1s".
	ElectionCooldown string `yaml:"election_cooldown,omitempty"`

	// StorageCapacity and BufferCapacity bound the replica Storage
	// and non-replica Buffer item counts.
	StorageCapacity int `yaml:"storage_capacity"`
	BufferCapacity  int `yaml:"buffer_capacity"`

	// OptionalCarrierForwarding and OptionalCheckBuffer gate the two
	// feature flags named in spec.md §6.
	OptionalCarrierForwarding bool `yaml:"optional_carrier_forwarding,omitempty"`
	OptionalCheckBuffer       bool `yaml:"optional_check_buffer,omitempty"`
}

// Config is the top-level on-disk shape of an RHPMAN node's
// configuration file.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Routing   RoutingConfig   `yaml:"routing,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Durations holds the time.Duration fields parsed out of EngineConfig
// and RoutingConfig's string fields, since rhpconfig.Config itself
// keeps them as YAML-friendly strings (mirroring the teacher's
// RelayConfig.ReservationInterval / rawConfig pattern).
type Durations struct {
	ProfileDelay              time.Duration
	RequestTimeout            time.Duration
	MissingReplicationTimeout time.Duration
	ProfileTimeout            time.Duration
	ElectionTimeout           time.Duration
	ElectionCooldown          time.Duration
	SeenTTL                   time.Duration
}

// DefaultConfig returns a Config populated with every spec.md §6
// default value, suitable as the base a loaded file's zero-valued
// fields are defaulted against.
func DefaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		Routing: RoutingConfig{
			NeighborhoodHops:         2,
			ElectionNeighborhoodHops: 4,
			SeenTTL:                  "1m",
		},
		Engine: EngineConfig{
			Role:                      "non-replicating",
			ForwardingThreshold:       0.4,
			CarryingThreshold:         0.6,
			WCDC:                      0.5,
			WCol:                      0.5,
			ProfileDelay:              "6s",
			RequestTimeout:            "5s",
			MissingReplicationTimeout: "5s",
			ProfileTimeout:            "5s",
			ElectionTimeout:           "5s",
			ElectionCooldown:          "1s",
			StorageCapacity:           1000,
			BufferCapacity:            1000,
		},
	}
}

package rhpconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhpman/rhpman-sim/internal/rhpman/engine"
	"github.com/rhpman/rhpman-sim/internal/rhpman/types"
	"github.com/rhpman/rhpman-sim/pkg/routing"
)

// checkConfigFilePermissions rejects a config file with overly
// permissive permissions. A node's config carries its key file path
// and network topology. Returns an error when any group or other
// permission bit is set.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadConfig loads a node's configuration from a YAML file, applying
// spec.md §6 defaults to every unset field and gating on schema
// version.
func LoadConfig(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was
	// added, then re-apply defaults for any field the file left zero.
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade rhpman-sim", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}
	applyEngineDefaults(&cfg.Engine)
	applyRoutingDefaults(&cfg.Routing)

	return &cfg, nil
}

// applyEngineDefaults fills zero-valued EngineConfig fields with
// spec.md §6 defaults, mirroring the teacher's applyRelayResourceDefaults.
func applyEngineDefaults(ec *EngineConfig) {
	d := DefaultConfig().Engine
	if ec.Role == "" {
		ec.Role = d.Role
	}
	if ec.ForwardingThreshold == 0 {
		ec.ForwardingThreshold = d.ForwardingThreshold
	}
	if ec.CarryingThreshold == 0 {
		ec.CarryingThreshold = d.CarryingThreshold
	}
	if ec.WCDC == 0 {
		ec.WCDC = d.WCDC
	}
	if ec.WCol == 0 {
		ec.WCol = d.WCol
	}
	if ec.ProfileDelay == "" {
		ec.ProfileDelay = d.ProfileDelay
	}
	if ec.RequestTimeout == "" {
		ec.RequestTimeout = d.RequestTimeout
	}
	if ec.MissingReplicationTimeout == "" {
		ec.MissingReplicationTimeout = d.MissingReplicationTimeout
	}
	if ec.ProfileTimeout == "" {
		ec.ProfileTimeout = d.ProfileTimeout
	}
	if ec.ElectionTimeout == "" {
		ec.ElectionTimeout = d.ElectionTimeout
	}
	if ec.ElectionCooldown == "" {
		ec.ElectionCooldown = d.ElectionCooldown
	}
	if ec.StorageCapacity == 0 {
		ec.StorageCapacity = d.StorageCapacity
	}
	if ec.BufferCapacity == 0 {
		ec.BufferCapacity = d.BufferCapacity
	}
}

func applyRoutingDefaults(rc *RoutingConfig) {
	d := DefaultConfig().Routing
	if rc.NeighborhoodHops == 0 {
		rc.NeighborhoodHops = d.NeighborhoodHops
	}
	if rc.ElectionNeighborhoodHops == 0 {
		rc.ElectionNeighborhoodHops = d.ElectionNeighborhoodHops
	}
	if rc.SeenTTL == "" {
		rc.SeenTTL = d.SeenTTL
	}
}

// ParseDurations resolves every duration-shaped string field into a
// time.Duration, failing fast on a malformed value rather than at the
// first point of use.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	fields := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"engine.profile_delay", c.Engine.ProfileDelay, &d.ProfileDelay},
		{"engine.request_timeout", c.Engine.RequestTimeout, &d.RequestTimeout},
		{"engine.missing_replication_timeout", c.Engine.MissingReplicationTimeout, &d.MissingReplicationTimeout},
		{"engine.profile_timeout", c.Engine.ProfileTimeout, &d.ProfileTimeout},
		{"engine.election_timeout", c.Engine.ElectionTimeout, &d.ElectionTimeout},
		{"engine.election_cooldown", c.Engine.ElectionCooldown, &d.ElectionCooldown},
		{"routing.seen_ttl", c.Routing.SeenTTL, &d.SeenTTL},
	}
	for _, f := range fields {
		*f.dst, err = time.ParseDuration(f.src)
		if err != nil {
			return Durations{}, fmt.Errorf("invalid %s: %w", f.name, err)
		}
	}
	return d, nil
}

// ParseRole maps spec.md §6's role string onto types.Role.
func ParseRole(s string) (types.Role, error) {
	switch s {
	case "", "non-replicating":
		return types.NonReplicating, nil
	case "replicating":
		return types.Replicating, nil
	default:
		return types.NonReplicating, fmt.Errorf("engine.role: %q must be %q or %q", s, "non-replicating", "replicating")
	}
}

// ToEngineConfig builds the engine.Config subset this package is
// responsible for. BroadcastRateLimit, BroadcastBurst, FitnessFunc,
// and Metrics have no file representation and are left at the
// caller's zero value / later assignment.
func (c *Config) ToEngineConfig() (engine.Config, error) {
	durations, err := c.ParseDurations()
	if err != nil {
		return engine.Config{}, err
	}
	role, err := ParseRole(c.Engine.Role)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Role:                      role,
		ForwardingThreshold:       c.Engine.ForwardingThreshold,
		CarryingThreshold:         c.Engine.CarryingThreshold,
		WCDC:                      c.Engine.WCDC,
		WCol:                      c.Engine.WCol,
		ProfileDelay:              durations.ProfileDelay,
		RequestTimeout:            durations.RequestTimeout,
		MissingReplicationTimeout: durations.MissingReplicationTimeout,
		ProfileTimeout:            durations.ProfileTimeout,
		ElectionTimeout:           durations.ElectionTimeout,
		ElectionCooldown:          durations.ElectionCooldown,
		StorageCapacity:           c.Engine.StorageCapacity,
		BufferCapacity:            c.Engine.BufferCapacity,
		OptionalCarrierForwarding: c.Engine.OptionalCarrierForwarding,
		OptionalCheckBuffer:       c.Engine.OptionalCheckBuffer,
	}, nil
}

// ToRoutingConfig builds the pkg/routing.Config this node's Network
// should be constructed with.
func (c *Config) ToRoutingConfig() (routing.Config, error) {
	durations, err := c.ParseDurations()
	if err != nil {
		return routing.Config{}, err
	}
	return routing.Config{
		KeyFile:         c.Identity.KeyFile,
		ListenAddresses: c.Network.ListenAddresses,
		NeighborhoodTTL: c.Routing.NeighborhoodHops,
		ElectionTTL:     c.Routing.ElectionNeighborhoodHops,
		SeenTTL:         durations.SeenTTL,
	}, nil
}

// ValidateConfig checks the required fields a node cannot run without.
func ValidateConfig(cfg *Config) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if _, err := ParseRole(cfg.Engine.Role); err != nil {
		return err
	}
	if cfg.Engine.ForwardingThreshold < 0 || cfg.Engine.ForwardingThreshold > 1 {
		return fmt.Errorf("engine.forwarding_threshold must be in [0,1], got %v", cfg.Engine.ForwardingThreshold)
	}
	if cfg.Engine.CarryingThreshold < 0 || cfg.Engine.CarryingThreshold > 1 {
		return fmt.Errorf("engine.carrying_threshold must be in [0,1], got %v", cfg.Engine.CarryingThreshold)
	}
	if cfg.Engine.StorageCapacity <= 0 {
		return fmt.Errorf("engine.storage_capacity must be positive")
	}
	if cfg.Engine.BufferCapacity <= 0 {
		return fmt.Errorf("engine.buffer_capacity must be positive")
	}
	if _, err := cfg.ParseDurations(); err != nil {
		return err
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		return fmt.Errorf("telemetry.metrics.listen_address is required when metrics are enabled")
	}
	return nil
}

// FindConfigFile searches for an rhpman-sim config file in standard
// locations. Search order: explicitPath (if given), ./rhpman.yaml,
// ~/.config/rhpman-sim/config.yaml, /etc/rhpman-sim/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"rhpman.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "rhpman-sim", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "rhpman-sim", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'rhpman-sim init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default rhpman-sim config directory
// (~/.config/rhpman-sim).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rhpman-sim"), nil
}

// ResolveConfigPaths resolves a relative identity.key_file path to be
// relative to the config file's directory, so configs under
// ~/.config/rhpman-sim/ can reference key files with relative paths.
func ResolveConfigPaths(cfg *Config, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
}

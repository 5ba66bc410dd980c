// Package config loads and validates the fleet configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultWorkDir  = "/var/lib/fleetsim"
	DefaultAPIPort  = 8989
	DefaultPeerPort = 9651
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the fleet configuration surface. Supernet, FleetSize and
// BootstrapPeers drive the topology; the rest parameterize the daemon
// invocation and working directory layout.
type Config struct {
	// Supernet is the address block all node addresses are carved from,
	// e.g. "172.16.0.0/16".
	Supernet string `yaml:"supernet"`

	// FleetSize is the number of emulated nodes.
	FleetSize int `yaml:"fleet_size"`

	// BootstrapPeers are the external endpoints handed to the host daemon
	// only, as opaque "scheme://host:port" strings.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// DaemonBin is the path to the overlay daemon binary.
	DaemonBin string `yaml:"daemon_bin"`

	// WorkDir holds the per-instance key files and logs.
	WorkDir string `yaml:"work_dir"`

	// APIPort is the port each daemon's local API listens on.
	APIPort int `yaml:"api_port"`

	// PeerPort is the port daemons accept overlay connections on.
	PeerPort int `yaml:"peer_port"`

	// EnableNAT controls host-side forwarding/masquerading for the
	// supernet. Defaults to true; nil means unset.
	EnableNAT *bool `yaml:"enable_nat"`

	// RollbackFailedNodes removes a node's domain and link again when its
	// provisioning fails partway. Off by default: the failed node is left
	// in place for inspection.
	RollbackFailedNodes bool `yaml:"rollback_failed_nodes"`
}

// Load reads a yaml config file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.PeerPort == 0 {
		c.PeerPort = DefaultPeerPort
	}
	if c.EnableNAT == nil {
		enabled := true
		c.EnableNAT = &enabled
	}
}

// Validate checks the config for the errors that make a fleet request
// unsatisfiable. These are the only fatal, whole-operation errors.
func (c *Config) Validate() error {
	prefix, err := netip.ParsePrefix(c.Supernet)
	if err != nil {
		return fmt.Errorf("%w: supernet %q: %v", ErrInvalidConfig, c.Supernet, err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 16 {
		return fmt.Errorf("%w: supernet %q must be an IPv4 block of /16 or wider", ErrInvalidConfig, c.Supernet)
	}
	if c.FleetSize < 1 {
		return fmt.Errorf("%w: fleet_size %d must be positive", ErrInvalidConfig, c.FleetSize)
	}
	if c.DaemonBin == "" {
		return fmt.Errorf("%w: daemon_bin is required", ErrInvalidConfig)
	}
	for _, port := range []int{c.APIPort, c.PeerPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
	}
	return nil
}

// NATEnabled resolves the EnableNAT pointer with its default.
func (c *Config) NATEnabled() bool {
	return c.EnableNAT == nil || *c.EnableNAT
}

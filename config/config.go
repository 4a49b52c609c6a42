// Package config loads the host supervisor's TOML configuration:
// which accelerator binaries to spawn, where to place them, and how many
// peers to maintain.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openurpc/urpc"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level document, one Accelerator entry per
// accelerator pool the supervisor should keep populated.
type Config struct {
	LogLevel     string                `toml:"log_level"`
	MetricsAddr  string                `toml:"metrics_addr"`
	Accelerators []AcceleratorConfig   `toml:"accelerators"`
}

// AcceleratorConfig describes one pool of identical accelerator peers.
type AcceleratorConfig struct {
	Name         string        `toml:"name"`
	Binary       string        `toml:"binary"`
	Node         int           `toml:"node"`
	Core         int           `toml:"core"`
	PeerCount    int           `toml:"peer_count"`
	AllocTimeout time.Duration `toml:"alloc_timeout"`
}

// Load reads and parses the TOML document at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Accelerators {
		a := &c.Accelerators[i]
		if a.PeerCount == 0 {
			a.PeerCount = 1
		}
		if a.AllocTimeout == 0 {
			a.AllocTimeout = 100 * time.Millisecond
		}
		if a.Core == 0 {
			a.Core = -1
		}
	}
}

func (c *Config) validate() error {
	total := 0
	for _, a := range c.Accelerators {
		if a.Name == "" {
			return fmt.Errorf("accelerator entry missing name")
		}
		if a.Binary == "" {
			return fmt.Errorf("accelerator %q missing binary", a.Name)
		}
		total += a.PeerCount
	}
	if total > urpc.MaxPeers {
		return fmt.Errorf("requested %d peers exceeds max %d", total, urpc.MaxPeers)
	}
	return nil
}

// Package config loads the YAML configuration consumed by cmd/bbpd: the
// farm layout and engine tuning knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FarmRole names one of the roles a farm can serve. They mirror the role
// bitmask a farm carries at runtime.
type FarmRole string

const (
	RolePersistent      FarmRole = "persistent"
	RoleTransient       FarmRole = "transient"
	RoleIndexPersistent FarmRole = "index_persistent"
)

// FarmSpec describes one farm entry in the config file.
type FarmSpec struct {
	Name  string     `yaml:"name"`
	Dir   string     `yaml:"dir"`
	Roles []FarmRole `yaml:"roles"`
}

// Tuning holds runtime-configurable knobs that a fixed-at-compile-time
// build would otherwise hardcode.
type Tuning struct {
	// ThreadMask selects the number of cache-lock shards (shards = mask+1).
	// Zero means a single shard. Must be (2^k)-1.
	ThreadMask int `yaml:"thread_mask"`
	// BATMask selects the number of swap-lock shards, same constraint.
	BATMask int `yaml:"bat_mask"`
	// TrimHighPressure/TrimMidPressure are cur/max pressure ratios that
	// Load parses and DefaultTuning fills in (0.5 and 0.25). pkg/trim does
	// not read them: its sleep tiers use fixed 0.5 and 0.25 thresholds.
	TrimHighPressure float64 `yaml:"trim_high_pressure"`
	TrimMidPressure  float64 `yaml:"trim_mid_pressure"`
}

// DefaultTuning returns the conventional defaults: 64 cache-lock shards
// and 64 swap-lock shards.
func DefaultTuning() Tuning {
	return Tuning{
		ThreadMask:       63,
		BATMask:          63,
		TrimHighPressure: 0.5,
		TrimMidPressure:  0.25,
	}
}

// Config is the top-level bbpd configuration document.
type Config struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Farms      []FarmSpec `yaml:"farms"`
	Tuning     Tuning     `yaml:"tuning"`
	DiagAddr   string     `yaml:"diag_addr"`
}

// Load reads and parses a config file from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Tuning.ThreadMask == 0 && cfg.Tuning.BATMask == 0 {
		cfg.Tuning = DefaultTuning()
	}
	if cfg.DiagAddr == "" {
		cfg.DiagAddr = "localhost:8077"
	}
	return &cfg, nil
}

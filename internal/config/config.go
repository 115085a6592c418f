// Package config loads the orchestrator's runtime configuration from
// YAML, mirroring the teams.yaml convention of the TeamsConfig type this
// codebase once carried (that package is no longer in this tree).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CLIAIMONITOR/internal/stringutils"
)

// AgentSeed describes one agent to create at startup.
type AgentSeed struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	MockMode   bool   `yaml:"mock_mode"`
	TimeoutSec int    `yaml:"timeout_sec"`
	Model      string `yaml:"model"`
	AutoStart  bool   `yaml:"auto_start"`
}

// RuntimeConfig is the top-level orchestrator configuration, per
// SPEC_FULL.md §3.
type RuntimeConfig struct {
	PoolSize      int         `yaml:"pool_size"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	KVStorePath   string      `yaml:"kv_store_path"`
	KVBuckets     int         `yaml:"kv_buckets"`
	Agents        []AgentSeed `yaml:"agents"`

	StatusAddr string `yaml:"status_addr"`

	NATS struct {
		Enabled   bool `yaml:"enabled"`
		Port      int  `yaml:"port"`
		JetStream bool `yaml:"jetstream"`
	} `yaml:"nats"`

	Audit struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"audit"`

	Notify struct {
		Enabled bool   `yaml:"enabled"`
		AppID   string `yaml:"app_id"`
	} `yaml:"notify"`
}

// Default returns a RuntimeConfig with conservative defaults, used
// when no config file is supplied.
func Default() RuntimeConfig {
	return RuntimeConfig{
		PoolSize:      0, // 0 -> concurrency.CPUCount()
		MaxConcurrent: 0, // 0 -> unlimited
		KVBuckets:     64,
		StatusAddr:    "127.0.0.1:8099",
	}
}

// Load reads and parses a RuntimeConfig from path.
func Load(path string) (RuntimeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would leave the orchestrator in
// an inconsistent state.
func (c RuntimeConfig) Validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must be >= 0")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if stringutils.IsEmpty(a.Name) {
			return fmt.Errorf("agent entry missing name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name in config: %s", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

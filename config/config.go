// Package config loads and validates the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	Lease   LeaseConfig   `yaml:"lease"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Plan    PlanConfig    `yaml:"plan"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures process-level settings.
type ServerConfig struct {
	// NodeIDFile persists the server node identity across restarts.
	NodeIDFile string `yaml:"node-id-file"`
	// BranchConcurrency caps concurrent parallel branches per node
	// (0 = unbounded).
	BranchConcurrency int `yaml:"branch-concurrency"`
}

// MongoConfig configures workflow and state persistence. An empty URI selects
// the in-memory repositories.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig configures the Redis connection backing the event stream.
// An empty address disables streaming.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Stream is the Pulse stream name events are published to.
	Stream string `yaml:"stream"`
}

// LeaseConfig configures execution ownership heartbeats and crash recovery.
type LeaseConfig struct {
	// HeartbeatInterval is how often owned executions are re-stamped.
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`
	// RecoveryInterval is how often orphaned executions are swept.
	RecoveryInterval time.Duration `yaml:"recovery-interval"`
	// StaleThreshold is the heartbeat age past which an execution is
	// considered orphaned. Must exceed the heartbeat interval.
	StaleThreshold time.Duration `yaml:"stale-threshold"`
}

// SidecarConfig configures sidecar process sessions.
type SidecarConfig struct {
	// ConnectionTimeout bounds how long a sidecar may take to connect.
	ConnectionTimeout time.Duration `yaml:"connection-timeout"`
	// RequestTimeout bounds a single request/response round trip.
	RequestTimeout time.Duration `yaml:"request-timeout"`
	// QueueCapacity is the per-session outbound message buffer.
	QueueCapacity int `yaml:"queue-capacity"`
}

// PlanConfig configures plan sub-engine defaults. Node-level constraints
// override these per node.
type PlanConfig struct {
	MaxSteps   int `yaml:"max-steps"`
	MaxReplans int `yaml:"max-replans"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeIDFile: "loom-node-id",
		},
		Mongo: MongoConfig{
			Database: "loom",
		},
		Redis: RedisConfig{
			Stream: "loom-events",
		},
		Lease: LeaseConfig{
			HeartbeatInterval: 30 * time.Second,
			RecoveryInterval:  60 * time.Second,
			StaleThreshold:    90 * time.Second,
		},
		Sidecar: SidecarConfig{
			ConnectionTimeout: 30 * time.Second,
			RequestTimeout:    60 * time.Second,
			QueueCapacity:     128,
		},
		Plan: PlanConfig{
			MaxSteps:   10,
			MaxReplans: 3,
		},
		Log: LogConfig{
			Format: "text",
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Lease.HeartbeatInterval <= 0 {
		return fmt.Errorf("lease.heartbeat-interval must be positive")
	}
	if c.Lease.StaleThreshold <= c.Lease.HeartbeatInterval {
		return fmt.Errorf("lease.stale-threshold (%s) must exceed lease.heartbeat-interval (%s)",
			c.Lease.StaleThreshold, c.Lease.HeartbeatInterval)
	}
	if c.Plan.MaxSteps <= 0 {
		return fmt.Errorf("plan.max-steps must be positive")
	}
	if c.Plan.MaxReplans < 0 {
		return fmt.Errorf("plan.max-replans must not be negative")
	}
	if c.Sidecar.RequestTimeout <= 0 {
		return fmt.Errorf("sidecar.request-timeout must be positive")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be %q or %q", "text", "json")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required when mongo.uri is set")
	}
	return nil
}

// Load reads a YAML config file on top of the defaults and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

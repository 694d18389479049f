// ============================================================================
// Memoraph CLI - Configuration
// ============================================================================
//
// Package: internal/cli
// File: config.go
// Purpose: YAML config file loading with defaults and validation. One Config
//          drives every process role; roles simply ignore the sections they
//          do not use.
//
// ============================================================================

package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from a YAML file.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		// DSN for the task journal. Leave empty to run against the
		// in-memory journal (single-process development only).
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Worker struct {
		Count                  int `yaml:"count"`
		ActiveGroupsSampleSize int `yaml:"active_groups_sample_size"`
		GroupLockTTLSeconds    int `yaml:"group_lock_ttl_seconds"`
	} `yaml:"worker"`

	Recovery struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"recovery"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error
	} `yaml:"log"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = 4
	}
	if c.Worker.ActiveGroupsSampleSize <= 0 {
		c.Worker.ActiveGroupsSampleSize = 5
	}
	if c.Recovery.IntervalSeconds <= 0 {
		c.Recovery.IntervalSeconds = 60
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Worker.GroupLockTTLSeconds < 0 {
		return fmt.Errorf("group_lock_ttl_seconds must not be negative")
	}
	return nil
}

// GroupLockTTL returns the configured lease TTL; zero means "derive from the
// longest handler timeout".
func (c *Config) GroupLockTTL() time.Duration {
	return time.Duration(c.Worker.GroupLockTTLSeconds) * time.Second
}

// RecoveryInterval returns the recovery scan period.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSeconds) * time.Second
}

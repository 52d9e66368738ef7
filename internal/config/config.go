// Package config handles loading and validating enginerd.yaml: the cache
// root, HTTP listen address, database timeouts, GC policy, SSE connection
// caps, and rate limit defaults. The engine runs with zero config (sensible
// defaults) when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDBTimeoutMs is the default statement/idle timeout applied to the
// streamer's dedicated connection when db_timeout_ms is not configured.
const DefaultDBTimeoutMs = 30_000

// Config is the full configuration surface for one enginerd process.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	CacheRoot  string `yaml:"cache_root"`

	DBTimeoutMs int `yaml:"db_timeout_ms"`

	GCIntervalSeconds int   `yaml:"gc_interval_seconds"`
	GCRetentionMs     int64 `yaml:"gc_retention_ms"`

	MaxSSEPerIP  int `yaml:"max_sse_per_ip"`
	MaxSSEGlobal int `yaml:"max_sse_global"`

	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the configuration used when no enginerd.yaml is found.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:8090",
		CacheRoot:          "./data/api-script-runs",
		DBTimeoutMs:        DefaultDBTimeoutMs,
		GCIntervalSeconds:  int(time.Hour / time.Second),
		GCRetentionMs:      86_400_000,
		MaxSSEPerIP:        10,
		MaxSSEGlobal:       1000,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
		CORSOrigins:        []string{"http://localhost:3000"},
	}
}

// Load parses an enginerd.yaml file over DefaultConfig and validates it.
// If path is empty, returns defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: ENGINERD_CONFIG env var > ./enginerd.yaml > "" (defaults only).
func ResolvePath() string {
	if p := os.Getenv("ENGINERD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("enginerd.yaml"); err == nil {
		return "enginerd.yaml"
	}
	return ""
}

// validate checks that every field that must be positive or non-empty is.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.CacheRoot == "" {
		return fmt.Errorf("cache_root is required")
	}
	if c.DBTimeoutMs <= 0 {
		return fmt.Errorf("db_timeout_ms must be positive")
	}
	if c.MaxSSEPerIP <= 0 || c.MaxSSEGlobal <= 0 {
		return fmt.Errorf("max_sse_per_ip and max_sse_global must be positive")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_per_second and rate_limit_burst must be positive")
	}
	return nil
}

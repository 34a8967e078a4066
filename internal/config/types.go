// Package config loads the ambassador's YAML configuration: data directory,
// listen addresses, bootstrap parameters, and per-MCP catalog seed files.
// Structurally adapted from the teacher's internal/config/types.go +
// defaults.go layered-default pattern, trimmed to the ambassador's schema.
package config

import "time"

// Config is the top-level ambassador configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	HTTP HTTPConfig `yaml:"http"`

	Audit AuditConfig `yaml:"audit"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	SessionTTL time.Duration `yaml:"session_ttl"`

	// CatalogSeedDir, if set, is watched for declarative MCP catalog entries
	// (YAML files) that are merged into the Data Store on start and on
	// change, feeding the Catalog Reloader (C9) in file-driven dev setups.
	CatalogSeedDir string `yaml:"catalog_seed_dir"`
}

// HTTPConfig configures the thin REST surface (internal/httpapi).
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuditConfig configures the audit buffer (C2).
type AuditConfig struct {
	Size            int           `yaml:"size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SpillToDisk     bool          `yaml:"spill_to_disk"`
	SpillPathOvrd   string        `yaml:"spill_path"`
}

// RateLimitConfig configures the sliding-window rate limiter (C4).
type RateLimitConfig struct {
	RegistrationsPerHourPerIP int `yaml:"registrations_per_hour_per_ip"`
}

// DefaultConfig returns the built-in default configuration, matching the
// values named throughout spec.md (community-tier session TTL 3600s,
// registration limit 10/hour, §8 S5).
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
		HTTP: HTTPConfig{
			Host: "localhost",
			Port: 8443,
		},
		Audit: AuditConfig{
			Size:          4096,
			FlushInterval: 2 * time.Second,
			SpillToDisk:   true,
		},
		RateLimit: RateLimitConfig{
			RegistrationsPerHourPerIP: 10,
		},
		SessionTTL: 1 * time.Hour,
	}
}

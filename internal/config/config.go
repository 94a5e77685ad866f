// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package config loads and validates the server configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variables, in ascending precedence.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Queue    QueueConfig    `koanf:"queue"`
	Cache    CacheConfig    `koanf:"cache"`
	Database DatabaseConfig `koanf:"database"`
	Models   []ModelConfig  `koanf:"models"`
	Billing  BillingConfig  `koanf:"billing"`
	Session  SessionConfig  `koanf:"session"`
	Security SecurityConfig `koanf:"security"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs per RateLimitWindow per client IP. Zero disables.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// QueueConfig selects and tunes the coordination substrate.
type QueueConfig struct {
	// Driver is "badger" (durable) or "memory" (development).
	Driver string `koanf:"driver"`

	// Path is the badger directory. Ignored for the memory driver.
	Path string `koanf:"path"`

	// DedupTTL bounds orphaned inflight dedup keys.
	DedupTTL time.Duration `koanf:"dedup_ttl"`
}

// CacheConfig tunes the content-addressed audio cache.
type CacheConfig struct {
	// Path is the badger directory backing the cache.
	Path string `koanf:"path"`

	// MaxBytes caps cached audio. Zero disables eviction.
	MaxBytes int64 `koanf:"max_bytes"`

	// SweepInterval between LRU sweeps.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path    string `koanf:"path"`
	Threads int    `koanf:"threads"`
}

// ModelConfig describes one synthesis model and its queue.
type ModelConfig struct {
	// Slug identifies the model in variants and queues.
	Slug string `koanf:"slug"`

	// Workers is the local worker count. Zero means no local workers,
	// which only makes sense with overflow enabled.
	Workers int `koanf:"workers"`

	// Endpoint is the synthesis backend URL.
	Endpoint string `koanf:"endpoint"`

	// APIKey authenticates against the backend, if it requires one.
	APIKey string `koanf:"api_key"`

	// RequestTimeout per synthesis call.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RatePerSecond caps backend calls. Zero means unlimited.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// VisibilityTimeout before a silent claim is presumed abandoned.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	// MaxRetries before a failing job is dead-lettered.
	MaxRetries int `koanf:"max_retries"`

	// DLQRetention bounds dead-letter entries.
	DLQRetention time.Duration `koanf:"dlq_retention"`

	// Multiplier scales billed characters for this model.
	Multiplier float64 `koanf:"multiplier"`

	// Overflow drains aged backlog to the serverless endpoint.
	Overflow OverflowConfig `koanf:"overflow"`
}

// OverflowConfig tunes a model's serverless overflow path.
type OverflowConfig struct {
	Enabled bool `koanf:"enabled"`

	// Endpoint is the serverless backend. Empty falls back to the
	// model endpoint.
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"api_key"`

	// AgeThreshold a job must exceed before it overflows.
	AgeThreshold time.Duration `koanf:"age_threshold"`

	// Concurrency caps simultaneous serverless calls.
	Concurrency int `koanf:"concurrency"`
}

// BillingConfig sets the monthly character budgets.
type BillingConfig struct {
	MonthlyLimit   int64 `koanf:"monthly_limit"`
	AnonymousLimit int64 `koanf:"anonymous_limit"`
}

// SessionConfig tunes the websocket session channel.
type SessionConfig struct {
	// DefaultWindow is the eviction half-window when the client sends
	// none.
	DefaultWindow int `koanf:"default_window"`

	// MaxBlocksPerRequest caps one synthesize request.
	MaxBlocksPerRequest int `koanf:"max_blocks_per_request"`

	// MaxTextLen caps one block's characters.
	MaxTextLen int `koanf:"max_text_len"`
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	// JWTSecret is the HMAC signing key. Empty means every request is
	// anonymous.
	JWTSecret string `koanf:"jwt_secret"`
}

// NATSConfig enables the multi-gateway event bridge.
type NATSConfig struct {
	Enabled bool `koanf:"enabled"`

	// URL of the NATS server. Ignored when EmbeddedServer is set.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process NATS server.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir holds JetStream state for the embedded server.
	StoreDir string `koanf:"store_dir"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ModelSlugs returns the configured model slugs in order.
func (c *Config) ModelSlugs() []string {
	slugs := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		slugs = append(slugs, m.Slug)
	}
	return slugs
}

// Multipliers returns the per-model billing multipliers.
func (c *Config) Multipliers() map[string]float64 {
	out := make(map[string]float64, len(c.Models))
	for _, m := range c.Models {
		out[m.Slug] = m.Multiplier
	}
	return out
}

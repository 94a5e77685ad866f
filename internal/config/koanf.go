// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file search order. The first file
// found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/yapit/config.yaml",
	"/etc/yapit/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults, overridden by file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8765,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Queue: QueueConfig{
			Driver:   "badger",
			Path:     "/data/queue",
			DedupTTL: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Path:          "/data/audiocache",
			MaxBytes:      10 << 30, // 10GB
			SweepInterval: time.Minute,
		},
		Database: DatabaseConfig{
			Path:    "/data/yapit.duckdb",
			Threads: 0, // 0 = runtime.NumCPU()
		},
		Models: []ModelConfig{
			{
				Slug:              "kokoro",
				Workers:           2,
				Endpoint:          "http://127.0.0.1:8880/synthesize",
				RequestTimeout:    60 * time.Second,
				VisibilityTimeout: 2 * time.Minute,
				MaxRetries:        3,
				DLQRetention:      7 * 24 * time.Hour,
				Multiplier:        1.0,
				Overflow: OverflowConfig{
					Enabled:      false,
					AgeThreshold: 10 * time.Second,
					Concurrency:  4,
				},
			},
		},
		Billing: BillingConfig{
			MonthlyLimit:   0, // Unlimited for registered users by default
			AnonymousLimit: 50000,
		},
		Session: SessionConfig{
			DefaultWindow:       20,
			MaxBlocksPerRequest: 200,
			MaxTextLen:          5000,
		},
		Security: SecurityConfig{
			JWTSecret: "",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists paths parsed as comma-separated slices when set
// from the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables are dropped so random environment noise never
// reaches the config.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - QUEUE_DRIVER -> queue.driver
//   - JWT_SECRET -> security.jwt_secret
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_host":           "server.host",
		"http_port":           "server.port",
		"http_timeout":        "server.timeout",
		"cors_origins":        "server.cors_origins",
		"rate_limit_requests": "server.rate_limit_reqs",
		"rate_limit_window":   "server.rate_limit_window",

		// Queue mappings
		"queue_driver":    "queue.driver",
		"queue_path":      "queue.path",
		"queue_dedup_ttl": "queue.dedup_ttl",

		// Cache mappings
		"cache_path":           "cache.path",
		"cache_max_bytes":      "cache.max_bytes",
		"cache_sweep_interval": "cache.sweep_interval",

		// Database mappings
		"duckdb_path":    "database.path",
		"duckdb_threads": "database.threads",

		// Billing mappings
		"billing_monthly_limit":   "billing.monthly_limit",
		"billing_anonymous_limit": "billing.anonymous_limit",

		// Session mappings
		"session_default_window": "session.default_window",
		"session_max_blocks":     "session.max_blocks_per_request",
		"session_max_text_len":   "session.max_text_len",

		// Security mappings
		"jwt_secret": "security.jwt_secret",

		// NATS mappings
		"nats_enabled":   "nats.enabled",
		"nats_url":       "nats.url",
		"nats_embedded":  "nats.embedded_server",
		"nats_store_dir": "nats.store_dir",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

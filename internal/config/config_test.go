// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Expected default port 8765, got %d", cfg.Server.Port)
	}
	if cfg.Queue.Driver != "badger" {
		t.Errorf("Expected default queue driver badger, got %q", cfg.Queue.Driver)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Slug != "kokoro" {
		t.Errorf("Expected default kokoro model, got %+v", cfg.Models)
	}
	if cfg.Session.DefaultWindow != 20 {
		t.Errorf("Expected default window 20, got %d", cfg.Session.DefaultWindow)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("QUEUE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Expected env port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Queue.Driver != "memory" {
		t.Errorf("Expected env queue driver memory, got %q", cfg.Queue.Driver)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoad_FileLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 4444
models:
  - slug: orpheus
    workers: 1
    endpoint: http://127.0.0.1:9000/synthesize
    visibility_timeout: 90s
    max_retries: 2
    multiplier: 2.5
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4444 {
		t.Errorf("Expected file port 4444, got %d", cfg.Server.Port)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Slug != "orpheus" {
		t.Fatalf("Expected file model list, got %+v", cfg.Models)
	}
	if cfg.Models[0].VisibilityTimeout != 90*time.Second {
		t.Errorf("Expected 90s visibility timeout, got %v", cfg.Models[0].VisibilityTimeout)
	}
	if cfg.Models[0].Multiplier != 2.5 {
		t.Errorf("Expected multiplier 2.5, got %v", cfg.Models[0].Multiplier)
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "redis" }},
		{"no models", func(c *Config) { c.Models = nil }},
		{"duplicate slug", func(c *Config) { c.Models = append(c.Models, c.Models[0]) }},
		{"no workers no overflow", func(c *Config) { c.Models[0].Workers = 0 }},
		{"bad endpoint", func(c *Config) { c.Models[0].Endpoint = "not-a-url" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"negative multiplier", func(c *Config) { c.Models[0].Multiplier = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestMultipliers(t *testing.T) {
	cfg := defaultConfig()
	cfg.Models = append(cfg.Models, ModelConfig{Slug: "orpheus", Multiplier: 3})
	m := cfg.Multipliers()
	if m["kokoro"] != 1.0 || m["orpheus"] != 3 {
		t.Errorf("Unexpected multipliers: %v", m)
	}
}

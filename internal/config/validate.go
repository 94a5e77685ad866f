// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Driver {
	case "badger":
		if c.Queue.Path == "" {
			return fmt.Errorf("QUEUE_PATH is required for the badger driver")
		}
	case "memory":
	default:
		return fmt.Errorf("QUEUE_DRIVER must be badger or memory, got %q", c.Queue.Driver)
	}
	if c.Queue.DedupTTL <= 0 {
		return fmt.Errorf("QUEUE_DEDUP_TTL must be positive")
	}
	return nil
}

func (c *Config) validateModels() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Slug == "" {
			return fmt.Errorf("models[%d]: slug is required", i)
		}
		if seen[m.Slug] {
			return fmt.Errorf("models[%d]: duplicate slug %q", i, m.Slug)
		}
		seen[m.Slug] = true

		if m.Workers < 0 {
			return fmt.Errorf("model %s: workers must not be negative", m.Slug)
		}
		if m.Workers == 0 && !m.Overflow.Enabled {
			return fmt.Errorf("model %s: no workers and no overflow, jobs would never run", m.Slug)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("model %s: endpoint is required", m.Slug)
		}
		if err := validateHTTPURL(m.Endpoint); err != nil {
			return fmt.Errorf("model %s: endpoint is invalid: %w", m.Slug, err)
		}
		if m.Overflow.Enabled && m.Overflow.Endpoint != "" {
			if err := validateHTTPURL(m.Overflow.Endpoint); err != nil {
				return fmt.Errorf("model %s: overflow endpoint is invalid: %w", m.Slug, err)
			}
		}
		if m.VisibilityTimeout <= 0 {
			return fmt.Errorf("model %s: visibility_timeout must be positive", m.Slug)
		}
		if m.MaxRetries < 0 {
			return fmt.Errorf("model %s: max_retries must not be negative", m.Slug)
		}
		if m.Multiplier < 0 {
			return fmt.Errorf("model %s: multiplier must not be negative", m.Slug)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, fatal, panic")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

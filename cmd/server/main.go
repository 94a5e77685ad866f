// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package main is the entry point for the Yapit gateway.
//
// The gateway coordinates document-to-speech synthesis: browser clients
// connect over a websocket session channel, synthesis requests are
// deduplicated by content fingerprint and queued per model, local
// workers and an optional serverless overflow path drive the synthesis
// backends, and finished audio lands in a content-addressed cache that
// the REST API serves with range support.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Queue substrate: BadgerDB (durable) or in-memory (development)
//  3. Audio cache: content-addressed BadgerDB store with LRU sweeps
//  4. Records: DuckDB synthesis ledger and usage accounting
//  5. NATS bridge (optional): cross-gateway session event fanout
//  6. Synthesis layer: workers, visibility scanners, overflow
//     dispatchers, and the result finalizer per configured model
//  7. Session layer: websocket hub and cache sweeper
//  8. API layer: chi REST router and the HTTP server
//
// All long-running components run under a suture supervisor tree; a
// crash in one layer restarts only that layer's services.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (HTTP_PORT, QUEUE_DRIVER, JWT_SECRET, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Waits for in-flight requests and claims to settle (10s timeout)
//   - Flushes cache access times and closes the stores
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/yapit-tts/yapit/internal/admission"
	"github.com/yapit-tts/yapit/internal/api"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/auth"
	"github.com/yapit-tts/yapit/internal/billing"
	"github.com/yapit-tts/yapit/internal/config"
	"github.com/yapit-tts/yapit/internal/consumer"
	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/natsbridge"
	"github.com/yapit-tts/yapit/internal/overflow"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/scanner"
	"github.com/yapit-tts/yapit/internal/session"
	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/supervisor"
	"github.com/yapit-tts/yapit/internal/synth"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("queue_driver", cfg.Queue.Driver).
		Int("models", len(cfg.Models)).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Yapit gateway")

	// Queue substrate
	var sub queue.Substrate
	switch cfg.Queue.Driver {
	case "memory":
		logging.Warn().Msg("In-memory queue selected: jobs will not survive a restart")
		sub = queue.NewMemory()
	default:
		b, err := queue.NewBadger(cfg.Queue.Path)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Queue.Path).Msg("Failed to open queue substrate")
		}
		sub = b
	}

	// Audio cache
	cacheDB, err := badger.Open(badger.DefaultOptions(cfg.Cache.Path).WithLogger(nil))
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Cache.Path).Msg("Failed to open audio cache store")
	}
	defer func() {
		if err := cacheDB.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing audio cache store")
		}
	}()

	cache, err := audiocache.New(cacheDB, audiocache.Config{MaxBytes: cfg.Cache.MaxBytes})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize audio cache")
	}
	logging.Info().Int64("size_bytes", cache.Size()).Msg("Audio cache initialized")

	// Synthesis records and usage ledger
	records, err := store.Open(store.Config{Path: cfg.Database.Path, Threads: cfg.Database.Threads})
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open records database")
	}
	defer func() {
		if err := records.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing records database")
		}
	}()

	bill := billing.New(records, billing.Config{
		MonthlyLimit:   cfg.Billing.MonthlyLimit,
		AnonymousLimit: cfg.Billing.AnonymousLimit,
	})

	// Supervisor tree, with zerolog bridged to slog for sutureslog
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Optional NATS bridge for multi-gateway session event fanout
	if cfg.NATS.Enabled {
		bridge, shutdown, err := initNATS(cfg.NATS, sub)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize NATS bridge")
		}
		defer shutdown()
		sub = bridge
		tree.AddSessionService(bridge)
	}
	defer func() {
		if err := sub.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			logging.Error().Err(err).Msg("Error closing queue substrate")
		}
	}()

	// Session layer
	hub := session.NewHub()
	admit := admission.New(admission.Config{
		DedupTTL:            cfg.Queue.DedupTTL,
		DefaultWindow:       cfg.Session.DefaultWindow,
		MaxBlocksPerRequest: cfg.Session.MaxBlocksPerRequest,
		MaxTextLen:          cfg.Session.MaxTextLen,
		Models:              cfg.Multipliers(),
	}, sub, cache, records, bill)
	ws := session.NewWSHandler(hub, sub, admit)

	tree.AddSessionService(hub)
	tree.AddSessionService(supervisor.NewCacheSweepService(cache, cfg.Cache.SweepInterval))

	// Synthesis layer
	tree.AddSynthesisService(consumer.New(consumer.Config{Multipliers: cfg.Multipliers()}, sub, cache, records, bill))

	for _, model := range cfg.Models {
		engine := synth.NewHTTPEngine(synth.HTTPEngineConfig{
			Endpoint:          model.Endpoint,
			APIKey:            model.APIKey,
			RequestTimeout:    model.RequestTimeout,
			RequestsPerSecond: model.RatePerSecond,
		})

		for i := 0; i < model.Workers; i++ {
			tree.AddSynthesisService(synth.NewWorker(synth.WorkerConfig{
				Model:        model.Slug,
				MaxRetries:   model.MaxRetries,
				DLQRetention: model.DLQRetention,
			}, sub, engine))
		}

		tree.AddSynthesisService(scanner.New(scanner.Config{
			Model:             model.Slug,
			VisibilityTimeout: model.VisibilityTimeout,
			MaxRetries:        model.MaxRetries,
			DedupTTL:          cfg.Queue.DedupTTL,
			DLQRetention:      model.DLQRetention,
		}, sub))

		if model.Overflow.Enabled {
			// A dedicated overflow endpoint is an asynchronous
			// submit-poll-fetch backend; without one the dispatcher
			// falls back to the model's synchronous endpoint.
			var overflowEngine synth.Engine
			endpoint := model.Overflow.Endpoint
			if endpoint != "" {
				overflowEngine = synth.NewServerlessEngine(synth.ServerlessEngineConfig{
					Endpoint: endpoint,
					APIKey:   model.Overflow.APIKey,
				})
			} else {
				endpoint = model.Endpoint
				overflowEngine = synth.NewHTTPEngine(synth.HTTPEngineConfig{
					Endpoint:       endpoint,
					APIKey:         model.Overflow.APIKey,
					RequestTimeout: model.RequestTimeout,
				})
			}
			tree.AddSynthesisService(overflow.New(overflow.Config{
				Model:        model.Slug,
				AgeThreshold: model.Overflow.AgeThreshold,
				Concurrency:  model.Overflow.Concurrency,
				MaxRetries:   model.MaxRetries,
			}, sub, overflowEngine))
			logging.Info().Str("model", model.Slug).Str("endpoint", endpoint).Msg("Overflow dispatch enabled")
		}

		logging.Info().
			Str("model", model.Slug).
			Int("workers", model.Workers).
			Msg("Synthesis services added")
	}

	// API layer
	if cfg.Security.JWTSecret == "" {
		logging.Warn().Msg("JWT_SECRET is empty: all requests are treated as anonymous")
	}
	verifier := auth.NewVerifier(auth.Config{Secret: cfg.Security.JWTSecret})

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		Models:          cfg.ModelSlugs(),
	}, verifier, ws, cache, sub, records)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Signal handling and supervisor startup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Gateway stopped gracefully")
}

// initNATS starts the optional event bridge, and the embedded NATS
// server when configured. The returned shutdown function stops the
// embedded server.
func initNATS(cfg config.NATSConfig, sub queue.Substrate) (*natsbridge.Bridge, func(), error) {
	url := cfg.URL
	shutdown := func() {}

	if cfg.EmbeddedServer {
		srv, err := natsbridge.NewEmbeddedServer(natsbridge.ServerConfig{
			Host:     "127.0.0.1",
			Port:     4222,
			StoreDir: cfg.StoreDir,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		url = srv.ClientURL()
		shutdown = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logging.Error().Err(err).Msg("Error stopping embedded NATS server")
			}
		}
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	bridge, err := natsbridge.New(sub, natsbridge.DefaultConfig(url), nil)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	logging.Info().Str("url", url).Msg("NATS event bridge connected")
	return bridge, shutdown, nil
}

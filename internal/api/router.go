// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package api provides HTTP routing using the Chi router. The websocket
// session channel, the content-addressed audio endpoint, and the
// read-only coordination endpoints all hang off one router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/auth"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/session"
	"github.com/yapit-tts/yapit/internal/store"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// CORSOrigins lists allowed origins. Empty means allow all.
	CORSOrigins []string

	// RateLimitReqs per RateLimitWindow per client IP. Zero disables.
	RateLimitReqs   int
	RateLimitWindow time.Duration

	// Models lists the configured model slugs, served on /models.
	Models []string
}

// Router assembles the HTTP handler tree.
type Router struct {
	cfg      RouterConfig
	handler  *Handler
	ws       *session.WSHandler
	verifier *auth.Verifier
}

// NewRouter wires the router.
func NewRouter(cfg RouterConfig, verifier *auth.Verifier, ws *session.WSHandler, cache *audiocache.Cache, sub queue.Substrate, records *store.Store) *Router {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Router{
		cfg:      cfg,
		handler:  NewHandler(cache, sub, records, cfg.Models),
		ws:       ws,
		verifier: verifier,
	}
}

// Setup configures all routes and returns the root handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range", auth.AnonHeader},
		ExposedHeaders:   []string{"Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics stay outside auth and rate limiting.
	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if router.cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(router.cfg.RateLimitReqs, router.cfg.RateLimitWindow))
		}
		r.Use(router.verifier.Middleware)

		// The session channel. Identity is resolved before the upgrade.
		r.Get("/ws", router.ws.ServeHTTP)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/audio/{fingerprint}", router.handler.Audio)
			r.Get("/models", router.handler.Models)
			r.Get("/usage", router.handler.Usage)
			r.Get("/queue/{model}/depth", router.handler.QueueDepth)
			r.Get("/dlq/{model}", router.handler.DeadLetters)
		})
	})

	return r
}

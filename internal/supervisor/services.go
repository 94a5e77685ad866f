// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/logging"
)

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService bridges http.Server's blocking ListenAndServe to
// suture's context-aware Serve.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps an HTTP server as a supervised service.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The original context is already canceled; shutdown needs its
		// own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's log messages.
func (h *HTTPServerService) String() string {
	return "http-server"
}

// CacheSweepService periodically flushes buffered access times and
// evicts least-recently-used audio past the size bound.
type CacheSweepService struct {
	cache    *audiocache.Cache
	interval time.Duration
}

// NewCacheSweepService wraps the audio cache sweeper as a supervised
// service.
func NewCacheSweepService(cache *audiocache.Cache, interval time.Duration) *CacheSweepService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CacheSweepService{cache: cache, interval: interval}
}

// Serve implements suture.Service.
func (s *CacheSweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush once more so recency survives the restart.
			if err := s.cache.FlushTouches(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("final touch flush failed")
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.cache.FlushTouches(ctx); err != nil {
				logging.Warn().Err(err).Msg("touch flush failed")
				continue
			}
			evicted, err := s.cache.Sweep(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("cache sweep failed")
				continue
			}
			if evicted > 0 {
				logging.Info().Int("evicted", evicted).Int64("bytes", s.cache.Size()).Msg("audio cache swept")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (s *CacheSweepService) String() string {
	return "cache-sweeper"
}

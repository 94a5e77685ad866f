// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package synth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/tts"
)

func testHTTPJob() tts.Job {
	return tts.Job{
		JobID:       "job-1",
		Fingerprint: "fp-1",
		Variant:     tts.Variant{ModelSlug: "kokoro", VoiceSlug: "nova", Speed: 1.2},
		Text:        "hello",
	}
}

func TestHTTPEngine_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.Text != "hello" || req.ModelSlug != "kokoro" {
			t.Errorf("Unexpected request: %+v", req)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(synthesisResponse{
			Audio:      []byte("ogg-bytes"),
			Codec:      "opus",
			DurationMs: 750,
		})
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL, APIKey: "secret"})
	out, err := e.Synthesize(context.Background(), testHTTPJob())
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if string(out.Audio) != "ogg-bytes" || out.Codec != "opus" || out.DurationMs != 750 {
		t.Errorf("Unexpected output: %+v", out)
	}
}

func TestHTTPEngine_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL})
	_, err := e.Synthesize(context.Background(), testHTTPJob())
	if err == nil {
		t.Fatal("Expected error")
	}
	if IsRetryable(err) {
		t.Errorf("Expected 400 to be permanent, got retryable: %v", err)
	}
}

func TestHTTPEngine_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL, MaxAttempts: 1})
	_, err := e.Synthesize(context.Background(), testHTTPJob())
	if err == nil {
		t.Fatal("Expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("Expected 500 to be retryable, got permanent: %v", err)
	}
}

func TestHTTPEngine_BacksOffAndRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(synthesisResponse{Audio: []byte("a"), Codec: "opus"})
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL, MaxAttempts: 3, BackoffBase: time.Millisecond})
	out, err := e.Synthesize(context.Background(), testHTTPJob())
	if err != nil {
		t.Fatalf("Expected third attempt to succeed, got %v", err)
	}
	if string(out.Audio) != "a" {
		t.Errorf("Unexpected output: %+v", out)
	}
	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits.Load())
	}
}

func TestHTTPEngine_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL, BreakerThreshold: 3, MaxAttempts: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Synthesize(ctx, testHTTPJob()); err == nil {
			t.Fatal("Expected failure")
		}
	}
	before := hits.Load()

	// Circuit is open: the backend must not be called again.
	_, err := e.Synthesize(ctx, testHTTPJob())
	if err == nil {
		t.Fatal("Expected circuit-open error")
	}
	if !IsRetryable(err) {
		t.Errorf("Expected circuit-open to be retryable, got %v", err)
	}
	if hits.Load() != before {
		t.Errorf("Expected no backend call while open, got %d extra", hits.Load()-before)
	}
}

func TestHTTPEngine_PermanentFailuresDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPEngineConfig{Endpoint: srv.URL, BreakerThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := e.Synthesize(ctx, testHTTPJob()); err == nil {
			t.Fatal("Expected failure")
		}
	}
	if hits.Load() != 5 {
		t.Errorf("Expected every permanent failure to reach the backend, got %d of 5", hits.Load())
	}
}

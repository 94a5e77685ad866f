// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/tts"
)

// HTTPEngineConfig configures a remote synthesis backend.
type HTTPEngineConfig struct {
	// Endpoint is the synthesis URL, e.g. the serverless function's
	// /synthesize route.
	Endpoint string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// RequestTimeout bounds one synthesis call. Default 60s.
	RequestTimeout time.Duration

	// RequestsPerSecond throttles calls to the backend. Zero means
	// unthrottled.
	RequestsPerSecond float64

	// Burst is the limiter burst. Default 1 when throttled.
	Burst int

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	BreakerThreshold uint32

	// BreakerCooldown is how long the circuit stays open. Default 30s.
	BreakerCooldown time.Duration

	// MaxAttempts per call. Attempts beyond the first retry 5xx and 429
	// responses with exponential backoff. Default 3.
	MaxAttempts int

	// BackoffBase is the first retry delay, doubling per attempt.
	// Default 500ms.
	BackoffBase time.Duration
}

// synthesisRequest is the wire request to the backend.
type synthesisRequest struct {
	Text      string            `json:"text"`
	ModelSlug string            `json:"model_slug"`
	VoiceSlug string            `json:"voice_slug"`
	Speed     float64           `json:"speed,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// synthesisResponse is the wire response. Audio is base64 in JSON.
type synthesisResponse struct {
	Audio      []byte `json:"audio"`
	Codec      string `json:"codec"`
	DurationMs int64  `json:"duration_ms"`
}

// HTTPEngine synthesizes through a remote HTTP backend. Calls pass a rate
// limiter and a circuit breaker; an open circuit surfaces as a retryable
// error so jobs requeue instead of dead-lettering during an outage.
type HTTPEngine struct {
	cfg     HTTPEngineConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Output]
}

// NewHTTPEngine creates the engine.
func NewHTTPEngine(cfg HTTPEngineConfig) *HTTPEngine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker[Output](gobreaker.Settings{
		Name:    "synth-" + cfg.Endpoint,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("synthesis backend circuit state changed")
		},
		IsSuccessful: func(err error) bool {
			// Permanent failures are the caller's fault, not the
			// backend's; they must not open the circuit.
			return err == nil || !IsRetryable(err)
		},
	})

	return &HTTPEngine{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		breaker: breaker,
	}
}

// Synthesize implements Engine. Transient backend failures retry
// in-call with exponential backoff up to MaxAttempts; an open circuit
// short-circuits the remaining attempts so an outage surfaces as one
// retryable error and the job requeues.
func (e *HTTPEngine) Synthesize(ctx context.Context, job tts.Job) (Output, error) {
	backoff := e.cfg.BackoffBase
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Output{}, NewRetryableError("synthesis canceled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Output{}, NewRetryableError("rate limiter wait", err)
			}
		}

		out, err := e.breaker.Execute(func() (Output, error) {
			return e.call(ctx, job)
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Output{}, NewRetryableError("synthesis backend circuit open", err)
		}
		if !IsRetryable(err) {
			return Output{}, err
		}
		lastErr = err
	}

	return Output{}, lastErr
}

func (e *HTTPEngine) call(ctx context.Context, job tts.Job) (Output, error) {
	body, err := json.Marshal(synthesisRequest{
		Text:      job.Text,
		ModelSlug: job.Variant.ModelSlug,
		VoiceSlug: job.Variant.VoiceSlug,
		Speed:     job.Variant.Speed,
		Params:    job.Variant.Params,
	})
	if err != nil {
		return Output{}, NewPermanentError("marshal synthesis request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, NewPermanentError("build synthesis request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Output{}, NewRetryableError("synthesis request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("synthesis backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Output{}, NewRetryableError(msg, nil)
		}
		return Output{}, NewPermanentError(msg, nil)
	}

	var sr synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Output{}, NewRetryableError("decode synthesis response", err)
	}
	return Output{Audio: sr.Audio, Codec: sr.Codec, DurationMs: sr.DurationMs}, nil
}

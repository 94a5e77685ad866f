// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package synth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/tts"
)

// ServerlessEngineConfig configures a submit-poll-fetch backend.
type ServerlessEngineConfig struct {
	// Endpoint is the base URL; the engine calls {Endpoint}/jobs,
	// {Endpoint}/jobs/{id} and {Endpoint}/jobs/{id}/audio.
	Endpoint string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// RequestTimeout bounds each HTTP call. Default 30s.
	RequestTimeout time.Duration

	// PollInterval between status checks. Default 2s.
	PollInterval time.Duration

	// PollTimeout bounds the whole submit-to-audio lifecycle. Default 5m.
	PollTimeout time.Duration
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status     string `json:"status"` // queued, running, complete, error
	Error      string `json:"error,omitempty"`
	Codec      string `json:"codec,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ServerlessEngine drives an asynchronous synthesis backend: submit the
// job, poll its status, fetch the audio when complete. Cold starts and
// queueing on the backend side are absorbed by the poll loop instead of
// a long-held request.
type ServerlessEngine struct {
	cfg    ServerlessEngineConfig
	client *http.Client
}

// NewServerlessEngine creates the engine.
func NewServerlessEngine(cfg ServerlessEngineConfig) *ServerlessEngine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Minute
	}
	return &ServerlessEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Synthesize implements Engine.
func (e *ServerlessEngine) Synthesize(ctx context.Context, job tts.Job) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	remoteID, err := e.submit(ctx, job)
	if err != nil {
		return Output{}, err
	}

	status, err := e.poll(ctx, remoteID)
	if err != nil {
		return Output{}, err
	}

	audio, err := e.fetch(ctx, remoteID)
	if err != nil {
		return Output{}, err
	}
	return Output{Audio: audio, Codec: status.Codec, DurationMs: status.DurationMs}, nil
}

func (e *ServerlessEngine) submit(ctx context.Context, job tts.Job) (string, error) {
	body, err := json.Marshal(synthesisRequest{
		Text:      job.Text,
		ModelSlug: job.Variant.ModelSlug,
		VoiceSlug: job.Variant.VoiceSlug,
		Speed:     job.Variant.Speed,
		Params:    job.Variant.Params,
	})
	if err != nil {
		return "", NewPermanentError("marshal serverless submit", err)
	}

	resp, err := e.do(ctx, http.MethodPost, e.cfg.Endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", e.statusError("serverless submit", resp)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", NewRetryableError("decode serverless submit response", err)
	}
	if sr.JobID == "" {
		return "", NewRetryableError("serverless submit returned no job id", nil)
	}
	return sr.JobID, nil
}

// poll blocks until the remote job completes or the context expires.
// The deadline surfaces as retryable so the job requeues rather than
// dead-lettering on a slow cold start.
func (e *ServerlessEngine) poll(ctx context.Context, remoteID string) (statusResponse, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.checkStatus(ctx, remoteID)
		if err != nil {
			return statusResponse{}, err
		}

		switch status.Status {
		case "complete":
			return status, nil
		case "error":
			return statusResponse{}, NewPermanentError(fmt.Sprintf("serverless synthesis failed: %s", status.Error), nil)
		}

		select {
		case <-ctx.Done():
			return statusResponse{}, NewRetryableError("serverless poll deadline", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *ServerlessEngine) checkStatus(ctx context.Context, remoteID string) (statusResponse, error) {
	resp, err := e.do(ctx, http.MethodGet, e.cfg.Endpoint+"/jobs/"+remoteID, nil)
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusResponse{}, e.statusError("serverless status", resp)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return statusResponse{}, NewRetryableError("decode serverless status", err)
	}
	return status, nil
}

func (e *ServerlessEngine) fetch(ctx context.Context, remoteID string) ([]byte, error) {
	resp, err := e.do(ctx, http.MethodGet, e.cfg.Endpoint+"/jobs/"+remoteID+"/audio", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.statusError("serverless fetch", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewRetryableError("read serverless audio", err)
	}
	return audio, nil
}

func (e *ServerlessEngine) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewPermanentError("build serverless request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, NewRetryableError("serverless request failed", err)
	}
	return resp, nil
}

func (e *ServerlessEngine) statusError(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s returned %d: %s", op, resp.StatusCode, bytes.TrimSpace(payload))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return NewRetryableError(msg, nil)
	}
	return NewPermanentError(msg, nil)
}

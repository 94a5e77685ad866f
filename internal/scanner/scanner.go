// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package scanner recovers jobs whose worker went silent. Workers handle
// their own synthesis errors inline; the scanner only sees claims that
// outlived the visibility timeout, which means the worker crashed, hung,
// or lost its substrate connection mid-job.
package scanner

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// StaleClaimsTotal counts visibility-timeout recoveries by action.
	StaleClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stale_claims_total",
			Help: "Stale in-flight claims recovered by the visibility scanner",
		},
		[]string{"model", "action"}, // requeued, dead_lettered
	)
)

// Config tunes the visibility scanner for one model.
type Config struct {
	// Model is the queue the scanner watches.
	Model string

	// Interval between scans. Default 15s.
	Interval time.Duration

	// VisibilityTimeout is how long a claim may sit before the job is
	// presumed abandoned. Default 2m.
	VisibilityTimeout time.Duration

	// MaxRetries matches the worker's retry budget. Default 3.
	MaxRetries int

	// DedupTTL is re-applied to the fingerprint's dedup key on requeue so
	// the key outlives the next attempt. Default 10m.
	DedupTTL time.Duration

	// DLQRetention bounds dead-letter entries. Default 7 days.
	DLQRetention time.Duration
}

// Scanner requeues or dead-letters stale claims. Implements
// suture.Service.
type Scanner struct {
	cfg Config
	sub queue.Substrate
	log zerolog.Logger
}

// New creates a scanner for one model queue.
func New(cfg Config, sub queue.Substrate) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.DLQRetention <= 0 {
		cfg.DLQRetention = 7 * 24 * time.Hour
	}
	return &Scanner{
		cfg: cfg,
		sub: sub,
		log: logging.With().Str("component", "scanner").Str("model", cfg.Model).Logger(),
	}
}

// Serve scans on the configured interval until the context is canceled.
func (s *Scanner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info().
		Dur("visibility_timeout", s.cfg.VisibilityTimeout).
		Msg("visibility scanner started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("visibility sweep failed")
			}
		}
	}
}

// Sweep recovers every claim older than the visibility timeout.
func (s *Scanner) Sweep(ctx context.Context) error {
	stale, err := s.sub.ScanInflight(ctx, s.cfg.Model, s.cfg.VisibilityTimeout)
	if err != nil {
		return err
	}

	for _, claim := range stale {
		if claim.Job.RetryCount < s.cfg.MaxRetries {
			s.requeue(ctx, claim)
		} else {
			s.deadLetter(ctx, claim)
		}
	}
	return nil
}

func (s *Scanner) requeue(ctx context.Context, claim queue.ClaimedJob) {
	requeued, err := s.sub.Requeue(ctx, claim.WorkerID, claim.Job.JobID)
	if err != nil {
		// Lost the race against the worker's own result. Fine.
		s.log.Debug().Err(err).Str("job_id", claim.Job.JobID).Msg("requeue skipped")
		return
	}
	// The dedup key must survive until the retry settles, or a new
	// request could enqueue a second copy of the same fingerprint.
	if err := s.sub.RefreshInflightDedup(ctx, requeued.Fingerprint, s.cfg.DedupTTL); err != nil {
		s.log.Warn().Err(err).Str("job_id", requeued.JobID).Msg("dedup refresh failed")
	}
	StaleClaimsTotal.WithLabelValues(s.cfg.Model, "requeued").Inc()
	s.log.Warn().
		Str("job_id", claim.Job.JobID).
		Str("requeued_job_id", requeued.JobID).
		Str("worker_id", claim.WorkerID).
		Int("retry_count", requeued.RetryCount).
		Msg("stale claim requeued")
}

func (s *Scanner) deadLetter(ctx context.Context, claim queue.ClaimedJob) {
	const reason = "visibility timeout: retries exhausted"
	job, err := s.sub.MoveToDeadLetter(ctx, claim.WorkerID, claim.Job.JobID, reason, s.cfg.DLQRetention)
	if err != nil {
		s.log.Debug().Err(err).Str("job_id", claim.Job.JobID).Msg("dead-letter skipped")
		return
	}
	// An error result lets the finalizer clear the dedup key and tell
	// waiting sessions the block failed.
	res := tts.Result{Job: job, WorkerID: claim.WorkerID, ErrReason: reason}
	if err := s.sub.PublishResult(ctx, res); err != nil {
		s.log.Error().Err(err).Str("job_id", job.JobID).Msg("error result publish failed")
	}
	StaleClaimsTotal.WithLabelValues(s.cfg.Model, "dead_lettered").Inc()
	s.log.Error().
		Str("job_id", job.JobID).
		Str("worker_id", claim.WorkerID).
		Int("retry_count", job.RetryCount).
		Msg("stale claim dead-lettered")
}

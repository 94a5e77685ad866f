// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package synth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// SynthesisTotal counts finished synthesis attempts by model and outcome.
	SynthesisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synthesis_total",
			Help: "Total synthesis attempts by model and outcome",
		},
		[]string{"model", "outcome"}, // outcome: success, empty, retried, dead_lettered
	)

	// SynthesisDurationSeconds observes engine latency by model.
	SynthesisDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synthesis_duration_seconds",
			Help:    "Engine synthesis latency by model",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"model"},
	)
)

// WorkerConfig tunes one pull worker.
type WorkerConfig struct {
	// Model is the queue the worker serves.
	Model string

	// ClaimWait bounds each blocking claim. Default 5s.
	ClaimWait time.Duration

	// MaxRetries is how many requeues a job gets before the DLQ.
	// Default 3.
	MaxRetries int

	// DLQRetention is how long dead letters are kept. Default 7 days.
	DLQRetention time.Duration
}

// Worker pulls jobs for one model and drives an engine. Run as many
// workers per model as the engine has capacity for; the substrate hands
// each job to exactly one of them.
//
// The worker never finalizes: every outcome is either a published result
// (the finalizer takes it from there), a requeue, or a dead letter with an
// error result so subscribers still hear back.
type Worker struct {
	id     string
	cfg    WorkerConfig
	sub    queue.Substrate
	engine Engine
	log    zerolog.Logger
}

// NewWorker creates a pull worker with a unique worker ID.
func NewWorker(cfg WorkerConfig, sub queue.Substrate, engine Engine) *Worker {
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DLQRetention <= 0 {
		cfg.DLQRetention = 7 * 24 * time.Hour
	}
	id := "worker-" + cfg.Model + "-" + uuid.New().String()[:8]
	return &Worker{
		id:     id,
		cfg:    cfg,
		sub:    sub,
		engine: engine,
		log:    logging.With().Str("component", "synth_worker").Str("worker_id", id).Logger(),
	}
}

// ID returns the worker's substrate identity.
func (w *Worker) ID() string {
	return w.id
}

// Serve claims and synthesizes until the context is canceled. Implements
// suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	w.log.Info().Str("model", w.cfg.Model).Msg("synthesis worker started")
	for {
		job, err := w.sub.ClaimOldest(ctx, w.cfg.Model, w.id, w.cfg.ClaimWait)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
			// ErrClosed with a live context must surface as an error, or
			// the supervisor restarts the worker into the same closed
			// substrate.
			return err
		}
		if err != nil {
			w.log.Error().Err(err).Msg("claim failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if err := w.process(ctx, job); err != nil {
			w.log.Error().Err(err).Str("job_id", job.JobID).Msg("job handling failed")
		}
	}
}

func (w *Worker) process(ctx context.Context, job tts.Job) error {
	start := time.Now()
	out, err := w.engine.Synthesize(ctx, job)
	SynthesisDurationSeconds.WithLabelValues(w.cfg.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		return w.handleFailure(ctx, job, err)
	}

	res := tts.Result{
		Job:        job,
		WorkerID:   w.id,
		Audio:      out.Audio,
		Codec:      out.Codec,
		DurationMs: out.DurationMs,
	}
	if res.IsEmpty() {
		SynthesisTotal.WithLabelValues(w.cfg.Model, "empty").Inc()
	} else {
		SynthesisTotal.WithLabelValues(w.cfg.Model, "success").Inc()
	}
	if err := w.sub.PublishResult(ctx, res); err != nil {
		// The claim stays; the visibility scanner re-runs the job.
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (w *Worker) handleFailure(ctx context.Context, job tts.Job, synthErr error) error {
	if IsRetryable(synthErr) && job.RetryCount < w.cfg.MaxRetries {
		requeued, err := w.sub.Requeue(ctx, w.id, job.JobID)
		if err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		SynthesisTotal.WithLabelValues(w.cfg.Model, "retried").Inc()
		w.log.Warn().Err(synthErr).
			Str("job_id", job.JobID).
			Str("requeued_job_id", requeued.JobID).
			Int("retry_count", requeued.RetryCount).
			Msg("synthesis failed, requeued")
		return nil
	}

	reason := synthErr.Error()
	if _, err := w.sub.MoveToDeadLetter(ctx, w.id, job.JobID, reason, w.cfg.DLQRetention); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	SynthesisTotal.WithLabelValues(w.cfg.Model, "dead_lettered").Inc()
	w.log.Error().Err(synthErr).
		Str("job_id", job.JobID).
		Int("retry_count", job.RetryCount).
		Msg("synthesis failed terminally, dead-lettered")

	// Subscribers still get an answer: an error result clears the dedup
	// key and finalizes the block records.
	res := tts.Result{Job: job, WorkerID: w.id, ErrReason: reason}
	if err := w.sub.PublishResult(ctx, res); err != nil {
		return fmt.Errorf("publish error result: %w", err)
	}
	return nil
}

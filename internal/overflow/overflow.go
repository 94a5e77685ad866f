// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package overflow drains queue backlog to a serverless backend. When
// local workers fall behind, jobs that have waited past the age
// threshold are taken off the queue and dispatched over HTTP instead of
// waiting for a local claim.
package overflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/synth"
	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// DispatchedTotal counts overflow dispatches by outcome.
	DispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overflow_dispatched_total",
			Help: "Jobs dispatched to the overflow backend",
		},
		[]string{"model", "outcome"}, // success, requeued, error
	)
)

// Config tunes one model's overflow dispatcher.
type Config struct {
	// Model is the queue the dispatcher drains.
	Model string

	// Interval between backlog scans. Default 5s.
	Interval time.Duration

	// AgeThreshold is how long a job may sit queued before it overflows.
	// Default 10s.
	AgeThreshold time.Duration

	// Concurrency caps simultaneous backend calls. Default 4.
	Concurrency int

	// MaxRetries matches the worker retry budget. Default 3.
	MaxRetries int
}

// Dispatcher offloads aged backlog to a synthesis engine. Implements
// suture.Service.
type Dispatcher struct {
	cfg    Config
	sub    queue.Substrate
	engine synth.Engine
	sem    chan struct{}
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a dispatcher for one model queue.
func New(cfg Config, sub queue.Substrate, engine synth.Engine) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AgeThreshold <= 0 {
		cfg.AgeThreshold = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Dispatcher{
		cfg:    cfg,
		sub:    sub,
		engine: engine,
		sem:    make(chan struct{}, cfg.Concurrency),
		log:    logging.With().Str("component", "overflow").Str("model", cfg.Model).Logger(),
		now:    time.Now,
	}
}

// Serve scans for aged backlog until the context is canceled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.log.Info().
		Dur("age_threshold", d.cfg.AgeThreshold).
		Int("concurrency", d.cfg.Concurrency).
		Msg("overflow dispatcher started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.sweep(ctx, &wg); err != nil {
				d.log.Error().Err(err).Msg("overflow sweep failed")
			}
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context, wg *sync.WaitGroup) error {
	aged, err := d.sub.ScanQueued(ctx, d.cfg.Model, d.cfg.AgeThreshold)
	if err != nil {
		return err
	}

	for _, job := range aged {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		// Take after acquiring a slot: a job we cannot dispatch yet
		// stays claimable by local workers.
		taken, ok, err := d.sub.TakeQueued(ctx, d.cfg.Model, job.JobID)
		if err != nil {
			<-d.sem
			return err
		}
		if !ok {
			// A local worker got there first.
			<-d.sem
			continue
		}

		wg.Add(1)
		go func(job tts.Job) {
			defer wg.Done()
			defer func() { <-d.sem }()
			d.dispatch(ctx, job)
		}(taken)
	}
	return nil
}

// Dispatch synthesizes one job on the overflow backend and publishes the
// result with an empty worker ID, which tells the finalizer there is no
// claim to release.
func (d *Dispatcher) dispatch(ctx context.Context, job tts.Job) {
	out, err := d.engine.Synthesize(ctx, job)
	if err == nil {
		res := tts.Result{Job: job, Audio: out.Audio, Codec: out.Codec, DurationMs: out.DurationMs}
		if pubErr := d.sub.PublishResult(ctx, res); pubErr != nil {
			d.log.Error().Err(pubErr).Str("job_id", job.JobID).Msg("result publish failed")
			return
		}
		DispatchedTotal.WithLabelValues(d.cfg.Model, "success").Inc()
		return
	}

	if synth.IsRetryable(err) && job.RetryCount < d.cfg.MaxRetries {
		retry := job
		retry.JobID = uuid.New().String()
		retry.RetryCount++
		retry.QueuedAt = d.now()
		if enqErr := d.sub.Enqueue(ctx, retry); enqErr != nil {
			d.log.Error().Err(enqErr).Str("job_id", job.JobID).Msg("overflow requeue failed")
			return
		}
		DispatchedTotal.WithLabelValues(d.cfg.Model, "requeued").Inc()
		d.log.Warn().Err(err).
			Str("job_id", job.JobID).
			Int("retry_count", retry.RetryCount).
			Msg("overflow dispatch requeued")
		return
	}

	res := tts.Result{Job: job, ErrReason: err.Error()}
	if pubErr := d.sub.PublishResult(ctx, res); pubErr != nil {
		d.log.Error().Err(pubErr).Str("job_id", job.JobID).Msg("error result publish failed")
		return
	}
	DispatchedTotal.WithLabelValues(d.cfg.Model, "error").Inc()
	d.log.Error().Err(err).Str("job_id", job.JobID).Msg("overflow dispatch failed")
}

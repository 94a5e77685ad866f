// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package consumer finalizes synthesis results. It is the single reader
// of the results stream: caches audio, settles block records, bills
// exactly once per job, and notifies every waiting session.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/billing"
	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/session"
	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// FinalizedTotal counts finalized results by outcome.
	FinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "results_finalized_total",
			Help: "Finalized synthesis results",
		},
		[]string{"model", "outcome"}, // cached, skipped, error, duplicate
	)

	// NotifiedSessionsTotal counts status events fanned out to sessions.
	NotifiedSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "results_notified_sessions_total",
		Help: "Session notifications emitted for finalized results",
	})
)

// Config tunes the finalizer.
type Config struct {
	// Multipliers maps model slugs to billing multipliers. Missing
	// models bill at 1.0.
	Multipliers map[string]float64
}

// Finalizer consumes the results stream. Implements suture.Service.
type Finalizer struct {
	cfg     Config
	sub     queue.Substrate
	cache   *audiocache.Cache
	records *store.Store
	billing *billing.Service
	log     zerolog.Logger
	now     func() time.Time
}

// New wires the finalizer.
func New(cfg Config, sub queue.Substrate, cache *audiocache.Cache, records *store.Store, bill *billing.Service) *Finalizer {
	return &Finalizer{
		cfg:     cfg,
		sub:     sub,
		cache:   cache,
		records: records,
		billing: bill,
		log:     logging.With().Str("component", "consumer").Logger(),
		now:     time.Now,
	}
}

// Serve reads results until the context is canceled or the substrate
// closes.
func (f *Finalizer) Serve(ctx context.Context) error {
	results, err := f.sub.Results(ctx)
	if err != nil {
		return err
	}
	f.log.Info().Msg("result finalizer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return queue.ErrClosed
			}
			if err := f.Finalize(ctx, res); err != nil {
				f.log.Error().Err(err).
					Str("job_id", res.Job.JobID).
					Str("fingerprint", string(res.Job.Fingerprint)).
					Msg("finalization failed")
			}
		}
	}
}

// Finalize settles one result. The dedup key is the exactly-once gate:
// only the deleter that found the key present proceeds, so duplicate
// results (worker plus visibility-scanner requeue racing) collapse to
// one finalization and one billing entry.
func (f *Finalizer) Finalize(ctx context.Context, res tts.Result) error {
	won, err := f.sub.DeleteInflightDedup(ctx, res.Job.Fingerprint)
	if err != nil {
		return err
	}

	// The claim is released either way. WorkerID is empty for overflow
	// results, which were never claimed.
	if res.WorkerID != "" {
		if err := f.sub.ReleaseClaim(ctx, res.WorkerID, res.Job.JobID); err != nil && !errors.Is(err, queue.ErrNotClaimed) {
			return err
		}
	}

	if !won {
		FinalizedTotal.WithLabelValues(res.Job.Variant.ModelSlug, "duplicate").Inc()
		f.log.Debug().
			Str("job_id", res.Job.JobID).
			Str("fingerprint", string(res.Job.Fingerprint)).
			Msg("duplicate result dropped")
		return nil
	}

	if err := f.sub.RemovePending(ctx, res.Job.UserID, res.Job.DocumentID, res.Job.BlockIdx); err != nil {
		f.log.Warn().Err(err).Str("job_id", res.Job.JobID).Msg("pending removal failed")
	}

	var status tts.Status
	switch {
	case res.IsError():
		status = tts.StatusError
	case res.IsEmpty():
		status = tts.StatusSkipped
	default:
		status = tts.StatusCached
		// Cache before notify: a subscriber that fetches on the status
		// event must find the audio.
		meta := tts.CacheMeta{Codec: res.Codec, DurationMs: res.DurationMs}
		if err := f.cache.Put(ctx, res.Job.Fingerprint, res.Audio, meta); err != nil {
			// The dedup key is already gone, so the fingerprint can be
			// re-admitted. Tell the waiters instead of leaving them
			// hanging; no billing for audio nobody can fetch.
			f.log.Error().Err(err).Str("job_id", res.Job.JobID).Msg("audio cache write failed")
			status = tts.StatusError
			res.ErrReason = "audio cache write failed"
		} else if err := f.billing.RecordSynthesis(ctx, res.Job, f.multiplier(res.Job.Variant.ModelSlug)); err != nil {
			f.log.Error().Err(err).Str("job_id", res.Job.JobID).Msg("usage recording failed")
		}
	}

	if _, err := f.records.FinalizeByFingerprint(ctx, res.Job.Fingerprint, status, res.ErrReason, res.DurationMs, f.now()); err != nil {
		f.log.Error().Err(err).Str("job_id", res.Job.JobID).Msg("record finalization failed")
	}

	FinalizedTotal.WithLabelValues(res.Job.Variant.ModelSlug, string(status)).Inc()
	return f.notify(ctx, res, status)
}

func (f *Finalizer) multiplier(model string) float64 {
	if m, ok := f.cfg.Multipliers[model]; ok && m > 0 {
		return m
	}
	return 1.0
}

// notify pops the subscriber set and emits one status event per waiting
// session. Each event carries the coordinates that subscriber asked
// under, not the winning job's: two sessions waiting on the same
// fingerprint from different documents each see their own block.
func (f *Finalizer) notify(ctx context.Context, res tts.Result, status tts.Status) error {
	waiters, err := f.sub.PopSubscribers(ctx, res.Job.Fingerprint)
	if err != nil {
		return err
	}

	for _, w := range waiters {
		data := session.StatusData{
			DocumentID:  w.DocumentID,
			BlockIdx:    w.BlockIdx,
			Fingerprint: res.Job.Fingerprint,
			Status:      status,
			ModelSlug:   res.Job.Variant.ModelSlug,
			VoiceSlug:   res.Job.Variant.VoiceSlug,
			DurationMs:  res.DurationMs,
			ErrReason:   res.ErrReason,
		}
		if status == tts.StatusCached {
			data.AudioURL = session.AudioURL(res.Job.Fingerprint)
		}
		msg, err := session.NewMessage(session.MessageTypeStatus, data)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := f.sub.PublishEvent(ctx, w.SessionID, payload); err != nil {
			f.log.Warn().Err(err).Str("session_id", w.SessionID).Msg("event publish failed")
			continue
		}
		NotifiedSessionsTotal.Inc()
	}
	return nil
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package admission turns session commands into queue state. It is the
// only writer of new jobs: every synthesize request funnels through the
// quota check, the cache check, and the inflight dedup gate, in that
// order.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
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
	// AdmissionOutcomesTotal counts per-block admission decisions.
	AdmissionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_outcomes_total",
			Help: "Per-block admission outcomes",
		},
		[]string{"outcome"}, // cache_hit, enqueued, coalesced, quota_rejected, invalid
	)

	// EvictedBlocksTotal counts blocks dropped by cursor moves.
	EvictedBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evicted_blocks_total",
		Help: "Blocks evicted from pending by cursor moves",
	})
)

// Config tunes admission.
type Config struct {
	// DedupTTL bounds orphaned inflight dedup keys. Default 10m.
	DedupTTL time.Duration

	// DefaultWindow is the eviction half-window when the client sends
	// none. Default 20.
	DefaultWindow int

	// MaxBlocksPerRequest caps one synthesize request. Default 200.
	MaxBlocksPerRequest int

	// MaxTextLen caps one block's characters. Default 5000.
	MaxTextLen int

	// Models maps allowed model slugs to their billing multiplier.
	Models map[string]float64
}

// Service implements session.Handler.
type Service struct {
	cfg     Config
	sub     queue.Substrate
	cache   *audiocache.Cache
	records *store.Store
	billing *billing.Service
	log     zerolog.Logger
	now     func() time.Time
}

// New wires the admission service.
func New(cfg Config, sub queue.Substrate, cache *audiocache.Cache, records *store.Store, bill *billing.Service) *Service {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 20
	}
	if cfg.MaxBlocksPerRequest <= 0 {
		cfg.MaxBlocksPerRequest = 200
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = 5000
	}
	return &Service{
		cfg:     cfg,
		sub:     sub,
		cache:   cache,
		records: records,
		billing: bill,
		log:     logging.With().Str("component", "admission").Logger(),
		now:     time.Now,
	}
}

// HandleSynthesize admits each block of the request.
func (s *Service) HandleSynthesize(ctx context.Context, c *session.Client, req session.SynthesizeRequest) {
	if req.DocumentID == "" || len(req.Blocks) == 0 {
		s.sendError(c, "bad_request", "document_id and blocks are required")
		return
	}
	if len(req.Blocks) > s.cfg.MaxBlocksPerRequest {
		s.sendError(c, "too_many_blocks", "request exceeds block limit")
		return
	}
	if len(s.cfg.Models) > 0 {
		if _, ok := s.cfg.Models[req.Variant.ModelSlug]; !ok {
			s.sendError(c, "unknown_model", "unknown model: "+req.Variant.ModelSlug)
			return
		}
	}

	for _, block := range req.Blocks {
		if len([]rune(block.Text)) > s.cfg.MaxTextLen {
			AdmissionOutcomesTotal.WithLabelValues("invalid").Inc()
			s.sendBlockError(c, req, block, "block exceeds character limit")
			continue
		}
		if err := s.admitBlock(ctx, c, req, block); err != nil {
			s.log.Error().Err(err).
				Str("document_id", req.DocumentID).
				Int("block_idx", block.Idx).
				Msg("block admission failed")
			s.sendBlockError(c, req, block, "failed to admit block")
		}
	}
}

func (s *Service) admitBlock(ctx context.Context, c *session.Client, req session.SynthesizeRequest, block session.BlockText) error {
	// Quota first: an exhausted user gets a per-block error before any
	// other work is spent.
	chars := int64(len([]rune(block.Text)))
	if err := s.billing.Allow(ctx, c.UserID(), c.Anonymous(), chars); err != nil {
		if errors.Is(err, billing.ErrQuotaExceeded) {
			AdmissionOutcomesTotal.WithLabelValues("quota_rejected").Inc()
			s.sendBlockError(c, req, block, "monthly character quota exceeded")
			return nil
		}
		return err
	}

	fp := tts.ComputeFingerprint(block.Text, req.Variant)

	if meta, err := s.cache.Meta(ctx, fp); err == nil {
		AdmissionOutcomesTotal.WithLabelValues("cache_hit").Inc()
		s.cache.Touch(fp)
		if err := s.upsertRecord(ctx, c, req, block, fp, tts.StatusCached, meta.DurationMs); err != nil {
			return err
		}
		s.sendStatus(c, req, block, fp, tts.StatusCached, meta.DurationMs, "")
		return nil
	} else if !errors.Is(err, audiocache.ErrMiss) {
		return err
	}

	if err := s.sub.AddSubscriber(ctx, fp, queue.Subscriber{
		SessionID:  c.SessionID(),
		DocumentID: req.DocumentID,
		BlockIdx:   block.Idx,
	}); err != nil {
		return err
	}
	won, err := s.sub.SetInflightDedup(ctx, fp, s.cfg.DedupTTL)
	if err != nil {
		return err
	}
	if err := s.upsertRecord(ctx, c, req, block, fp, tts.StatusQueued, 0); err != nil {
		return err
	}

	if won {
		// Only the winning admission registers the pending index: the
		// finalizer removes exactly one entry, so a loser's entry would
		// outlive the terminal event and resurface as a bogus eviction.
		if err := s.sub.AddPending(ctx, c.UserID(), req.DocumentID, block.Idx); err != nil {
			return err
		}
		job := tts.Job{
			JobID:         uuid.New().String(),
			Fingerprint:   fp,
			UserID:        c.UserID(),
			DocumentID:    req.DocumentID,
			BlockIdx:      block.Idx,
			Variant:       req.Variant,
			Text:          block.Text,
			EstDurationMs: block.EstDurationMs,
			QueuedAt:      s.now(),
		}
		if err := s.sub.Enqueue(ctx, job); err != nil {
			// Roll the gate back so a later request can retry.
			if _, delErr := s.sub.DeleteInflightDedup(ctx, fp); delErr != nil {
				s.log.Error().Err(delErr).Str("fingerprint", string(fp)).Msg("dedup rollback failed")
			}
			return err
		}
		AdmissionOutcomesTotal.WithLabelValues("enqueued").Inc()
	} else {
		AdmissionOutcomesTotal.WithLabelValues("coalesced").Inc()
		// The winner may have finalized between our cache check and
		// AddSubscriber; a subscriber added after the pop would wait
		// forever without this re-check.
		if meta, err := s.cache.Meta(ctx, fp); err == nil {
			s.sendStatus(c, req, block, fp, tts.StatusCached, meta.DurationMs, "")
			return s.upsertRecord(ctx, c, req, block, fp, tts.StatusCached, meta.DurationMs)
		}
	}

	s.sendStatus(c, req, block, fp, tts.StatusQueued, 0, "")
	return nil
}

// HandleCursorMoved evicts pending blocks outside the listening window.
func (s *Service) HandleCursorMoved(ctx context.Context, c *session.Client, req session.CursorMovedRequest) {
	if req.DocumentID == "" {
		s.sendError(c, "bad_request", "document_id is required")
		return
	}
	window := req.Window
	if window <= 0 {
		window = s.cfg.DefaultWindow
	}

	evicted, err := s.sub.EvictPendingOutside(ctx, c.UserID(), req.DocumentID, req.Cursor, window)
	if err != nil {
		s.log.Error().Err(err).Str("document_id", req.DocumentID).Msg("eviction failed")
		s.sendError(c, "internal", "eviction failed")
		return
	}
	if len(evicted) == 0 {
		return
	}
	EvictedBlocksTotal.Add(float64(len(evicted)))

	if err := s.records.MarkEvicted(ctx, c.UserID(), req.DocumentID, evicted, s.now()); err != nil {
		s.log.Error().Err(err).Str("document_id", req.DocumentID).Msg("evicted records update failed")
	}

	msg, err := session.NewMessage(session.MessageTypeEvicted, session.EvictedData{
		DocumentID: req.DocumentID,
		Indices:    evicted,
	})
	if err == nil {
		c.Send(msg)
	}
	s.log.Debug().
		Str("document_id", req.DocumentID).
		Int("cursor", req.Cursor).
		Int("evicted", len(evicted)).
		Msg("cursor eviction")
}

// HandleResume replays the document's block states.
func (s *Service) HandleResume(ctx context.Context, c *session.Client, req session.ResumeRequest) {
	if req.DocumentID == "" {
		s.sendError(c, "bad_request", "document_id is required")
		return
	}
	recs, err := s.records.DocumentStatuses(ctx, c.UserID(), req.DocumentID)
	if err != nil {
		s.log.Error().Err(err).Str("document_id", req.DocumentID).Msg("resume lookup failed")
		s.sendError(c, "internal", "resume failed")
		return
	}
	msg, err := session.NewMessage(session.MessageTypeDocumentState, session.DocumentStateData{
		DocumentID: req.DocumentID,
		Blocks:     recs,
	})
	if err == nil {
		c.Send(msg)
	}
}

func (s *Service) upsertRecord(ctx context.Context, c *session.Client, req session.SynthesizeRequest, block session.BlockText, fp tts.Fingerprint, status tts.Status, durationMs int64) error {
	return s.records.UpsertBlockVariant(ctx, tts.BlockVariantRecord{
		UserID:      c.UserID(),
		DocumentID:  req.DocumentID,
		BlockIdx:    block.Idx,
		Fingerprint: fp,
		ModelSlug:   req.Variant.ModelSlug,
		VoiceSlug:   req.Variant.VoiceSlug,
		Status:      status,
		DurationMs:  durationMs,
		UpdatedAt:   s.now(),
	})
}

func (s *Service) sendStatus(c *session.Client, req session.SynthesizeRequest, block session.BlockText, fp tts.Fingerprint, status tts.Status, durationMs int64, errReason string) {
	data := session.StatusData{
		DocumentID:  req.DocumentID,
		BlockIdx:    block.Idx,
		Fingerprint: fp,
		Status:      status,
		ModelSlug:   req.Variant.ModelSlug,
		VoiceSlug:   req.Variant.VoiceSlug,
		DurationMs:  durationMs,
		ErrReason:   errReason,
	}
	if status == tts.StatusCached {
		data.AudioURL = session.AudioURL(fp)
	}
	msg, err := session.NewMessage(session.MessageTypeStatus, data)
	if err != nil {
		return
	}
	c.Send(msg)
}

// sendBlockError reports a per-block admission failure as an error status
// carrying the block's coordinates, so a batch that fails partway tells
// the client exactly which blocks were refused.
func (s *Service) sendBlockError(c *session.Client, req session.SynthesizeRequest, block session.BlockText, reason string) {
	fp := tts.ComputeFingerprint(block.Text, req.Variant)
	s.sendStatus(c, req, block, fp, tts.StatusError, 0, reason)
}

func (s *Service) sendError(c *session.Client, code, message string) {
	msg, err := session.NewMessage(session.MessageTypeError, session.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(msg)
}

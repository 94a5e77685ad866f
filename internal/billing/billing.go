// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package billing meters synthesis by characters. A synthesis is billed
// exactly once, when its result is cached: cache hits, skipped blocks,
// errors, and evictions are free, and dedup-coalesced subscribers share a
// single charge on the requesting user.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// BilledCharactersTotal counts characters billed, by model.
	BilledCharactersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billed_characters_total",
			Help: "Total billed characters by model",
		},
		[]string{"model"},
	)

	// QuotaRejectionsTotal counts admissions refused for quota.
	QuotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Total synthesis requests rejected by quota",
	})
)

// ErrQuotaExceeded is returned by Allow when the request would push the
// user past their monthly character budget.
var ErrQuotaExceeded = errors.New("billing: monthly quota exceeded")

// Ledger is the slice of the store the service needs.
type Ledger interface {
	RecordUsage(ctx context.Context, e store.UsageEntry) error
	UsageSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Config sets the character budgets.
type Config struct {
	// MonthlyLimit is the registered-user budget. Zero disables the check.
	MonthlyLimit int64

	// AnonymousLimit is the budget for anonymous sessions.
	AnonymousLimit int64
}

// Service answers quota questions and writes the usage ledger.
type Service struct {
	ledger Ledger
	cfg    Config
	now    func() time.Time
}

// New creates the billing service.
func New(ledger Ledger, cfg Config) *Service {
	return &Service{ledger: ledger, cfg: cfg, now: time.Now}
}

// SetClock replaces the service's clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// monthStart returns the first instant of the current UTC month.
func (s *Service) monthStart() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Allow checks whether the user may synthesize chars more characters this
// month. Anonymous users get the anonymous budget.
func (s *Service) Allow(ctx context.Context, userID string, anonymous bool, chars int64) error {
	limit := s.cfg.MonthlyLimit
	if anonymous {
		limit = s.cfg.AnonymousLimit
	}
	if limit <= 0 {
		return nil
	}

	used, err := s.ledger.UsageSince(ctx, userID, s.monthStart())
	if err != nil {
		return fmt.Errorf("quota lookup: %w", err)
	}
	if used+chars > limit {
		QuotaRejectionsTotal.Inc()
		return ErrQuotaExceeded
	}
	return nil
}

// RecordSynthesis bills one completed synthesis against the requesting
// user. Idempotent per job ID: finalizer retries never double-bill.
func (s *Service) RecordSynthesis(ctx context.Context, job tts.Job, multiplier float64) error {
	if multiplier <= 0 {
		multiplier = 1
	}
	chars := int64(len([]rune(job.Text)))
	billed := int64(float64(chars) * multiplier)

	err := s.ledger.RecordUsage(ctx, store.UsageEntry{
		JobID:       job.JobID,
		UserID:      job.UserID,
		Fingerprint: job.Fingerprint,
		ModelSlug:   job.Variant.ModelSlug,
		Characters:  chars,
		Multiplier:  multiplier,
		BilledChars: billed,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return err
	}
	BilledCharactersTotal.WithLabelValues(job.Variant.ModelSlug).Add(float64(billed))
	return nil
}

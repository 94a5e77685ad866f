// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

// fakeLedger tracks usage in memory.
type fakeLedger struct {
	entries map[string]store.UsageEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]store.UsageEntry)}
}

func (f *fakeLedger) RecordUsage(ctx context.Context, e store.UsageEntry) error {
	if _, ok := f.entries[e.JobID]; ok {
		return nil
	}
	f.entries[e.JobID] = e
	return nil
}

func (f *fakeLedger) UsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	for _, e := range f.entries {
		if e.UserID == userID && !e.CreatedAt.Before(since) {
			total += e.BilledChars
		}
	}
	return total, nil
}

func testJob(jobID, userID, text string) tts.Job {
	return tts.Job{
		JobID:       jobID,
		Fingerprint: "fp-1",
		UserID:      userID,
		DocumentID:  "d1",
		Variant:     tts.Variant{ModelSlug: "kokoro", VoiceSlug: "nova"},
		Text:        text,
	}
}

func TestAllow_UnderLimit(t *testing.T) {
	svc := New(newFakeLedger(), Config{MonthlyLimit: 1000})
	if err := svc.Allow(context.Background(), "u1", false, 500); err != nil {
		t.Errorf("Expected allow under limit, got %v", err)
	}
}

func TestAllow_OverLimit(t *testing.T) {
	ledger := newFakeLedger()
	svc := New(ledger, Config{MonthlyLimit: 1000})
	ctx := context.Background()

	if err := svc.RecordSynthesis(ctx, testJob("j1", "u1", string(make([]rune, 900))), 1); err != nil {
		t.Fatalf("RecordSynthesis failed: %v", err)
	}

	if err := svc.Allow(ctx, "u1", false, 200); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded, got %v", err)
	}
	if err := svc.Allow(ctx, "u1", false, 100); err != nil {
		t.Errorf("Expected exact fit to pass, got %v", err)
	}
}

func TestAllow_AnonymousBudget(t *testing.T) {
	svc := New(newFakeLedger(), Config{MonthlyLimit: 10000, AnonymousLimit: 100})
	ctx := context.Background()

	if err := svc.Allow(ctx, "anon-1", true, 150); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Expected anonymous budget enforced, got %v", err)
	}
	if err := svc.Allow(ctx, "u1", false, 150); err != nil {
		t.Errorf("Expected registered budget to pass, got %v", err)
	}
}

func TestAllow_ZeroLimitDisablesCheck(t *testing.T) {
	svc := New(newFakeLedger(), Config{})
	if err := svc.Allow(context.Background(), "u1", false, 1<<40); err != nil {
		t.Errorf("Expected disabled quota to pass, got %v", err)
	}
}

func TestRecordSynthesis_Multiplier(t *testing.T) {
	ledger := newFakeLedger()
	svc := New(ledger, Config{})
	ctx := context.Background()

	if err := svc.RecordSynthesis(ctx, testJob("j1", "u1", "abcd"), 2.5); err != nil {
		t.Fatalf("RecordSynthesis failed: %v", err)
	}

	e := ledger.entries["j1"]
	if e.Characters != 4 {
		t.Errorf("Expected 4 characters, got %d", e.Characters)
	}
	if e.BilledChars != 10 {
		t.Errorf("Expected 10 billed chars at 2.5x, got %d", e.BilledChars)
	}
}

func TestRecordSynthesis_CountsRunesNotBytes(t *testing.T) {
	ledger := newFakeLedger()
	svc := New(ledger, Config{})

	if err := svc.RecordSynthesis(context.Background(), testJob("j1", "u1", "héllo"), 1); err != nil {
		t.Fatalf("RecordSynthesis failed: %v", err)
	}
	if got := ledger.entries["j1"].Characters; got != 5 {
		t.Errorf("Expected 5 runes, got %d", got)
	}
}

func TestMonthStart_Window(t *testing.T) {
	ledger := newFakeLedger()
	svc := New(ledger, Config{MonthlyLimit: 100})
	ctx := context.Background()

	// Usage recorded last month must not count this month.
	svc.SetClock(func() time.Time { return time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC) })
	if err := svc.RecordSynthesis(ctx, testJob("j1", "u1", string(make([]rune, 90))), 1); err != nil {
		t.Fatalf("RecordSynthesis failed: %v", err)
	}

	svc.SetClock(func() time.Time { return time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC) })
	if err := svc.Allow(ctx, "u1", false, 90); err != nil {
		t.Errorf("Expected fresh month budget, got %v", err)
	}
}

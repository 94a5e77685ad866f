// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package consumer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/billing"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/session"
	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

type fixture struct {
	sub     *queue.Memory
	cache   *audiocache.Cache
	records *store.Store
	fin     *Finalizer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cache, err := audiocache.New(db, audiocache.Config{})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	records, err := store.Open(store.Config{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = records.Close() })

	bill := billing.New(records, billing.Config{})
	return &fixture{
		sub:     sub,
		cache:   cache,
		records: records,
		fin:     New(cfg, sub, cache, records, bill),
	}
}

func testJob(fp string) tts.Job {
	return tts.Job{
		JobID:       "job-" + fp,
		Fingerprint: tts.Fingerprint(fp),
		UserID:      "user-1",
		DocumentID:  "doc-1",
		BlockIdx:    3,
		Variant:     tts.Variant{ModelSlug: "kokoro", VoiceSlug: "af_bella"},
		Text:        "hello world",
		QueuedAt:    time.Now(),
	}
}

func TestFinalize_SuccessCachesBillsAndNotifies(t *testing.T) {
	f := newFixture(t, Config{Multipliers: map[string]float64{"kokoro": 2}})
	ctx := context.Background()
	job := testJob("fp-ok")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}
	if err := f.sub.AddSubscriber(ctx, job.Fingerprint, queue.Subscriber{
		SessionID: "sess-a", DocumentID: job.DocumentID, BlockIdx: job.BlockIdx,
	}); err != nil {
		t.Fatalf("AddSubscriber failed: %v", err)
	}
	events, cancel := f.sub.SubscribeEvents("sess-a")
	defer cancel()

	audio := []byte("opus-bytes")
	err := f.fin.Finalize(ctx, tts.Result{
		Job: job, Audio: audio, Codec: "opus", DurationMs: 2500,
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, meta, err := f.cache.Get(ctx, job.Fingerprint)
	if err != nil {
		t.Fatalf("Expected audio cached: %v", err)
	}
	if !bytes.Equal(got, audio) || meta.Codec != "opus" {
		t.Error("Cached audio does not match result")
	}

	used, err := f.records.UsageSince(ctx, job.UserID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("UsageSince failed: %v", err)
	}
	if used != 22 { // 11 runes at multiplier 2
		t.Errorf("Expected 22 billed chars, got %d", used)
	}

	select {
	case payload := <-events:
		var msg session.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		if msg.Type != session.MessageTypeStatus {
			t.Errorf("Expected status event, got %q", msg.Type)
		}
		var data session.StatusData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Failed to decode status data: %v", err)
		}
		if data.Status != tts.StatusCached || data.Fingerprint != job.Fingerprint {
			t.Errorf("Unexpected status data: %+v", data)
		}
		if data.ModelSlug != "kokoro" || data.VoiceSlug != "af_bella" {
			t.Errorf("Expected variant slugs in status, got %+v", data)
		}
		if data.DocumentID != job.DocumentID || data.BlockIdx != job.BlockIdx {
			t.Errorf("Expected block coordinates in status, got %+v", data)
		}
		if data.AudioURL != session.AudioURL(job.Fingerprint) {
			t.Errorf("Expected audio url on cached status, got %q", data.AudioURL)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a session event")
	}

	if _, err := f.sub.PopSubscribers(ctx, job.Fingerprint); err != nil {
		t.Fatalf("PopSubscribers failed: %v", err)
	}
}

func TestFinalize_NotifiesEachWaiterWithItsCoordinates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := testJob("fp-shared")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}
	// Two sessions coalesced on the same fingerprint from different
	// documents; each must hear about its own block.
	waiters := []queue.Subscriber{
		{SessionID: "sess-a", DocumentID: "doc-1", BlockIdx: 3},
		{SessionID: "sess-b", DocumentID: "doc-9", BlockIdx: 0},
	}
	streams := make(map[string]<-chan []byte, len(waiters))
	for _, w := range waiters {
		if err := f.sub.AddSubscriber(ctx, job.Fingerprint, w); err != nil {
			t.Fatalf("AddSubscriber failed: %v", err)
		}
		events, cancel := f.sub.SubscribeEvents(w.SessionID)
		defer cancel()
		streams[w.SessionID] = events
	}

	err := f.fin.Finalize(ctx, tts.Result{Job: job, Audio: []byte("a"), Codec: "opus"})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	for _, w := range waiters {
		select {
		case payload := <-streams[w.SessionID]:
			var msg session.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("Failed to decode event: %v", err)
			}
			var data session.StatusData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				t.Fatalf("Failed to decode status data: %v", err)
			}
			if data.DocumentID != w.DocumentID || data.BlockIdx != w.BlockIdx {
				t.Errorf("Expected %s to see (%s, %d), got (%s, %d)",
					w.SessionID, w.DocumentID, w.BlockIdx, data.DocumentID, data.BlockIdx)
			}
		case <-time.After(time.Second):
			t.Fatalf("Expected an event for %s", w.SessionID)
		}
	}
}

func TestFinalize_DuplicateResultSkipsEverything(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := testJob("fp-dup")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}

	res := tts.Result{Job: job, Audio: []byte("audio"), Codec: "opus"}
	if err := f.fin.Finalize(ctx, res); err != nil {
		t.Fatalf("First finalize failed: %v", err)
	}
	if err := f.fin.Finalize(ctx, res); err != nil {
		t.Fatalf("Duplicate finalize failed: %v", err)
	}

	used, err := f.records.UsageSince(ctx, job.UserID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("UsageSince failed: %v", err)
	}
	if used != int64(len([]rune(job.Text))) {
		t.Errorf("Expected a single billing entry, got %d chars", used)
	}
}

func TestFinalize_ErrorResultIsUnbilled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := testJob("fp-err")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}
	if err := f.records.UpsertBlockVariant(ctx, tts.BlockVariantRecord{
		UserID: job.UserID, DocumentID: job.DocumentID, BlockIdx: job.BlockIdx,
		Fingerprint: job.Fingerprint, ModelSlug: "kokoro", VoiceSlug: "af_bella",
		Status: tts.StatusProcessing, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertBlockVariant failed: %v", err)
	}

	err := f.fin.Finalize(ctx, tts.Result{Job: job, ErrReason: "backend exploded"})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if has, _ := f.cache.Has(ctx, job.Fingerprint); has {
		t.Error("Expected no audio cached for error result")
	}
	used, err := f.records.UsageSince(ctx, job.UserID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("UsageSince failed: %v", err)
	}
	if used != 0 {
		t.Errorf("Expected error result unbilled, got %d chars", used)
	}

	rec, err := f.records.GetBlockVariant(ctx, job.UserID, job.DocumentID, job.BlockIdx, job.Fingerprint)
	if err != nil {
		t.Fatalf("GetBlockVariant failed: %v", err)
	}
	if rec.Status != tts.StatusError || rec.ErrReason != "backend exploded" {
		t.Errorf("Expected error record, got %+v", rec)
	}
}

func TestFinalize_EmptyResultIsSkippedAndUnbilled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := testJob("fp-empty")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}
	if err := f.records.UpsertBlockVariant(ctx, tts.BlockVariantRecord{
		UserID: job.UserID, DocumentID: job.DocumentID, BlockIdx: job.BlockIdx,
		Fingerprint: job.Fingerprint, ModelSlug: "kokoro", VoiceSlug: "af_bella",
		Status: tts.StatusQueued, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertBlockVariant failed: %v", err)
	}

	if err := f.fin.Finalize(ctx, tts.Result{Job: job}); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	rec, err := f.records.GetBlockVariant(ctx, job.UserID, job.DocumentID, job.BlockIdx, job.Fingerprint)
	if err != nil {
		t.Fatalf("GetBlockVariant failed: %v", err)
	}
	if rec.Status != tts.StatusSkipped {
		t.Errorf("Expected skipped status, got %q", rec.Status)
	}
	used, _ := f.records.UsageSince(ctx, job.UserID, time.Now().Add(-time.Hour))
	if used != 0 {
		t.Errorf("Expected empty result unbilled, got %d chars", used)
	}
}

func TestFinalize_ReleasesWorkerClaim(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := testJob("fp-claim")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}
	if err := f.sub.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := f.sub.ClaimOldest(ctx, job.Variant.ModelSlug, "w-1", time.Second)
	if err != nil {
		t.Fatalf("ClaimOldest failed: %v", err)
	}

	err = f.fin.Finalize(ctx, tts.Result{
		Job: claimed, WorkerID: "w-1", Audio: []byte("a"), Codec: "opus",
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	inflight, err := f.sub.ScanInflight(ctx, job.Variant.ModelSlug, 0)
	if err != nil {
		t.Fatalf("ScanInflight failed: %v", err)
	}
	if len(inflight) != 0 {
		t.Errorf("Expected claim released, got %d in-flight entries", len(inflight))
	}
}

func TestServe_ConsumesPublishedResults(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := testJob("fp-serve")

	if _, err := f.sub.SetInflightDedup(ctx, job.Fingerprint, time.Minute); err != nil {
		t.Fatalf("SetInflightDedup failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.fin.Serve(ctx)
	}()

	if err := f.sub.PublishResult(ctx, tts.Result{Job: job, Audio: []byte("a"), Codec: "opus"}); err != nil {
		t.Fatalf("PublishResult failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		has, err := f.cache.Has(ctx, job.Fingerprint)
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if has {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Expected Serve to finalize the published result")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Serve to stop on cancel")
	}
}

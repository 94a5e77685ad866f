// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/auth"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/session"
	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

type stubHandler struct{}

func (stubHandler) HandleSynthesize(context.Context, *session.Client, session.SynthesizeRequest) {}
func (stubHandler) HandleCursorMoved(context.Context, *session.Client, session.CursorMovedRequest) {}
func (stubHandler) HandleResume(context.Context, *session.Client, session.ResumeRequest) {}

func testRouter(t *testing.T) (http.Handler, *audiocache.Cache, *queue.Memory, *store.Store) {
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

	verifier := auth.NewVerifier(auth.Config{Secret: "test-secret"})
	hub := session.NewHub()
	ws := session.NewWSHandler(hub, sub, stubHandler{})

	router := NewRouter(RouterConfig{Models: []string{"kokoro"}}, verifier, ws, cache, sub, records)
	return router.Setup(), cache, sub, records
}

func TestHealth(t *testing.T) {
	handler, _, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestAudio_ServesCachedBytes(t *testing.T) {
	handler, cache, _, _ := testRouter(t)
	fp := tts.ComputeFingerprint("hello", tts.Variant{ModelSlug: "kokoro", VoiceSlug: "af_bella"})
	audio := []byte("OggS-opus-payload")
	if err := cache.Put(context.Background(), fp, audio, tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audio/"+string(fp), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/ogg; codecs=opus" {
		t.Errorf("Expected opus content type, got %q", got)
	}
	if rec.Body.String() != string(audio) {
		t.Error("Expected cached bytes in response body")
	}
}

func TestAudio_RangeRequest(t *testing.T) {
	handler, cache, _, _ := testRouter(t)
	fp := tts.ComputeFingerprint("range", tts.Variant{ModelSlug: "kokoro", VoiceSlug: "af_bella"})
	if err := cache.Put(context.Background(), fp, []byte("0123456789"), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audio/"+string(fp), nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("Expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("Expected partial body 2345, got %q", rec.Body.String())
	}
}

func TestAudio_MissReturns404(t *testing.T) {
	handler, _, _, _ := testRouter(t)
	fp := tts.ComputeFingerprint("absent", tts.Variant{ModelSlug: "kokoro", VoiceSlug: "af_bella"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audio/"+string(fp), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestAudio_RejectsBadFingerprint(t *testing.T) {
	handler, _, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audio/not-a-fingerprint", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestQueueDepth(t *testing.T) {
	handler, _, sub, _ := testRouter(t)
	job := tts.Job{
		JobID: "job-1", Fingerprint: "fp-1", UserID: "u", DocumentID: "d",
		Variant: tts.Variant{ModelSlug: "kokoro", VoiceSlug: "v"}, QueuedAt: time.Now(),
	}
	if err := sub.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/kokoro/depth", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Depth int `json:"depth"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Depth != 1 {
		t.Errorf("Expected depth 1, got %d", body.Depth)
	}
}

func TestQueueDepth_UnknownModel(t *testing.T) {
	handler, _, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/nope/depth", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown model, got %d", rec.Code)
	}
}

func TestUsage_ReportsMonthlyBilledChars(t *testing.T) {
	handler, _, _, records := testRouter(t)
	if err := records.RecordUsage(context.Background(), store.UsageEntry{
		JobID: "job-u", UserID: "anon-fixed", Fingerprint: "fp-u",
		ModelSlug: "kokoro", Characters: 40, Multiplier: 1, BilledChars: 40,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set(auth.AnonHeader, "anon-fixed")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		UserID      string `json:"user_id"`
		BilledChars int64  `json:"billed_chars"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.UserID != "anon-fixed" || body.BilledChars != 40 {
		t.Errorf("Unexpected usage response: %+v", body)
	}
}

func TestDeadLetters(t *testing.T) {
	handler, _, sub, _ := testRouter(t)
	ctx := context.Background()
	job := tts.Job{
		JobID: "job-dl", Fingerprint: "fp-dl", UserID: "u", DocumentID: "d",
		Variant: tts.Variant{ModelSlug: "kokoro", VoiceSlug: "v"}, QueuedAt: time.Now(),
	}
	if err := sub.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := sub.ClaimOldest(ctx, "kokoro", "w-1", time.Second); err != nil {
		t.Fatalf("ClaimOldest failed: %v", err)
	}
	if _, err := sub.MoveToDeadLetter(ctx, "w-1", job.JobID, "backend rejected", time.Hour); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dlq/kokoro", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Entries []struct {
			JobID  string `json:"job_id"`
			Reason string `json:"reason"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Reason != "backend rejected" {
		t.Errorf("Unexpected DLQ response: %+v", body)
	}
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package audiocache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/yapit-tts/yapit/internal/tts"
)

func testCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c, err := New(db, cfg)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return c
}

func TestPutGet_Roundtrip(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	fp := tts.Fingerprint("fp-1")
	audio := []byte("OggS-opus-bytes")

	if err := c.Put(ctx, fp, audio, tts.CacheMeta{Codec: "opus", DurationMs: 1500}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, meta, err := c.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Error("Expected audio bytes to round-trip")
	}
	if meta.Codec != "opus" || meta.DurationMs != 1500 {
		t.Errorf("Unexpected meta: %+v", meta)
	}
	if meta.Size != int64(len(audio)) {
		t.Errorf("Expected size %d, got %d", len(audio), meta.Size)
	}
}

func TestGet_Miss(t *testing.T) {
	c := testCache(t, Config{})
	if _, _, err := c.Get(context.Background(), "absent"); !errors.Is(err, ErrMiss) {
		t.Errorf("Expected ErrMiss, got %v", err)
	}
}

func TestPut_Idempotent(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()
	fp := tts.Fingerprint("fp-1")
	audio := []byte("payload")

	if err := c.Put(ctx, fp, audio, tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, fp, audio, tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	if c.Size() != int64(len(audio)) {
		t.Errorf("Expected size counted once, got %d", c.Size())
	}
}

func TestHas(t *testing.T) {
	c := testCache(t, Config{})
	ctx := context.Background()

	found, err := c.Has(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if found {
		t.Error("Expected miss before put")
	}

	if err := c.Put(ctx, "fp-1", []byte("x"), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	found, err = c.Has(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !found {
		t.Error("Expected hit after put")
	}
}

func TestSweep_BelowBoundIsNoop(t *testing.T) {
	c := testCache(t, Config{MaxBytes: 1000})
	ctx := context.Background()

	if err := c.Put(ctx, "fp-1", make([]byte, 100), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	evicted, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if evicted != 0 {
		t.Errorf("Expected no evictions under the bound, got %d", evicted)
	}
}

func TestSweep_EvictsLRUToLowWater(t *testing.T) {
	c := testCache(t, Config{MaxBytes: 1000, LowWaterRatio: 0.5})
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	// Four 300-byte entries with strictly increasing last access.
	for i, fp := range []tts.Fingerprint{"fp-old", "fp-mid", "fp-new", "fp-newest"} {
		now = now.Add(time.Duration(i) * time.Minute)
		if err := c.Put(ctx, fp, make([]byte, 300), tts.CacheMeta{Codec: "opus"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// 1200 bytes held, bound 1000, low water 500: the two oldest go.
	evicted, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("Expected 2 evictions, got %d", evicted)
	}

	for fp, want := range map[tts.Fingerprint]bool{
		"fp-old":    false,
		"fp-mid":    false,
		"fp-new":    true,
		"fp-newest": true,
	} {
		found, err := c.Has(ctx, fp)
		if err != nil {
			t.Fatalf("Has failed: %v", err)
		}
		if found != want {
			t.Errorf("Expected Has(%s)=%v, got %v", fp, want, found)
		}
	}
	if c.Size() != 600 {
		t.Errorf("Expected 600 bytes after sweep, got %d", c.Size())
	}
}

func TestSweep_GetRefreshesRecency(t *testing.T) {
	c := testCache(t, Config{MaxBytes: 500, LowWaterRatio: 0.5})
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	if err := c.Put(ctx, "fp-a", make([]byte, 300), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := c.Put(ctx, "fp-b", make([]byte, 300), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Touch fp-a last; fp-b becomes the LRU victim.
	now = now.Add(time.Minute)
	if _, _, err := c.Get(ctx, "fp-a"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	found, err := c.Has(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !found {
		t.Error("Expected touched entry to survive the sweep")
	}
	found, err = c.Has(ctx, "fp-b")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if found {
		t.Error("Expected untouched entry to be evicted")
	}
}

func TestSweep_TouchRefreshesRecency(t *testing.T) {
	c := testCache(t, Config{MaxBytes: 500, LowWaterRatio: 0.5})
	ctx := context.Background()

	now := time.Now()
	c.SetClock(func() time.Time { return now })

	if err := c.Put(ctx, "fp-a", make([]byte, 300), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := c.Put(ctx, "fp-b", make([]byte, 300), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A metadata-only hit keeps the entry warm without reading the blob.
	now = now.Add(time.Minute)
	c.Touch("fp-a")

	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	found, err := c.Has(ctx, "fp-a")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !found {
		t.Error("Expected touched entry to survive the sweep")
	}
	found, err = c.Has(ctx, "fp-b")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if found {
		t.Error("Expected untouched entry to be evicted")
	}
}

func TestSizeRecovery_AfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open badger: %v", err)
	}
	c, err := New(db, Config{})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	if err := c.Put(ctx, "fp-1", make([]byte, 250), tts.CacheMeta{Codec: "opus"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = badger.Open(opts)
	if err != nil {
		t.Fatalf("Failed to reopen badger: %v", err)
	}
	defer db.Close()
	c, err = New(db, Config{})
	if err != nil {
		t.Fatalf("Failed to recreate cache: %v", err)
	}
	if c.Size() != 250 {
		t.Errorf("Expected recovered size 250, got %d", c.Size())
	}
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package audiocache stores synthesized audio content-addressed by
// fingerprint. A hit is a hit for every user: the same text under the same
// variant always resolves to the same blob, so the cache never partitions
// by user or document.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/tts"
)

// Key prefixes for BadgerDB storage.
const (
	audioKeyPrefix = "audio:"
	metaKeyPrefix  = "ameta:"
)

var (
	// AudioCacheHitsTotal counts cache lookups that found audio.
	AudioCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_cache_hits_total",
		Help: "Total number of audio cache hits",
	})

	// AudioCacheMissesTotal counts cache lookups that found nothing.
	AudioCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_cache_misses_total",
		Help: "Total number of audio cache misses",
	})

	// AudioCacheEvictionsTotal counts entries removed by the size sweep.
	AudioCacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_cache_evictions_total",
		Help: "Total number of audio cache entries evicted by the size sweep",
	})

	// AudioCacheBytes tracks the stored audio payload bytes.
	AudioCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audio_cache_bytes",
		Help: "Current audio payload bytes held by the cache",
	})
)

// ErrMiss is returned by Get when the fingerprint is not cached.
var ErrMiss = errors.New("audiocache: miss")

// Config bounds the cache.
type Config struct {
	// MaxBytes is the payload size bound that triggers a sweep.
	MaxBytes int64

	// LowWaterRatio is the fraction of MaxBytes the sweep shrinks to.
	// Default 0.8.
	LowWaterRatio float64

	// TouchFlushInterval is how often buffered last-access updates are
	// written back. Default 10s.
	TouchFlushInterval time.Duration
}

// Cache is the badger-backed audio store. Audio blobs and their metadata
// live under separate keys so existence checks and sweeps never read blob
// values.
//
// Last-access updates are buffered in memory and flushed on an interval:
// read-heavy playback must not turn every Get into a write transaction.
type Cache struct {
	db  *badger.DB
	cfg Config

	mu      sync.Mutex
	touches map[tts.Fingerprint]time.Time
	size    int64

	now func() time.Time
}

// New wraps an already-open BadgerDB. The initial size is recovered by
// scanning metadata, so a restart keeps the sweep honest.
func New(db *badger.DB, cfg Config) (*Cache, error) {
	if cfg.LowWaterRatio <= 0 || cfg.LowWaterRatio >= 1 {
		cfg.LowWaterRatio = 0.8
	}
	if cfg.TouchFlushInterval <= 0 {
		cfg.TouchFlushInterval = 10 * time.Second
	}
	c := &Cache{
		db:      db,
		cfg:     cfg,
		touches: make(map[tts.Fingerprint]time.Time),
		now:     time.Now,
	}
	size, err := c.scanSize()
	if err != nil {
		return nil, fmt.Errorf("recover cache size: %w", err)
	}
	c.size = size
	AudioCacheBytes.Set(float64(size))
	return c, nil
}

// SetClock replaces the cache's clock. Test hook.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) clock() func() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func audioKey(fp tts.Fingerprint) []byte {
	return []byte(audioKeyPrefix + string(fp))
}

func metaKey(fp tts.Fingerprint) []byte {
	return []byte(metaKeyPrefix + string(fp))
}

func (c *Cache) scanSize() (int64, error) {
	var total int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var meta tts.CacheMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode cache meta: %w", err)
			}
			total += meta.Size
		}
		return nil
	})
	return total, err
}

// Put stores audio under its fingerprint. Idempotent: concurrent finalizers
// for the same fingerprint write the same bytes, so the second writer is a
// no-op and the size accounting stays exact.
func (c *Cache) Put(ctx context.Context, fp tts.Fingerprint, audio []byte, meta tts.CacheMeta) error {
	meta.Size = int64(len(audio))
	if meta.LastAccess.IsZero() {
		meta.LastAccess = c.clock()()
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}

	var stored bool
	err = c.db.Update(func(txn *badger.Txn) error {
		stored = false
		if _, err := txn.Get(metaKey(fp)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(audioKey(fp), audio); err != nil {
			return fmt.Errorf("set audio: %w", err)
		}
		if err := txn.Set(metaKey(fp), data); err != nil {
			return fmt.Errorf("set meta: %w", err)
		}
		stored = true
		return nil
	})
	if err != nil {
		return err
	}
	if stored {
		c.mu.Lock()
		c.size += meta.Size
		AudioCacheBytes.Set(float64(c.size))
		c.mu.Unlock()
	}
	return nil
}

// Get returns the audio and metadata for a fingerprint, recording the
// access for later flush.
func (c *Cache) Get(ctx context.Context, fp tts.Fingerprint) ([]byte, tts.CacheMeta, error) {
	var (
		audio []byte
		meta  tts.CacheMeta
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return fmt.Errorf("decode cache meta: %w", err)
		}

		item, err = txn.Get(audioKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		audio, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrMiss) {
			AudioCacheMissesTotal.Inc()
		}
		return nil, tts.CacheMeta{}, err
	}

	AudioCacheHitsTotal.Inc()
	c.mu.Lock()
	c.touches[fp] = c.now()
	c.mu.Unlock()
	return audio, meta, nil
}

// Has reports whether the fingerprint is cached, without touching it.
func (c *Cache) Has(ctx context.Context, fp tts.Fingerprint) (bool, error) {
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Touch records an access without reading the entry. Admission calls this
// on cache hits so repeatedly re-admitted fingerprints stay warm in the
// LRU order even when the client never re-fetches the audio.
func (c *Cache) Touch(fp tts.Fingerprint) {
	c.mu.Lock()
	c.touches[fp] = c.now()
	c.mu.Unlock()
}

// Meta returns the metadata for a fingerprint without reading the blob.
func (c *Cache) Meta(ctx context.Context, fp tts.Fingerprint) (tts.CacheMeta, error) {
	var meta tts.CacheMeta
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}

// Size returns the tracked payload bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// FlushTouches writes buffered last-access times into the metadata records.
func (c *Cache) FlushTouches(ctx context.Context) error {
	c.mu.Lock()
	if len(c.touches) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.touches
	c.touches = make(map[tts.Fingerprint]time.Time)
	c.mu.Unlock()

	for fp, at := range batch {
		err := c.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(metaKey(fp))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // evicted between touch and flush
			}
			if err != nil {
				return err
			}
			var meta tts.CacheMeta
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode cache meta: %w", err)
			}
			if at.After(meta.LastAccess) {
				meta.LastAccess = at
				data, err := json.Marshal(meta)
				if err != nil {
					return err
				}
				return txn.Set(metaKey(fp), data)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("flush touch %s: %w", fp, err)
		}
	}
	return nil
}

type sweepEntry struct {
	fp         tts.Fingerprint
	size       int64
	lastAccess time.Time
}

// Sweep evicts least-recently-accessed entries until the payload size is
// at or below the low-water mark. A no-op while the size bound holds.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	if err := c.FlushTouches(ctx); err != nil {
		return 0, err
	}

	c.mu.Lock()
	size := c.size
	c.mu.Unlock()
	if c.cfg.MaxBytes <= 0 || size <= c.cfg.MaxBytes {
		return 0, nil
	}
	lowWater := int64(float64(c.cfg.MaxBytes) * c.cfg.LowWaterRatio)

	var entries []sweepEntry
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			fp := tts.Fingerprint(it.Item().Key()[len(metaKeyPrefix):])
			var meta tts.CacheMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode cache meta: %w", err)
			}
			entries = append(entries, sweepEntry{fp: fp, size: meta.Size, lastAccess: meta.LastAccess})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})

	evicted := 0
	for _, e := range entries {
		if size <= lowWater {
			break
		}
		if err := c.delete(e.fp); err != nil {
			return evicted, err
		}
		size -= e.size
		evicted++
	}

	if evicted > 0 {
		AudioCacheEvictionsTotal.Add(float64(evicted))
		logging.Info().
			Int("evicted", evicted).
			Int64("size_bytes", size).
			Int64("low_water_bytes", lowWater).
			Msg("audio cache sweep complete")
	}
	return evicted, nil
}

func (c *Cache) delete(fp tts.Fingerprint) error {
	var freed int64
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var meta tts.CacheMeta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}
		if err := txn.Delete(metaKey(fp)); err != nil {
			return err
		}
		if err := txn.Delete(audioKey(fp)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		freed = meta.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	c.mu.Lock()
	c.size -= freed
	AudioCacheBytes.Set(float64(c.size))
	c.mu.Unlock()
	return nil
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yapit-tts/yapit/internal/tts"
)

// Key prefixes for BadgerDB storage. Every segment after the prefix is
// NUL-separated so slugs and IDs cannot collide across segments.
const (
	queueKeyPrefix    = "queue:"
	jobIdxKeyPrefix   = "jobidx:"
	inflightKeyPrefix = "inflight:"
	dedupKeyPrefix    = "dedup:"
	subKeyPrefix      = "sub:"
	pendKeyPrefix     = "pend:"
	dlqKeyPrefix      = "dlq:"
)

const sep = "\x00"

// conflictRetries bounds optimistic-transaction retries under contention.
const conflictRetries = 10

// Badger is the durable substrate backing a single-gateway deployment.
// Queue ordering rides on Badger's lexicographic key order: queue keys embed
// a zero-padded enqueue timestamp, so the first key under a model's prefix
// is always the oldest job. Dedup keys and dead letters use Badger TTLs.
//
// The results stream and session pubsub are process-local; durability there
// buys nothing because both are consumed immediately or reconciled from the
// block-variant store on reconnect.
type Badger struct {
	db  *badger.DB
	bus *localBus

	sigMu   sync.Mutex
	signals map[string]chan struct{}

	done   chan struct{}
	closed bool
	mu     sync.RWMutex

	now func() time.Time
}

// NewBadger opens (or creates) the substrate database at path.
func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open substrate db: %w", err)
	}
	return NewBadgerWithDB(db), nil
}

// NewBadgerWithDB wraps an already-open BadgerDB instance. The caller keeps
// ownership questions simple: Close closes the DB either way.
func NewBadgerWithDB(db *badger.DB) *Badger {
	return &Badger{
		db:      db,
		bus:     newLocalBus(),
		signals: make(map[string]chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the substrate's clock. Test hook.
func (s *Badger) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Badger) clock() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

func (s *Badger) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts.
func (s *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func queueKey(model string, queuedAt time.Time, jobID string) []byte {
	return []byte(queueKeyPrefix + model + sep + fmt.Sprintf("%020d", queuedAt.UnixNano()) + sep + jobID)
}

func queuePrefix(model string) []byte {
	return []byte(queueKeyPrefix + model + sep)
}

func jobIdxKey(userID, documentID string, blockIdx int) []byte {
	return []byte(jobIdxKeyPrefix + userID + sep + documentID + sep + fmt.Sprintf("%010d", blockIdx))
}

func inflightKey(workerID, jobID string) []byte {
	return []byte(inflightKeyPrefix + workerID + sep + jobID)
}

func dedupKey(fp tts.Fingerprint) []byte {
	return []byte(dedupKeyPrefix + string(fp))
}

func subKey(fp tts.Fingerprint, sub Subscriber) []byte {
	return []byte(subKeyPrefix + string(fp) + sep + sub.SessionID + sep + sub.DocumentID + sep + fmt.Sprintf("%010d", sub.BlockIdx))
}

func subPrefix(fp tts.Fingerprint) []byte {
	return []byte(subKeyPrefix + string(fp) + sep)
}

func pendKeyB(userID, documentID string, blockIdx int) []byte {
	return []byte(pendKeyPrefix + userID + sep + documentID + sep + fmt.Sprintf("%010d", blockIdx))
}

func pendPrefix(userID, documentID string) []byte {
	return []byte(pendKeyPrefix + userID + sep + documentID + sep)
}

func dlqKey(model string, addedAt time.Time, jobID string) []byte {
	return []byte(dlqKeyPrefix + model + sep + fmt.Sprintf("%020d", addedAt.UnixNano()) + sep + jobID)
}

func dlqPrefix(model string) []byte {
	return []byte(dlqKeyPrefix + model + sep)
}

// jobIdxRef is the job-index value: enough to locate the queued job from a
// (user, document, block) coordinate during cursor eviction.
type jobIdxRef struct {
	JobID    string `json:"job_id"`
	QueueKey string `json:"queue_key"`
}

func (s *Badger) signalChan(model string) chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	ch, ok := s.signals[model]
	if !ok {
		ch = make(chan struct{})
		s.signals[model] = ch
	}
	return ch
}

func (s *Badger) wake(model string) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if ch, ok := s.signals[model]; ok {
		close(ch)
	}
	s.signals[model] = make(chan struct{})
}

// Enqueue implements Substrate.
func (s *Badger) Enqueue(ctx context.Context, job tts.Job) error {
	if s.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	qk := queueKey(job.Variant.ModelSlug, job.QueuedAt, job.JobID)
	ref, err := json.Marshal(jobIdxRef{JobID: job.JobID, QueueKey: string(qk)})
	if err != nil {
		return fmt.Errorf("marshal job index: %w", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		if err := txn.Set(qk, data); err != nil {
			return fmt.Errorf("set queue entry: %w", err)
		}
		if err := txn.Set(jobIdxKey(job.UserID, job.DocumentID, job.BlockIdx), ref); err != nil {
			return fmt.Errorf("set job index: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.wake(job.Variant.ModelSlug)
	return nil
}

// ClaimOldest implements Substrate.
func (s *Badger) ClaimOldest(ctx context.Context, model, workerID string, wait time.Duration) (tts.Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if s.isClosed() {
			return tts.Job{}, ErrClosed
		}
		sig := s.signalChan(model)

		job, ok, err := s.tryClaim(model, workerID)
		if err != nil {
			return tts.Job{}, err
		}
		if ok {
			return job, nil
		}

		select {
		case <-sig:
		case <-timer.C:
			return tts.Job{}, ErrNoJob
		case <-ctx.Done():
			return tts.Job{}, ctx.Err()
		case <-s.done:
			return tts.Job{}, ErrClosed
		}
	}
}

func (s *Badger) tryClaim(model, workerID string) (tts.Job, bool, error) {
	var (
		job   tts.Job
		found bool
	)
	err := s.update(func(txn *badger.Txn) error {
		job = tts.Job{}
		found = false

		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(model)
		it := txn.NewIterator(opts)

		it.Rewind()
		if !it.Valid() {
			it.Close()
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
		it.Close()
		if err != nil {
			return fmt.Errorf("decode queued job: %w", err)
		}

		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete queue entry: %w", err)
		}
		if err := txn.Delete(jobIdxKey(job.UserID, job.DocumentID, job.BlockIdx)); err != nil {
			return fmt.Errorf("delete job index: %w", err)
		}

		claim := ClaimedJob{Job: job, WorkerID: workerID, StartedAt: s.clock()()}
		data, err := json.Marshal(claim)
		if err != nil {
			return fmt.Errorf("marshal claim: %w", err)
		}
		if err := txn.Set(inflightKey(workerID, job.JobID), data); err != nil {
			return fmt.Errorf("set in-flight entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return tts.Job{}, false, err
	}
	return job, found, nil
}

// ReleaseClaim implements Substrate.
func (s *Badger) ReleaseClaim(ctx context.Context, workerID, jobID string) error {
	return s.update(func(txn *badger.Txn) error {
		key := inflightKey(workerID, jobID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotClaimed
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// PublishResult implements Substrate.
func (s *Badger) PublishResult(ctx context.Context, res tts.Result) error {
	return s.bus.publishResult(ctx, res)
}

// Results implements Substrate.
func (s *Badger) Results(ctx context.Context) (<-chan tts.Result, error) {
	return s.bus.resultStream(), nil
}

// SetInflightDedup implements Substrate.
func (s *Badger) SetInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) (bool, error) {
	var won bool
	err := s.update(func(txn *badger.Txn) error {
		won = false
		_, err := txn.Get(dedupKey(fp))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry(dedupKey(fp), []byte{1}).WithTTL(ttl)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("set dedup key: %w", err)
		}
		won = true
		return nil
	})
	return won, err
}

// DeleteInflightDedup implements Substrate.
func (s *Badger) DeleteInflightDedup(ctx context.Context, fp tts.Fingerprint) (bool, error) {
	var existed bool
	err := s.update(func(txn *badger.Txn) error {
		existed = false
		_, err := txn.Get(dedupKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(dedupKey(fp)); err != nil {
			return fmt.Errorf("delete dedup key: %w", err)
		}
		existed = true
		return nil
	})
	return existed, err
}

// RefreshInflightDedup implements Substrate.
func (s *Badger) RefreshInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) error {
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(dedupKey(fp))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e := badger.NewEntry(dedupKey(fp), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// AddSubscriber implements Substrate.
func (s *Badger) AddSubscriber(ctx context.Context, fp tts.Fingerprint, sub Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(subKey(fp, sub), data)
	})
}

// PopSubscribers implements Substrate.
func (s *Badger) PopSubscribers(ctx context.Context, fp tts.Fingerprint) ([]Subscriber, error) {
	var out []Subscriber
	prefix := subPrefix(fp)
	err := s.update(func(txn *badger.Txn) error {
		out = out[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			var sub Subscriber
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decode subscriber: %w", err)
			}
			out = append(out, sub)
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete subscriber: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddPending implements Substrate.
func (s *Badger) AddPending(ctx context.Context, userID, documentID string, blockIdx int) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(pendKeyB(userID, documentID, blockIdx), nil)
	})
}

// RemovePending implements Substrate.
func (s *Badger) RemovePending(ctx context.Context, userID, documentID string, blockIdx int) error {
	return s.update(func(txn *badger.Txn) error {
		err := txn.Delete(pendKeyB(userID, documentID, blockIdx))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// EvictPendingOutside implements Substrate.
func (s *Badger) EvictPendingOutside(ctx context.Context, userID, documentID string, cursor, window int) ([]int, error) {
	var evicted []int
	prefix := pendPrefix(userID, documentID)
	err := s.update(func(txn *badger.Txn) error {
		evicted = evicted[:0]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var outside []int
		for it.Rewind(); it.Valid(); it.Next() {
			idx, err := strconv.Atoi(strings.TrimLeft(string(it.Item().Key()[len(prefix):]), "0"))
			if err != nil {
				// TrimLeft eats a bare "0000000000".
				idx = 0
			}
			if idx < cursor-window || idx > cursor+window {
				outside = append(outside, idx)
			}
		}
		it.Close()

		for _, idx := range outside {
			if err := txn.Delete(pendKeyB(userID, documentID, idx)); err != nil {
				return fmt.Errorf("delete pending: %w", err)
			}

			ikey := jobIdxKey(userID, documentID, idx)
			item, err := txn.Get(ikey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				evicted = append(evicted, idx)
				continue // claimed already; the worker finishes it
			}
			if err != nil {
				return err
			}
			var ref jobIdxRef
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); err != nil {
				return fmt.Errorf("decode job index: %w", err)
			}
			if err := txn.Delete(ikey); err != nil {
				return err
			}
			if err := txn.Delete([]byte(ref.QueueKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			evicted = append(evicted, idx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// ScanInflight implements Substrate.
func (s *Badger) ScanInflight(ctx context.Context, model string, olderThan time.Duration) ([]ClaimedJob, error) {
	cutoff := s.clock()().Add(-olderThan)
	var out []ClaimedJob
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(inflightKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c ClaimedJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode claim: %w", err)
			}
			if c.Job.Variant.ModelSlug != model {
				continue
			}
			if olderThan == 0 || c.StartedAt.Before(cutoff) {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Requeue implements Substrate.
func (s *Badger) Requeue(ctx context.Context, workerID, jobID string) (tts.Job, error) {
	var requeued tts.Job
	err := s.update(func(txn *badger.Txn) error {
		claim, err := s.takeClaim(txn, workerID, jobID)
		if err != nil {
			return err
		}

		job := claim.Job
		job.JobID = uuid.New().String()
		job.RetryCount++
		job.QueuedAt = s.clock()()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		qk := queueKey(job.Variant.ModelSlug, job.QueuedAt, job.JobID)
		ref, err := json.Marshal(jobIdxRef{JobID: job.JobID, QueueKey: string(qk)})
		if err != nil {
			return fmt.Errorf("marshal job index: %w", err)
		}
		if err := txn.Set(qk, data); err != nil {
			return err
		}
		if err := txn.Set(jobIdxKey(job.UserID, job.DocumentID, job.BlockIdx), ref); err != nil {
			return err
		}
		requeued = job
		return nil
	})
	if err != nil {
		return tts.Job{}, err
	}
	s.wake(requeued.Variant.ModelSlug)
	return requeued, nil
}

func (s *Badger) takeClaim(txn *badger.Txn, workerID, jobID string) (ClaimedJob, error) {
	key := inflightKey(workerID, jobID)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ClaimedJob{}, ErrNotClaimed
	}
	if err != nil {
		return ClaimedJob{}, err
	}
	var claim ClaimedJob
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &claim)
	}); err != nil {
		return ClaimedJob{}, fmt.Errorf("decode claim: %w", err)
	}
	if err := txn.Delete(key); err != nil {
		return ClaimedJob{}, err
	}
	return claim, nil
}

// MoveToDeadLetter implements Substrate.
func (s *Badger) MoveToDeadLetter(ctx context.Context, workerID, jobID, reason string, retention time.Duration) (tts.Job, error) {
	var moved tts.Job
	err := s.update(func(txn *badger.Txn) error {
		claim, err := s.takeClaim(txn, workerID, jobID)
		if err != nil {
			return err
		}
		now := s.clock()()
		dl := DeadLetter{
			Job:       claim.Job,
			Reason:    reason,
			AddedAt:   now,
			ExpiresAt: now.Add(retention),
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		e := badger.NewEntry(dlqKey(claim.Job.Variant.ModelSlug, now, jobID), data).WithTTL(retention)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		moved = claim.Job
		return nil
	})
	if err != nil {
		return tts.Job{}, err
	}
	return moved, nil
}

// DeadLetters implements Substrate.
func (s *Badger) DeadLetters(ctx context.Context, model string) ([]DeadLetter, error) {
	now := s.clock()()
	var out []DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = dlqPrefix(model)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var dl DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			if dl.ExpiresAt.After(now) {
				out = append(out, dl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanQueued implements Substrate.
func (s *Badger) ScanQueued(ctx context.Context, model string, olderThan time.Duration) ([]tts.Job, error) {
	cutoff := s.clock()().Add(-olderThan)
	var out []tts.Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(model)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var job tts.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode queued job: %w", err)
			}
			if job.QueuedAt.After(cutoff) {
				// Keys are time-ordered: everything past here is newer.
				break
			}
			out = append(out, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TakeQueued implements Substrate.
func (s *Badger) TakeQueued(ctx context.Context, model, jobID string) (tts.Job, bool, error) {
	var (
		taken tts.Job
		ok    bool
	)
	suffix := []byte(sep + jobID)
	err := s.update(func(txn *badger.Txn) error {
		ok = false
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(model)
		it := txn.NewIterator(opts)

		var key []byte
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(k) >= len(suffix) && string(k[len(k)-len(suffix):]) == string(suffix) {
				key = it.Item().KeyCopy(nil)
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &taken)
				}); err != nil {
					it.Close()
					return fmt.Errorf("decode queued job: %w", err)
				}
				break
			}
		}
		it.Close()
		if key == nil {
			return nil
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(jobIdxKey(taken.UserID, taken.DocumentID, taken.BlockIdx)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Delete(pendKeyB(taken.UserID, taken.DocumentID, taken.BlockIdx)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return tts.Job{}, false, err
	}
	return taken, ok, nil
}

// QueueDepth implements Substrate.
func (s *Badger) QueueDepth(ctx context.Context, model string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(model)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// PublishEvent implements Substrate.
func (s *Badger) PublishEvent(ctx context.Context, sessionID string, payload []byte) error {
	return s.bus.publishEvent(sessionID, payload)
}

// SubscribeEvents implements Substrate.
func (s *Badger) SubscribeEvents(sessionID string) (<-chan []byte, func()) {
	return s.bus.subscribeEvents(sessionID)
}

// Close implements Substrate.
func (s *Badger) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.bus.close()
	return s.db.Close()
}

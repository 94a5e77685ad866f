// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yapit-tts/yapit/internal/tts"
)

// Memory is the in-memory substrate used by tests and single-process
// development setups. It holds every invariant the Badger substrate holds,
// just without durability.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]*memModelQueue
	claims   map[string]ClaimedJob
	dedup    map[tts.Fingerprint]time.Time
	subs     map[tts.Fingerprint]map[Subscriber]struct{}
	pending  map[string]map[int]struct{}
	jobIndex map[string]jobRef
	dlq      map[string][]DeadLetter
	bus      *localBus
	done     chan struct{}
	closed   bool

	// now is swappable so tests can steer visibility and TTL expiry.
	now func() time.Time
}

type memModelQueue struct {
	jobs   []tts.Job
	signal chan struct{}
}

type jobRef struct {
	model string
	jobID string
}

// NewMemory creates an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string]*memModelQueue),
		claims:   make(map[string]ClaimedJob),
		dedup:    make(map[tts.Fingerprint]time.Time),
		subs:     make(map[tts.Fingerprint]map[Subscriber]struct{}),
		pending:  make(map[string]map[int]struct{}),
		jobIndex: make(map[string]jobRef),
		dlq:      make(map[string][]DeadLetter),
		bus:      newLocalBus(),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the substrate's clock. Test hook.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func pendKey(userID, documentID string) string {
	return userID + "\x00" + documentID
}

func indexKey(userID, documentID string, blockIdx int) string {
	return userID + "\x00" + documentID + "\x00" + strconv.Itoa(blockIdx)
}

func (s *Memory) modelQueue(model string) *memModelQueue {
	q, ok := s.queues[model]
	if !ok {
		q = &memModelQueue{signal: make(chan struct{})}
		s.queues[model] = q
	}
	return q
}

// Enqueue implements Substrate.
func (s *Memory) Enqueue(ctx context.Context, job tts.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.enqueueLocked(job)
	return nil
}

func (s *Memory) enqueueLocked(job tts.Job) {
	q := s.modelQueue(job.Variant.ModelSlug)
	q.jobs = append(q.jobs, job)
	sort.Slice(q.jobs, func(i, j int) bool {
		if !q.jobs[i].QueuedAt.Equal(q.jobs[j].QueuedAt) {
			return q.jobs[i].QueuedAt.Before(q.jobs[j].QueuedAt)
		}
		return q.jobs[i].JobID < q.jobs[j].JobID
	})
	s.jobIndex[indexKey(job.UserID, job.DocumentID, job.BlockIdx)] = jobRef{
		model: job.Variant.ModelSlug,
		jobID: job.JobID,
	}
	// Wake every blocked claimer; losers go back to waiting.
	close(q.signal)
	q.signal = make(chan struct{})
}

// ClaimOldest implements Substrate.
func (s *Memory) ClaimOldest(ctx context.Context, model, workerID string, wait time.Duration) (tts.Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return tts.Job{}, ErrClosed
		}
		q := s.modelQueue(model)
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			delete(s.jobIndex, indexKey(job.UserID, job.DocumentID, job.BlockIdx))
			s.claims[job.JobID] = ClaimedJob{Job: job, WorkerID: workerID, StartedAt: s.now()}
			s.mu.Unlock()
			return job, nil
		}
		sig := q.signal
		s.mu.Unlock()

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

// ReleaseClaim implements Substrate.
func (s *Memory) ReleaseClaim(ctx context.Context, workerID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[jobID]
	if !ok || c.WorkerID != workerID {
		return ErrNotClaimed
	}
	delete(s.claims, jobID)
	return nil
}

// PublishResult implements Substrate.
func (s *Memory) PublishResult(ctx context.Context, res tts.Result) error {
	return s.bus.publishResult(ctx, res)
}

// Results implements Substrate.
func (s *Memory) Results(ctx context.Context) (<-chan tts.Result, error) {
	return s.bus.resultStream(), nil
}

// SetInflightDedup implements Substrate.
func (s *Memory) SetInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.dedup[fp]; ok && exp.After(now) {
		return false, nil
	}
	s.dedup[fp] = now.Add(ttl)
	return true, nil
}

// DeleteInflightDedup implements Substrate.
func (s *Memory) DeleteInflightDedup(ctx context.Context, fp tts.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.dedup[fp]
	if !ok {
		return false, nil
	}
	delete(s.dedup, fp)
	if !exp.After(s.now()) {
		// Expired keys count as absent: the claim already lapsed.
		return false, nil
	}
	return true, nil
}

// RefreshInflightDedup implements Substrate.
func (s *Memory) RefreshInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.dedup[fp]; ok && exp.After(s.now()) {
		s.dedup[fp] = s.now().Add(ttl)
	}
	return nil
}

// AddSubscriber implements Substrate.
func (s *Memory) AddSubscriber(ctx context.Context, fp tts.Fingerprint, sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[fp]
	if !ok {
		set = make(map[Subscriber]struct{})
		s.subs[fp] = set
	}
	set[sub] = struct{}{}
	return nil
}

// PopSubscribers implements Substrate.
func (s *Memory) PopSubscribers(ctx context.Context, fp tts.Fingerprint) ([]Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[fp]
	if !ok {
		return nil, nil
	}
	delete(s.subs, fp)
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].BlockIdx < out[j].BlockIdx
	})
	return out, nil
}

// AddPending implements Substrate.
func (s *Memory) AddPending(ctx context.Context, userID, documentID string, blockIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendKey(userID, documentID)
	set, ok := s.pending[key]
	if !ok {
		set = make(map[int]struct{})
		s.pending[key] = set
	}
	set[blockIdx] = struct{}{}
	return nil
}

// RemovePending implements Substrate.
func (s *Memory) RemovePending(ctx context.Context, userID, documentID string, blockIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePendingLocked(userID, documentID, blockIdx)
	return nil
}

func (s *Memory) removePendingLocked(userID, documentID string, blockIdx int) {
	key := pendKey(userID, documentID)
	if set, ok := s.pending[key]; ok {
		delete(set, blockIdx)
		if len(set) == 0 {
			delete(s.pending, key)
		}
	}
}

// EvictPendingOutside implements Substrate.
func (s *Memory) EvictPendingOutside(ctx context.Context, userID, documentID string, cursor, window int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.pending[pendKey(userID, documentID)]
	var evicted []int
	for idx := range set {
		if idx < cursor-window || idx > cursor+window {
			evicted = append(evicted, idx)
		}
	}
	sort.Ints(evicted)

	for _, idx := range evicted {
		s.removePendingLocked(userID, documentID, idx)
		ikey := indexKey(userID, documentID, idx)
		ref, ok := s.jobIndex[ikey]
		if !ok {
			continue // already claimed or finalized
		}
		delete(s.jobIndex, ikey)
		s.removeQueuedLocked(ref.model, ref.jobID)
	}
	return evicted, nil
}

func (s *Memory) removeQueuedLocked(model, jobID string) (tts.Job, bool) {
	q := s.modelQueue(model)
	for i, job := range q.jobs {
		if job.JobID == jobID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return job, true
		}
	}
	return tts.Job{}, false
}

// ScanInflight implements Substrate.
func (s *Memory) ScanInflight(ctx context.Context, model string, olderThan time.Duration) ([]ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var out []ClaimedJob
	for _, c := range s.claims {
		if c.Job.Variant.ModelSlug != model {
			continue
		}
		if olderThan == 0 || c.StartedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Requeue implements Substrate.
func (s *Memory) Requeue(ctx context.Context, workerID, jobID string) (tts.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[jobID]
	if !ok || c.WorkerID != workerID {
		return tts.Job{}, ErrNotClaimed
	}
	delete(s.claims, jobID)

	job := c.Job
	job.JobID = uuid.New().String()
	job.RetryCount++
	job.QueuedAt = s.now()
	s.enqueueLocked(job)
	return job, nil
}

// MoveToDeadLetter implements Substrate.
func (s *Memory) MoveToDeadLetter(ctx context.Context, workerID, jobID, reason string, retention time.Duration) (tts.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[jobID]
	if !ok || c.WorkerID != workerID {
		return tts.Job{}, ErrNotClaimed
	}
	delete(s.claims, jobID)
	now := s.now()
	model := c.Job.Variant.ModelSlug
	s.dlq[model] = append(s.dlq[model], DeadLetter{
		Job:       c.Job,
		Reason:    reason,
		AddedAt:   now,
		ExpiresAt: now.Add(retention),
	})
	return c.Job, nil
}

// DeadLetters implements Substrate.
func (s *Memory) DeadLetters(ctx context.Context, model string) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.dlq[model][:0]
	for _, d := range s.dlq[model] {
		if d.ExpiresAt.After(now) {
			kept = append(kept, d)
		}
	}
	s.dlq[model] = kept
	out := make([]DeadLetter, len(kept))
	copy(out, kept)
	return out, nil
}

// ScanQueued implements Substrate.
func (s *Memory) ScanQueued(ctx context.Context, model string, olderThan time.Duration) ([]tts.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var out []tts.Job
	for _, job := range s.modelQueue(model).jobs {
		if !job.QueuedAt.After(cutoff) {
			out = append(out, job)
		}
	}
	return out, nil
}

// TakeQueued implements Substrate.
func (s *Memory) TakeQueued(ctx context.Context, model, jobID string) (tts.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.removeQueuedLocked(model, jobID)
	if !ok {
		return tts.Job{}, false, nil
	}
	delete(s.jobIndex, indexKey(job.UserID, job.DocumentID, job.BlockIdx))
	s.removePendingLocked(job.UserID, job.DocumentID, job.BlockIdx)
	return job, true, nil
}

// QueueDepth implements Substrate.
func (s *Memory) QueueDepth(ctx context.Context, model string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.modelQueue(model).jobs), nil
}

// PublishEvent implements Substrate.
func (s *Memory) PublishEvent(ctx context.Context, sessionID string, payload []byte) error {
	return s.bus.publishEvent(sessionID, payload)
}

// SubscribeEvents implements Substrate.
func (s *Memory) SubscribeEvents(sessionID string) (<-chan []byte, func()) {
	return s.bus.subscribeEvents(sessionID)
}

// Close implements Substrate.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.bus.close()
	return nil
}

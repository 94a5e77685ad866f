// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package queue defines the coordination substrate for synthesis work.
//
// The substrate is the only place where cross-caller ordering and exclusion
// are enforced: per-model priority queues (oldest first), per-worker
// in-flight sets with visibility tracking, the shared results stream, the
// atomic inflight dedup keys, subscriber sets, per-session pending sets,
// dead-letter queues, and the session-event pubsub. Components above the
// substrate rely on these primitives and on nothing else.
//
// Two implementations are provided: Memory (tests and development) and
// Badger (durable, production default). Both are exercised by the same
// conformance suite in substrate_test.go.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/yapit-tts/yapit/internal/tts"
)

var (
	// ErrNoJob is returned by ClaimOldest when the wait elapses with the
	// queue still empty. Callers treat it as "poll again".
	ErrNoJob = errors.New("queue: no job ready")

	// ErrNotClaimed is returned when a (worker, job) pair is not present
	// in the in-flight set. Release paths treat it as already-released.
	ErrNotClaimed = errors.New("queue: job not in worker in-flight set")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: substrate closed")
)

// ClaimedJob is an entry in a worker's in-flight set.
type ClaimedJob struct {
	Job       tts.Job   `json:"job"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at"`
}

// Subscriber is one session waiting on a fingerprint, together with the
// document coordinate it asked under. The coordinate travels with the
// subscription because the finalizer addresses status events by
// (document, block), not by fingerprint.
type Subscriber struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
}

// DeadLetter is a terminally failed job retained for inspection.
type DeadLetter struct {
	Job       tts.Job   `json:"job"`
	Reason    string    `json:"reason"`
	AddedAt   time.Time `json:"added_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Substrate is the coordination contract. All operations are atomic
// against concurrent callers.
type Substrate interface {
	// Enqueue adds the job to its model's queue, ordered by QueuedAt
	// (ties broken by JobID), and indexes it under
	// (user, document, block_idx) so cursor eviction can locate it.
	Enqueue(ctx context.Context, job tts.Job) error

	// ClaimOldest pops the oldest ready job for the model and atomically
	// records it in the worker's in-flight set with the claim time.
	// Blocks up to wait if the queue is empty, then returns ErrNoJob.
	ClaimOldest(ctx context.Context, model, workerID string, wait time.Duration) (tts.Job, error)

	// ReleaseClaim removes the job from the worker's in-flight set.
	// Releasing a job that is no longer claimed returns ErrNotClaimed.
	ReleaseClaim(ctx context.Context, workerID, jobID string) error

	// PublishResult appends to the shared results stream.
	PublishResult(ctx context.Context, res tts.Result) error

	// Results returns the shared results stream. The stream has a single
	// consumer: the result finalizer.
	Results(ctx context.Context) (<-chan tts.Result, error)

	// SetInflightDedup sets the fingerprint's dedup key only if absent
	// and reports whether this call won the race. The TTL bounds orphans
	// left by a crash between claim and enqueue.
	SetInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) (bool, error)

	// DeleteInflightDedup atomically deletes the dedup key and reports
	// whether it existed immediately before: the first deleter wins, and
	// only the winner may finalize.
	DeleteInflightDedup(ctx context.Context, fp tts.Fingerprint) (bool, error)

	// RefreshInflightDedup extends the dedup key's TTL if present. The
	// visibility scanner calls this on requeue so the key outlives every
	// legitimate retry window.
	RefreshInflightDedup(ctx context.Context, fp tts.Fingerprint, ttl time.Duration) error

	// AddSubscriber registers a session waiting for the fingerprint.
	// Re-registering the same (session, document, block) is a no-op.
	AddSubscriber(ctx context.Context, fp tts.Fingerprint, sub Subscriber) error

	// PopSubscribers atomically drains and deletes the subscriber set.
	PopSubscribers(ctx context.Context, fp tts.Fingerprint) ([]Subscriber, error)

	// AddPending records a queued block index for the session's document.
	AddPending(ctx context.Context, userID, documentID string, blockIdx int) error

	// RemovePending drops one index from the pending set, if present.
	RemovePending(ctx context.Context, userID, documentID string, blockIdx int) error

	// EvictPendingOutside removes every pending index outside
	// [cursor-window, cursor+window] together with the matching
	// queued-but-unclaimed jobs, and returns the evicted indices in
	// ascending order. Jobs already claimed by a worker are untouched.
	EvictPendingOutside(ctx context.Context, userID, documentID string, cursor, window int) ([]int, error)

	// ScanInflight returns the model's in-flight entries claimed earlier
	// than olderThan ago. Zero olderThan returns all of them.
	ScanInflight(ctx context.Context, model string, olderThan time.Duration) ([]ClaimedJob, error)

	// Requeue moves a claimed job back onto its queue under a fresh job
	// ID with an incremented retry count and a current timestamp. The
	// inflight dedup key is deliberately untouched.
	Requeue(ctx context.Context, workerID, jobID string) (tts.Job, error)

	// MoveToDeadLetter removes a claimed job and retains it on the
	// model's dead-letter queue for the retention period.
	MoveToDeadLetter(ctx context.Context, workerID, jobID, reason string, retention time.Duration) (tts.Job, error)

	// DeadLetters lists the model's unexpired dead-letter entries.
	DeadLetters(ctx context.Context, model string) ([]DeadLetter, error)

	// ScanQueued returns queued-but-unclaimed jobs whose QueuedAt is
	// older than olderThan ago, oldest first. Used by the overflow
	// scanner.
	ScanQueued(ctx context.Context, model string, olderThan time.Duration) ([]tts.Job, error)

	// TakeQueued removes one specific queued job (by ID) from the queue,
	// the job index, and the pending set, reporting whether it was still
	// queued. The overflow path owns the job afterward.
	TakeQueued(ctx context.Context, model, jobID string) (tts.Job, bool, error)

	// QueueDepth returns the number of queued-but-unclaimed jobs.
	QueueDepth(ctx context.Context, model string) (int, error)

	// PublishEvent delivers a session-channel event. Fire-and-forget per
	// subscriber: a slow session never blocks the substrate.
	PublishEvent(ctx context.Context, sessionID string, payload []byte) error

	// SubscribeEvents returns the session's event stream and a cancel
	// function that must be called on disconnect.
	SubscribeEvents(sessionID string) (<-chan []byte, func())

	// Close releases resources. Blocked claims return ErrClosed.
	Close() error
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package tts defines the shared vocabulary of the synthesis pipeline:
// blocks, variants, fingerprints, jobs, results, and the per-block status
// lifecycle. Every other package speaks these types.
package tts

import "time"

// Block is one synthesizable unit of a document. EstDurationMs is the
// pipeline's playback estimate, carried through for pacing hints; the
// real duration comes back with the synthesis result.
type Block struct {
	DocumentID    string `json:"document_id"`
	Idx           int    `json:"idx"`
	Text          string `json:"text"`
	EstDurationMs int64  `json:"est_duration_ms,omitempty"`
}

// Variant pins the synthesis parameters a fingerprint is computed over.
// Two variants that differ in any field produce distinct audio and are
// cached independently.
type Variant struct {
	ModelSlug string `json:"model_slug"`
	VoiceSlug string `json:"voice_slug"`

	// Speed is the playback-rate multiplier. Zero means model default
	// and is excluded from the fingerprint.
	Speed float64 `json:"speed,omitempty"`

	// Params carries model-specific knobs (temperature, seed, style).
	Params map[string]string `json:"params,omitempty"`
}

// Status is the lifecycle state of a (block, variant) pair.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCached     Status = "cached"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
	StatusEvicted    Status = "evicted"
)

// Terminal reports whether the status admits no further transitions
// without a new synthesis request.
func (s Status) Terminal() bool {
	switch s {
	case StatusCached, StatusSkipped, StatusError, StatusEvicted:
		return true
	}
	return false
}

// Job is one unit of queued synthesis work. JobID identifies the queue
// entry, not the content: a requeued job gets a fresh JobID but keeps its
// fingerprint.
type Job struct {
	JobID       string      `json:"job_id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	UserID      string      `json:"user_id"`
	DocumentID  string      `json:"document_id"`
	BlockIdx    int         `json:"block_idx"`
	Variant     Variant     `json:"variant"`
	Text        string      `json:"text"`

	// EstDurationMs is the block's playback estimate, zero when the
	// pipeline supplied none.
	EstDurationMs int64     `json:"est_duration_ms,omitempty"`
	RetryCount    int       `json:"retry_count"`
	QueuedAt      time.Time `json:"queued_at"`
}

// Result is what synthesis produces, successful or not. WorkerID is empty
// for results coming back from the overflow dispatcher.
type Result struct {
	Job        Job    `json:"job"`
	WorkerID   string `json:"worker_id,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	Codec      string `json:"codec,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	ErrReason  string `json:"err_reason,omitempty"`
}

// IsError reports whether the engine failed.
func (r Result) IsError() bool {
	return r.ErrReason != ""
}

// IsEmpty reports whether the engine deliberately produced no audio
// (whitespace-only or unsynthesizable text). Distinct from an error: empty
// results finalize as skipped and are never billed.
func (r Result) IsEmpty() bool {
	return r.ErrReason == "" && len(r.Audio) == 0
}

// BlockVariantRecord is the durable per-(block, variant) row consulted on
// reconnect and admission.
type BlockVariantRecord struct {
	UserID      string      `json:"user_id"`
	DocumentID  string      `json:"document_id"`
	BlockIdx    int         `json:"block_idx"`
	Fingerprint Fingerprint `json:"fingerprint"`
	ModelSlug   string      `json:"model_slug"`
	VoiceSlug   string      `json:"voice_slug"`
	Status      Status      `json:"status"`
	ErrReason   string      `json:"err_reason,omitempty"`
	DurationMs  int64       `json:"duration_ms,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CacheMeta describes one cached audio blob.
type CacheMeta struct {
	Codec      string    `json:"codec"`
	DurationMs int64     `json:"duration_ms"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// ContentType maps the stored codec to an HTTP media type.
func (m CacheMeta) ContentType() string {
	switch m.Codec {
	case "opus":
		return "audio/ogg; codecs=opus"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

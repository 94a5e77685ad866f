// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package session is the websocket surface of the gateway. Each connection
// belongs to one session; the session subscribes to its substrate event
// stream and relays synthesis and cursor commands to the admission layer.
package session

import (
	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/tts"
)

// Message types for the session channel.
const (
	// Client to server.
	MessageTypeSynthesize  = "synthesize"
	MessageTypeCursorMoved = "cursor_moved"
	MessageTypeResume      = "resume"
	MessageTypePing        = "ping"

	// Server to client.
	MessageTypeReady         = "ready"
	MessageTypeStatus        = "status"
	MessageTypeEvicted       = "evicted"
	MessageTypeError         = "error"
	MessageTypeDocumentState = "document_state"
	MessageTypePong          = "pong"
)

// Message is the session-channel envelope.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into an envelope.
func NewMessage(msgType string, data interface{}) (Message, error) {
	if data == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Data: raw}, nil
}

// BlockText is one block of a synthesize request.
type BlockText struct {
	Idx           int    `json:"idx"`
	Text          string `json:"text"`
	EstDurationMs int64  `json:"est_duration_ms,omitempty"`
}

// SynthesizeRequest asks for audio for a set of blocks under one variant.
type SynthesizeRequest struct {
	DocumentID string      `json:"document_id"`
	Blocks     []BlockText `json:"blocks"`
	Variant    tts.Variant `json:"variant"`
	Cursor     int         `json:"cursor"`
}

// CursorMovedRequest reports the listener's new position. Window zero
// means the server default.
type CursorMovedRequest struct {
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
	Window     int    `json:"window,omitempty"`
}

// ResumeRequest asks for the document's current block states, used after
// reconnect.
type ResumeRequest struct {
	DocumentID string `json:"document_id"`
}

// ReadyData is sent once on connect.
type ReadyData struct {
	SessionID string `json:"session_id"`
}

// StatusData reports a block-variant state change. Clients index their
// playback state by (document_id, block_idx), so both are always present.
// Model and voice slugs are always present too, so the client can discard
// updates from a superseded voice selection without a lookup.
type StatusData struct {
	DocumentID  string          `json:"document_id"`
	BlockIdx    int             `json:"block_idx"`
	Fingerprint tts.Fingerprint `json:"fingerprint"`
	Status      tts.Status      `json:"status"`
	ModelSlug   string          `json:"model_slug"`
	VoiceSlug   string          `json:"voice_slug"`
	AudioURL    string          `json:"audio_url,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	ErrReason   string          `json:"err_reason,omitempty"`
}

// AudioURL is the fetch path for a cached fingerprint, carried on
// cached status events.
func AudioURL(fp tts.Fingerprint) string {
	return "/api/v1/audio/" + string(fp)
}

// EvictedData lists block indices dropped by a cursor move.
type EvictedData struct {
	DocumentID string `json:"document_id"`
	Indices    []int  `json:"indices"`
}

// ErrorData reports a request-level failure (quota, validation).
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DocumentStateData is the resume answer: every known block-variant record
// for the document.
type DocumentStateData struct {
	DocumentID string                   `json:"document_id"`
	Blocks     []tts.BlockVariantRecord `json:"blocks"`
}

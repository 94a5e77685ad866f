// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package api

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/auth"
	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/store"
	"github.com/yapit-tts/yapit/internal/tts"
)

// Handler holds the HTTP endpoint implementations.
type Handler struct {
	cache    *audiocache.Cache
	sub      queue.Substrate
	records  *store.Store
	models   []string
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler wires the endpoint handlers.
func NewHandler(cache *audiocache.Cache, sub queue.Substrate, records *store.Store, models []string) *Handler {
	return &Handler{
		cache:    cache,
		sub:      sub,
		records:  records,
		models:   models,
		validate: validator.New(),
		now:      time.Now,
	}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Models lists the configured model slugs.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": h.models})
}

// Audio serves a cached audio blob by fingerprint. Responses are
// immutable: the fingerprint covers text and variant, so the bytes under
// it never change.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if err := h.validate.Var(fp, "required,len=64,hexadecimal"); err != nil {
		respondError(w, http.StatusBadRequest, "bad_fingerprint", "fingerprint must be 64 hex characters")
		return
	}

	audio, meta, err := h.cache.Get(r.Context(), tts.Fingerprint(fp))
	if err != nil {
		if errors.Is(err, audiocache.ErrMiss) {
			respondError(w, http.StatusNotFound, "not_cached", "audio not in cache")
			return
		}
		logging.Error().Err(err).Str("fingerprint", fp).Msg("cache read failed")
		respondError(w, http.StatusInternalServerError, "internal", "cache read failed")
		return
	}

	w.Header().Set("Content-Type", meta.ContentType())
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	// ServeContent handles Range requests, needed for audio seeking.
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(audio))
}

// Usage reports the authenticated user's billed characters this month.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "identity required")
		return
	}

	now := h.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	used, err := h.records.UsageSince(r.Context(), userID, monthStart)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("usage lookup failed")
		respondError(w, http.StatusInternalServerError, "internal", "usage lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"period_start": monthStart,
		"billed_chars": used,
	})
}

// QueueDepth reports queued-but-unclaimed jobs for one model.
func (h *Handler) QueueDepth(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if !h.knownModel(model) {
		respondError(w, http.StatusNotFound, "unknown_model", "unknown model: "+model)
		return
	}

	depth, err := h.sub.QueueDepth(r.Context(), model)
	if err != nil {
		logging.Error().Err(err).Str("model", model).Msg("queue depth lookup failed")
		respondError(w, http.StatusInternalServerError, "internal", "queue depth lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"model": model, "depth": depth})
}

// DeadLetters lists a model's unexpired dead-letter entries.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if !h.knownModel(model) {
		respondError(w, http.StatusNotFound, "unknown_model", "unknown model: "+model)
		return
	}

	letters, err := h.sub.DeadLetters(r.Context(), model)
	if err != nil {
		logging.Error().Err(err).Str("model", model).Msg("dead letter lookup failed")
		respondError(w, http.StatusInternalServerError, "internal", "dead letter lookup failed")
		return
	}

	type dlqEntry struct {
		JobID       string          `json:"job_id"`
		Fingerprint tts.Fingerprint `json:"fingerprint"`
		BlockIdx    int             `json:"block_idx"`
		RetryCount  int             `json:"retry_count"`
		Reason      string          `json:"reason"`
		AddedAt     time.Time       `json:"added_at"`
		ExpiresAt   time.Time       `json:"expires_at"`
	}
	entries := make([]dlqEntry, 0, len(letters))
	for _, dl := range letters {
		entries = append(entries, dlqEntry{
			JobID:       dl.Job.JobID,
			Fingerprint: dl.Job.Fingerprint,
			BlockIdx:    dl.Job.BlockIdx,
			RetryCount:  dl.Job.RetryCount,
			Reason:      dl.Reason,
			AddedAt:     dl.AddedAt,
			ExpiresAt:   dl.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"model": model, "entries": entries})
}

func (h *Handler) knownModel(model string) bool {
	for _, m := range h.models {
		if m == model {
			return true
		}
	}
	return false
}

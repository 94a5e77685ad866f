// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package store persists the durable coordination state in DuckDB: the
// per-(block, variant) status records consulted on admission and reconnect,
// and the usage ledger that backs billing and quota checks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/yapit-tts/yapit/internal/tts"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("store: record not found")

// Config holds DuckDB connection settings.
type Config struct {
	// Path is the database file. Empty means in-memory.
	Path string

	// Threads caps DuckDB's thread pool. Zero means NumCPU.
	Threads int
}

// Store wraps the DuckDB connection.
type Store struct {
	conn *sql.DB
}

// Open connects, verifies the connection, and creates the schema.
func Open(cfg Config) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := cfg.Path
	if connStr != "" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d", cfg.Path, threads)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.createTables(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS block_variants (
			user_id     TEXT NOT NULL,
			document_id TEXT NOT NULL,
			block_idx   INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			model_slug  TEXT NOT NULL,
			voice_slug  TEXT NOT NULL,
			status      TEXT NOT NULL,
			err_reason  TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, document_id, block_idx, fingerprint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_block_variants_fingerprint
			ON block_variants (fingerprint)`,
		`CREATE TABLE IF NOT EXISTS usage_ledger (
			job_id       TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			model_slug   TEXT NOT NULL,
			characters   BIGINT NOT NULL,
			multiplier   DOUBLE NOT NULL,
			billed_chars BIGINT NOT NULL,
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ledger_user_created
			ON usage_ledger (user_id, created_at)`,
	}
	for _, query := range queries {
		if _, err := s.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}
	return nil
}

// UpsertBlockVariant inserts or replaces the record for its primary key.
func (s *Store) UpsertBlockVariant(ctx context.Context, rec tts.BlockVariantRecord) error {
	query := `INSERT INTO block_variants
		(user_id, document_id, block_idx, fingerprint, model_slug, voice_slug, status, err_reason, duration_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, document_id, block_idx, fingerprint) DO UPDATE SET
			status = excluded.status,
			err_reason = excluded.err_reason,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`
	_, err := s.conn.ExecContext(ctx, query,
		rec.UserID, rec.DocumentID, rec.BlockIdx, string(rec.Fingerprint),
		rec.ModelSlug, rec.VoiceSlug, string(rec.Status), rec.ErrReason,
		rec.DurationMs, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert block variant: %w", err)
	}
	return nil
}

// GetBlockVariant returns one record or ErrNotFound.
func (s *Store) GetBlockVariant(ctx context.Context, userID, documentID string, blockIdx int, fp tts.Fingerprint) (tts.BlockVariantRecord, error) {
	query := `SELECT user_id, document_id, block_idx, fingerprint, model_slug, voice_slug, status, err_reason, duration_ms, updated_at
		FROM block_variants
		WHERE user_id = ? AND document_id = ? AND block_idx = ? AND fingerprint = ?`
	var rec tts.BlockVariantRecord
	var fpStr, status string
	err := s.conn.QueryRowContext(ctx, query, userID, documentID, blockIdx, string(fp)).Scan(
		&rec.UserID, &rec.DocumentID, &rec.BlockIdx, &fpStr,
		&rec.ModelSlug, &rec.VoiceSlug, &status, &rec.ErrReason,
		&rec.DurationMs, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tts.BlockVariantRecord{}, ErrNotFound
	}
	if err != nil {
		return tts.BlockVariantRecord{}, fmt.Errorf("get block variant: %w", err)
	}
	rec.Fingerprint = tts.Fingerprint(fpStr)
	rec.Status = tts.Status(status)
	return rec, nil
}

// FinalizeByFingerprint moves every non-terminal record for the
// fingerprint to the given status. The evicted state is excluded: an
// evicted block stays evicted even when a survivor's synthesis lands.
func (s *Store) FinalizeByFingerprint(ctx context.Context, fp tts.Fingerprint, status tts.Status, errReason string, durationMs int64, at time.Time) (int64, error) {
	query := `UPDATE block_variants
		SET status = ?, err_reason = ?, duration_ms = ?, updated_at = ?
		WHERE fingerprint = ? AND status IN ('pending', 'queued', 'processing')`
	res, err := s.conn.ExecContext(ctx, query,
		string(status), errReason, durationMs, at, string(fp))
	if err != nil {
		return 0, fmt.Errorf("finalize by fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MarkEvicted flips the given block indices to evicted unless already
// terminal.
func (s *Store) MarkEvicted(ctx context.Context, userID, documentID string, indices []int, at time.Time) error {
	if len(indices) == 0 {
		return nil
	}
	query := `UPDATE block_variants
		SET status = 'evicted', updated_at = ?
		WHERE user_id = ? AND document_id = ? AND block_idx = ?
		AND status IN ('pending', 'queued', 'processing')`
	for _, idx := range indices {
		if _, err := s.conn.ExecContext(ctx, query, at, userID, documentID, idx); err != nil {
			return fmt.Errorf("mark evicted: %w", err)
		}
	}
	return nil
}

// DocumentStatuses lists the document's records in block order. Used to
// reconcile a session after reconnect.
func (s *Store) DocumentStatuses(ctx context.Context, userID, documentID string) ([]tts.BlockVariantRecord, error) {
	query := `SELECT user_id, document_id, block_idx, fingerprint, model_slug, voice_slug, status, err_reason, duration_ms, updated_at
		FROM block_variants
		WHERE user_id = ? AND document_id = ?
		ORDER BY block_idx`
	rows, err := s.conn.QueryContext(ctx, query, userID, documentID)
	if err != nil {
		return nil, fmt.Errorf("document statuses: %w", err)
	}
	defer rows.Close()

	var out []tts.BlockVariantRecord
	for rows.Next() {
		var rec tts.BlockVariantRecord
		var fpStr, status string
		if err := rows.Scan(
			&rec.UserID, &rec.DocumentID, &rec.BlockIdx, &fpStr,
			&rec.ModelSlug, &rec.VoiceSlug, &status, &rec.ErrReason,
			&rec.DurationMs, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan block variant: %w", err)
		}
		rec.Fingerprint = tts.Fingerprint(fpStr)
		rec.Status = tts.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UsageEntry is one billed synthesis.
type UsageEntry struct {
	JobID       string
	UserID      string
	Fingerprint tts.Fingerprint
	ModelSlug   string
	Characters  int64
	Multiplier  float64
	BilledChars int64
	CreatedAt   time.Time
}

// RecordUsage appends to the ledger. Keyed by job ID so a finalizer retry
// never double-bills.
func (s *Store) RecordUsage(ctx context.Context, e UsageEntry) error {
	query := `INSERT INTO usage_ledger
		(job_id, user_id, fingerprint, model_slug, characters, multiplier, billed_chars, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`
	_, err := s.conn.ExecContext(ctx, query,
		e.JobID, e.UserID, string(e.Fingerprint), e.ModelSlug,
		e.Characters, e.Multiplier, e.BilledChars, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageSince sums a user's billed characters from the given time.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(billed_chars), 0) FROM usage_ledger
		WHERE user_id = ? AND created_at >= ?`
	var total int64
	if err := s.conn.QueryRowContext(ctx, query, userID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("usage since: %w", err)
	}
	return total, nil
}

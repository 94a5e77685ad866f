// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

// Package synth runs synthesis: engines produce audio for jobs, workers
// pull jobs from the substrate and drive an engine, and the failure
// taxonomy decides retry versus dead-letter.
package synth

import (
	"context"
	"errors"

	"github.com/yapit-tts/yapit/internal/tts"
)

// Output is what an engine produces for one job. Empty audio with a nil
// error means the text was unsynthesizable (whitespace, symbols only) and
// the block finalizes as skipped.
type Output struct {
	Audio      []byte
	Codec      string
	DurationMs int64
}

// Engine synthesizes audio for one job. Implementations must be safe for
// concurrent use: one engine instance is shared by all workers of a model.
type Engine interface {
	Synthesize(ctx context.Context, job tts.Job) (Output, error)
}

// RetryableError marks a transient synthesis failure. The worker requeues
// the job while retries remain.
type RetryableError struct {
	Message string
	Cause   error
}

// NewRetryableError creates a retryable error.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// PermanentError marks a failure that retrying cannot fix (rejected input,
// unsupported voice). The worker dead-letters the job immediately.
type PermanentError struct {
	Message string
	Cause   error
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	return &PermanentError{Message: message, Cause: cause}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error should be retried. Unclassified
// errors are treated as retryable: a transient fault mistaken for permanent
// loses work, the converse only costs a retry.
func IsRetryable(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package synth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yapit-tts/yapit/internal/queue"
	"github.com/yapit-tts/yapit/internal/tts"
)

// scriptedEngine returns queued outputs/errors in order, then blocks
// claims by returning a retryable error.
type scriptedEngine struct {
	mu      sync.Mutex
	outputs []Output
	errs    []error
	calls   int
}

func (e *scriptedEngine) Synthesize(ctx context.Context, job tts.Job) (Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	var out Output
	var err error
	if i < len(e.outputs) {
		out = e.outputs[i]
	}
	if i < len(e.errs) {
		err = e.errs[i]
	}
	return out, err
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func startWorker(t *testing.T, sub queue.Substrate, engine Engine, cfg WorkerConfig) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(cfg, sub, engine)
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func queueJob(t *testing.T, sub queue.Substrate, jobID string) tts.Job {
	t.Helper()
	job := tts.Job{
		JobID:       jobID,
		Fingerprint: tts.Fingerprint("fp-" + jobID),
		UserID:      "u1",
		DocumentID:  "d1",
		Variant:     tts.Variant{ModelSlug: "kokoro", VoiceSlug: "nova"},
		Text:        "hello there",
		QueuedAt:    time.Now(),
	}
	if err := sub.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func awaitResult(t *testing.T, stream <-chan tts.Result) tts.Result {
	t.Helper()
	select {
	case res := <-stream:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for result")
		return tts.Result{}
	}
}

func TestWorker_PublishesSuccess(t *testing.T) {
	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })
	stream, _ := sub.Results(context.Background())

	engine := &scriptedEngine{outputs: []Output{{Audio: []byte("ogg"), Codec: "opus", DurationMs: 900}}}
	startWorker(t, sub, engine, WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond})

	job := queueJob(t, sub, "job-1")

	res := awaitResult(t, stream)
	if res.Job.JobID != job.JobID {
		t.Errorf("Expected result for %s, got %s", job.JobID, res.Job.JobID)
	}
	if res.IsError() || res.IsEmpty() {
		t.Errorf("Expected success result, got %+v", res)
	}
	if res.Codec != "opus" || res.DurationMs != 900 {
		t.Errorf("Unexpected result payload: %+v", res)
	}
	if res.WorkerID == "" {
		t.Error("Expected worker ID on local result")
	}
}

func TestWorker_EmptyOutputIsSkippedResult(t *testing.T) {
	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })
	stream, _ := sub.Results(context.Background())

	engine := &scriptedEngine{outputs: []Output{{}}}
	startWorker(t, sub, engine, WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond})

	queueJob(t, sub, "job-1")

	res := awaitResult(t, stream)
	if !res.IsEmpty() {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestWorker_RetryableErrorRequeues(t *testing.T) {
	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })
	stream, _ := sub.Results(context.Background())

	engine := &scriptedEngine{
		outputs: []Output{{}, {Audio: []byte("ogg"), Codec: "opus"}},
		errs:    []error{NewRetryableError("engine busy", nil), nil},
	}
	startWorker(t, sub, engine, WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond, MaxRetries: 3})

	queueJob(t, sub, "job-1")

	res := awaitResult(t, stream)
	if res.IsError() {
		t.Fatalf("Expected eventual success, got error %q", res.ErrReason)
	}
	if res.Job.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", res.Job.RetryCount)
	}
	if engine.callCount() != 2 {
		t.Errorf("Expected 2 synthesis attempts, got %d", engine.callCount())
	}
}

func TestWorker_PermanentErrorDeadLetters(t *testing.T) {
	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })
	stream, _ := sub.Results(context.Background())

	engine := &scriptedEngine{errs: []error{NewPermanentError("voice not supported", nil)}}
	startWorker(t, sub, engine, WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond, MaxRetries: 3})

	queueJob(t, sub, "job-1")

	res := awaitResult(t, stream)
	if !res.IsError() {
		t.Fatalf("Expected error result, got %+v", res)
	}
	if engine.callCount() != 1 {
		t.Errorf("Expected no retries for a permanent error, got %d attempts", engine.callCount())
	}

	letters, err := sub.DeadLetters(context.Background(), "kokoro")
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(letters))
	}
}

func TestWorker_RetriesExhaustedDeadLetters(t *testing.T) {
	sub := queue.NewMemory()
	t.Cleanup(func() { _ = sub.Close() })
	stream, _ := sub.Results(context.Background())

	engine := &scriptedEngine{errs: []error{
		NewRetryableError("engine busy", nil),
		NewRetryableError("engine busy", nil),
	}}
	startWorker(t, sub, engine, WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond, MaxRetries: 1})

	queueJob(t, sub, "job-1")

	res := awaitResult(t, stream)
	if !res.IsError() {
		t.Fatalf("Expected error result after retries exhausted, got %+v", res)
	}
	if res.Job.RetryCount != 1 {
		t.Errorf("Expected retry count 1 on final attempt, got %d", res.Job.RetryCount)
	}
	if engine.callCount() != 2 {
		t.Errorf("Expected 2 attempts with MaxRetries=1, got %d", engine.callCount())
	}
}

func TestWorker_ClosedSubstrateStopsServe(t *testing.T) {
	sub := queue.NewMemory()
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w := NewWorker(WorkerConfig{Model: "kokoro", ClaimWait: 100 * time.Millisecond}, sub, &scriptedEngine{})
	err := w.Serve(context.Background())
	if !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Expected ErrClosed from Serve on a closed substrate, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable", NewRetryableError("busy", nil), true},
		{"permanent", NewPermanentError("bad input", nil), false},
		{"wrapped permanent", NewRetryableError("outer", NewPermanentError("inner", nil)), false},
		{"plain error", errors.New("mystery"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package queue

import (
	"context"
	"sync"

	"github.com/yapit-tts/yapit/internal/tts"
)

const (
	// resultBuffer sizes the shared results stream. Producers block once
	// the finalizer falls this far behind.
	resultBuffer = 1024

	// eventBuffer sizes each session's event channel. Events beyond a
	// stalled session's buffer are dropped; the durable block-variant
	// record reconciles the client after reconnect.
	eventBuffer = 256
)

// localBus carries the results stream and the session-event pubsub for
// substrates that coordinate within a single gateway process. Multi-gateway
// deployments replace both via the NATS bridge.
type localBus struct {
	mu      sync.RWMutex
	results chan tts.Result
	subs    map[string][]chan []byte
	done    chan struct{}
	closed  bool
}

func newLocalBus() *localBus {
	return &localBus{
		results: make(chan tts.Result, resultBuffer),
		subs:    make(map[string][]chan []byte),
		done:    make(chan struct{}),
	}
}

func (b *localBus) publishResult(ctx context.Context, res tts.Result) error {
	select {
	case b.results <- res:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *localBus) resultStream() <-chan tts.Result {
	return b.results
}

func (b *localBus) publishEvent(sessionID string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[sessionID] {
		// Fire-and-forget: a full buffer means a stalled session, and the
		// substrate must never block on one.
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *localBus) subscribeEvents(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, eventBuffer)

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[sessionID]
		for i, c := range chans {
			if c == ch {
				b.subs[sessionID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
	return ch, cancel
}

func (b *localBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for sid, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, sid)
	}
}

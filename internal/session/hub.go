// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package session

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yapit-tts/yapit/internal/logging"
)

// SessionClients tracks connected websocket clients.
var sessionClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "session_clients_connected",
	Help: "Currently connected session-channel clients",
})

// Hub tracks the set of connected clients so shutdown can close them all.
// Message fanout does not go through the hub: each client pumps its own
// substrate event subscription, which keeps delivery per-session instead
// of broadcast.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// Serve runs the registry loop until the context is canceled, then closes
// every client. Implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		// Shutdown has priority over lifecycle events.
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAllClients()
			return ctx.Err()

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			sessionClientsGauge.Set(float64(total))
			logging.Info().
				Str("session_id", client.sessionID).
				Int("total_clients", total).
				Msg("session client connected")

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				if client.cancelEvents != nil {
					client.cancelEvents()
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			sessionClientsGauge.Set(float64(total))
			logging.Info().
				Str("session_id", client.sessionID).
				Int("total_clients", total).
				Msg("session client disconnected")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAllClients closes clients in ID order for deterministic shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		close(client.send)
		if client.cancelEvents != nil {
			client.cancelEvents()
		}
		delete(h.clients, client)
	}
	sessionClientsGauge.Set(0)
	logging.Info().Int("clients_closed", len(clients)).Msg("session hub stopped")
}

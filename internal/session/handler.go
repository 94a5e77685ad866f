// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yapit-tts/yapit/internal/auth"
	"github.com/yapit-tts/yapit/internal/logging"
	"github.com/yapit-tts/yapit/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS middleware in front of the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades connections into session clients.
type WSHandler struct {
	hub     *Hub
	sub     queue.Substrate
	handler Handler
}

// NewWSHandler wires the websocket endpoint.
func NewWSHandler(hub *Hub, sub queue.Substrate, handler Handler) *WSHandler {
	return &WSHandler{hub: hub, sub: sub, handler: handler}
}

// ServeHTTP upgrades the connection, assigns or resumes the session ID,
// subscribes the session's event stream, and starts the pumps.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	identity := Identity{UserID: auth.UserID(r.Context()), Anonymous: auth.IsAnonymous(r.Context())}
	client := NewClient(h.hub, conn, h.handler, sessionID, identity)

	events, cancel := h.sub.SubscribeEvents(sessionID)
	client.cancelEvents = cancel

	// The request context dies when this handler returns; the hijacked
	// connection outlives it.
	h.hub.Register <- client
	client.Start(context.Background())

	// Event pump: substrate events ride the same send queue as direct
	// replies. Ends when the subscription is canceled on unregister.
	go func() {
		for payload := range events {
			client.SendRaw(payload)
		}
	}()

	ready, err := NewMessage(MessageTypeReady, ReadyData{SessionID: sessionID})
	if err == nil {
		client.Send(ready)
	}
}

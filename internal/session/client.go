// Yapit - Document-to-Speech Synthesis and Streaming
// Copyright 2026 Yapit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yapit-tts/yapit

package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/yapit-tts/yapit/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // documents arrive block-batched
)

// clientIDCounter gives clients a stable sort order for deterministic
// broadcast and shutdown.
var clientIDCounter atomic.Uint64

// Identity is who the connection belongs to.
type Identity struct {
	UserID    string
	Anonymous bool
}

// Handler receives the client's commands. Implemented by the admission
// layer.
type Handler interface {
	HandleSynthesize(ctx context.Context, c *Client, req SynthesizeRequest)
	HandleCursorMoved(ctx context.Context, c *Client, req CursorMovedRequest)
	HandleResume(ctx context.Context, c *Client, req ResumeRequest)
}

// Client is the middleman between one websocket connection and the hub.
// Substrate events for the session are pumped into send alongside direct
// replies.
type Client struct {
	id        uint64
	sessionID string
	identity  Identity

	hub     *Hub
	conn    *websocket.Conn
	handler Handler
	send    chan Message

	// cancelEvents detaches the substrate event subscription.
	cancelEvents func()
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, handler Handler, sessionID string, identity Identity) *Client {
	return &Client{
		id:        clientIDCounter.Add(1),
		sessionID: sessionID,
		identity:  identity,
		hub:       hub,
		conn:      conn,
		handler:   handler,
		send:      make(chan Message, 256),
	}
}

// SessionID returns the substrate session identity.
func (c *Client) SessionID() string {
	return c.sessionID
}

// UserID returns the authenticated (or anonymous) user.
func (c *Client) UserID() string {
	return c.identity.UserID
}

// Anonymous reports whether the user is unauthenticated.
func (c *Client) Anonymous() bool {
	return c.identity.Anonymous
}

// Send queues a message for the client. Drops when the client is stalled;
// the durable block records reconcile it on resume.
func (c *Client) Send(msg Message) {
	select {
	case c.send <- msg:
	default:
		logging.Warn().
			Str("session_id", c.sessionID).
			Str("message_type", msg.Type).
			Msg("client send buffer full, dropping message")
	}
}

// SendRaw queues an already-encoded envelope from the substrate event
// stream.
func (c *Client) SendRaw(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logging.Warn().Err(err).Str("session_id", c.sessionID).Msg("malformed session event, dropping")
		return
	}
	c.Send(msg)
}

// Start begins the read and write pumps.
func (c *Client) Start(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

// readPump reads commands from the connection and dispatches them until
// the connection drops.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("session_id", c.sessionID).Msg("unexpected websocket close")
			}
			return
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageTypePing:
		c.Send(Message{Type: MessageTypePong})

	case MessageTypeSynthesize:
		var req SynthesizeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("bad_request", "malformed synthesize request")
			return
		}
		c.handler.HandleSynthesize(ctx, c, req)

	case MessageTypeCursorMoved:
		var req CursorMovedRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("bad_request", "malformed cursor_moved request")
			return
		}
		c.handler.HandleCursorMoved(ctx, c, req)

	case MessageTypeResume:
		var req ResumeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.sendError("bad_request", "malformed resume request")
			return
		}
		c.handler.HandleResume(ctx, c, req)

	default:
		c.sendError("unknown_type", "unknown message type: "+msg.Type)
	}
}

func (c *Client) sendError(code, message string) {
	msg, err := NewMessage(MessageTypeError, ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(msg)
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Error().Err(err).Str("session_id", c.sessionID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

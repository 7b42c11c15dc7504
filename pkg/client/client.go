// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package client is the client side of the chat WebSocket protocol, with
// automatic reconnection on abnormal close.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/pkg/protocol"
)

// ReconnectDelay is how long the client waits before redialing after an
// abnormal close.
const ReconnectDelay = 3 * time.Second

// EventHandler receives every inbound envelope, in order, from the read
// goroutine.
type EventHandler func(protocol.Envelope)

// Options configure a Client.
type Options struct {
	// SessionID resumes an existing session when set.
	SessionID string
	// OnEvent receives inbound envelopes. Required.
	OnEvent EventHandler
	// OnDisconnect is called when the connection drops abnormally, before
	// the reconnect timer starts.
	OnDisconnect func(err error)
	// ReconnectDelay overrides the default redial wait.
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Client maintains one chat WebSocket connection. A generation counter guards
// against stale goroutines: every (re)connect increments it, and read loops
// or reconnect timers belonging to an older generation stop themselves.
type Client struct {
	url  string
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	gen    int
	closed bool

	logger *zap.Logger
}

// New creates a Client for the chat endpoint at url (ws:// or wss://).
func New(url string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = ReconnectDelay
	}
	return &Client{url: url, opts: opts, logger: opts.Logger}
}

// Connect dials the server and starts the read loop. Calling Connect on a
// live client drops the old connection first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.gen++
	gen := c.gen
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "reconnecting")
		c.conn = nil
	}
	c.mu.Unlock()

	url := c.url
	if c.opts.SessionID != "" {
		url += "?session_id=" + c.opts.SessionID
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	return nil
}

// Send writes one envelope to the server.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendMessage sends a user_message frame.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	return c.Send(ctx, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{
		Content: content,
	}))
}

// RespondPermission answers a pending permission_request.
func (c *Client) RespondPermission(ctx context.Context, requestID, decision string) error {
	return c.Send(ctx, protocol.MustEnvelope(protocol.EventPermissionResponse, protocol.PermissionResponse{
		ID:       requestID,
		Decision: decision,
	}))
}

// Cancel asks the server to cancel the running turn.
func (c *Client) Cancel(ctx context.Context) error {
	return c.Send(ctx, protocol.Envelope{Type: protocol.EventCancelRequest})
}

// Close shuts the connection down and disables reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

func (c *Client) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.onReadError(gen, err)
			return
		}
		if c.stale(gen) {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env)
		}
	}
}

func (c *Client) onReadError(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return
	}
	c.logger.Info("connection lost, reconnecting",
		zap.Duration("delay", c.opts.ReconnectDelay), zap.Error(err))
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}

	time.AfterFunc(c.opts.ReconnectDelay, func() {
		if c.stale(gen) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			// Connect bumped the generation, so retry under the new one.
			c.onReadError(gen+1, err)
		}
	})
}

// stale reports whether gen is no longer the live generation.
func (c *Client) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || gen != c.gen
}

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
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/orchestrator"
	"github.com/teradata-labs/clyde/pkg/permission"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/session"
)

// outboundBuffer sizes the per-connection send queue. A client that stops
// reading long enough to fill it gets disconnected rather than blocking the
// turn.
const outboundBuffer = 256

// wsConn is the per-connection state of one chat WebSocket.
type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan protocol.Envelope
	logger   *zap.Logger

	mu         sync.Mutex
	sessionID  string
	turnCancel context.CancelFunc
}

// handleChat runs the chat protocol: an init frame, optional history replay
// when resuming, then a read loop dispatching user messages, permission
// responses and cancel requests. Exactly one turn runs at a time per
// connection.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.CloseNow()

	wc := &wsConn{
		srv:      s,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan protocol.Envelope, outboundBuffer),
		logger:   s.logger,
	}

	go wc.writeLoop()

	resume := r.URL.Query().Get("session_id")
	if resume != "" {
		if _, err := s.deps.Sessions.GetSession(resume); err != nil {
			wc.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{
				Message: "session " + resume + " not found",
			}))
			resume = ""
		}
	}
	wc.setSessionID(resume)

	var initID *string
	if resume != "" {
		initID = &resume
	}
	wc.send(protocol.MustEnvelope(protocol.EventInit, protocol.Init{SessionID: initID}))
	wc.sendRegistrySnapshot()
	if resume != "" {
		wc.replayHistory(resume)
	}

	stopForward := wc.startForwarders()
	defer stopForward()

	wc.readLoop()
}

func (c *wsConn) send(env protocol.Envelope) {
	select {
	case c.outbound <- env:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("websocket send queue full, dropping connection")
		c.cancel()
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.outbound:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && c.ctx.Err() == nil {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{
				Message: "malformed frame: " + err.Error(),
			}))
			continue
		}
		switch env.Type {
		case protocol.EventUserMessage:
			c.onUserMessage(env)
		case protocol.EventPermissionResponse:
			c.onPermissionResponse(env)
		case protocol.EventCancelRequest:
			c.onCancelRequest()
		default:
			c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{
				Message: "unknown event type " + string(env.Type),
			}))
		}
	}
}

func (c *wsConn) onUserMessage(env protocol.Envelope) {
	var msg protocol.UserMessage
	if err := env.Decode(&msg); err != nil {
		c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{Message: err.Error()}))
		return
	}
	if msg.Content == "" {
		c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{Message: "message content is empty"}))
		return
	}

	c.mu.Lock()
	if c.turnCancel != nil {
		c.mu.Unlock()
		c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{
			Message: "a turn is already running",
		}))
		return
	}

	if c.sessionID == "" {
		sess, err := c.srv.deps.Sessions.CreateSession(session.TitleFor(msg.Content), false)
		if err != nil {
			c.mu.Unlock()
			c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{Message: err.Error()}))
			return
		}
		c.sessionID = sess.ID
		c.send(protocol.MustEnvelope(protocol.EventSessionCreated, protocol.SessionCreated{
			SessionID: sess.ID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt,
		}))
	}
	sessionID := c.sessionID

	turnCtx, cancelTurn := context.WithCancel(c.ctx)
	c.turnCancel = cancelTurn
	c.mu.Unlock()

	go func() {
		defer func() {
			cancelTurn()
			c.mu.Lock()
			c.turnCancel = nil
			c.mu.Unlock()
		}()
		_, err := c.srv.deps.Runtime.RunTurn(turnCtx, orchestrator.TurnInput{
			SessionID: sessionID,
			Content:   msg.Content,
			Emit:      c.send,
		})
		switch {
		case errors.Is(err, orchestrator.ErrCancelled):
			c.send(protocol.Envelope{Type: protocol.EventCancelConfirmed})
		case err != nil:
			c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{Message: err.Error()}))
		}
	}()
}

func (c *wsConn) onPermissionResponse(env protocol.Envelope) {
	var resp protocol.PermissionResponse
	if err := env.Decode(&resp); err != nil {
		c.send(protocol.MustEnvelope(protocol.EventError, protocol.Error{Message: err.Error()}))
		return
	}
	if err := c.srv.deps.Perms.Respond(resp.ID, permission.Decision(resp.Decision)); err != nil {
		c.logger.Debug("permission response rejected",
			zap.String("request_id", resp.ID), zap.Error(err))
	}
}

func (c *wsConn) onCancelRequest() {
	c.mu.Lock()
	cancelTurn := c.turnCancel
	c.mu.Unlock()
	if cancelTurn != nil {
		cancelTurn()
	}
}

func (c *wsConn) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *wsConn) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *wsConn) sendRegistrySnapshot() {
	snap, err := c.srv.deps.Registry.Snapshot()
	if err != nil {
		c.logger.Warn("registry snapshot failed", zap.Error(err))
		return
	}
	c.send(protocol.MustEnvelope(protocol.EventRegistryUpdate, snap))
}

// replayHistory sends the persisted transcript and activity log of a resumed
// session, oldest first.
func (c *wsConn) replayHistory(sessionID string) {
	msgs, err := c.srv.deps.Sessions.Messages(sessionID)
	if err != nil {
		c.logger.Warn("loading session history failed", zap.Error(err))
		return
	}
	hist := protocol.SessionHistory{Messages: make([]protocol.HistoryMessage, 0, len(msgs))}
	for _, m := range msgs {
		hist.Messages = append(hist.Messages, protocol.HistoryMessage{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    m.Content,
			TokenCount: m.TokenCount,
			CreatedAt:  m.CreatedAt,
		})
	}
	c.send(protocol.MustEnvelope(protocol.EventSessionHistory, hist))

	acts, err := c.srv.deps.Sessions.Activity(sessionID)
	if err != nil {
		c.logger.Warn("loading activity history failed", zap.Error(err))
		return
	}
	ah := protocol.ActivityHistory{Events: make([]protocol.HistoryActivity, 0, len(acts))}
	for _, a := range acts {
		ah.Events = append(ah.Events, protocol.HistoryActivity{
			ID:           a.ID,
			AgentID:      a.AgentID,
			AgentName:    a.AgentType,
			EventType:    a.Event,
			ParentAgent:  a.ParentAgent,
			IsTeamMember: a.IsTeamMember,
			CreatedAt:    a.CreatedAt,
		})
	}
	c.send(protocol.MustEnvelope(protocol.EventActivityHistory, ah))
}

// startForwarders pipes process-wide broker events to this connection:
// permission requests for its session, registry snapshots, background
// session announcements and new insights.
func (c *wsConn) startForwarders() func() {
	permCh, permCancel := c.srv.deps.Perms.Subscribe()
	go func() {
		for ev := range permCh {
			if ev.Payload.SessionID != c.currentSessionID() {
				continue
			}
			switch ev.Type {
			case pubsub.CreatedEvent:
				c.send(protocol.MustEnvelope(protocol.EventPermissionRequest, protocol.PermissionRequest{
					ID:        ev.Payload.ID,
					ToolName:  ev.Payload.ToolName,
					ToolInput: ev.Payload.ToolInput,
					AgentName: ev.Payload.AgentName,
					ModelTier: ev.Payload.ModelTier,
				}))
			case pubsub.DeletedEvent:
				c.send(protocol.MustEnvelope(protocol.EventPermissionTimeout, protocol.PermissionTimeout{
					ID: ev.Payload.ID,
				}))
			}
		}
	}()

	regCh, regCancel := c.srv.deps.Registry.Subscribe()
	go func() {
		for ev := range regCh {
			c.send(protocol.MustEnvelope(protocol.EventRegistryUpdate, ev.Payload))
		}
	}()

	rtCh, rtCancel := c.srv.deps.Runtime.Subscribe()
	go func() {
		for ev := range rtCh {
			c.send(ev.Payload)
		}
	}()

	cancels := []func(){permCancel, regCancel, rtCancel}

	if c.srv.deps.Insights != nil {
		insCh, insCancel := c.srv.deps.Insights.Subscribe()
		cancels = append(cancels, insCancel)
		go func() {
			for ev := range insCh {
				if ev.Type != pubsub.CreatedEvent {
					continue
				}
				c.send(protocol.MustEnvelope(protocol.EventProactiveInsight, protocol.ProactiveInsight{
					ID:        ev.Payload.ID,
					Kind:      ev.Payload.Kind,
					Title:     ev.Payload.Title,
					Body:      ev.Payload.Body,
					CreatedAt: ev.Payload.CreatedAt,
				}))
			}
		}()
	}

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

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
// Package permission brokers tool-use approval between the agent runtime and
// the connected client.
package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/csync"
	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/session"
)

// DefaultTimeout is how long a request waits for the client before it is
// denied.
const DefaultTimeout = 60 * time.Second

// InputValueMaxLen caps tool input values shown to the client.
const InputValueMaxLen = 200

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionAllowAll Decision = "allow_all"
	DecisionDeny     Decision = "deny"
	DecisionTimeout  Decision = "timeout"
)

// Request is one pending approval. ToolInput values are pre-truncated.
type Request struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	ToolName  string            `json:"tool_name"`
	ToolInput map[string]string `json:"tool_input"`
	AgentName string            `json:"agent_name"`
	ModelTier string            `json:"model_tier"`
	Headless  bool              `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewRequest builds a Request, truncating input values to InputValueMaxLen.
func NewRequest(sessionID, toolName, agentName, modelTier string, input map[string]any, headless bool) Request {
	trimmed := make(map[string]string, len(input))
	for k, v := range input {
		s := fmt.Sprintf("%v", v)
		if len(s) > InputValueMaxLen {
			s = s[:InputValueMaxLen] + "..."
		}
		trimmed[k] = s
	}
	return Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		ToolInput: trimmed,
		AgentName: agentName,
		ModelTier: modelTier,
		Headless:  headless,
		CreatedAt: time.Now().UTC(),
	}
}

// Service resolves permission requests. Events: CreatedEvent when a request
// opens, DeletedEvent when it times out.
type Service struct {
	pending  *csync.Map[string, chan Decision]
	allowAll *csync.Map[string, bool] // sessionID + "\x00" + tool
	broker   *pubsub.Broker[Request]
	store    *session.Store
	timeout  time.Duration
	logger   *zap.Logger
}

// NewService creates a Service logging decisions into store.
func NewService(store *session.Store, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		pending:  csync.NewMap[string, chan Decision](),
		allowAll: csync.NewMap[string, bool](),
		broker:   pubsub.NewBroker[Request](),
		store:    store,
		timeout:  timeout,
		logger:   logger,
	}
}

// Subscribe returns the request event stream.
func (s *Service) Subscribe() (<-chan pubsub.Event[Request], func()) {
	return s.broker.Subscribe()
}

// Ask blocks until the client answers, the timeout elapses (deny) or ctx is
// cancelled (deny). Headless requests and tools previously granted allow_all
// in the session are approved immediately.
func (s *Service) Ask(ctx context.Context, req Request) (Decision, error) {
	if req.Headless {
		s.log(req, "auto_headless")
		return DecisionAllow, nil
	}
	if _, ok := s.allowAll.Get(allowAllKey(req.SessionID, req.ToolName)); ok {
		s.log(req, string(DecisionAllow))
		return DecisionAllow, nil
	}

	ch := make(chan Decision, 1)
	s.pending.Set(req.ID, ch)
	defer s.pending.Delete(req.ID)
	s.broker.Publish(pubsub.CreatedEvent, req)
	s.logger.Debug("permission requested",
		zap.String("request_id", req.ID),
		zap.String("tool", req.ToolName))

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.log(req, string(DecisionDeny))
		return DecisionDeny, ctx.Err()
	case <-timer.C:
		s.broker.Publish(pubsub.DeletedEvent, req)
		// The audit trail records the effective decision; the timeout is
		// surfaced to clients through the permission_timeout event.
		s.log(req, string(DecisionDeny))
		s.logger.Info("permission request timed out",
			zap.String("request_id", req.ID),
			zap.String("tool", req.ToolName))
		return DecisionTimeout, nil
	case d := <-ch:
		if d == DecisionAllowAll {
			s.allowAll.Set(allowAllKey(req.SessionID, req.ToolName), true)
		}
		s.log(req, string(d))
		return d, nil
	}
}

// Respond delivers the client's decision for a pending request.
func (s *Service) Respond(requestID string, d Decision) error {
	switch d {
	case DecisionAllow, DecisionAllowAll, DecisionDeny:
	default:
		return apperr.Newf(apperr.Validation, "unknown permission decision %q", d)
	}
	ch, ok := s.pending.Take(requestID)
	if !ok {
		return apperr.Newf(apperr.NotFound, "no pending permission request %s", requestID)
	}
	ch <- d
	return nil
}

// Granted reports whether d permits the tool call.
func Granted(d Decision) bool {
	return d == DecisionAllow || d == DecisionAllowAll
}

// ClearSession forgets allow_all grants for a session.
func (s *Service) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	for _, k := range s.allowAll.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			s.allowAll.Delete(k)
		}
	}
}

// Shutdown closes the event broker.
func (s *Service) Shutdown() {
	s.broker.Shutdown()
}

func (s *Service) log(req Request, decision string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.LogPermission(session.PermissionRecord{
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		Decision:  decision,
		AgentName: req.AgentName,
	}); err != nil {
		s.logger.Warn("logging permission decision failed", zap.Error(err))
	}
}

func allowAllKey(sessionID, tool string) string {
	return sessionID + "\x00" + tool
}

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
// Package orchestrator runs chat turns. A turn streams one agent's response,
// executes any tool calls it makes (behind the permission gate), and loops
// until the model stops asking for tools. Delegation spawns nested agent runs
// under the concurrency governor.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/config"
	"github.com/teradata-labs/clyde/pkg/governor"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/llm"
	"github.com/teradata-labs/clyde/pkg/permission"
	"github.com/teradata-labs/clyde/pkg/prompts"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/registry"
	"github.com/teradata-labs/clyde/pkg/session"
	"github.com/teradata-labs/clyde/pkg/skills"
)

const (
	// maxToolRounds bounds the tool-use loop within one turn.
	maxToolRounds = 20
	// toolInputEventMaxLen caps the input string on tool_use events.
	toolInputEventMaxLen = 500
	// CancelledMarker is appended to a partial response when a turn is
	// cancelled mid-stream.
	CancelledMarker = "\n\n[Cancelled by user]"
)

// ErrCancelled reports a cooperative cancellation requested by the client.
var ErrCancelled = errors.New("turn cancelled")

// EmitFunc delivers protocol events for one turn, in order.
type EmitFunc func(protocol.Envelope)

// TurnInput describes one user-message-to-result cycle.
type TurnInput struct {
	SessionID string
	Content   string
	// AgentName defaults to the orchestrator.
	AgentName string
	Headless  bool
	Emit      EmitFunc
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	Text         string
	TotalCostUSD float64
	DurationMS   int64
	NumTurns     int
	IsError      bool
}

// Runtime executes turns against the shared process state.
type Runtime struct {
	registry *registry.Registry
	prompts  *prompts.Store
	skills   *skills.Store
	sessions *session.Store
	ledger   *ledger.Ledger
	governor *governor.Governor
	perms    *permission.Service
	provider llm.Provider
	settings *config.SettingsStore
	broker   *pubsub.Broker[protocol.Envelope]
	logger   *zap.Logger
}

// Deps are the collaborators a Runtime needs.
type Deps struct {
	Registry *registry.Registry
	Prompts  *prompts.Store
	Skills   *skills.Store
	Sessions *session.Store
	Ledger   *ledger.Ledger
	Governor *governor.Governor
	Perms    *permission.Service
	Provider llm.Provider
	Settings *config.SettingsStore
	Logger   *zap.Logger
}

// New creates a Runtime.
func New(d Deps) *Runtime {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Runtime{
		registry: d.Registry,
		prompts:  d.Prompts,
		skills:   d.Skills,
		sessions: d.Sessions,
		ledger:   d.Ledger,
		governor: d.Governor,
		perms:    d.Perms,
		provider: d.Provider,
		settings: d.Settings,
		broker:   pubsub.NewBroker[protocol.Envelope](),
		logger:   d.Logger,
	}
}

// Subscribe returns process-wide events (background session announcements).
func (r *Runtime) Subscribe() (<-chan pubsub.Event[protocol.Envelope], func()) {
	return r.broker.Subscribe()
}

// Announce broadcasts an event to every subscribed client.
func (r *Runtime) Announce(env protocol.Envelope) {
	r.broker.Publish(pubsub.CreatedEvent, env)
}

// Shutdown closes the runtime's broker.
func (r *Runtime) Shutdown() {
	r.broker.Shutdown()
}

// RunTurn executes one turn. It persists the user message, streams the
// agent's response (emitting assistant_text events), executes tool calls
// between rounds, and records the outcome in the performance ledger. Exactly
// one result or error event follows from every call.
func (r *Runtime) RunTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	start := time.Now()
	emit := in.Emit
	if emit == nil {
		emit = func(protocol.Envelope) {}
	}

	agent, err := r.resolveAgent(in.AgentName)
	if err != nil {
		return nil, err
	}
	if err := r.governor.TryAcquire(agent.ID, ""); err != nil {
		return nil, err
	}
	defer r.governor.Release(agent.ID)

	if _, err := r.sessions.AddMessage(ctx, in.SessionID, session.RoleUser, in.Content); err != nil {
		return nil, err
	}

	msgs, err := r.historyMessages(in.SessionID)
	if err != nil {
		return nil, err
	}

	system, err := r.systemPrompt(agent)
	if err != nil {
		return nil, err
	}
	model := llm.ModelForTier(string(agent.ModelTier))
	tools := r.toolDefs()

	res := &TurnResult{}
	var finalText strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return r.finishCancelled(ctx, in, agent, res, finalText.String(), start)
		}
		res.NumTurns++

		resp, err := r.provider.ChatStream(ctx, llm.ChatRequest{
			Model:    model,
			System:   system,
			Messages: msgs,
			Tools:    tools,
		}, func(token string) {
			emit(protocol.MustEnvelope(protocol.EventAssistantText, protocol.AssistantText{
				Streaming: true,
				Text:      token,
				AgentName: agent.Name,
				ModelTier: string(agent.ModelTier),
				AgentRole: agent.Role,
			}))
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return r.finishCancelled(ctx, in, agent, res, finalText.String(), start)
			}
			r.recordTask(agent, in.SessionID, res, start, false)
			return nil, err
		}
		res.TotalCostUSD += resp.Usage.CostUSD

		if resp.Content != "" {
			if finalText.Len() > 0 {
				finalText.WriteString("\n\n")
			}
			finalText.WriteString(resp.Content)
		}

		if resp.StopReason != "tool_use" || len(resp.ToolCalls) == 0 {
			break
		}

		assistantBlocks := make([]llm.ContentBlock, 0, len(resp.ToolCalls)+1)
		if resp.Content != "" {
			assistantBlocks = append(assistantBlocks, llm.ContentBlock{Type: "text", Text: resp.Content})
		}
		var resultBlocks []llm.ContentBlock
		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return r.finishCancelled(ctx, in, agent, res, finalText.String(), start)
			}
			assistantBlocks = append(assistantBlocks, llm.ContentBlock{
				Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input,
			})
			emit(protocol.MustEnvelope(protocol.EventToolUse, protocol.ToolUse{
				Tool:  tc.Name,
				Input: truncate(compactJSON(tc.Input), toolInputEventMaxLen),
			}))

			out, toolErr := r.execTool(ctx, in, agent, tc, res, emit)
			if toolErr != nil {
				if errors.Is(toolErr, context.Canceled) || errors.Is(toolErr, ErrCancelled) {
					return r.finishCancelled(ctx, in, agent, res, finalText.String(), start)
				}
				resultBlocks = append(resultBlocks, llm.ContentBlock{
					Type: "tool_result", ToolUseID: tc.ID,
					Content: toolErr.Error(), IsError: true,
				})
				continue
			}
			resultBlocks = append(resultBlocks, llm.ContentBlock{
				Type: "tool_result", ToolUseID: tc.ID, Content: out,
			})
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: assistantBlocks},
			llm.Message{Role: llm.RoleUser, Content: resultBlocks},
		)
	}

	text := finalText.String()
	emit(protocol.MustEnvelope(protocol.EventAssistantText, protocol.AssistantText{
		Final:     true,
		Text:      text,
		AgentName: agent.Name,
		ModelTier: string(agent.ModelTier),
		AgentRole: agent.Role,
	}))
	if _, err := r.sessions.AddMessage(ctx, in.SessionID, session.RoleAssistant, text); err != nil {
		r.logger.Warn("persisting assistant message", zap.Error(err))
	}

	res.Text = text
	res.DurationMS = time.Since(start).Milliseconds()
	emit(protocol.MustEnvelope(protocol.EventResult, protocol.Result{
		TotalCostUSD: res.TotalCostUSD,
		DurationMS:   res.DurationMS,
		NumTurns:     res.NumTurns,
	}))
	r.recordTask(agent, in.SessionID, res, start, true)
	return res, nil
}

// RunHeadless creates a background session, announces it, and runs a single
// turn with no client attached. Used by the scheduler, file triggers and the
// insights engine.
func (r *Runtime) RunHeadless(ctx context.Context, title, prompt, agentName string) (string, error) {
	sess, err := r.sessions.CreateSession(title, true)
	if err != nil {
		return "", err
	}
	r.broker.Publish(pubsub.CreatedEvent, protocol.MustEnvelope(
		protocol.EventBackgroundSessionCreated, protocol.SessionCreated{
			SessionID: sess.ID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt,
		}))

	_, err = r.RunTurn(ctx, TurnInput{
		SessionID: sess.ID,
		Content:   prompt,
		AgentName: agentName,
		Headless:  true,
	})
	if err != nil {
		return sess.ID, fmt.Errorf("headless turn: %w", err)
	}
	return sess.ID, nil
}

func (r *Runtime) resolveAgent(name string) (registry.Agent, error) {
	if name == "" {
		return r.registry.Get(registry.OrchestratorID)
	}
	agent, err := r.registry.GetByName(name)
	if err != nil {
		return registry.Agent{}, err
	}
	if agent.Status == registry.StatusArchived {
		return registry.Agent{}, apperr.Newf(apperr.Conflict, "agent %q is archived", name)
	}
	return agent, nil
}

// systemPrompt combines the agent's prompt with the bodies of its attached
// skills.
func (r *Runtime) systemPrompt(agent registry.Agent) (string, error) {
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)
	for _, id := range agent.SkillIDs {
		sk, err := r.skills.Get(id)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				r.logger.Warn("skill missing", zap.String("skill", id), zap.String("agent", agent.ID))
				continue
			}
			return "", err
		}
		b.WriteString("\n\n## Skill: ")
		b.WriteString(sk.Name)
		b.WriteString("\n")
		b.WriteString(sk.Body)
	}
	return b.String(), nil
}

// historyMessages rebuilds the model conversation from the persisted
// transcript. Tool plumbing is not persisted, only user and assistant text.
func (r *Runtime) historyMessages(sessionID string) ([]llm.Message, error) {
	stored, err := r.sessions.Messages(sessionID)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, llm.TextMessage(llm.RoleUser, m.Content))
		case session.RoleAssistant:
			if m.Content != "" {
				msgs = append(msgs, llm.TextMessage(llm.RoleAssistant, m.Content))
			}
		}
	}
	return msgs, nil
}

// finishCancelled appends the cancellation marker to whatever partial text
// streamed so far, persists it, and reports the turn as cancelled. Governor
// slots are released by the deferred calls on the way out.
func (r *Runtime) finishCancelled(ctx context.Context, in TurnInput, agent registry.Agent, res *TurnResult, partial string, start time.Time) (*TurnResult, error) {
	text := partial + CancelledMarker
	// The turn context is done; persist with a fresh one.
	if _, err := r.sessions.AddMessage(context.WithoutCancel(ctx), in.SessionID, session.RoleAssistant, text); err != nil {
		r.logger.Warn("persisting cancelled message", zap.Error(err))
	}
	res.Text = text
	res.IsError = true
	res.DurationMS = time.Since(start).Milliseconds()
	r.recordTask(agent, in.SessionID, res, start, false)
	return res, ErrCancelled
}

func (r *Runtime) recordTask(agent registry.Agent, sessionID string, res *TurnResult, start time.Time, success bool) {
	if _, err := r.ledger.RecordTask(agent.ID, sessionID, success,
		res.TotalCostUSD, time.Since(start).Milliseconds(), res.NumTurns,
		string(agent.ModelTier)); err != nil {
		r.logger.Warn("recording ledger task", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

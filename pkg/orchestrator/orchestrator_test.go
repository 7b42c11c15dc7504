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
package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

// fakeProvider replays scripted responses, streaming each response's content
// through the callback a word at a time.
type fakeProvider struct {
	responses []*llm.Response
	calls     []llm.ChatRequest
}

func (f *fakeProvider) ChatStream(ctx context.Context, req llm.ChatRequest, cb llm.TokenCallback) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, req)
	if len(f.responses) == 0 {
		return &llm.Response{Content: "done", StopReason: "end_turn"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	if cb != nil && resp.Content != "" {
		cb(resp.Content)
	}
	return resp, nil
}

type fixture struct {
	runtime  *Runtime
	registry *registry.Registry
	sessions *session.Store
	ledger   *ledger.Ledger
	governor *governor.Governor
	perms    *permission.Service
	provider *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.New(registry.Config{Path: filepath.Join(dir, "registry.json")})
	require.NoError(t, err)
	t.Cleanup(reg.Shutdown)

	led, err := ledger.New(dir, zap.NewNop())
	require.NoError(t, err)

	store, err := session.NewStore(filepath.Join(dir, "clyde.db"), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings, err := config.NewSettingsStore(dir)
	require.NoError(t, err)

	promptStore, err := prompts.New(prompts.Config{
		Dir:      dir,
		Registry: reg,
		Ledger:   led,
		SelfEditEnabled: func() bool {
			return settings.Get().SelfEditEnabled
		},
	})
	require.NoError(t, err)

	skillStore, err := skills.NewStore(filepath.Join(dir, "skills"), zap.NewNop())
	require.NoError(t, err)

	gov := governor.New(
		func() int { return settings.Get().ConcurrencyCap },
		func() int { return settings.Get().MaxTeamSize },
		zap.NewNop())

	perms := permission.NewService(store, 50*time.Millisecond, zap.NewNop())
	t.Cleanup(perms.Shutdown)

	provider := &fakeProvider{}
	rt := New(Deps{
		Registry: reg,
		Prompts:  promptStore,
		Skills:   skillStore,
		Sessions: store,
		Ledger:   led,
		Governor: gov,
		Perms:    perms,
		Provider: provider,
		Settings: settings,
	})
	t.Cleanup(rt.Shutdown)

	return &fixture{
		runtime:  rt,
		registry: reg,
		sessions: store,
		ledger:   led,
		governor: gov,
		perms:    perms,
		provider: provider,
	}
}

func newTestSession(t *testing.T, f *fixture) session.Session {
	t.Helper()
	sess, err := f.sessions.CreateSession("test", false)
	require.NoError(t, err)
	return sess
}

func collectEmitted(events *[]protocol.Envelope) EmitFunc {
	return func(env protocol.Envelope) {
		*events = append(*events, env)
	}
}

func TestRunTurnPlainText(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	f.provider.responses = []*llm.Response{{
		Content:    "Hello there",
		StopReason: "end_turn",
		Usage:      llm.Usage{CostUSD: 0.01},
	}}

	var events []protocol.Envelope
	res, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "hi",
		Emit:      collectEmitted(&events),
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, 1, res.NumTurns)
	assert.InDelta(t, 0.01, res.TotalCostUSD, 1e-9)

	var types []protocol.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, protocol.EventAssistantText)
	assert.Equal(t, protocol.EventResult, types[len(types)-1])

	// User and assistant messages persisted.
	msgs, err := f.sessions.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)

	// A task entry landed in the ledger.
	entries, err := f.ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, registry.OrchestratorID, entries[0].AgentID)

	// The governor slot was released.
	assert.Equal(t, 0, f.governor.InUse())
}

func TestRunTurnToolLoop(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	f.provider.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "list_agents", Input: map[string]any{}}},
			Usage:      llm.Usage{CostUSD: 0.01},
		},
		{
			Content:    "The roster has one agent.",
			StopReason: "end_turn",
			Usage:      llm.Usage{CostUSD: 0.02},
		},
	}

	var events []protocol.Envelope
	res, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "who works here?",
		Emit:      collectEmitted(&events),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.NumTurns)
	assert.InDelta(t, 0.03, res.TotalCostUSD, 1e-9)

	var sawToolUse bool
	for _, ev := range events {
		if ev.Type == protocol.EventToolUse {
			sawToolUse = true
			var tu protocol.ToolUse
			require.NoError(t, ev.Decode(&tu))
			assert.Equal(t, "list_agents", tu.Tool)
		}
	}
	assert.True(t, sawToolUse)

	// Second model call carried the tool result.
	require.Len(t, f.provider.calls, 2)
	last := f.provider.calls[1].Messages[len(f.provider.calls[1].Messages)-1]
	require.NotEmpty(t, last.Content)
	assert.Equal(t, "tool_result", last.Content[0].Type)
}

func TestRunTurnGatedToolHeadlessAutoAllows(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	f.provider.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{ID: "t1", Name: "create_agent", Input: map[string]any{
				"name": "fiona", "role": "Analyst",
			}}},
		},
		{Content: "Hired Fiona.", StopReason: "end_turn"},
	}

	_, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "hire an analyst",
		Headless:  true,
	})
	require.NoError(t, err)

	created, err := f.registry.GetByName("fiona")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, created.Status)
}

func TestRunTurnGatedToolTimeoutDenies(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	f.provider.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{ID: "t1", Name: "create_agent", Input: map[string]any{
				"name": "ghost", "role": "Spy",
			}}},
		},
		{Content: "Could not hire.", StopReason: "end_turn"},
	}

	// No one responds to the permission request; the 50ms service timeout
	// converts it to a deny and the tool errors.
	_, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "hire a spy",
	})
	require.NoError(t, err)

	_, err = f.registry.GetByName("ghost")
	require.Error(t, err)
}

func TestRunTurnDelegate(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	_, err := f.registry.Create(registry.CreateInput{Name: "scout", Role: "Researcher"})
	require.NoError(t, err)

	f.provider.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{ID: "t1", Name: "delegate", Input: map[string]any{
				"agent_name": "scout", "task": "find the numbers",
			}}},
			Usage: llm.Usage{CostUSD: 0.01},
		},
		{Content: "Numbers found: 42.", StopReason: "end_turn", Usage: llm.Usage{CostUSD: 0.005}},
		{Content: "Scout reports 42.", StopReason: "end_turn", Usage: llm.Usage{CostUSD: 0.02}},
	}

	var events []protocol.Envelope
	res, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "research this",
		Emit:      collectEmitted(&events),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.035, res.TotalCostUSD, 1e-9)

	var started, stopped int
	for _, ev := range events {
		if ev.Type != protocol.EventAgentActivity {
			continue
		}
		var act protocol.AgentActivity
		require.NoError(t, ev.Decode(&act))
		switch act.Event {
		case "started":
			started++
			assert.Equal(t, registry.OrchestratorName, act.ParentAgent)
		case "stopped":
			stopped++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, started, stopped)

	// Activity persisted for resume replay.
	activity, err := f.sessions.Activity(sess.ID)
	require.NoError(t, err)
	assert.Len(t, activity, 2)

	assert.Equal(t, 0, f.governor.InUse())
}

func TestRunTurnDelegateCapacityDenied(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)
	_, err := f.registry.Create(registry.CreateInput{Name: "scout", Role: "Researcher"})
	require.NoError(t, err)

	// Fill the cap so the delegate acquire is denied.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.governor.TryAcquire(registry.NewAgentID(), ""))
	}
	// Free one slot for the orchestrator itself.
	active := f.governor.Active()
	f.governor.Release(active[0])

	f.provider.responses = []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{ID: "t1", Name: "delegate", Input: map[string]any{
				"agent_name": "scout", "task": "go",
			}}},
		},
		{Content: "Could not delegate, at capacity.", StopReason: "end_turn"},
	}

	res, err := f.runtime.RunTurn(context.Background(), TurnInput{
		SessionID: sess.ID,
		Content:   "research this",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.NumTurns)

	// The denial was fed back as a tool error, not a turn failure.
	require.Len(t, f.provider.calls, 2)
	last := f.provider.calls[1].Messages[len(f.provider.calls[1].Messages)-1]
	require.NotEmpty(t, last.Content)
	assert.True(t, last.Content[0].IsError)
}

func TestRunTurnCancelled(t *testing.T) {
	f := newFixture(t)
	sess := newTestSession(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runtime.RunTurn(ctx, TurnInput{
		SessionID: sess.ID,
		Content:   "never mind",
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, res.Text, "[Cancelled by user]")

	msgs, msgErr := f.sessions.Messages(sess.ID)
	require.NoError(t, msgErr)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "[Cancelled by user]")

	assert.Equal(t, 0, f.governor.InUse())
}

func TestRunHeadlessAnnouncesSession(t *testing.T) {
	f := newFixture(t)
	f.provider.responses = []*llm.Response{{Content: "report ready", StopReason: "end_turn"}}

	ch, cancel := f.runtime.Subscribe()
	defer cancel()

	id, err := f.runtime.RunHeadless(context.Background(), "[Scheduled] daily digest", "write the digest", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case ev := <-ch:
		assert.Equal(t, protocol.EventBackgroundSessionCreated, ev.Payload.Type)
		var created protocol.SessionCreated
		require.NoError(t, ev.Payload.Decode(&created))
		assert.Equal(t, id, created.SessionID)
		assert.Equal(t, "[Scheduled] daily digest", created.Title)
	case <-time.After(time.Second):
		t.Fatal("no background_session_created event")
	}

	sess, err := f.sessions.GetSession(id)
	require.NoError(t, err)
	assert.True(t, sess.Headless)
}

func TestSystemPromptIncludesSkills(t *testing.T) {
	f := newFixture(t)
	skillStore := f.runtime.skills
	_, err := skillStore.Create("weekly-report", "Weekly Report", "Summarize into five bullets.")
	require.NoError(t, err)

	agent, err := f.registry.Create(registry.CreateInput{
		Name:         "writer",
		Role:         "Writer",
		SystemPrompt: "You write.",
		SkillIDs:     []string{"weekly-report"},
	})
	require.NoError(t, err)

	system, err := f.runtime.systemPrompt(agent)
	require.NoError(t, err)
	assert.Contains(t, system, "You write.")
	assert.Contains(t, system, "Weekly Report")
	assert.Contains(t, system, "five bullets")
}

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
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/pkg/llm"
	"github.com/teradata-labs/clyde/pkg/permission"
	"github.com/teradata-labs/clyde/pkg/prompts"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/registry"
	"github.com/teradata-labs/clyde/pkg/session"
)

// gatedTools require an explicit permission decision before execution.
// Read-only tools and delegation run ungated.
var gatedTools = map[string]bool{
	"create_agent":  true,
	"archive_agent": true,
	"update_prompt": true,
	"create_skill":  true,
	"update_skill":  true,
}

func (r *Runtime) toolDefs() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "list_agents",
			Description: "List all agents in the roster with their role, model tier and status.",
			InputSchema: llm.InputSchema{Type: "object"},
		},
		{
			Name:        "create_agent",
			Description: "Hire a new agent. Requires a unique name and a role description.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"name":           {"type": "string"},
					"role":           {"type": "string"},
					"system_prompt":  {"type": "string"},
					"model_tier":     {"type": "string", "enum": []string{"haiku", "sonnet", "opus"}},
					"parent_agent":   {"type": "string"},
					"is_team_member": {"type": "boolean"},
				},
				Required: []string{"name", "role"},
			},
		},
		{
			Name:        "archive_agent",
			Description: "Archive an agent by name. Archived agents cannot be revived.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"name": {"type": "string"},
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        "update_prompt",
			Description: "Rewrite an agent's system prompt. Records the change in prompt history.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"agent_name": {"type": "string"},
					"prompt":     {"type": "string"},
					"reason":     {"type": "string"},
				},
				Required: []string{"agent_name", "prompt", "reason"},
			},
		},
		{
			Name:        "list_skills",
			Description: "List the skills available to attach to agents.",
			InputSchema: llm.InputSchema{Type: "object"},
		},
		{
			Name:        "read_skill",
			Description: "Read the full body of a skill by id.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"id": {"type": "string"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "create_skill",
			Description: "Write a new reusable skill document.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"id":   {"type": "string"},
					"name": {"type": "string"},
					"body": {"type": "string"},
				},
				Required: []string{"id", "name", "body"},
			},
		},
		{
			Name:        "update_skill",
			Description: "Update an existing skill. Bumps its minor version.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"id":   {"type": "string"},
					"name": {"type": "string"},
					"body": {"type": "string"},
				},
				Required: []string{"id", "body"},
			},
		},
		{
			Name:        "delegate",
			Description: "Delegate a task to a named agent and wait for its answer.",
			InputSchema: llm.InputSchema{
				Type: "object",
				Properties: map[string]map[string]any{
					"agent_name": {"type": "string"},
					"task":       {"type": "string"},
				},
				Required: []string{"agent_name", "task"},
			},
		},
	}
}

// execTool runs one tool call on behalf of agent, asking for permission when
// the tool is gated.
func (r *Runtime) execTool(ctx context.Context, in TurnInput, agent registry.Agent, tc llm.ToolCall, res *TurnResult, emit EmitFunc) (string, error) {
	if gatedTools[tc.Name] {
		decision, err := r.perms.Ask(ctx, permission.NewRequest(
			in.SessionID, tc.Name, agent.Name, string(agent.ModelTier), tc.Input, in.Headless))
		if err != nil {
			return "", err
		}
		if decision == permission.DecisionDeny || decision == permission.DecisionTimeout {
			return "", fmt.Errorf("permission %s for tool %s", decision, tc.Name)
		}
	}

	switch tc.Name {
	case "list_agents":
		return r.toolListAgents()
	case "create_agent":
		return r.toolCreateAgent(tc.Input)
	case "archive_agent":
		return r.toolArchiveAgent(tc.Input)
	case "update_prompt":
		return r.toolUpdatePrompt(agent, tc.Input)
	case "list_skills":
		return r.toolListSkills()
	case "read_skill":
		return r.toolReadSkill(tc.Input)
	case "create_skill":
		return r.toolCreateSkill(tc.Input)
	case "update_skill":
		return r.toolUpdateSkill(tc.Input)
	case "delegate":
		return r.toolDelegate(ctx, in, agent, tc.Input, res, emit)
	default:
		return "", apperr.Newf(apperr.Validation, "unknown tool %q", tc.Name)
	}
}

func inputString(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) toolListAgents() (string, error) {
	agents, err := r.registry.List("")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "%s (%s) tier=%s status=%s", a.Name, a.Role, a.ModelTier, a.Status)
		if a.ParentAgent != "" {
			fmt.Fprintf(&b, " parent=%s", a.ParentAgent)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (r *Runtime) toolCreateAgent(input map[string]any) (string, error) {
	tier := registry.ModelTier(inputString(input, "model_tier"))
	isTeam, _ := input["is_team_member"].(bool)
	created, err := r.registry.Create(registry.CreateInput{
		Name:          inputString(input, "name"),
		Role:          inputString(input, "role"),
		SystemPrompt:  inputString(input, "system_prompt"),
		ModelTier:     tier,
		ParentAgent:   inputString(input, "parent_agent"),
		IsTeamMember:  isTeam,
		OpusRequested: tier == registry.TierOpus,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created agent %s (%s)", created.Name, created.ID), nil
}

func (r *Runtime) toolArchiveAgent(input map[string]any) (string, error) {
	agent, err := r.registry.GetByName(inputString(input, "name"))
	if err != nil {
		return "", err
	}
	if _, err := r.registry.Archive(agent.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("archived agent %s", agent.Name), nil
}

func (r *Runtime) toolUpdatePrompt(caller registry.Agent, input map[string]any) (string, error) {
	target, err := r.registry.GetByName(inputString(input, "agent_name"))
	if err != nil {
		return "", err
	}
	changedBy := prompts.ChangedByUser
	if caller.IsOrchestrator() {
		changedBy = prompts.ChangedByClyde
	}
	entry, err := r.prompts.Update(target.ID, inputString(input, "prompt"), inputString(input, "reason"), changedBy)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("updated prompt for %s (version %s)", target.Name, entry.ID), nil
}

func (r *Runtime) toolListSkills() (string, error) {
	list, err := r.skills.List()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, sk := range list {
		fmt.Fprintf(&b, "%s: %s (v%s)\n", sk.ID, sk.Name, sk.Version)
	}
	return b.String(), nil
}

func (r *Runtime) toolReadSkill(input map[string]any) (string, error) {
	sk, err := r.skills.Get(inputString(input, "id"))
	if err != nil {
		return "", err
	}
	return sk.Body, nil
}

func (r *Runtime) toolCreateSkill(input map[string]any) (string, error) {
	sk, err := r.skills.Create(inputString(input, "id"), inputString(input, "name"), inputString(input, "body"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created skill %s v%s", sk.ID, sk.Version), nil
}

func (r *Runtime) toolUpdateSkill(input map[string]any) (string, error) {
	sk, err := r.skills.Update(inputString(input, "id"), inputString(input, "name"), inputString(input, "body"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("updated skill %s to v%s", sk.ID, sk.Version), nil
}

// toolDelegate runs a nested agent call under a governor slot. Capacity
// denial surfaces as a tool error, not a crash.
func (r *Runtime) toolDelegate(ctx context.Context, in TurnInput, parent registry.Agent, input map[string]any, res *TurnResult, emit EmitFunc) (string, error) {
	child, err := r.registry.GetByName(inputString(input, "agent_name"))
	if err != nil {
		return "", err
	}
	if child.Status == registry.StatusArchived {
		return "", apperr.Newf(apperr.Conflict, "agent %q is archived", child.Name)
	}
	task := inputString(input, "task")
	if task == "" {
		return "", apperr.New(apperr.Validation, "delegate requires a task")
	}

	if err := r.governor.TryAcquire(child.ID, parent.ID); err != nil {
		return "", err
	}
	defer r.governor.Release(child.ID)

	activity := protocol.AgentActivity{
		Event:        "started",
		AgentID:      child.ID,
		AgentType:    child.Role,
		ParentAgent:  parent.Name,
		IsTeamMember: child.IsTeamMember,
	}
	emit(protocol.MustEnvelope(protocol.EventAgentActivity, activity))
	r.logActivity(in.SessionID, child, parent.Name, "started")
	defer func() {
		activity.Event = "stopped"
		emit(protocol.MustEnvelope(protocol.EventAgentActivity, activity))
		r.logActivity(in.SessionID, child, parent.Name, "stopped")
	}()

	system, err := r.systemPrompt(child)
	if err != nil {
		return "", err
	}
	resp, err := r.provider.ChatStream(ctx, llm.ChatRequest{
		Model:    llm.ModelForTier(string(child.ModelTier)),
		System:   system,
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, task)},
	}, func(token string) {
		emit(protocol.MustEnvelope(protocol.EventAssistantText, protocol.AssistantText{
			Streaming: true,
			Text:      token,
			AgentName: child.Name,
			ModelTier: string(child.ModelTier),
			AgentRole: child.Role,
		}))
	})
	if err != nil {
		return "", err
	}
	res.TotalCostUSD += resp.Usage.CostUSD
	emit(protocol.MustEnvelope(protocol.EventAssistantText, protocol.AssistantText{
		Final:     true,
		Text:      resp.Content,
		AgentName: child.Name,
		ModelTier: string(child.ModelTier),
		AgentRole: child.Role,
	}))
	return resp.Content, nil
}

func (r *Runtime) logActivity(sessionID string, agent registry.Agent, parentName, event string) {
	if _, err := r.sessions.AddActivity(session.ActivityEvent{
		SessionID:    sessionID,
		Event:        event,
		AgentID:      agent.ID,
		AgentType:    agent.Role,
		ParentAgent:  parentName,
		IsTeamMember: agent.IsTeamMember,
	}); err != nil {
		r.logger.Warn("recording activity", zap.Error(err))
	}
}

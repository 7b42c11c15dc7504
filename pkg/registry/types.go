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
// Package registry manages the agent roster backed by a single JSON file.
package registry

import "time"

// Status is an agent lifecycle state. Archived is terminal.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// ModelTier selects the model class an agent runs on.
type ModelTier string

const (
	TierHaiku  ModelTier = "haiku"
	TierSonnet ModelTier = "sonnet"
	TierOpus   ModelTier = "opus"
)

// Valid reports whether t is a known tier.
func (t ModelTier) Valid() bool {
	switch t {
	case TierHaiku, TierSonnet, TierOpus:
		return true
	}
	return false
}

// OrchestratorID is the fixed id of the protected orchestrator agent.
const OrchestratorID = "agt-000000000000"

// OrchestratorName is the orchestrator's reserved name.
const OrchestratorName = "clyde"

// Agent is a registry record.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	SystemPrompt string    `json:"system_prompt"`
	ModelTier    ModelTier `json:"model_tier"`
	Status       Status    `json:"status"`
	ParentAgent  string    `json:"parent_agent,omitempty"`
	IsTeamMember bool      `json:"is_team_member"`
	SkillIDs     []string  `json:"skill_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOrchestrator reports whether a is the protected orchestrator record.
func (a Agent) IsOrchestrator() bool {
	return a.ID == OrchestratorID
}

// CreateInput are the caller-supplied fields for Create.
type CreateInput struct {
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	SystemPrompt string    `json:"system_prompt"`
	ModelTier    ModelTier `json:"model_tier,omitempty"`
	ParentAgent  string    `json:"parent_agent,omitempty"`
	IsTeamMember bool      `json:"is_team_member"`
	SkillIDs     []string  `json:"skill_ids,omitempty"`
	// OpusRequested must be set explicitly to select the opus tier.
	OpusRequested bool `json:"opus_requested,omitempty"`
}

// UpdateInput carries optional field updates; nil fields are left unchanged.
type UpdateInput struct {
	Role          *string    `json:"role,omitempty"`
	SystemPrompt  *string    `json:"system_prompt,omitempty"`
	ModelTier     *ModelTier `json:"model_tier,omitempty"`
	Status        *Status    `json:"status,omitempty"`
	SkillIDs      *[]string  `json:"skill_ids,omitempty"`
	OpusRequested bool       `json:"opus_requested,omitempty"`
}

// Summary is the per-agent slice of a registry snapshot.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	ModelTier    ModelTier `json:"model_tier"`
	Status       Status    `json:"status"`
	ParentAgent  string    `json:"parent_agent,omitempty"`
	IsTeamMember bool      `json:"is_team_member"`
}

// Snapshot is broadcast as a registry_update event.
type Snapshot struct {
	AgentCount int       `json:"agent_count"`
	Agents     []Summary `json:"agents"`
}

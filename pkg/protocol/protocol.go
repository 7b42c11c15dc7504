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
// Package protocol defines the tagged event envelope exchanged over the chat
// WebSocket. Every frame is an Envelope with a type tag and a JSON payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags an Envelope.
type EventType string

// Server to client events.
const (
	EventInit                     EventType = "init"
	EventSessionCreated           EventType = "session_created"
	EventBackgroundSessionCreated EventType = "background_session_created"
	EventSessionHistory           EventType = "session_history"
	EventActivityHistory          EventType = "activity_history"
	EventAssistantText            EventType = "assistant_text"
	EventToolUse                  EventType = "tool_use"
	EventResult                   EventType = "result"
	EventError                    EventType = "error"
	EventPermissionRequest        EventType = "permission_request"
	EventPermissionTimeout        EventType = "permission_timeout"
	EventAgentActivity            EventType = "agent_activity"
	EventRegistryUpdate           EventType = "registry_update"
	EventSessionTitleUpdate       EventType = "session_title_update"
	EventProactiveInsight         EventType = "proactive_insight"
	EventCancelConfirmed          EventType = "cancel_confirmed"
)

// Client to server events.
const (
	EventUserMessage        EventType = "user_message"
	EventPermissionResponse EventType = "permission_response"
	EventCancelRequest      EventType = "cancel_request"
)

// Envelope is one WebSocket frame.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Init is sent once when a connection opens. A nil SessionID means the
// session will be created lazily on the first user message.
type Init struct {
	SessionID *string `json:"sessionId"`
}

// SessionCreated announces a newly created session. The same shape is used
// for background_session_created.
type SessionCreated struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryMessage is one replayed message inside a session_history event.
type HistoryMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	AgentName  string    `json:"agentName,omitempty"`
	Content    string    `json:"content"`
	TokenCount int       `json:"tokenCount,omitempty"`
	CostUSD    float64   `json:"costUsd,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionHistory replays persisted messages on resume, in creation order.
type SessionHistory struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryActivity is one replayed activity event.
type HistoryActivity struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	AgentName    string    `json:"agentName"`
	EventType    string    `json:"eventType"`
	Description  string    `json:"description,omitempty"`
	ParentAgent  string    `json:"parentAgent,omitempty"`
	IsTeamMember bool      `json:"isTeamMember,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ActivityHistory replays prior activity events on resume.
type ActivityHistory struct {
	Events []HistoryActivity `json:"events"`
}

// AssistantText carries streamed or final assistant output. Streaming
// fragments are concatenated client-side; the final event supersedes the
// accumulated text.
type AssistantText struct {
	Streaming bool   `json:"streaming,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Text      string `json:"text"`
	AgentName string `json:"agentName"`
	ModelTier string `json:"modelTier,omitempty"`
	AgentRole string `json:"agentRole,omitempty"`
}

// ToolUse attaches a tool invocation to the current assistant message.
type ToolUse struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Result terminates a turn normally.
type Result struct {
	TotalCostUSD float64 `json:"totalCostUsd"`
	DurationMS   int64   `json:"durationMs"`
	NumTurns     int     `json:"numTurns"`
	IsError      bool    `json:"isError,omitempty"`
}

// Error terminates a turn abnormally. The session stays usable.
type Error struct {
	Message string `json:"message"`
}

// PermissionRequest asks the client to approve a tool call.
type PermissionRequest struct {
	ID        string            `json:"id"`
	ToolName  string            `json:"toolName"`
	ToolInput map[string]string `json:"toolInput"`
	AgentName string            `json:"agentName"`
	ModelTier string            `json:"modelTier,omitempty"`
}

// PermissionTimeout reports that a request expired without a response.
type PermissionTimeout struct {
	ID string `json:"id"`
}

// AgentActivity reports nested agent lifecycle. started and stopped events
// are paired per agent id.
type AgentActivity struct {
	Event        string `json:"event"`
	AgentID      string `json:"agentId"`
	AgentType    string `json:"agentType"`
	ParentAgent  string `json:"parentAgent,omitempty"`
	IsTeamMember bool   `json:"isTeamMember"`
}

// RegistryUpdate is a full snapshot replace of the agent list.
type RegistryUpdate struct {
	Agents json.RawMessage `json:"agents"`
}

// SessionTitleUpdate announces a session rename to connected clients.
type SessionTitleUpdate struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
}

// ProactiveInsight pushes an insight independent of any turn.
type ProactiveInsight struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserMessage is the client's chat input.
type UserMessage struct {
	Content       string   `json:"content"`
	FileRefs      []string `json:"fileRefs,omitempty"`
	FolderContext string   `json:"folderContext,omitempty"`
}

// PermissionResponse answers a permission_request.
type PermissionResponse struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

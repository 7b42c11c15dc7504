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
// Package session persists chat sessions, their transcripts and side logs.
package session

import (
	"strings"
	"time"
)

// TitleMaxLen caps auto-generated session titles.
const TitleMaxLen = 40

// Session is one conversation with the orchestrator. Headless sessions are
// created by the scheduler or a file trigger and run without a client.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Headless  bool      `json:"headless"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActivityEvent records an agent starting or stopping inside a session.
type ActivityEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Event        string    `json:"event"` // started | stopped
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	ParentAgent  string    `json:"parent_agent,omitempty"`
	IsTeamMember bool      `json:"is_team_member"`
	CreatedAt    time.Time `json:"created_at"`
}

// PermissionRecord is the audit trail of permission decisions.
type PermissionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Decision  string    `json:"decision"` // allow | allow_all | deny | auto_headless
	AgentName string    `json:"agent_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult pairs a message with its cosine similarity to the query.
type SearchResult struct {
	Message    Message `json:"message"`
	Similarity float64 `json:"similarity"`
}

// TitleFor derives a session title from the first user message: the first
// TitleMaxLen runes, with "..." appended when truncated.
func TitleFor(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "Untitled session"
	}
	if line, _, found := strings.Cut(content, "\n"); found {
		content = line
	}
	runes := []rune(content)
	if len(runes) <= TitleMaxLen {
		return content
	}
	return string(runes[:TitleMaxLen]) + "..."
}

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
// Package prompts versions agent system prompts with an append-only history
// and an automatic rollback guardrail for self-edits.
package prompts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/registry"
)

// AutoRollbackStreak is the consecutive-negative-feedback count that reverts
// a self-edited prompt.
const AutoRollbackStreak = 3

// ChangedBy identifies the author of a prompt change.
type ChangedBy string

const (
	ChangedByUser  ChangedBy = "user"
	ChangedByClyde ChangedBy = "clyde"
)

// HistoryEntry records one prompt change. PreviousPrompt and NewPrompt carry
// the full text so any entry can be restored without replaying the chain.
type HistoryEntry struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	PreviousPrompt string    `json:"previous_prompt"`
	NewPrompt      string    `json:"new_prompt"`
	Reason         string    `json:"reason"`
	ChangedBy      ChangedBy `json:"changed_by"`
	Diff           string    `json:"diff"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store writes prompt history to history.jsonl and keeps the current prompt
// in the agent registry record.
type Store struct {
	mu       sync.Mutex
	path     string
	reg      *registry.Registry
	led      *ledger.Ledger
	selfEdit func() bool
	logger   *zap.Logger
	dmp      *diffmatchpatch.DiffMatchPatch
}

// Config configures a Store.
type Config struct {
	// Dir holds history.jsonl.
	Dir      string
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	// SelfEditEnabled gates changes authored by the orchestrator itself.
	SelfEditEnabled func() bool
	Logger          *zap.Logger
}

// New creates the store directory and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SelfEditEnabled == nil {
		cfg.SelfEditEnabled = func() bool { return true }
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating prompts dir: %w", err)
	}
	return &Store{
		path:     filepath.Join(cfg.Dir, "history.jsonl"),
		reg:      cfg.Registry,
		led:      cfg.Ledger,
		selfEdit: cfg.SelfEditEnabled,
		logger:   cfg.Logger,
		dmp:      diffmatchpatch.New(),
	}, nil
}

// Update sets a new system prompt for the agent and appends a history entry.
// Self-edits (changedBy clyde) are rejected while self-editing is disabled.
func (s *Store) Update(agentID, newPrompt, reason string, changedBy ChangedBy) (HistoryEntry, error) {
	if changedBy == ChangedByClyde && !s.selfEdit() {
		return HistoryEntry{}, apperr.New(apperr.Conflict, "prompt self-editing is disabled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.reg.Get(agentID)
	if err != nil {
		return HistoryEntry{}, err
	}
	if agent.SystemPrompt == newPrompt {
		return HistoryEntry{}, apperr.New(apperr.Validation, "new prompt is identical to the current one")
	}
	if _, err := s.reg.Update(agentID, registry.UpdateInput{SystemPrompt: &newPrompt}); err != nil {
		return HistoryEntry{}, err
	}
	entry := HistoryEntry{
		ID:             ulid.Make().String(),
		AgentID:        agentID,
		PreviousPrompt: agent.SystemPrompt,
		NewPrompt:      newPrompt,
		Reason:         reason,
		ChangedBy:      changedBy,
		Diff:           s.diff(agent.SystemPrompt, newPrompt),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.appendLocked(entry); err != nil {
		return HistoryEntry{}, err
	}
	s.logger.Info("prompt updated",
		zap.String("agent_id", agentID),
		zap.String("changed_by", string(changedBy)))
	return entry, nil
}

// History returns the agent's prompt changes, newest first, capped at limit
// (0 means all).
func (s *Store) History(agentID string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].AgentID != agentID {
			continue
		}
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Rollback restores the prompt that was current before the given history
// entry and appends a new history entry describing the rollback.
func (s *Store) Rollback(agentID, entryID string, changedBy ChangedBy) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return HistoryEntry{}, err
	}
	var target *HistoryEntry
	for i := range entries {
		if entries[i].ID == entryID && entries[i].AgentID == agentID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return HistoryEntry{}, apperr.Newf(apperr.NotFound, "history entry %s not found for agent %s", entryID, agentID)
	}
	return s.applyLocked(agentID, target.PreviousPrompt,
		fmt.Sprintf("rollback to history entry %s", entryID), changedBy)
}

// CheckAutoRollback reverts the most recent self-edit when the agent has
// accumulated AutoRollbackStreak consecutive negative evaluations since the
// change. Returns true when a rollback happened.
func (s *Store) CheckAutoRollback(agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return false, err
	}
	var last *HistoryEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].AgentID == agentID && entries[i].ChangedBy == ChangedByClyde {
			last = &entries[i]
			break
		}
	}
	if last == nil {
		return false, nil
	}
	streak, err := s.led.NegativeStreak(agentID, last.CreatedAt)
	if err != nil {
		return false, err
	}
	if streak < AutoRollbackStreak {
		return false, nil
	}
	if _, err := s.applyLocked(agentID, last.PreviousPrompt,
		fmt.Sprintf("auto-rollback after %d consecutive negative evaluations", streak),
		ChangedByClyde); err != nil {
		return false, err
	}
	s.logger.Warn("prompt auto-rollback",
		zap.String("agent_id", agentID),
		zap.Int("streak", streak))
	return true, nil
}

// applyLocked writes prompt as current and appends the history entry.
func (s *Store) applyLocked(agentID, prompt, reason string, changedBy ChangedBy) (HistoryEntry, error) {
	agent, err := s.reg.Get(agentID)
	if err != nil {
		return HistoryEntry{}, err
	}
	if _, err := s.reg.Update(agentID, registry.UpdateInput{SystemPrompt: &prompt}); err != nil {
		return HistoryEntry{}, err
	}
	entry := HistoryEntry{
		ID:             ulid.Make().String(),
		AgentID:        agentID,
		PreviousPrompt: agent.SystemPrompt,
		NewPrompt:      prompt,
		Reason:         reason,
		ChangedBy:      changedBy,
		Diff:           s.diff(agent.SystemPrompt, prompt),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.appendLocked(entry); err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) diff(old, new string) string {
	diffs := s.dmp.DiffMain(old, new, true)
	s.dmp.DiffCleanupSemantic(diffs)
	return s.dmp.PatchToText(s.dmp.PatchMake(old, diffs))
}

func (s *Store) appendLocked(e HistoryEntry) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}
	return nil
}

func (s *Store) readLocked() ([]HistoryEntry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()
	var out []HistoryEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e HistoryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			s.logger.Warn("skipping malformed history line", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning history: %w", err)
	}
	return out, nil
}

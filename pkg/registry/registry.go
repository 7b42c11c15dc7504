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
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/fsext"
	"github.com/teradata-labs/clyde/internal/pubsub"
)

// DefaultCacheTTL bounds how stale an in-memory registry read may be.
const DefaultCacheTTL = 5 * time.Second

// registryFile is the on-disk layout of registry.json.
type registryFile struct {
	Version int              `json:"version"`
	Agents  map[string]Agent `json:"agents"`
}

// Config configures a Registry.
type Config struct {
	// Path to registry.json. The parent directory is created if missing.
	Path string
	// CacheTTL for reads; DefaultCacheTTL when zero.
	CacheTTL time.Duration
	// MaxTeamSize returns the current team-size cap.
	MaxTeamSize func() int
	Logger      *zap.Logger
}

// Registry is the single source of truth for agents. All mutations rewrite
// registry.json atomically; reads go through a short-lived cache.
type Registry struct {
	mu       sync.Mutex
	path     string
	ttl      time.Duration
	teamSize func() int
	logger   *zap.Logger

	cached   *registryFile
	cachedAt time.Time

	broker *pubsub.Broker[Snapshot]
}

// New opens (or seeds) the registry at cfg.Path. A fresh registry contains
// only the protected orchestrator record.
func New(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxTeamSize == nil {
		cfg.MaxTeamSize = func() int { return 3 }
	}
	r := &Registry{
		path:     cfg.Path,
		ttl:      cfg.CacheTTL,
		teamSize: cfg.MaxTeamSize,
		logger:   cfg.Logger,
		broker:   pubsub.NewBroker[Snapshot](),
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		if err := r.seedLocked(); err != nil {
			return nil, err
		}
	}
	if _, err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) seedLocked() error {
	now := time.Now().UTC()
	rf := &registryFile{
		Version: 1,
		Agents: map[string]Agent{
			OrchestratorID: {
				ID:        OrchestratorID,
				Name:      OrchestratorName,
				Role:      "Chief orchestrator. Hires, delegates to and evaluates the rest of the roster.",
				ModelTier: TierSonnet,
				Status:    StatusIdle,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
	}
	return r.writeLocked(rf)
}

// loadLocked reads registry.json (through the TTL cache) and validates it
// against the embedded schema.
func (r *Registry) loadLocked() (*registryFile, error) {
	if r.cached != nil && time.Since(r.cachedAt) < r.ttl {
		return r.cached, nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(registrySchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validating registry: %w", err)
	}
	if !res.Valid() {
		return nil, apperr.Newf(apperr.Validation, "registry file failed schema validation: %v", res.Errors())
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	r.cached = &rf
	r.cachedAt = time.Now()
	return &rf, nil
}

// writeLocked persists rf atomically and refreshes the cache.
func (r *Registry) writeLocked(rf *registryFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	if err := fsext.AtomicWrite(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	r.cached = rf
	r.cachedAt = time.Now()
	return nil
}

// Subscribe returns a channel of registry snapshots emitted after each
// mutation.
func (r *Registry) Subscribe() (<-chan pubsub.Event[Snapshot], func()) {
	return r.broker.Subscribe()
}

func (r *Registry) publishLocked(rf *registryFile) {
	r.broker.Publish(pubsub.UpdatedEvent, snapshotOf(rf))
}

// NewAgentID returns a fresh "agt-" prefixed 12-hex-char id.
func NewAgentID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return "agt-" + hex.EncodeToString(b)
}

// Create validates input and adds a new agent.
func (r *Registry) Create(in CreateInput) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Agent{}, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Agent{}, apperr.New(apperr.Validation, "agent name is required")
	}
	if strings.TrimSpace(in.Role) == "" {
		return Agent{}, apperr.New(apperr.Validation, "agent role is required")
	}
	for _, a := range rf.Agents {
		if strings.EqualFold(a.Name, name) {
			return Agent{}, apperr.Newf(apperr.Conflict, "agent name %q already in use", name)
		}
	}

	tier := in.ModelTier
	if tier == "" {
		tier = TierSonnet
	}
	if !tier.Valid() {
		return Agent{}, apperr.Newf(apperr.Validation, "unknown model tier %q", tier)
	}
	if tier == TierOpus && !in.OpusRequested {
		return Agent{}, apperr.New(apperr.Validation, "opus tier requires an explicit request")
	}

	if in.ParentAgent != "" {
		parent, ok := rf.Agents[in.ParentAgent]
		if !ok {
			return Agent{}, apperr.Newf(apperr.NotFound, "parent agent %s not found", in.ParentAgent)
		}
		if parent.Status == StatusArchived {
			return Agent{}, apperr.New(apperr.Conflict, "cannot attach to an archived parent")
		}
		if in.IsTeamMember {
			if n := countTeam(rf, in.ParentAgent); n >= r.teamSize() {
				return Agent{}, apperr.Newf(apperr.Capacity, "parent %s already has %d team members", in.ParentAgent, n)
			}
		}
	} else if in.IsTeamMember {
		return Agent{}, apperr.New(apperr.Validation, "team members require a parent agent")
	}

	now := time.Now().UTC()
	agent := Agent{
		ID:           NewAgentID(),
		Name:         name,
		Role:         in.Role,
		SystemPrompt: in.SystemPrompt,
		ModelTier:    tier,
		Status:       StatusActive,
		ParentAgent:  in.ParentAgent,
		IsTeamMember: in.IsTeamMember,
		SkillIDs:     in.SkillIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rf.Agents[agent.ID] = agent
	if err := r.writeLocked(rf); err != nil {
		return Agent{}, err
	}
	r.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("tier", string(agent.ModelTier)))
	r.publishLocked(rf)
	return agent, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Agent{}, err
	}
	a, ok := rf.Agents[id]
	if !ok {
		return Agent{}, apperr.Newf(apperr.NotFound, "agent %s not found", id)
	}
	return a, nil
}

// GetByName returns the agent with the given name, case-insensitively.
func (r *Registry) GetByName(name string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Agent{}, err
	}
	for _, a := range rf.Agents {
		if strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return Agent{}, apperr.Newf(apperr.NotFound, "agent named %q not found", name)
}

// List returns agents sorted by creation time. A non-empty query fuzzy
// matches against agent names.
func (r *Registry) List(query string) ([]Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(rf.Agents))
	for _, a := range rf.Agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	if query == "" {
		return agents, nil
	}
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	matches := fuzzy.Find(query, names)
	out := make([]Agent, 0, len(matches))
	for _, m := range matches {
		out = append(out, agents[m.Index])
	}
	return out, nil
}

// Update applies the non-nil fields of in to the agent.
func (r *Registry) Update(id string, in UpdateInput) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Agent{}, err
	}
	a, ok := rf.Agents[id]
	if !ok {
		return Agent{}, apperr.Newf(apperr.NotFound, "agent %s not found", id)
	}
	if a.Status == StatusArchived {
		return Agent{}, apperr.New(apperr.Conflict, "archived agents cannot be modified")
	}
	if in.Role != nil {
		if strings.TrimSpace(*in.Role) == "" {
			return Agent{}, apperr.New(apperr.Validation, "agent role cannot be empty")
		}
		a.Role = *in.Role
	}
	if in.SystemPrompt != nil {
		a.SystemPrompt = *in.SystemPrompt
	}
	if in.ModelTier != nil {
		if !in.ModelTier.Valid() {
			return Agent{}, apperr.Newf(apperr.Validation, "unknown model tier %q", *in.ModelTier)
		}
		if *in.ModelTier == TierOpus && !in.OpusRequested {
			return Agent{}, apperr.New(apperr.Validation, "opus tier requires an explicit request")
		}
		a.ModelTier = *in.ModelTier
	}
	if in.Status != nil {
		if !in.Status.Valid() {
			return Agent{}, apperr.Newf(apperr.Validation, "unknown status %q", *in.Status)
		}
		if *in.Status == StatusArchived {
			return Agent{}, apperr.New(apperr.Validation, "use Archive to archive an agent")
		}
		a.Status = *in.Status
	}
	if in.SkillIDs != nil {
		a.SkillIDs = *in.SkillIDs
	}
	a.UpdatedAt = time.Now().UTC()
	rf.Agents[id] = a
	if err := r.writeLocked(rf); err != nil {
		return Agent{}, err
	}
	r.publishLocked(rf)
	return a, nil
}

// SetStatus transitions an agent between idle/active/paused. Used by the
// runtime; archived agents are rejected.
func (r *Registry) SetStatus(id string, status Status) error {
	if status == StatusArchived {
		return apperr.New(apperr.Validation, "use Archive to archive an agent")
	}
	_, err := r.Update(id, UpdateInput{Status: &status})
	return err
}

// Archive marks an agent archived. The transition is terminal and rejected
// for the orchestrator and for parents with live team members.
func (r *Registry) Archive(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Agent{}, err
	}
	a, ok := rf.Agents[id]
	if !ok {
		return Agent{}, apperr.Newf(apperr.NotFound, "agent %s not found", id)
	}
	if a.IsOrchestrator() {
		return Agent{}, apperr.New(apperr.Conflict, "the orchestrator cannot be archived")
	}
	if a.Status == StatusArchived {
		return a, nil
	}
	if n := countTeam(rf, id); n > 0 {
		return Agent{}, apperr.Newf(apperr.Conflict, "agent has %d live team members", n)
	}
	a.Status = StatusArchived
	a.UpdatedAt = time.Now().UTC()
	rf.Agents[id] = a
	if err := r.writeLocked(rf); err != nil {
		return Agent{}, err
	}
	r.logger.Info("agent archived", zap.String("agent_id", id))
	r.publishLocked(rf)
	return a, nil
}

// Delete removes an agent record entirely. Rejected for the orchestrator and
// for parents with live team members.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return err
	}
	a, ok := rf.Agents[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "agent %s not found", id)
	}
	if a.IsOrchestrator() {
		return apperr.New(apperr.Conflict, "the orchestrator cannot be deleted")
	}
	if n := countTeam(rf, id); n > 0 {
		return apperr.Newf(apperr.Conflict, "agent has %d live team members", n)
	}
	delete(rf.Agents, id)
	if err := r.writeLocked(rf); err != nil {
		return err
	}
	r.logger.Info("agent deleted", zap.String("agent_id", id))
	r.publishLocked(rf)
	return nil
}

// Snapshot returns the current registry_update payload.
func (r *Registry) Snapshot() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, err := r.loadLocked()
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(rf), nil
}

// Shutdown closes the event broker.
func (r *Registry) Shutdown() {
	r.broker.Shutdown()
}

func snapshotOf(rf *registryFile) Snapshot {
	sums := make([]Summary, 0, len(rf.Agents))
	for _, a := range rf.Agents {
		sums = append(sums, Summary{
			ID:           a.ID,
			Name:         a.Name,
			Role:         a.Role,
			ModelTier:    a.ModelTier,
			Status:       a.Status,
			ParentAgent:  a.ParentAgent,
			IsTeamMember: a.IsTeamMember,
		})
	}
	sort.Slice(sums, func(i, j int) bool { return sums[i].ID < sums[j].ID })
	return Snapshot{AgentCount: len(sums), Agents: sums}
}

// countTeam counts non-archived team members attached to parentID.
func countTeam(rf *registryFile, parentID string) int {
	n := 0
	for _, a := range rf.Agents {
		if a.ParentAgent == parentID && a.IsTeamMember && a.Status != StatusArchived {
			n++
		}
	}
	return n
}

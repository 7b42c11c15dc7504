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
// Package governor enforces the global and per-parent agent concurrency caps.
package governor

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

// Governor tracks which agents are running and refuses admissions beyond the
// global cap or the per-parent team cap. Limits are read live so settings
// changes apply to the next admission.
type Governor struct {
	mu       sync.Mutex
	active   map[string]string // agent id -> parent id ("" for top level)
	cap      func() int
	teamSize func() int
	logger   *zap.Logger
}

// New creates a Governor. capFn and teamSizeFn return the current limits.
func New(capFn, teamSizeFn func() int, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		active:   make(map[string]string),
		cap:      capFn,
		teamSize: teamSizeFn,
		logger:   logger,
	}
}

// TryAcquire admits agentID under parentID. Admitting an already-active agent
// is a no-op. Returns a Capacity error when either limit is exhausted.
func (g *Governor) TryAcquire(agentID, parentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[agentID]; ok {
		return nil
	}
	if len(g.active) >= g.cap() {
		return apperr.Newf(apperr.Capacity, "concurrency cap %d reached", g.cap())
	}
	if parentID != "" {
		children := 0
		for _, p := range g.active {
			if p == parentID {
				children++
			}
		}
		if children >= g.teamSize() {
			return apperr.Newf(apperr.Capacity, "parent %s already runs %d children", parentID, children)
		}
	}
	g.active[agentID] = parentID
	g.logger.Debug("agent admitted",
		zap.String("agent_id", agentID),
		zap.String("parent_id", parentID),
		zap.Int("in_use", len(g.active)))
	return nil
}

// Release frees agentID's slot. Releasing an unknown agent is a no-op.
func (g *Governor) Release(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[agentID]; !ok {
		return
	}
	delete(g.active, agentID)
	g.logger.Debug("agent released",
		zap.String("agent_id", agentID),
		zap.Int("in_use", len(g.active)))
}

// InUse returns the number of active slots.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Active returns the sorted ids of running agents.
func (g *Governor) Active() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

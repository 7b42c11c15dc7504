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
// Package insights periodically analyzes the performance ledger and agent
// roster, surfacing observations the user did not ask for. Insights dedup by
// kind and title while not dismissed.
package insights

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/config"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/registry"
)

const (
	// lowSuccessMinTasks is the sample size below which success rate is
	// not judged.
	lowSuccessMinTasks = 5
	lowSuccessRate     = 0.5
	idleAfter          = 7 * 24 * time.Hour
	costWindow         = 24 * time.Hour
)

// Engine runs the periodic analysis loop.
type Engine struct {
	store    *Store
	ledger   *ledger.Ledger
	registry *registry.Registry
	settings *config.SettingsStore
	broker   *pubsub.Broker[Insight]
	logger   *zap.Logger

	mu      sync.Mutex
	nextRun time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewEngine creates an Engine.
func NewEngine(store *Store, led *ledger.Ledger, reg *registry.Registry, settings *config.SettingsStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		ledger:   led,
		registry: reg,
		settings: settings,
		broker:   pubsub.NewBroker[Insight](),
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Store returns the backing insight store.
func (e *Engine) Store() *Store {
	return e.store
}

// Subscribe returns newly created insights as they are published.
func (e *Engine) Subscribe() (<-chan pubsub.Event[Insight], func()) {
	return e.broker.Subscribe()
}

// Start begins the interval loop. Analysis only runs while proactive mode is
// enabled in settings; the interval is re-read every cycle so settings
// changes apply without a restart.
func (e *Engine) Start() {
	e.mu.Lock()
	e.started = true
	e.nextRun = time.Now().Add(e.interval())
	e.mu.Unlock()
	go e.loop()
}

// Stop halts the loop and closes the broker.
func (e *Engine) Stop() {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()
	if started {
		close(e.stopCh)
		<-e.doneCh
	}
	e.broker.Shutdown()
}

// NextRun reports when the next automatic analysis fires.
func (e *Engine) NextRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextRun
}

// TriggerNow runs one analysis immediately and returns the insights it
// created.
func (e *Engine) TriggerNow() ([]Insight, error) {
	return e.analyze()
}

func (e *Engine) interval() time.Duration {
	hours := e.settings.Get().ProactiveIntervalHours
	if hours < 1 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	for {
		e.mu.Lock()
		next := e.nextRun
		e.mu.Unlock()
		select {
		case <-e.stopCh:
			return
		case <-time.After(time.Until(next)):
		}

		if e.settings.Get().ProactiveModeEnabled {
			if _, err := e.analyze(); err != nil {
				e.logger.Error("insight analysis failed", zap.Error(err))
			}
		}
		e.mu.Lock()
		e.nextRun = time.Now().Add(e.interval())
		e.mu.Unlock()
	}
}

// analyze inspects the ledger and roster and persists any findings. New
// insights are published to subscribers.
func (e *Engine) analyze() ([]Insight, error) {
	var created []Insight
	add := func(kind, title, body string) {
		ins, isNew, err := e.store.Create(kind, title, body)
		if err != nil {
			e.logger.Error("storing insight", zap.String("kind", kind), zap.Error(err))
			return
		}
		if !isNew {
			return
		}
		created = append(created, ins)
		e.broker.Publish(pubsub.CreatedEvent, ins)
	}

	// Spend over the alert threshold in the last day.
	threshold := e.settings.Get().CostAlertThresholdUSD
	if threshold > 0 {
		spent, err := e.ledger.TotalCostSince(time.Now().Add(-costWindow))
		if err != nil {
			return created, err
		}
		if spent > threshold {
			add("cost_alert",
				"Daily spend over threshold",
				fmt.Sprintf("Spent $%.2f in the last 24h, above the $%.2f alert threshold.", spent, threshold))
		}
	}

	agents, err := e.registry.List("")
	if err != nil {
		return created, err
	}
	for _, a := range agents {
		if a.Status == registry.StatusArchived {
			continue
		}
		sum, err := e.ledger.Summarize(a.ID)
		if err != nil {
			return created, err
		}
		if sum.TaskCount >= lowSuccessMinTasks && sum.SuccessRate < lowSuccessRate {
			add("low_success",
				fmt.Sprintf("Agent %s is underperforming", a.Name),
				fmt.Sprintf("%s succeeded in %d of %d recent tasks (%.0f%%). Consider revising its prompt or archiving it.",
					a.Name, sum.SuccessCount, sum.TaskCount, sum.SuccessRate*100))
		}
	}

	// Agents with no recorded work for a while.
	entries, err := e.ledger.Entries()
	if err != nil {
		return created, err
	}
	lastSeen := make(map[string]time.Time, len(agents))
	for _, entry := range entries {
		if entry.CreatedAt.After(lastSeen[entry.AgentID]) {
			lastSeen[entry.AgentID] = entry.CreatedAt
		}
	}
	cutoff := time.Now().Add(-idleAfter)
	for _, a := range agents {
		if a.IsOrchestrator() || a.Status == registry.StatusArchived {
			continue
		}
		seen, ok := lastSeen[a.ID]
		if !ok {
			// Never used; only flag agents older than the idle window.
			if a.CreatedAt.Before(cutoff) {
				add("idle_agent",
					fmt.Sprintf("Agent %s is idle", a.Name),
					fmt.Sprintf("%s has no recorded tasks since it was created on %s.", a.Name, a.CreatedAt.Format("2006-01-02")))
			}
			continue
		}
		if seen.Before(cutoff) {
			add("idle_agent",
				fmt.Sprintf("Agent %s is idle", a.Name),
				fmt.Sprintf("%s last worked on %s. Consider archiving it.", a.Name, seen.Format("2006-01-02")))
		}
	}

	if len(created) > 0 {
		e.logger.Info("insights generated", zap.Int("count", len(created)))
	}
	return created, nil
}

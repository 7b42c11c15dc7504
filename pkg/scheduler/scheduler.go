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
// Package scheduler fires prompts into headless sessions on cron expressions
// or at one-off timestamps. A one-off schedule fires exactly once and stays
// disabled afterwards; one-off fire times that passed while the process was
// down are skipped, not replayed.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

// Runner executes a headless session turn. Satisfied by the orchestrator
// runtime.
type Runner interface {
	RunHeadless(ctx context.Context, title, prompt, agentName string) (string, error)
}

// CreateInput are the caller-supplied fields for Add.
type CreateInput struct {
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	AgentName string     `json:"agent_name,omitempty"`
	Type      Type       `json:"schedule_type"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	RunAt     *time.Time `json:"run_at,omitempty"`
}

// UpdateInput carries optional field updates; nil fields are left unchanged.
type UpdateInput struct {
	Name      *string    `json:"name,omitempty"`
	Prompt    *string    `json:"prompt,omitempty"`
	AgentName *string    `json:"agent_name,omitempty"`
	CronExpr  *string    `json:"cron_expr,omitempty"`
	RunAt     *time.Time `json:"run_at,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
}

// Scheduler drives the cron engine and one-off timers.
type Scheduler struct {
	mu           sync.Mutex
	store        *Store
	runner       Runner
	cronEngine   *cron.Cron
	cronEntries  map[string]cron.EntryID
	oneOffTimers map[string]*time.Timer
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler over store.
func New(store *Store, runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        store,
		runner:       runner,
		cronEngine:   cron.New(),
		cronEntries:  make(map[string]cron.EntryID),
		oneOffTimers: make(map[string]*time.Timer),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start loads persisted schedules and begins firing them. One-off schedules
// whose time passed while the process was down are disabled as skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.store.List()
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	s.logger.Info("loaded schedules", zap.Int("count", len(schedules)))

	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		if err := s.armLocked(sch); err != nil {
			s.logger.Error("arming schedule failed",
				zap.String("schedule_id", sch.ID),
				zap.Error(err))
		}
	}
	s.cronEngine.Start()
	return nil
}

// Stop halts firing. In-flight firings run to completion.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for id, t := range s.oneOffTimers {
		t.Stop()
		delete(s.oneOffTimers, id)
	}
	s.mu.Unlock()
	<-s.cronEngine.Stop().Done()
}

// Add validates and persists a new schedule, arming it immediately.
func (s *Scheduler) Add(in CreateInput) (Schedule, error) {
	if in.Name == "" {
		return Schedule{}, apperr.New(apperr.Validation, "schedule name is required")
	}
	if in.Prompt == "" {
		return Schedule{}, apperr.New(apperr.Validation, "schedule prompt is required")
	}
	switch in.Type {
	case TypeCron:
		if _, err := cron.ParseStandard(in.CronExpr); err != nil {
			return Schedule{}, apperr.Newf(apperr.Validation, "invalid cron expression %q: %v", in.CronExpr, err)
		}
	case TypeOneOff:
		if in.RunAt == nil {
			return Schedule{}, apperr.New(apperr.Validation, "one-off schedules require run_at")
		}
	default:
		return Schedule{}, apperr.Newf(apperr.Validation, "unknown schedule type %q", in.Type)
	}

	runAt := in.RunAt
	if runAt != nil {
		t := runAt.UTC()
		runAt = &t
	}
	sch, err := s.store.Create(Schedule{
		Name:      in.Name,
		Prompt:    in.Prompt,
		AgentName: in.AgentName,
		Type:      in.Type,
		CronExpr:  in.CronExpr,
		RunAt:     runAt,
		Enabled:   true,
	})
	if err != nil {
		return Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.armLocked(sch); err != nil {
		return Schedule{}, err
	}
	s.logger.Info("schedule added",
		zap.String("schedule_id", sch.ID),
		zap.String("name", sch.Name),
		zap.String("type", string(sch.Type)))
	return sch, nil
}

// Update applies partial changes and re-arms the schedule. The enabled
// toggle cannot revive a one-off schedule that already fired.
func (s *Scheduler) Update(id string, in UpdateInput) (Schedule, error) {
	sch, err := s.store.Get(id)
	if err != nil {
		return Schedule{}, err
	}
	if in.Enabled != nil && *in.Enabled && sch.Type == TypeOneOff && sch.RunCount > 0 {
		return Schedule{}, apperr.New(apperr.Conflict, "a fired one-off schedule cannot be re-enabled")
	}
	if in.Name != nil {
		sch.Name = *in.Name
	}
	if in.Prompt != nil {
		sch.Prompt = *in.Prompt
	}
	if in.AgentName != nil {
		sch.AgentName = *in.AgentName
	}
	if in.CronExpr != nil {
		if _, err := cron.ParseStandard(*in.CronExpr); err != nil {
			return Schedule{}, apperr.Newf(apperr.Validation, "invalid cron expression %q: %v", *in.CronExpr, err)
		}
		sch.CronExpr = *in.CronExpr
	}
	if in.RunAt != nil {
		t := in.RunAt.UTC()
		sch.RunAt = &t
	}
	if in.Enabled != nil {
		sch.Enabled = *in.Enabled
	}

	sch, err = s.store.Update(sch)
	if err != nil {
		return Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(id)
	if sch.Enabled {
		if err := s.armLocked(sch); err != nil {
			return Schedule{}, err
		}
	}
	return sch, nil
}

// Remove deletes a schedule and cancels its pending fires.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
	return s.store.Delete(id)
}

// Pause disables a schedule without removing it.
func (s *Scheduler) Pause(id string) (Schedule, error) {
	off := false
	return s.Update(id, UpdateInput{Enabled: &off})
}

// Resume re-enables a paused schedule.
func (s *Scheduler) Resume(id string) (Schedule, error) {
	on := true
	return s.Update(id, UpdateInput{Enabled: &on})
}

// TriggerNow fires a schedule immediately, outside its timetable. The
// one-off idempotence guard still applies.
func (s *Scheduler) TriggerNow(id string) error {
	if _, err := s.store.Get(id); err != nil {
		return err
	}
	go s.fire(id)
	return nil
}

// List returns all schedules.
func (s *Scheduler) List() ([]Schedule, error) {
	return s.store.List()
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (Schedule, error) {
	return s.store.Get(id)
}

// armLocked registers the schedule with the cron engine or a one-off timer.
func (s *Scheduler) armLocked(sch Schedule) error {
	switch sch.Type {
	case TypeCron:
		id := sch.ID
		entryID, err := s.cronEngine.AddFunc(sch.CronExpr, func() { s.fire(id) })
		if err != nil {
			return fmt.Errorf("adding cron entry: %w", err)
		}
		s.cronEntries[sch.ID] = entryID
	case TypeOneOff:
		if sch.RunCount > 0 {
			return nil
		}
		delay := time.Until(*sch.RunAt)
		if delay <= 0 {
			// Fire time passed while the process was down. Skip, do not
			// replay.
			s.logger.Warn("one-off schedule missed its fire time, skipping",
				zap.String("schedule_id", sch.ID),
				zap.Time("run_at", *sch.RunAt))
			sch.Enabled = false
			sch.LastError = "missed fire time, skipped"
			if _, err := s.store.Update(sch); err != nil {
				return err
			}
			return nil
		}
		id := sch.ID
		s.oneOffTimers[sch.ID] = time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.oneOffTimers, id)
			s.mu.Unlock()
			s.fire(id)
		})
	}
	return nil
}

func (s *Scheduler) disarmLocked(id string) {
	if entryID, ok := s.cronEntries[id]; ok {
		s.cronEngine.Remove(entryID)
		delete(s.cronEntries, id)
	}
	if t, ok := s.oneOffTimers[id]; ok {
		t.Stop()
		delete(s.oneOffTimers, id)
	}
}

// fire runs one schedule firing end to end. Failures are recorded on the
// schedule and never crash the engine.
func (s *Scheduler) fire(id string) {
	sch, err := s.store.Get(id)
	if err != nil {
		s.logger.Error("firing unknown schedule", zap.String("schedule_id", id), zap.Error(err))
		return
	}
	fired, err := s.store.MarkFired(id, time.Now())
	if err != nil {
		s.logger.Error("marking schedule fired", zap.String("schedule_id", id), zap.Error(err))
		return
	}
	if !fired {
		s.logger.Info("fire suppressed by idempotence guard", zap.String("schedule_id", id))
		return
	}

	title := fmt.Sprintf("[Scheduled] %s", sch.Name)
	s.logger.Info("schedule firing",
		zap.String("schedule_id", id),
		zap.String("title", title))

	if _, err := s.runner.RunHeadless(s.ctx, title, sch.Prompt, sch.AgentName); err != nil {
		s.logger.Error("scheduled run failed", zap.String("schedule_id", id), zap.Error(err))
		if serr := s.store.SetLastError(id, err.Error()); serr != nil {
			s.logger.Error("recording schedule error", zap.Error(serr))
		}
		return
	}
	if err := s.store.SetLastError(id, ""); err != nil {
		s.logger.Error("clearing schedule error", zap.Error(err))
	}
}

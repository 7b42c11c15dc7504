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
// Package trigger watches directories and fires headless sessions when new
// files matching a glob pattern appear. Raw filesystem events for the same
// path are coalesced within a debounce window, so editors that save via
// write-then-rename produce a single logical fire.
package trigger

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

// DefaultDebounce is the event-coalescing window.
const DefaultDebounce = 500 * time.Millisecond

// Runner executes a headless session turn. Satisfied by the orchestrator
// runtime.
type Runner interface {
	RunHeadless(ctx context.Context, title, prompt, agentName string) (string, error)
}

// CreateInput are the caller-supplied fields for Add.
type CreateInput struct {
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	AgentName string `json:"agent_name,omitempty"`
	Directory string `json:"directory"`
	Pattern   string `json:"pattern"`
}

// UpdateInput carries optional field updates; nil fields are left unchanged.
type UpdateInput struct {
	Name      *string `json:"name,omitempty"`
	Prompt    *string `json:"prompt,omitempty"`
	AgentName *string `json:"agent_name,omitempty"`
	Directory *string `json:"directory,omitempty"`
	Pattern   *string `json:"pattern,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// Watcher drives the filesystem watch loop over the persisted triggers.
type Watcher struct {
	store    *Store
	runner   Runner
	debounce time.Duration
	logger   *zap.Logger

	fsw     *fsnotify.Watcher
	watched map[string]int // directory -> refcount

	debounceTimers map[string]*time.Timer
	debounceKinds  map[string]string
	debounceMu     sync.Mutex

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewWatcher creates a Watcher over store.
func NewWatcher(store *Store, runner Runner, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:          store,
		runner:         runner,
		debounce:       debounce,
		logger:         logger,
		fsw:            fsw,
		watched:        make(map[string]int),
		debounceTimers: make(map[string]*time.Timer),
		debounceKinds:  make(map[string]string),
		ctx:            ctx,
		cancel:         cancel,
		doneCh:         make(chan struct{}),
	}, nil
}

// Start registers watches for all enabled triggers and begins the event
// loop.
func (w *Watcher) Start() error {
	triggers, err := w.store.List()
	if err != nil {
		return fmt.Errorf("loading triggers: %w", err)
	}
	w.mu.Lock()
	for _, tr := range triggers {
		if !tr.Enabled {
			continue
		}
		if err := w.watchLocked(tr.Directory); err != nil {
			w.logger.Error("watching trigger directory failed",
				zap.String("trigger_id", tr.ID),
				zap.String("directory", tr.Directory),
				zap.Error(err))
		}
	}
	w.started = true
	w.mu.Unlock()

	go w.loop()
	w.logger.Info("trigger watcher started",
		zap.Int("triggers", len(triggers)),
		zap.Duration("debounce", w.debounce))
	return nil
}

// Stop halts the event loop and releases the filesystem watcher.
func (w *Watcher) Stop() {
	w.cancel()
	w.fsw.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.doneCh
	}

	w.debounceMu.Lock()
	for p, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, p)
		delete(w.debounceKinds, p)
	}
	w.debounceMu.Unlock()
}

// Add validates and persists a new trigger, watching its directory
// immediately.
func (w *Watcher) Add(in CreateInput) (Trigger, error) {
	if in.Name == "" {
		return Trigger{}, apperr.New(apperr.Validation, "trigger name is required")
	}
	if in.Prompt == "" {
		return Trigger{}, apperr.New(apperr.Validation, "trigger prompt is required")
	}
	if in.Directory == "" {
		return Trigger{}, apperr.New(apperr.Validation, "trigger directory is required")
	}
	if in.Pattern == "" {
		in.Pattern = "*"
	}
	if _, err := path.Match(in.Pattern, "probe"); err != nil {
		return Trigger{}, apperr.Newf(apperr.Validation, "invalid glob pattern %q", in.Pattern)
	}

	tr, err := w.store.Create(Trigger{
		Name:      in.Name,
		Prompt:    in.Prompt,
		AgentName: in.AgentName,
		Directory: filepath.Clean(in.Directory),
		Pattern:   in.Pattern,
		Enabled:   true,
	})
	if err != nil {
		return Trigger{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.watchLocked(tr.Directory); err != nil {
		return Trigger{}, err
	}
	w.logger.Info("trigger added",
		zap.String("trigger_id", tr.ID),
		zap.String("directory", tr.Directory),
		zap.String("pattern", tr.Pattern))
	return tr, nil
}

// Update applies partial changes and rewires the directory watch.
func (w *Watcher) Update(id string, in UpdateInput) (Trigger, error) {
	tr, err := w.store.Get(id)
	if err != nil {
		return Trigger{}, err
	}
	oldDir, oldEnabled := tr.Directory, tr.Enabled

	if in.Name != nil {
		tr.Name = *in.Name
	}
	if in.Prompt != nil {
		tr.Prompt = *in.Prompt
	}
	if in.AgentName != nil {
		tr.AgentName = *in.AgentName
	}
	if in.Directory != nil {
		tr.Directory = filepath.Clean(*in.Directory)
	}
	if in.Pattern != nil {
		if _, err := path.Match(*in.Pattern, "probe"); err != nil {
			return Trigger{}, apperr.Newf(apperr.Validation, "invalid glob pattern %q", *in.Pattern)
		}
		tr.Pattern = *in.Pattern
	}
	if in.Enabled != nil {
		tr.Enabled = *in.Enabled
	}

	tr, err = w.store.Update(tr)
	if err != nil {
		return Trigger{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if oldEnabled {
		w.unwatchLocked(oldDir)
	}
	if tr.Enabled {
		if err := w.watchLocked(tr.Directory); err != nil {
			return Trigger{}, err
		}
	}
	return tr, nil
}

// Remove deletes a trigger and drops its directory watch.
func (w *Watcher) Remove(id string) error {
	tr, err := w.store.Get(id)
	if err != nil {
		return err
	}
	if err := w.store.Delete(id); err != nil {
		return err
	}
	if tr.Enabled {
		w.mu.Lock()
		w.unwatchLocked(tr.Directory)
		w.mu.Unlock()
	}
	return nil
}

// List returns all triggers.
func (w *Watcher) List() ([]Trigger, error) {
	return w.store.List()
}

// Get returns one trigger.
func (w *Watcher) Get(id string) (Trigger, error) {
	return w.store.Get(id)
}

func (w *Watcher) watchLocked(dir string) error {
	if w.watched[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.watched[dir]++
	return nil
}

func (w *Watcher) unwatchLocked(dir string) {
	if w.watched[dir] == 0 {
		return
	}
	w.watched[dir]--
	if w.watched[dir] == 0 {
		delete(w.watched, dir)
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Warn("removing watch", zap.String("directory", dir), zap.Error(err))
		}
	}
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New files arrive as Create; atomic saves as write-then-rename.
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Rename) != 0:
				w.debounceEvent(ev.Name, "created")
			case ev.Op&fsnotify.Write != 0:
				w.debounceEvent(ev.Name, "modified")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

// debounceEvent coalesces raw events per path into one logical fire. A
// create followed by writes still counts as "created".
func (w *Watcher) debounceEvent(path, changeType string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if changeType == "created" {
		w.debounceKinds[path] = "created"
	} else if _, ok := w.debounceKinds[path]; !ok {
		w.debounceKinds[path] = changeType
	}
	if timer, ok := w.debounceTimers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		kind := w.debounceKinds[path]
		delete(w.debounceKinds, path)
		w.debounceMu.Unlock()
		w.fireFor(path, kind)
	})
}

// fireFor runs every enabled trigger matching the path. One failed firing
// logs and continues.
func (w *Watcher) fireFor(filePath, changeType string) {
	triggers, err := w.store.List()
	if err != nil {
		w.logger.Error("listing triggers for fire", zap.Error(err))
		return
	}
	dir := filepath.Dir(filePath)
	base := filepath.Base(filePath)
	for _, tr := range triggers {
		if !tr.Enabled || tr.Directory != dir {
			continue
		}
		if ok, _ := path.Match(tr.Pattern, base); !ok {
			continue
		}
		if err := w.store.MarkFired(tr.ID, time.Now()); err != nil {
			w.logger.Error("marking trigger fired", zap.String("trigger_id", tr.ID), zap.Error(err))
			continue
		}
		prompt := expandTemplate(tr.Prompt, base, filePath, changeType)
		title := fmt.Sprintf("[Trigger] %s: %s", tr.Name, base)
		w.logger.Info("trigger firing",
			zap.String("trigger_id", tr.ID),
			zap.String("file", base))
		if _, err := w.runner.RunHeadless(w.ctx, title, prompt, tr.AgentName); err != nil {
			w.logger.Error("triggered run failed", zap.String("trigger_id", tr.ID), zap.Error(err))
		}
	}
}

func expandTemplate(prompt, filename, fullPath, changeType string) string {
	r := strings.NewReplacer(
		"{filename}", filename,
		"{path}", fullPath,
		"{change_type}", changeType,
	)
	return r.Replace(prompt)
}

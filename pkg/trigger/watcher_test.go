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
package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

type fakeRunner struct {
	mu      sync.Mutex
	titles  []string
	prompts []string
	ch      chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ch: make(chan string, 16)}
}

func (f *fakeRunner) RunHeadless(ctx context.Context, title, prompt, agentName string) (string, error) {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	f.ch <- title
	return "ses-test", nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

func (f *fakeRunner) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func newWatcher(t *testing.T, debounce time.Duration) (*Watcher, *fakeRunner, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "triggers.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	runner := newFakeRunner()
	w, err := NewWatcher(store, runner, debounce, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	watchDir := filepath.Join(dir, "inbox")
	require.NoError(t, os.MkdirAll(watchDir, 0o755))
	return w, runner, watchDir
}

func TestAddValidation(t *testing.T) {
	w, _, dir := newWatcher(t, 10*time.Millisecond)

	_, err := w.Add(CreateInput{Prompt: "p", Directory: dir})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = w.Add(CreateInput{Name: "n", Prompt: "p", Directory: dir, Pattern: "[bad"})
	assert.True(t, apperr.Is(err, apperr.Validation))

	tr, err := w.Add(CreateInput{Name: "n", Prompt: "p", Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, "*", tr.Pattern)
	assert.True(t, tr.Enabled)
}

func TestFileAddedFiresTrigger(t *testing.T) {
	w, runner, dir := newWatcher(t, 20*time.Millisecond)
	tr, err := w.Add(CreateInput{
		Name:      "csv import",
		Prompt:    "process {filename} at {path}",
		Directory: dir,
		Pattern:   "*.csv",
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b\n"), 0o644))

	select {
	case title := <-runner.ch:
		assert.Equal(t, "[Trigger] csv import: data.csv", title)
	case <-time.After(3 * time.Second):
		t.Fatal("trigger never fired")
	}
	assert.Contains(t, runner.lastPrompt(), "process data.csv")
	assert.Contains(t, runner.lastPrompt(), filepath.Join(dir, "data.csv"))

	require.Eventually(t, func() bool {
		got, err := w.Get(tr.ID)
		return err == nil && got.FireCount == 1 && got.LastFired != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPatternFilters(t *testing.T) {
	w, runner, dir := newWatcher(t, 20*time.Millisecond)
	_, err := w.Add(CreateInput{Name: "csv only", Prompt: "p", Directory: dir, Pattern: "*.csv"})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestRapidEventsCoalesceToOneFire(t *testing.T) {
	w, runner, dir := newWatcher(t, 100*time.Millisecond)
	tr, err := w.Add(CreateInput{Name: "report", Prompt: "p", Directory: dir, Pattern: "*.md"})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	// Editor-style burst: create then several writes to the same path.
	target := filepath.Join(dir, "report.md")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-runner.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("trigger never fired")
	}
	// The window closed; no second fire follows.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, runner.count())

	got, err := w.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FireCount)
}

func TestDisabledTriggerDoesNotFire(t *testing.T) {
	w, runner, dir := newWatcher(t, 20*time.Millisecond)
	tr, err := w.Add(CreateInput{Name: "off", Prompt: "p", Directory: dir})
	require.NoError(t, err)
	off := false
	_, err = w.Update(tr.ID, UpdateInput{Enabled: &off})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestRemoveDeletesTrigger(t *testing.T) {
	w, _, dir := newWatcher(t, 20*time.Millisecond)
	tr, err := w.Add(CreateInput{Name: "gone", Prompt: "p", Directory: dir})
	require.NoError(t, err)

	require.NoError(t, w.Remove(tr.ID))
	_, err = w.Get(tr.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestExpandTemplate(t *testing.T) {
	out := expandTemplate("got {filename} ({change_type}) at {path}", "a.csv", "/inbox/a.csv", "created")
	assert.Equal(t, "got a.csv (created) at /inbox/a.csv", out)

	out = expandTemplate("{filename}: {change_type}", "a.csv", "/inbox/a.csv", "modified")
	assert.Equal(t, "a.csv: modified", out)
}

func TestDebounceKeepsCreateOverWrite(t *testing.T) {
	w, _, _ := newWatcher(t, time.Hour)
	w.debounceEvent("/inbox/a.csv", "created")
	w.debounceEvent("/inbox/a.csv", "modified")
	w.debounceMu.Lock()
	kind := w.debounceKinds["/inbox/a.csv"]
	w.debounceMu.Unlock()
	assert.Equal(t, "created", kind)
}

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
package scheduler

import (
	"context"
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
	mu   sync.Mutex
	runs []string // titles
	ch   chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{ch: make(chan string, 16)}
}

func (f *fakeRunner) RunHeadless(ctx context.Context, title, prompt, agentName string) (string, error) {
	f.mu.Lock()
	f.runs = append(f.runs, title)
	f.mu.Unlock()
	f.ch <- title
	return "ses-test", nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newScheduler(t *testing.T) (*Scheduler, *fakeRunner) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "schedules.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	runner := newFakeRunner()
	s := New(store, runner, zap.NewNop())
	t.Cleanup(s.Stop)
	return s, runner
}

func TestAddValidatesCron(t *testing.T) {
	s, _ := newScheduler(t)

	_, err := s.Add(CreateInput{Name: "bad", Prompt: "p", Type: TypeCron, CronExpr: "not a cron"})
	assert.True(t, apperr.Is(err, apperr.Validation))

	for _, expr := range []string{"*/5 * * * *", "0 9 * * MON-FRI", "0 0 1 * *"} {
		_, err := s.Add(CreateInput{Name: "ok " + expr, Prompt: "p", Type: TypeCron, CronExpr: expr})
		assert.NoError(t, err, expr)
	}
}

func TestAddOneOffRequiresRunAt(t *testing.T) {
	s, _ := newScheduler(t)
	_, err := s.Add(CreateInput{Name: "later", Prompt: "p", Type: TypeOneOff})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestOneOffFiresOnceAndDisables(t *testing.T) {
	s, runner := newScheduler(t)
	at := time.Now().Add(30 * time.Millisecond)
	sch, err := s.Add(CreateInput{Name: "ping", Prompt: "say hi", Type: TypeOneOff, RunAt: &at})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case title := <-runner.ch:
		assert.Equal(t, "[Scheduled] ping", title)
	case <-time.After(2 * time.Second):
		t.Fatal("one-off never fired")
	}

	// Wait for the fire goroutine to finish bookkeeping.
	require.Eventually(t, func() bool {
		got, err := s.Get(sch.ID)
		return err == nil && !got.Enabled && got.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second fire attempt is swallowed by the guard.
	require.NoError(t, s.TriggerNow(sch.ID))
	time.Sleep(50 * time.Millisecond)
	got, err := s.Get(sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 1, runner.count())
}

func TestFiredOneOffCannotBeReenabled(t *testing.T) {
	s, runner := newScheduler(t)
	at := time.Now().Add(10 * time.Millisecond)
	sch, err := s.Add(CreateInput{Name: "once", Prompt: "p", Type: TypeOneOff, RunAt: &at})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	<-runner.ch

	require.Eventually(t, func() bool {
		got, err := s.Get(sch.ID)
		return err == nil && got.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.Resume(sch.ID)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestMissedOneOffSkippedOnStart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "schedules.db"), zap.NewNop())
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour).UTC()
	sch, err := store.Create(Schedule{
		Name: "stale", Prompt: "p", Type: TypeOneOff, RunAt: &past, Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulates a restart after the fire time passed.
	store, err = NewStore(filepath.Join(dir, "schedules.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	runner := newFakeRunner()
	s := New(store, runner, zap.NewNop())
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.count())

	got, err := s.Get(sch.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 0, got.RunCount)
	assert.Contains(t, got.LastError, "missed")
}

func TestPauseStopsCronFiring(t *testing.T) {
	s, _ := newScheduler(t)
	sch, err := s.Add(CreateInput{Name: "hourly", Prompt: "p", Type: TypeCron, CronExpr: "0 * * * *"})
	require.NoError(t, err)

	paused, err := s.Pause(sch.ID)
	require.NoError(t, err)
	assert.False(t, paused.Enabled)

	resumed, err := s.Resume(sch.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Enabled)
}

func TestTriggerNowFiresCronSchedule(t *testing.T) {
	s, runner := newScheduler(t)
	sch, err := s.Add(CreateInput{Name: "digest", Prompt: "write it", Type: TypeCron, CronExpr: "0 9 * * *"})
	require.NoError(t, err)

	require.NoError(t, s.TriggerNow(sch.ID))
	select {
	case title := <-runner.ch:
		assert.Equal(t, "[Scheduled] digest", title)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never fired")
	}

	require.Eventually(t, func() bool {
		got, err := s.Get(sch.ID)
		return err == nil && got.RunCount == 1 && got.Enabled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateRewritesFields(t *testing.T) {
	s, _ := newScheduler(t)
	sch, err := s.Add(CreateInput{Name: "old", Prompt: "p", Type: TypeCron, CronExpr: "0 * * * *"})
	require.NoError(t, err)

	name := "new"
	expr := "*/10 * * * *"
	got, err := s.Update(sch.ID, UpdateInput{Name: &name, CronExpr: &expr})
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, expr, got.CronExpr)

	bad := "nope"
	_, err = s.Update(sch.ID, UpdateInput{CronExpr: &bad})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestRemoveDeletes(t *testing.T) {
	s, _ := newScheduler(t)
	sch, err := s.Add(CreateInput{Name: "gone", Prompt: "p", Type: TypeCron, CronExpr: "0 * * * *"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(sch.ID))
	_, err = s.Get(sch.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.True(t, apperr.Is(s.Remove(sch.ID), apperr.NotFound))
}

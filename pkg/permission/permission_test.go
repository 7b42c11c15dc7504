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
package permission

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/session"
)

func setup(t *testing.T, timeout time.Duration) (*Service, *session.Store, session.Session) {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "clyde.db"), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sess, err := store.CreateSession("chat", false)
	require.NoError(t, err)
	return NewService(store, timeout, zap.NewNop()), store, sess
}

func TestAskAllow(t *testing.T) {
	svc, store, sess := setup(t, time.Second)
	ch, cancel := svc.Subscribe()
	defer cancel()

	req := NewRequest(sess.ID, "bash", "clyde", "sonnet", map[string]any{"cmd": "ls"}, false)
	go func() {
		ev := <-ch
		assert.Equal(t, pubsub.CreatedEvent, ev.Type)
		require.NoError(t, svc.Respond(ev.Payload.ID, DecisionAllow))
	}()

	d, err := svc.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)
	assert.True(t, Granted(d))

	recs, err := store.PermissionLog(sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "allow", recs[0].Decision)
}

func TestAskTimeoutDenies(t *testing.T) {
	svc, store, sess := setup(t, 50*time.Millisecond)
	ch, cancel := svc.Subscribe()
	defer cancel()

	req := NewRequest(sess.ID, "write_file", "clyde", "sonnet", nil, false)
	d, err := svc.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionTimeout, d)
	assert.False(t, Granted(d))

	// First event is the request, second the timeout notice.
	ev := <-ch
	assert.Equal(t, pubsub.CreatedEvent, ev.Type)
	ev = <-ch
	assert.Equal(t, pubsub.DeletedEvent, ev.Type)

	// The log records the effective deny; the timeout is only an event.
	recs, err := store.PermissionLog(sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "deny", recs[0].Decision)

	// Responding after the timeout finds nothing pending.
	err = svc.Respond(req.ID, DecisionAllow)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestAllowAllCachesToolForSession(t *testing.T) {
	svc, _, sess := setup(t, time.Second)
	ch, cancel := svc.Subscribe()
	defer cancel()

	go func() {
		ev := <-ch
		require.NoError(t, svc.Respond(ev.Payload.ID, DecisionAllowAll))
	}()
	d, err := svc.Ask(context.Background(), NewRequest(sess.ID, "bash", "clyde", "sonnet", nil, false))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowAll, d)

	// Same tool, same session: no round trip.
	d, err = svc.Ask(context.Background(), NewRequest(sess.ID, "bash", "clyde", "sonnet", nil, false))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)

	// Different tool still asks; let it time out via context cancel.
	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	d, _ = svc.Ask(ctx, NewRequest(sess.ID, "delete_file", "clyde", "sonnet", nil, false))
	assert.Equal(t, DecisionDeny, d)

	svc.ClearSession(sess.ID)
	ctx2, stop2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop2()
	d, _ = svc.Ask(ctx2, NewRequest(sess.ID, "bash", "clyde", "sonnet", nil, false))
	assert.Equal(t, DecisionDeny, d, "cleared grants must ask again")
}

func TestHeadlessAutoAllows(t *testing.T) {
	svc, store, sess := setup(t, time.Second)

	d, err := svc.Ask(context.Background(), NewRequest(sess.ID, "bash", "clyde", "sonnet", nil, true))
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, d)

	recs, err := store.PermissionLog(sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "auto_headless", recs[0].Decision)
}

func TestRespondValidation(t *testing.T) {
	svc, _, _ := setup(t, time.Second)
	err := svc.Respond("whatever", Decision("maybe"))
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestNewRequestTruncatesInputValues(t *testing.T) {
	long := strings.Repeat("x", 500)
	req := NewRequest("s", "bash", "clyde", "sonnet", map[string]any{"script": long, "n": 7}, false)
	assert.Len(t, req.ToolInput["script"], InputValueMaxLen+3)
	assert.True(t, strings.HasSuffix(req.ToolInput["script"], "..."))
	assert.Equal(t, "7", req.ToolInput["n"])
}

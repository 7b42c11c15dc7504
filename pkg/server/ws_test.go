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
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clyde/pkg/llm"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/session"
)

func dialChat(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/chat" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil reads frames until one of type want arrives, failing on timeout.
// Frames of other types are returned to the caller via skipped.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.EventType) (protocol.Envelope, []protocol.Envelope) {
	t.Helper()
	var skipped []protocol.Envelope
	for i := 0; i < 50; i++ {
		env := readFrame(t, conn)
		if env.Type == want {
			return env, skipped
		}
		skipped = append(skipped, env)
	}
	t.Fatalf("never received %s", want)
	return protocol.Envelope{}, nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestChatNewSessionTurn(t *testing.T) {
	f := newFixture(t)
	f.provider.responses = []*llm.Response{
		{Content: "hello there", StopReason: "end_turn", Usage: llm.Usage{CostUSD: 0.01}},
	}
	conn := dialChat(t, f, "")

	env := readFrame(t, conn)
	require.Equal(t, protocol.EventInit, env.Type)
	var init protocol.Init
	require.NoError(t, env.Decode(&init))
	assert.Nil(t, init.SessionID)

	env = readFrame(t, conn)
	assert.Equal(t, protocol.EventRegistryUpdate, env.Type)

	writeFrame(t, conn, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{
		Content: "say hello",
	}))

	env, _ = readUntil(t, conn, protocol.EventSessionCreated)
	var created protocol.SessionCreated
	require.NoError(t, env.Decode(&created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "say hello", created.Title)

	env, _ = readUntil(t, conn, protocol.EventResult)
	var res protocol.Result
	require.NoError(t, env.Decode(&res))
	assert.InDelta(t, 0.01, res.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, res.NumTurns)

	// The final assistant text was streamed before the result.
	msgs, err := f.sessions.Messages(created.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[1].Content)
}

func TestChatResumeReplaysHistory(t *testing.T) {
	f := newFixture(t)
	sess, err := f.sessions.CreateSession("earlier", false)
	require.NoError(t, err)
	_, err = f.sessions.AddMessage(context.Background(), sess.ID, session.RoleUser, "first question")
	require.NoError(t, err)
	_, err = f.sessions.AddMessage(context.Background(), sess.ID, session.RoleAssistant, "first answer")
	require.NoError(t, err)

	conn := dialChat(t, f, "?session_id="+sess.ID)

	env := readFrame(t, conn)
	require.Equal(t, protocol.EventInit, env.Type)
	var init protocol.Init
	require.NoError(t, env.Decode(&init))
	require.NotNil(t, init.SessionID)
	assert.Equal(t, sess.ID, *init.SessionID)

	env, _ = readUntil(t, conn, protocol.EventSessionHistory)
	var hist protocol.SessionHistory
	require.NoError(t, env.Decode(&hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "first question", hist.Messages[0].Content)
	assert.Equal(t, "assistant", hist.Messages[1].Role)

	env, _ = readUntil(t, conn, protocol.EventActivityHistory)
	assert.Equal(t, protocol.EventActivityHistory, env.Type)
}

func TestChatResumeUnknownSession(t *testing.T) {
	f := newFixture(t)
	conn := dialChat(t, f, "?session_id=ses-does-not-exist")

	env := readFrame(t, conn)
	require.Equal(t, protocol.EventError, env.Type)

	// The connection degrades to a fresh session instead of closing.
	env = readFrame(t, conn)
	require.Equal(t, protocol.EventInit, env.Type)
	var init protocol.Init
	require.NoError(t, env.Decode(&init))
	assert.Nil(t, init.SessionID)
}

func TestChatEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	conn := dialChat(t, f, "")
	readFrame(t, conn) // init
	readFrame(t, conn) // registry_update

	writeFrame(t, conn, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{}))
	env := readFrame(t, conn)
	require.Equal(t, protocol.EventError, env.Type)
	var e protocol.Error
	require.NoError(t, env.Decode(&e))
	assert.Contains(t, e.Message, "empty")
}

func TestChatUnknownFrameType(t *testing.T) {
	f := newFixture(t)
	conn := dialChat(t, f, "")
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, protocol.Envelope{Type: "bogus"})
	env := readFrame(t, conn)
	assert.Equal(t, protocol.EventError, env.Type)
}

func TestChatCancelMidTurn(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.provider.block = func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
	defer close(release)

	conn := dialChat(t, f, "")
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{
		Content: "long task",
	}))
	readUntil(t, conn, protocol.EventSessionCreated)

	<-started
	writeFrame(t, conn, protocol.Envelope{Type: protocol.EventCancelRequest})

	env, _ := readUntil(t, conn, protocol.EventCancelConfirmed)
	assert.Equal(t, protocol.EventCancelConfirmed, env.Type)
}

func TestChatSecondTurnWhileRunning(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.provider.block = func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}

	conn := dialChat(t, f, "")
	readFrame(t, conn)
	readFrame(t, conn)

	writeFrame(t, conn, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{
		Content: "task one",
	}))
	readUntil(t, conn, protocol.EventSessionCreated)
	<-started

	writeFrame(t, conn, protocol.MustEnvelope(protocol.EventUserMessage, protocol.UserMessage{
		Content: "task two",
	}))
	env, _ := readUntil(t, conn, protocol.EventError)
	var e protocol.Error
	require.NoError(t, env.Decode(&e))
	assert.Contains(t, e.Message, "already running")

	close(release)
	readUntil(t, conn, protocol.EventResult)
}

func TestChatReceivesTitleUpdate(t *testing.T) {
	f := newFixture(t)
	sess, err := f.sessions.CreateSession("untitled", false)
	require.NoError(t, err)

	conn := dialChat(t, f, "?session_id="+sess.ID)
	readUntil(t, conn, protocol.EventActivityHistory)

	resp := f.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, map[string]any{
		"title": "renamed by user",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env, _ := readUntil(t, conn, protocol.EventSessionTitleUpdate)
	var upd protocol.SessionTitleUpdate
	require.NoError(t, env.Decode(&upd))
	assert.Equal(t, sess.ID, upd.SessionID)
	assert.Equal(t, "renamed by user", upd.Title)
}

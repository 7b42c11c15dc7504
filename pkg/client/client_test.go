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
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clyde/pkg/protocol"
)

// chatStub accepts chat connections, sends an init frame and echoes every
// inbound frame back. It records accepted connections so tests can observe
// reconnects and force abnormal closes.
type chatStub struct {
	ts *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newChatStub(t *testing.T) *chatStub {
	t.Helper()
	s := &chatStub{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.dials++
		s.mu.Unlock()

		ctx := r.Context()
		init, _ := json.Marshal(protocol.MustEnvelope(protocol.EventInit, protocol.Init{}))
		if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *chatStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *chatStub) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// killLatest closes the most recent connection with an abnormal status.
func (s *chatStub) killLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		s.conns[len(s.conns)-1].Close(websocket.StatusInternalError, "test kill")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestConnectReceivesInit(t *testing.T) {
	stub := newChatStub(t)

	events := make(chan protocol.Envelope, 16)
	c := New(stub.wsURL(), Options{
		OnEvent: func(env protocol.Envelope) { events <- env },
	})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	select {
	case env := <-events:
		assert.Equal(t, protocol.EventInit, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no init frame")
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	stub := newChatStub(t)

	events := make(chan protocol.Envelope, 16)
	c := New(stub.wsURL(), Options{
		OnEvent: func(env protocol.Envelope) { events <- env },
	})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	<-events // init
	require.NoError(t, c.SendMessage(context.Background(), "hello"))

	select {
	case env := <-events:
		require.Equal(t, protocol.EventUserMessage, env.Type)
		var msg protocol.UserMessage
		require.NoError(t, env.Decode(&msg))
		assert.Equal(t, "hello", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	stub := newChatStub(t)

	var disconnects int
	var mu sync.Mutex
	c := New(stub.wsURL(), Options{
		OnEvent:        func(protocol.Envelope) {},
		ReconnectDelay: 20 * time.Millisecond,
		OnDisconnect: func(error) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
	})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return stub.dialCount() == 1 })

	stub.killLatest()
	waitFor(t, 5*time.Second, func() bool { return stub.dialCount() == 2 })

	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
}

func TestNoReconnectAfterClose(t *testing.T) {
	stub := newChatStub(t)

	c := New(stub.wsURL(), Options{
		OnEvent:        func(protocol.Envelope) {},
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return stub.dialCount() == 1 })

	require.NoError(t, c.Close())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, stub.dialCount())
}

func TestStaleGenerationEventsDiscarded(t *testing.T) {
	stub := newChatStub(t)

	events := make(chan protocol.Envelope, 16)
	c := New(stub.wsURL(), Options{
		OnEvent:        func(env protocol.Envelope) { events <- env },
		ReconnectDelay: time.Hour, // never fires within the test
	})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	<-events // init from the first connection

	// A second Connect supersedes the first; only the new connection's
	// frames are delivered.
	require.NoError(t, c.Connect(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return stub.dialCount() == 2 })

	select {
	case env := <-events:
		assert.Equal(t, protocol.EventInit, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no init from the new connection")
	}

	require.NoError(t, c.SendMessage(context.Background(), "ping"))
	select {
	case env := <-events:
		assert.Equal(t, protocol.EventUserMessage, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo on the new connection")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	stub := newChatStub(t)
	c := New(stub.wsURL(), Options{OnEvent: func(protocol.Envelope) {}})
	err := c.SendMessage(context.Background(), "hello")
	assert.Error(t, err)
}

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
package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventAssistantText, AssistantText{
		Streaming: true,
		Text:      "partial",
		AgentName: "clyde",
		ModelTier: "sonnet",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, EventAssistantText, decoded.Type)

	var payload AssistantText
	require.NoError(t, decoded.Decode(&payload))
	assert.True(t, payload.Streaming)
	assert.Equal(t, "partial", payload.Text)
	assert.Equal(t, "clyde", payload.AgentName)
}

func TestEnvelopeNoPayload(t *testing.T) {
	env, err := NewEnvelope(EventCancelConfirmed, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"cancel_confirmed"}`, string(raw))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var empty struct{}
	assert.NoError(t, decoded.Decode(&empty))
}

func TestInitNullSession(t *testing.T) {
	env := MustEnvelope(EventInit, Init{})
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sessionId":null`)

	id := "ses-1"
	env = MustEnvelope(EventInit, Init{SessionID: &id})
	raw, err = json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sessionId":"ses-1"`)
}

func TestUserMessageDecode(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user_message","data":{"content":"hi","fileRefs":["a.txt"]}}`), &env))
	assert.Equal(t, EventUserMessage, env.Type)

	var msg UserMessage
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, []string{"a.txt"}, msg.FileRefs)
}

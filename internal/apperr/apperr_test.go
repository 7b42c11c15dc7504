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
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(Conflict, "agent name already in use")
	wrapped := fmt.Errorf("creating agent: %w", base)

	assert.True(t, Is(wrapped, Conflict))
	assert.False(t, Is(wrapped, NotFound))

	k, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, Conflict, k)
}

func TestUnclassified(t *testing.T) {
	err := errors.New("disk on fire")
	_, ok := KindOf(err)
	assert.False(t, ok)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{Capacity, http.StatusTooManyRequests},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Timeout, http.StatusRequestTimeout},
		{Upstream, http.StatusBadGateway},
		{Security, http.StatusForbidden},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "x")))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("no such row")
	err := Wrap(NotFound, "loading schedule", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "loading schedule")
}

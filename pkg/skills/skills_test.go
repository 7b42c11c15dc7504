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
package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := setupStore(t)
	created, err := s.Create("web-research", "Web Research", "Search before answering.")
	require.NoError(t, err)
	assert.Equal(t, "1.0", created.Version)

	got, err := s.Get("web-research")
	require.NoError(t, err)
	assert.Equal(t, "Web Research", got.Name)
	assert.Equal(t, "1.0", got.Version)
	assert.Equal(t, "Search before answering.", got.Body)
}

func TestCreateValidation(t *testing.T) {
	s := setupStore(t)
	_, err := s.Create("Bad ID!", "x", "y")
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = s.Create("dup", "x", "y")
	require.NoError(t, err)
	_, err = s.Create("dup", "x", "y")
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestUpdateBumpsMinorVersion(t *testing.T) {
	s := setupStore(t)
	_, err := s.Create("summarize", "Summarize", "Keep it short.")
	require.NoError(t, err)

	up, err := s.Update("summarize", "", "Keep it very short.")
	require.NoError(t, err)
	assert.Equal(t, "1.1", up.Version)
	assert.Equal(t, "Summarize", up.Name, "empty name keeps the old one")

	up, err = s.Update("summarize", "Summarize v2", "Shorter.")
	require.NoError(t, err)
	assert.Equal(t, "1.2", up.Version)
	assert.Equal(t, "Summarize v2", up.Name)
}

func TestListSorted(t *testing.T) {
	s := setupStore(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Create(id, id, "body")
		require.NoError(t, err)
	}
	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].ID)
	assert.Equal(t, "zeta", got[2].ID)
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	_, err := s.Create("gone", "Gone", "body")
	require.NoError(t, err)
	require.NoError(t, s.Delete("gone"))

	err = s.Delete("gone")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = s.Get("gone")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMarkdownLayoutOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	_, err = s.Create("layout", "Layout", "The body.")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "layout.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Layout\n**Version:** 1.0\n\nThe body.\n", string(data))
}

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
package sqlitedriver

import (
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverRegistered(t *testing.T) {
	assert.True(t, slices.Contains(sql.Drivers(), "sqlite3"))
}

func TestOpenCreatesWorkingDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "clyde.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY, n INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO t (id, n) VALUES (?, ?)`, "a", 1)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow(`SELECT n FROM t WHERE id = ?`, "a").Scan(&n))
	assert.Equal(t, 1, n)
}

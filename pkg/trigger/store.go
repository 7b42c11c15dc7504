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
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/sqlitedriver"
)

// Trigger fires a prompt into a headless session when a file matching
// Pattern appears under Directory. The prompt may reference {filename},
// {path} and {change_type}.
type Trigger struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	AgentName string     `json:"agent_name,omitempty"`
	Directory string     `json:"directory"`
	Pattern   string     `json:"pattern"`
	Enabled   bool       `json:"enabled"`
	FireCount int        `json:"fire_count"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists triggers to SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens the trigger database and initializes the schema.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlitedriver.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing trigger schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS triggers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		agent_name TEXT,
		directory TEXT NOT NULL,
		pattern TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		fire_count INTEGER NOT NULL DEFAULT 0,
		last_fired TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_enabled ON triggers(enabled);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new trigger.
func (s *Store) Create(tr Trigger) (Trigger, error) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tr.CreatedAt = now
	tr.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO triggers (id, name, prompt, agent_name, directory, pattern, enabled, fire_count, last_fired, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Name, tr.Prompt, tr.AgentName, tr.Directory, tr.Pattern,
		tr.Enabled, tr.FireCount, tr.LastFired, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return Trigger{}, fmt.Errorf("inserting trigger: %w", err)
	}
	return tr, nil
}

// Get returns one trigger by id.
func (s *Store) Get(id string) (Trigger, error) {
	row := s.db.QueryRow(
		`SELECT id, name, prompt, agent_name, directory, pattern, enabled, fire_count, last_fired, created_at, updated_at
		 FROM triggers WHERE id = ?`, id)
	tr, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return Trigger{}, apperr.Newf(apperr.NotFound, "trigger %s not found", id)
	}
	if err != nil {
		return Trigger{}, fmt.Errorf("reading trigger: %w", err)
	}
	return tr, nil
}

// List returns all triggers, newest first.
func (s *Store) List() ([]Trigger, error) {
	rows, err := s.db.Query(
		`SELECT id, name, prompt, agent_name, directory, pattern, enabled, fire_count, last_fired, created_at, updated_at
		 FROM triggers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Update rewrites a trigger's mutable fields.
func (s *Store) Update(tr Trigger) (Trigger, error) {
	tr.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE triggers SET name = ?, prompt = ?, agent_name = ?, directory = ?, pattern = ?, enabled = ?, updated_at = ?
		 WHERE id = ?`,
		tr.Name, tr.Prompt, tr.AgentName, tr.Directory, tr.Pattern, tr.Enabled, tr.UpdatedAt, tr.ID)
	if err != nil {
		return Trigger{}, fmt.Errorf("updating trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Trigger{}, apperr.Newf(apperr.NotFound, "trigger %s not found", tr.ID)
	}
	return s.Get(tr.ID)
}

// Delete removes a trigger.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "trigger %s not found", id)
	}
	return nil
}

// MarkFired increments fire_count once per logical fire.
func (s *Store) MarkFired(id string, firedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE triggers SET fire_count = fire_count + 1, last_fired = ?, updated_at = ? WHERE id = ?`,
		firedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking trigger fired: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (Trigger, error) {
	var tr Trigger
	var agentName sql.NullString
	var lastFired sql.NullTime
	err := row.Scan(&tr.ID, &tr.Name, &tr.Prompt, &agentName, &tr.Directory, &tr.Pattern,
		&tr.Enabled, &tr.FireCount, &lastFired, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return Trigger{}, err
	}
	tr.AgentName = agentName.String
	if lastFired.Valid {
		t := lastFired.Time.UTC()
		tr.LastFired = &t
	}
	return tr, nil
}

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
package insights

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/sqlitedriver"
)

// Status tracks an insight through its review lifecycle.
type Status string

const (
	StatusNew       Status = "new"
	StatusSeen      Status = "seen"
	StatusDismissed Status = "dismissed"
	StatusActioned  Status = "actioned"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusSeen, StatusDismissed, StatusActioned:
		return true
	}
	return false
}

// Insight is one proactive observation surfaced to the user.
type Insight struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists insights to SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens the insight database and initializes the schema.
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
		return nil, fmt.Errorf("initializing insight schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_insights_status ON insights(status);
	CREATE INDEX IF NOT EXISTS idx_insights_kind_title ON insights(kind, title);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts an insight unless a live duplicate exists. Duplicates share
// kind and title and are not dismissed; for those the existing insight is
// returned with created=false.
func (s *Store) Create(kind, title, body string) (Insight, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, title, body, status, created_at, updated_at
		 FROM insights WHERE kind = ? AND title = ? AND status != 'dismissed'
		 ORDER BY created_at DESC LIMIT 1`, kind, title)
	existing, err := scanInsight(row)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return Insight{}, false, fmt.Errorf("checking duplicate insight: %w", err)
	}

	now := time.Now().UTC()
	ins := Insight{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.Exec(
		`INSERT INTO insights (id, kind, title, body, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ins.ID, ins.Kind, ins.Title, ins.Body, string(ins.Status), ins.CreatedAt, ins.UpdatedAt)
	if err != nil {
		return Insight{}, false, fmt.Errorf("inserting insight: %w", err)
	}
	return ins, true, nil
}

// Get returns one insight by id.
func (s *Store) Get(id string) (Insight, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, title, body, status, created_at, updated_at FROM insights WHERE id = ?`, id)
	ins, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return Insight{}, apperr.Newf(apperr.NotFound, "insight %s not found", id)
	}
	if err != nil {
		return Insight{}, fmt.Errorf("reading insight: %w", err)
	}
	return ins, nil
}

// List returns insights, newest first, optionally filtered by status.
func (s *Store) List(status Status) ([]Insight, error) {
	query := `SELECT id, kind, title, body, status, created_at, updated_at FROM insights`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing insights: %w", err)
	}
	defer rows.Close()
	var out []Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// SetStatus moves an insight to a new status.
func (s *Store) SetStatus(id string, status Status) (Insight, error) {
	if !status.Valid() {
		return Insight{}, apperr.Newf(apperr.Validation, "unknown insight status %q", status)
	}
	res, err := s.db.Exec(
		`UPDATE insights SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return Insight{}, fmt.Errorf("updating insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Insight{}, apperr.Newf(apperr.NotFound, "insight %s not found", id)
	}
	return s.Get(id)
}

// Delete removes an insight.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM insights WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting insight: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "insight %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(row rowScanner) (Insight, error) {
	var ins Insight
	var status string
	err := row.Scan(&ins.ID, &ins.Kind, &ins.Title, &ins.Body, &status, &ins.CreatedAt, &ins.UpdatedAt)
	if err != nil {
		return Insight{}, err
	}
	ins.Status = Status(status)
	return ins, nil
}

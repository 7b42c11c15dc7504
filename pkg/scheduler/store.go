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
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/sqlitedriver"
)

// Type distinguishes recurring from one-shot schedules.
type Type string

const (
	TypeCron   Type = "cron"
	TypeOneOff Type = "one_off"
)

// Schedule fires a prompt into a headless session, either on a cron
// expression or once at an absolute UTC time.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prompt    string     `json:"prompt"`
	AgentName string     `json:"agent_name,omitempty"`
	Type      Type       `json:"schedule_type"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	RunAt     *time.Time `json:"run_at,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	RunCount  int        `json:"run_count"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists schedules to SQLite. Uses WAL mode for concurrent
// read/write access.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens the schedule database and initializes the schema.
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
		return nil, fmt.Errorf("initializing schedule schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		agent_name TEXT,
		schedule_type TEXT NOT NULL,
		cron_expr TEXT,
		run_at TIMESTAMP,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run TIMESTAMP,
		run_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new schedule and returns it with generated fields set.
func (s *Store) Create(sch Schedule) (Schedule, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sch.CreatedAt = now
	sch.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO schedules (id, name, prompt, agent_name, schedule_type, cron_expr, run_at, enabled, last_run, run_count, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.Name, sch.Prompt, sch.AgentName, string(sch.Type), sch.CronExpr,
		sch.RunAt, sch.Enabled, sch.LastRun, sch.RunCount, sch.LastError, sch.CreatedAt, sch.UpdatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("inserting schedule: %w", err)
	}
	return sch, nil
}

// Get returns one schedule by id.
func (s *Store) Get(id string) (Schedule, error) {
	row := s.db.QueryRow(
		`SELECT id, name, prompt, agent_name, schedule_type, cron_expr, run_at, enabled, last_run, run_count, last_error, created_at, updated_at
		 FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return Schedule{}, apperr.Newf(apperr.NotFound, "schedule %s not found", id)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("reading schedule: %w", err)
	}
	return sch, nil
}

// List returns all schedules, newest first.
func (s *Store) List() ([]Schedule, error) {
	rows, err := s.db.Query(
		`SELECT id, name, prompt, agent_name, schedule_type, cron_expr, run_at, enabled, last_run, run_count, last_error, created_at, updated_at
		 FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// Update rewrites a schedule's mutable fields.
func (s *Store) Update(sch Schedule) (Schedule, error) {
	sch.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE schedules SET name = ?, prompt = ?, agent_name = ?, schedule_type = ?, cron_expr = ?, run_at = ?, enabled = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		sch.Name, sch.Prompt, sch.AgentName, string(sch.Type), sch.CronExpr, sch.RunAt,
		sch.Enabled, sch.LastError, sch.UpdatedAt, sch.ID)
	if err != nil {
		return Schedule{}, fmt.Errorf("updating schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Schedule{}, apperr.Newf(apperr.NotFound, "schedule %s not found", sch.ID)
	}
	return s.Get(sch.ID)
}

// Delete removes a schedule.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "schedule %s not found", id)
	}
	return nil
}

// MarkFired records one firing. For one-off schedules the update doubles as
// the idempotence guard: it only matches while run_count is zero, and it
// flips enabled off, so racing fire attempts collapse to a single firing.
// Returns false when the guard rejected the fire.
func (s *Store) MarkFired(id string, firedAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE schedules
		 SET run_count = run_count + 1,
		     last_run = ?,
		     enabled = CASE WHEN schedule_type = 'one_off' THEN 0 ELSE enabled END,
		     updated_at = ?
		 WHERE id = ? AND enabled = 1 AND (schedule_type != 'one_off' OR run_count = 0)`,
		firedAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("marking schedule fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetLastError records the outcome of the most recent firing.
func (s *Store) SetLastError(id, msg string) error {
	_, err := s.db.Exec(
		`UPDATE schedules SET last_error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UTC(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var sch Schedule
	var typ string
	var agentName, cronExpr, lastError sql.NullString
	var runAt, lastRun sql.NullTime
	err := row.Scan(&sch.ID, &sch.Name, &sch.Prompt, &agentName, &typ, &cronExpr,
		&runAt, &sch.Enabled, &lastRun, &sch.RunCount, &lastError, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return Schedule{}, err
	}
	sch.Type = Type(typ)
	sch.AgentName = agentName.String
	sch.CronExpr = cronExpr.String
	sch.LastError = lastError.String
	if runAt.Valid {
		t := runAt.Time.UTC()
		sch.RunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		sch.LastRun = &t
	}
	return sch, nil
}

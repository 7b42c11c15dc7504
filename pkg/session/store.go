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
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/sqlitedriver"
)

// Store persists sessions, messages, activity events and the permission log
// in SQLite.
type Store struct {
	db       *sql.DB
	embedder Embedder
	enc      *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewStore opens the database at dbPath and initializes the schema. The
// embedder may be nil, which disables SearchMessages.
func NewStore(dbPath string, embedder Embedder, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlitedriver.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, embedder: embedder, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	// Token counting degrades to an estimate when the encoding is not
	// available locally.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		s.enc = enc
	} else {
		logger.Warn("tiktoken encoding unavailable, using estimates", zap.Error(err))
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		headless INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		embedding TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS activity_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		parent_agent TEXT,
		is_team_member INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS permission_log (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		decision TEXT NOT NULL,
		agent_name TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_activity_session ON activity_events(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_permission_session ON permission_log(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing session schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CountTokens returns the token count for text, estimating when no encoding
// is loaded.
func (s *Store) CountTokens(text string) int {
	if s.enc != nil {
		return len(s.enc.Encode(text, nil, nil))
	}
	// 4 chars/token is the usual rough English estimate.
	return (len(text) + 3) / 4
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(title string, headless bool) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Title:     title,
		Headless:  headless,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, headless, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, boolInt(sess.Headless), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.Bool("headless", headless))
	return sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, headless, created_at, updated_at FROM sessions WHERE id = ?`, id)
	var sess Session
	var headless int
	err := row.Scan(&sess.ID, &sess.Title, &headless, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return Session{}, apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}
	sess.Headless = headless != 0
	return sess, nil
}

// ListSessions returns sessions, most recently updated first.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, title, headless, created_at, updated_at FROM sessions
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var headless int
		if err := rows.Scan(&sess.ID, &sess.Title, &headless, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.Headless = headless != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateTitle renames a session.
func (s *Store) UpdateTitle(id, title string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	return nil
}

// DeleteSession removes a session together with its messages, activity and
// permission log.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting delete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	for _, table := range []string{"messages", "activity_events", "permission_log"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, table), id); err != nil {
			return fmt.Errorf("cascading delete on %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// AddMessage appends a transcript entry, counting tokens and embedding the
// content when an embedder is configured. Embedding failures are logged, not
// fatal.
func (s *Store) AddMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	if _, err := s.GetSession(sessionID); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		TokenCount: s.CountTokens(content),
		CreatedAt:  time.Now().UTC(),
	}
	var embedding any
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("embedding message failed", zap.Error(err))
		} else if data, err := json.Marshal(vec); err == nil {
			embedding = string(data)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, role, content, token_count, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.TokenCount, embedding, msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := s.db.Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, sessionID); err != nil {
		return Message{}, fmt.Errorf("touching session: %w", err)
	}
	return msg, nil
}

// Messages returns a session's transcript, oldest first.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, token_count, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddActivity records an agent start/stop event.
func (s *Store) AddActivity(ev ActivityEvent) (ActivityEvent, error) {
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO activity_events (id, session_id, event, agent_id, agent_type, parent_agent, is_team_member, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Event, ev.AgentID, ev.AgentType, ev.ParentAgent, boolInt(ev.IsTeamMember), ev.CreatedAt)
	if err != nil {
		return ActivityEvent{}, fmt.Errorf("inserting activity event: %w", err)
	}
	return ev, nil
}

// Activity returns a session's agent activity, oldest first.
func (s *Store) Activity(sessionID string) ([]ActivityEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, event, agent_id, agent_type, COALESCE(parent_agent, ''), is_team_member, created_at
		 FROM activity_events WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()
	var out []ActivityEvent
	for rows.Next() {
		var ev ActivityEvent
		var team int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Event, &ev.AgentID, &ev.AgentType, &ev.ParentAgent, &team, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity event: %w", err)
		}
		ev.IsTeamMember = team != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LogPermission appends a permission decision to the audit log.
func (s *Store) LogPermission(rec PermissionRecord) (PermissionRecord, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO permission_log (id, session_id, tool_name, decision, agent_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ToolName, rec.Decision, rec.AgentName, rec.CreatedAt)
	if err != nil {
		return PermissionRecord{}, fmt.Errorf("inserting permission record: %w", err)
	}
	return rec, nil
}

// PermissionLog returns a session's permission decisions, oldest first.
func (s *Store) PermissionLog(sessionID string) ([]PermissionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, tool_name, decision, COALESCE(agent_name, ''), created_at
		 FROM permission_log WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing permission log: %w", err)
	}
	defer rows.Close()
	var out []PermissionRecord
	for rows.Next() {
		var rec PermissionRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &rec.Decision, &rec.AgentName, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning permission record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchMessages ranks stored messages against the query by cosine
// similarity. Requires a configured embedder.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if s.embedder == nil {
		return nil, apperr.New(apperr.Upstream, "semantic search requires an embeddings endpoint")
	}
	if limit <= 0 {
		limit = 10
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "embedding query", err)
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, token_count, embedding, created_at
		 FROM messages WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("loading embedded messages: %w", err)
	}
	defer rows.Close()
	var results []SearchResult
	for rows.Next() {
		var m Message
		var role, embJSON string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenCount, &embJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning embedded message: %w", err)
		}
		m.Role = Role(role)
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		if sim := cosine(qvec, vec); sim > 0 {
			results = append(results, SearchResult{Message: m, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

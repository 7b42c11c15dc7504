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
// Package ledger records task outcomes, costs and human feedback per agent in
// an append-only JSONL file.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// MaxFileSize triggers rotation of the active ledger file.
const MaxFileSize = 10 * 1024 * 1024

// Kind distinguishes entry types.
type Kind string

const (
	KindTask     Kind = "task"
	KindFeedback Kind = "feedback"
)

// Feedback is a human evaluation of an agent's work.
type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Entry is a single ledger record. Feedback is empty on task entries.
type Entry struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Success    bool      `json:"success"`
	Feedback   Feedback  `json:"feedback,omitempty"`
	CostUSD    float64   `json:"cost_usd"`
	DurationMS int64     `json:"duration_ms"`
	NumTurns   int       `json:"num_turns"`
	ModelTier  string    `json:"model_tier,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary aggregates an agent's task entries.
type Summary struct {
	AgentID       string  `json:"agent_id"`
	TaskCount     int     `json:"task_count"`
	SuccessCount  int     `json:"success_count"`
	SuccessRate   float64 `json:"success_rate"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgCostUSD    float64 `json:"avg_cost_usd"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
	PositiveCount int     `json:"positive_count"`
	NegativeCount int     `json:"negative_count"`
}

// Ledger is the append-only store. Writes rotate at MaxFileSize; rotated
// files are gzip-compressed and kept beside the active file.
type Ledger struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// New creates the ledger directory and returns a Ledger writing to
// dir/ledger.jsonl.
func New(dir string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger dir: %w", err)
	}
	return &Ledger{path: filepath.Join(dir, "ledger.jsonl"), logger: logger}, nil
}

// RecordTask appends a task outcome entry and returns it.
func (l *Ledger) RecordTask(agentID, sessionID string, success bool, costUSD float64, durationMS int64, numTurns int, modelTier string) (Entry, error) {
	e := Entry{
		ID:         ulid.Make().String(),
		AgentID:    agentID,
		SessionID:  sessionID,
		Kind:       KindTask,
		Success:    success,
		CostUSD:    costUSD,
		DurationMS: durationMS,
		NumTurns:   numTurns,
		ModelTier:  modelTier,
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.append(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// RecordFeedback appends a human feedback entry and returns it.
func (l *Ledger) RecordFeedback(agentID, sessionID string, fb Feedback) (Entry, error) {
	if fb != FeedbackPositive && fb != FeedbackNegative {
		return Entry{}, fmt.Errorf("unknown feedback %q", fb)
	}
	e := Entry{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		SessionID: sessionID,
		Kind:      KindFeedback,
		Feedback:  fb,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.append(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (l *Ledger) append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending entry: %w", err)
	}
	return nil
}

// rotateLocked moves an oversized active file aside and gzips it. Streak and
// summary queries only look at the active file afterwards, which is the
// intended recency window.
func (l *Ledger) rotateLocked() error {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < MaxFileSize {
		return nil
	}
	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotating ledger: %w", err)
	}
	if err := gzipFile(rotated); err != nil {
		l.logger.Warn("compressing rotated ledger failed", zap.Error(err))
		return nil
	}
	os.Remove(rotated)
	l.logger.Info("ledger rotated", zap.String("file", rotated+".gz"))
	return nil
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer out.Close()
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	return zw.Close()
}

// Entries returns all entries in the active file, oldest first.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()
	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn write at the tail is skipped, not fatal.
			l.logger.Warn("skipping malformed ledger line", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning ledger: %w", err)
	}
	return out, nil
}

// Summarize aggregates task and feedback entries for one agent.
func (l *Ledger) Summarize(agentID string) (Summary, error) {
	entries, err := l.Entries()
	if err != nil {
		return Summary{}, err
	}
	s := Summary{AgentID: agentID}
	var totalDur int64
	for _, e := range entries {
		if e.AgentID != agentID {
			continue
		}
		switch e.Kind {
		case KindTask:
			s.TaskCount++
			s.TotalCostUSD += e.CostUSD
			totalDur += e.DurationMS
			if e.Success {
				s.SuccessCount++
			}
		case KindFeedback:
			if e.Feedback == FeedbackPositive {
				s.PositiveCount++
			} else {
				s.NegativeCount++
			}
		}
	}
	if s.TaskCount > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.TaskCount)
		s.AvgCostUSD = s.TotalCostUSD / float64(s.TaskCount)
		s.AvgDurationMS = totalDur / int64(s.TaskCount)
	}
	return s, nil
}

// NegativeStreak returns the number of consecutive negative feedback entries
// for agentID recorded after since. Positive feedback resets the streak; task
// entries do not affect it.
func (l *Ledger) NegativeStreak(agentID string, since time.Time) (int, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	streak := 0
	for _, e := range entries {
		if e.AgentID != agentID || e.Kind != KindFeedback || !e.CreatedAt.After(since) {
			continue
		}
		if e.Feedback == FeedbackNegative {
			streak++
		} else {
			streak = 0
		}
	}
	return streak, nil
}

// TotalCostSince sums task costs across all agents in the given window.
func (l *Ledger) TotalCostSince(since time.Time) (float64, error) {
	entries, err := l.Entries()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range entries {
		if e.Kind == KindTask && e.CreatedAt.After(since) {
			total += e.CostUSD
		}
	}
	return total, nil
}

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
// Package skills stores reusable agent skills as versioned markdown files.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/fsext"
)

var (
	versionLine = regexp.MustCompile(`(?m)^\*\*Version:\*\*\s*(\S+)\s*$`)
	idPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// Skill is one markdown skill document.
type Skill struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps skills as <id>.md files under a directory. The body carries a
// "**Version:** x.y" line which Update bumps by a minor step.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

// NewStore creates the skills directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating skills dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Create writes a new skill at version 1.0.
func (s *Store) Create(id, name, body string) (Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !idPattern.MatchString(id) {
		return Skill{}, apperr.Newf(apperr.Validation, "invalid skill id %q", id)
	}
	path := s.path(id)
	if fsext.Exists(path) {
		return Skill{}, apperr.Newf(apperr.Conflict, "skill %s already exists", id)
	}
	sk := Skill{ID: id, Name: name, Version: "1.0", Body: body, UpdatedAt: time.Now().UTC()}
	if err := s.writeLocked(sk); err != nil {
		return Skill{}, err
	}
	s.logger.Info("skill created", zap.String("skill_id", id))
	return sk, nil
}

// Get loads one skill.
func (s *Store) Get(id string) (Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// List returns all skills sorted by id.
func (s *Store) List() ([]Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading skills dir: %w", err)
	}
	var out []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		sk, err := s.readLocked(strings.TrimSuffix(e.Name(), ".md"))
		if err != nil {
			s.logger.Warn("skipping unreadable skill", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update replaces a skill's body and bumps the minor version.
func (s *Store) Update(id, name, body string) (Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.readLocked(id)
	if err != nil {
		return Skill{}, err
	}
	next, err := bumpMinor(cur.Version)
	if err != nil {
		return Skill{}, apperr.Wrap(apperr.Validation, "bumping skill version", err)
	}
	if name == "" {
		name = cur.Name
	}
	sk := Skill{ID: id, Name: name, Version: next, Body: body, UpdatedAt: time.Now().UTC()}
	if err := s.writeLocked(sk); err != nil {
		return Skill{}, err
	}
	s.logger.Info("skill updated",
		zap.String("skill_id", id),
		zap.String("version", next))
	return sk, nil
}

// Delete removes a skill file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(id)
	if !fsext.Exists(path) {
		return apperr.Newf(apperr.NotFound, "skill %s not found", id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting skill: %w", err)
	}
	s.logger.Info("skill deleted", zap.String("skill_id", id))
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".md")
}

// writeLocked renders the markdown document. Layout:
//
//	# Name
//	**Version:** 1.2
//
//	body...
func (s *Store) writeLocked(sk Skill) error {
	doc := fmt.Sprintf("# %s\n**Version:** %s\n\n%s\n", sk.Name, sk.Version, strings.TrimRight(sk.Body, "\n"))
	return fsext.AtomicWrite(s.path(sk.ID), []byte(doc), 0o644)
}

func (s *Store) readLocked(id string) (Skill, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Skill{}, apperr.Newf(apperr.NotFound, "skill %s not found", id)
		}
		return Skill{}, fmt.Errorf("reading skill: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Skill{}, fmt.Errorf("statting skill: %w", err)
	}
	text := string(data)
	sk := Skill{ID: id, Version: "1.0", UpdatedAt: info.ModTime().UTC()}
	lines := strings.SplitN(text, "\n", 2)
	if strings.HasPrefix(lines[0], "# ") {
		sk.Name = strings.TrimSpace(strings.TrimPrefix(lines[0], "# "))
	}
	if m := versionLine.FindStringSubmatch(text); m != nil {
		sk.Version = m[1]
	}
	// Body is everything after the version line's paragraph break.
	if idx := versionLine.FindStringIndex(text); idx != nil {
		sk.Body = strings.TrimLeft(text[idx[1]:], "\n")
	} else {
		sk.Body = text
	}
	sk.Body = strings.TrimRight(sk.Body, "\n")
	return sk, nil
}

// bumpMinor increments the minor component of an "x.y" version.
func bumpMinor(v string) (string, error) {
	if !semver.IsValid("v" + v + ".0") {
		return "", fmt.Errorf("invalid version %q", v)
	}
	var major, minor int
	if _, err := fmt.Sscanf(v, "%d.%d", &major, &minor); err != nil {
		return "", fmt.Errorf("parsing version %q: %w", v, err)
	}
	return fmt.Sprintf("%d.%d", major, minor+1), nil
}

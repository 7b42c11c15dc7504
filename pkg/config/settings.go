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
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/teradata-labs/clyde/internal/fsext"
)

// Settings are the runtime-mutable knobs, persisted to settings.json in the
// data directory and adjustable over the REST API.
type Settings struct {
	SelfEditEnabled        bool    `json:"self_edit_enabled"`
	ConcurrencyCap         int     `json:"concurrency_cap"`
	MaxTeamSize            int     `json:"max_team_size"`
	CostAlertThresholdUSD  float64 `json:"cost_alert_threshold_usd"`
	ProactiveModeEnabled   bool    `json:"proactive_mode_enabled"`
	ProactiveIntervalHours int     `json:"proactive_interval_hours"`
}

// DefaultSettings returns the factory defaults.
func DefaultSettings() Settings {
	return Settings{
		SelfEditEnabled:        true,
		ConcurrencyCap:         5,
		MaxTeamSize:            3,
		CostAlertThresholdUSD:  0,
		ProactiveModeEnabled:   false,
		ProactiveIntervalHours: 24,
	}
}

// SettingsStore persists Settings with clamping on update.
type SettingsStore struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewSettingsStore loads settings.json from dataDir, falling back to
// defaults when the file does not exist yet.
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	s := &SettingsStore{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	s.settings = clamp(s.settings)
	return s, nil
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update clamps, persists and applies the given settings.
func (s *SettingsStore) Update(next Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next = clamp(next)
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return Settings{}, fmt.Errorf("encoding settings: %w", err)
	}
	if err := fsext.AtomicWrite(s.path, data, 0o644); err != nil {
		return Settings{}, fmt.Errorf("persisting settings: %w", err)
	}
	s.settings = next
	return next, nil
}

// clamp keeps limits inside their allowed ranges. Cap 1..10, team size 1..3,
// proactive interval at least 1h, threshold non-negative.
func clamp(s Settings) Settings {
	if s.ConcurrencyCap < 1 {
		s.ConcurrencyCap = 1
	}
	if s.ConcurrencyCap > 10 {
		s.ConcurrencyCap = 10
	}
	if s.MaxTeamSize < 1 {
		s.MaxTeamSize = 1
	}
	if s.MaxTeamSize > 3 {
		s.MaxTeamSize = 3
	}
	if s.ProactiveIntervalHours < 1 {
		s.ProactiveIntervalHours = 1
	}
	if s.CostAlertThresholdUSD < 0 {
		s.CostAlertThresholdUSD = 0
	}
	return s
}

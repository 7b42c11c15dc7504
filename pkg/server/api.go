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
package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/pkg/config"
	"github.com/teradata-labs/clyde/pkg/insights"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/prompts"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/registry"
	"github.com/teradata-labs/clyde/pkg/scheduler"
	"github.com/teradata-labs/clyde/pkg/trigger"
)

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var in registry.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.deps.Registry.Create(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var in registry.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.deps.Registry.Update(r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Archive(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// --- prompts ---

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.Get(r.PathValue("agentId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id": agent.ID,
		"prompt":   agent.SystemPrompt,
	})
}

type putPromptRequest struct {
	Prompt string `json:"prompt"`
	Reason string `json:"reason"`
}

func (s *Server) handlePutPrompt(w http.ResponseWriter, r *http.Request) {
	var in putPromptRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	// Edits arriving over REST are user-initiated and bypass the self-edit
	// gate.
	entry, err := s.deps.Prompts.Update(r.PathValue("agentId"), in.Prompt, in.Reason, prompts.ChangedByUser)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePromptHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Prompts.History(r.PathValue("agentId"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePromptRollback(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Prompts.Rollback(r.PathValue("agentId"), r.PathValue("versionId"), prompts.ChangedByUser)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Scheduler.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sch, err := s.deps.Scheduler.Add(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.deps.Scheduler.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduler.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sch, err := s.deps.Scheduler.Update(r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.deps.Scheduler.Pause(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.deps.Scheduler.Resume(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.TriggerNow(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- triggers ---

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Triggers.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var in trigger.CreateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	tr, err := s.deps.Triggers.Add(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	tr, err := s.deps.Triggers.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var in trigger.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	tr, err := s.deps.Triggers.Update(r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Triggers.Remove(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- skills ---

type skillRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Skills.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	var in skillRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sk, err := s.deps.Skills.Create(in.ID, in.Name, in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sk)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := s.deps.Skills.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	var in skillRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	sk, err := s.deps.Skills.Update(r.PathValue("id"), in.Name, in.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Skills.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- performance and cost ---

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List("")
	if err != nil {
		writeError(w, err)
		return
	}
	summaries := make([]ledger.Summary, 0, len(agents))
	for _, a := range agents {
		sum, err := s.deps.Ledger.Summarize(a.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		summaries = append(summaries, sum)
	}
	writeJSON(w, http.StatusOK, summaries)
}

type feedbackRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var in feedbackRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	fb := ledger.Feedback(in.Feedback)
	if fb != ledger.FeedbackPositive && fb != ledger.FeedbackNegative {
		writeError(w, apperr.Newf(apperr.Validation, "feedback must be positive or negative, got %q", in.Feedback))
		return
	}
	if _, err := s.deps.Registry.Get(in.AgentID); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.deps.Ledger.RecordFeedback(in.AgentID, in.SessionID, fb)
	if err != nil {
		writeError(w, err)
		return
	}

	// Negative feedback may complete a streak that rolls back the last
	// self-authored prompt change.
	rolledBack := false
	if fb == ledger.FeedbackNegative {
		rolledBack, err = s.deps.Prompts.CheckAutoRollback(in.AgentID)
		if err != nil {
			s.logger.Warn("auto-rollback check failed", zap.String("agent_id", in.AgentID), zap.Error(err))
			err = nil
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"entry":       entry,
		"rolled_back": rolledBack,
	})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	day, err := s.deps.Ledger.TotalCostSince(now.Add(-24 * time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	week, err := s.deps.Ledger.TotalCostSince(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	month, err := s.deps.Ledger.TotalCostSince(now.Add(-30 * 24 * time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_24h_usd":    day,
		"last_7d_usd":     week,
		"last_30d_usd":    month,
		"alert_threshold": s.deps.Settings.Get().CostAlertThresholdUSD,
	})
}

// --- insights ---

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Insights.Store().List(insights.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type insightStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateInsight(w http.ResponseWriter, r *http.Request) {
	var in insightStatusRequest
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ins, err := s.deps.Insights.Store().SetStatus(r.PathValue("id"), insights.Status(in.Status))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (s *Server) handleDeleteInsight(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Insights.Store().Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerInsights(w http.ResponseWriter, r *http.Request) {
	created, err := s.deps.Insights.TriggerNow()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleInsightsNextRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"next_run": s.deps.Insights.NextRun(),
		"enabled":  s.deps.Settings.Get().ProactiveModeEnabled,
	})
}

// --- sessions and search ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.ListSessions(0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.Sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.deps.Sessions.Messages(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" {
		writeError(w, apperr.New(apperr.Validation, "title is required"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Sessions.UpdateTitle(id, req.Title); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Runtime.Announce(protocol.MustEnvelope(
		protocol.EventSessionTitleUpdate, protocol.SessionTitleUpdate{
			SessionID: id,
			Title:     req.Title,
		}))
	sess, err := s.deps.Sessions.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.DeleteSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Perms.ClearSession(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, apperr.New(apperr.Validation, "query parameter q is required"))
		return
	}
	results, err := s.deps.Sessions.SearchMessages(r.Context(), q, 20)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// --- settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var in config.Settings
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.deps.Settings.Update(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

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
// Package server exposes the chat WebSocket, the REST API consumed by the
// dashboard, and an SSE event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/pubsub"
	"github.com/teradata-labs/clyde/pkg/config"
	"github.com/teradata-labs/clyde/pkg/governor"
	"github.com/teradata-labs/clyde/pkg/insights"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/orchestrator"
	"github.com/teradata-labs/clyde/pkg/permission"
	"github.com/teradata-labs/clyde/pkg/prompts"
	"github.com/teradata-labs/clyde/pkg/protocol"
	"github.com/teradata-labs/clyde/pkg/registry"
	"github.com/teradata-labs/clyde/pkg/scheduler"
	"github.com/teradata-labs/clyde/pkg/session"
	"github.com/teradata-labs/clyde/pkg/skills"
	"github.com/teradata-labs/clyde/pkg/trigger"
)

// sseStream is the single stream name on the /api/events feed.
const sseStream = "events"

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	Registry  *registry.Registry
	Prompts   *prompts.Store
	Skills    *skills.Store
	Sessions  *session.Store
	Ledger    *ledger.Ledger
	Governor  *governor.Governor
	Perms     *permission.Service
	Runtime   *orchestrator.Runtime
	Scheduler *scheduler.Scheduler
	Triggers  *trigger.Watcher
	Insights  *insights.Engine
	Settings  *config.SettingsStore
	// WorkDir is the root all file endpoints are confined to.
	WorkDir string
	CORS    config.CORSConfig
	Logger  *zap.Logger
}

// Server is the HTTP front of the process.
type Server struct {
	deps       Deps
	httpServer *http.Server
	sseServer  *sse.Server
	logger     *zap.Logger

	forwardCancel []func()
}

// New creates a Server listening on addr.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	sseServer := sse.New()
	sseServer.AutoReplay = false
	sseServer.CreateStream(sseStream)

	s := &Server{
		deps:      deps,
		sseServer: sseServer,
		logger:    deps.Logger,
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // no timeout, SSE and WebSocket are long-lived
			IdleTimeout:  120 * time.Second,
		},
	}
	s.httpServer.Handler = s.corsMiddleware(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ws/chat", s.handleChat)
	mux.HandleFunc("GET /api/events", s.handleSSE)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/archive", s.handleArchiveAgent)

	mux.HandleFunc("GET /api/prompts/{agentId}/current", s.handleGetPrompt)
	mux.HandleFunc("PUT /api/prompts/{agentId}/current", s.handlePutPrompt)
	mux.HandleFunc("GET /api/prompts/{agentId}/history", s.handlePromptHistory)
	mux.HandleFunc("POST /api/prompts/{agentId}/rollback/{versionId}", s.handlePromptRollback)

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PATCH /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/pause", s.handlePauseSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/resume", s.handleResumeSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/trigger", s.handleTriggerSchedule)

	mux.HandleFunc("GET /api/triggers", s.handleListTriggers)
	mux.HandleFunc("POST /api/triggers", s.handleCreateTrigger)
	mux.HandleFunc("GET /api/triggers/{id}", s.handleGetTrigger)
	mux.HandleFunc("PATCH /api/triggers/{id}", s.handleUpdateTrigger)
	mux.HandleFunc("DELETE /api/triggers/{id}", s.handleDeleteTrigger)

	mux.HandleFunc("GET /api/skills", s.handleListSkills)
	mux.HandleFunc("POST /api/skills", s.handleCreateSkill)
	mux.HandleFunc("GET /api/skills/{id}", s.handleGetSkill)
	mux.HandleFunc("PATCH /api/skills/{id}", s.handleUpdateSkill)
	mux.HandleFunc("DELETE /api/skills/{id}", s.handleDeleteSkill)

	mux.HandleFunc("GET /api/performance", s.handlePerformance)
	mux.HandleFunc("POST /api/performance/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/cost", s.handleCost)

	mux.HandleFunc("GET /api/insights", s.handleListInsights)
	mux.HandleFunc("PATCH /api/insights/{id}", s.handleUpdateInsight)
	mux.HandleFunc("DELETE /api/insights/{id}", s.handleDeleteInsight)
	mux.HandleFunc("POST /api/insights/trigger", s.handleTriggerInsights)
	mux.HandleFunc("GET /api/insights/next-run", s.handleInsightsNextRun)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("GET /api/files/content", s.handleReadFile)
	mux.HandleFunc("PUT /api/files/content", s.handleWriteFile)
	mux.HandleFunc("DELETE /api/files/content", s.handleDeleteFile)

	return mux
}

// Start begins serving and forwarding process events to the SSE feed. It
// blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.startForwarders()
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	for _, cancel := range s.forwardCancel {
		cancel()
	}
	s.sseServer.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// startForwarders pipes broker events onto the SSE feed so dashboard
// clients without a WebSocket still see process-wide activity.
func (s *Server) startForwarders() {
	regCh, regCancel := s.deps.Registry.Subscribe()
	s.forwardCancel = append(s.forwardCancel, regCancel)
	go func() {
		for ev := range regCh {
			s.publishSSE(protocol.MustEnvelope(protocol.EventRegistryUpdate, ev.Payload))
		}
	}()

	rtCh, rtCancel := s.deps.Runtime.Subscribe()
	s.forwardCancel = append(s.forwardCancel, rtCancel)
	go func() {
		for ev := range rtCh {
			s.publishSSE(ev.Payload)
		}
	}()

	if s.deps.Insights != nil {
		insCh, insCancel := s.deps.Insights.Subscribe()
		s.forwardCancel = append(s.forwardCancel, insCancel)
		go func() {
			for ev := range insCh {
				if ev.Type != pubsub.CreatedEvent {
					continue
				}
				s.publishSSE(protocol.MustEnvelope(protocol.EventProactiveInsight, protocol.ProactiveInsight{
					ID:        ev.Payload.ID,
					Kind:      ev.Payload.Kind,
					Title:     ev.Payload.Title,
					Body:      ev.Payload.Body,
					CreatedAt: ev.Payload.CreatedAt,
				}))
			}
		}()
	}
}

func (s *Server) publishSSE(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.sseServer.Publish(sseStream, &sse.Event{
		Event: []byte(env.Type),
		Data:  data,
	})
}

// handleSSE serves the event feed. The stream query parameter is fixed
// server-side.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("stream", sseStream)
	r.URL.RawQuery = q.Encode()
	s.sseServer.ServeHTTP(w, r)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	cc := s.deps.CORS
	if !cc.Enabled {
		return next
	}
	methods := strings.Join(cc.AllowedMethods, ", ")
	headers := strings.Join(cc.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cc.MaxAge)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := corsOrigin(cc.AllowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Max-Age", maxAge)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsOrigin resolves the Allow-Origin value for a request origin, or ""
// when the origin is not allowed.
func corsOrigin(allowed []string, origin string) string {
	for _, a := range allowed {
		if a == "*" {
			return "*"
		}
		if a == origin && origin != "" {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, "decoding request body", err)
	}
	return nil
}

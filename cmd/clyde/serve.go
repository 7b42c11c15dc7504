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
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/clyde/internal/log"
	"github.com/teradata-labs/clyde/pkg/config"
	"github.com/teradata-labs/clyde/pkg/governor"
	"github.com/teradata-labs/clyde/pkg/insights"
	"github.com/teradata-labs/clyde/pkg/ledger"
	"github.com/teradata-labs/clyde/pkg/llm"
	"github.com/teradata-labs/clyde/pkg/orchestrator"
	"github.com/teradata-labs/clyde/pkg/permission"
	"github.com/teradata-labs/clyde/pkg/prompts"
	"github.com/teradata-labs/clyde/pkg/registry"
	"github.com/teradata-labs/clyde/pkg/scheduler"
	"github.com/teradata-labs/clyde/pkg/server"
	"github.com/teradata-labs/clyde/pkg/session"
	"github.com/teradata-labs/clyde/pkg/skills"
	"github.com/teradata-labs/clyde/pkg/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Clyde server",
	Long: heredoc.Doc(`
		Start the Clyde server.

		The server will:
		- Seed the agent registry with the orchestrator agent
		- Open the session, schedule, trigger and insight stores in the data dir
		- Begin watching trigger directories and firing schedules
		- Listen for WebSocket, REST and SSE clients on the configured port

		Press Ctrl+C to gracefully shutdown.`),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger := log.Logger()
	defer func() { _ = log.Sync() }()

	logger.Info("starting clyde",
		zap.String("data_dir", cfg.DataDir),
		zap.String("work_dir", cfg.WorkDir))

	settings, err := config.NewSettingsStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Path:        filepath.Join(cfg.DataDir, "registry.json"),
		MaxTeamSize: func() int { return settings.Get().MaxTeamSize },
		Logger:      logger.Named("registry"),
	})
	if err != nil {
		return fmt.Errorf("opening agent registry: %w", err)
	}
	defer reg.Shutdown()

	led, err := ledger.New(cfg.DataDir, logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	var embedder session.Embedder
	if cfg.Embeddings.Endpoint != "" {
		embedder = session.NewHTTPEmbedder(cfg.Embeddings.Endpoint, cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	}
	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "clyde.db"), embedder, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessions.Close()

	promptStore, err := prompts.New(prompts.Config{
		Dir:      cfg.DataDir,
		Registry: reg,
		Ledger:   led,
		Logger:   logger.Named("prompts"),
		SelfEditEnabled: func() bool {
			return settings.Get().SelfEditEnabled
		},
	})
	if err != nil {
		return fmt.Errorf("opening prompt store: %w", err)
	}

	skillStore, err := skills.NewStore(filepath.Join(cfg.DataDir, "skills"), logger.Named("skills"))
	if err != nil {
		return fmt.Errorf("opening skills store: %w", err)
	}

	gov := governor.New(
		func() int { return settings.Get().ConcurrencyCap },
		func() int { return settings.Get().MaxTeamSize },
		logger.Named("governor"))

	perms := permission.NewService(sessions, permission.DefaultTimeout, logger.Named("permission"))
	defer perms.Shutdown()

	provider := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		Endpoint:    cfg.LLM.Endpoint,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Logger:      logger.Named("llm"),
	})

	runtime := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Prompts:  promptStore,
		Skills:   skillStore,
		Sessions: sessions,
		Ledger:   led,
		Governor: gov,
		Perms:    perms,
		Provider: provider,
		Settings: settings,
		Logger:   logger.Named("orchestrator"),
	})
	defer runtime.Shutdown()

	schedStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "schedules.db"), logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("opening schedule store: %w", err)
	}
	sched := scheduler.New(schedStore, runtime, logger.Named("scheduler"))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	trigStore, err := trigger.NewStore(filepath.Join(cfg.DataDir, "triggers.db"), logger.Named("trigger"))
	if err != nil {
		return fmt.Errorf("opening trigger store: %w", err)
	}
	watcher, err := trigger.NewWatcher(trigStore, runtime, trigger.DefaultDebounce, logger.Named("trigger"))
	if err != nil {
		return fmt.Errorf("creating trigger watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("starting trigger watcher: %w", err)
	}
	defer watcher.Stop()

	insStore, err := insights.NewStore(filepath.Join(cfg.DataDir, "insights.db"), logger.Named("insights"))
	if err != nil {
		return fmt.Errorf("opening insight store: %w", err)
	}
	defer insStore.Close()
	engine := insights.NewEngine(insStore, led, reg, settings, logger.Named("insights"))
	engine.Start()
	defer engine.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Deps{
		Registry:  reg,
		Prompts:   promptStore,
		Skills:    skillStore,
		Sessions:  sessions,
		Ledger:    led,
		Governor:  gov,
		Perms:     perms,
		Runtime:   runtime,
		Scheduler: sched,
		Triggers:  watcher,
		Insights:  engine,
		Settings:  settings,
		WorkDir:   cfg.WorkDir,
		CORS:      cfg.Server.CORS,
		Logger:    logger.Named("server"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

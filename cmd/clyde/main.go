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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clyde/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "clyde",
	Short:   "Clyde - CEO-agent orchestration backend",
	Long:    `Clyde runs a persistent orchestrator agent that manages a workforce of specialist agents: creating them, delegating work, tracking their cost and performance, and evolving their prompts over time. Clients connect over WebSocket for chat and over REST/SSE for the dashboard.`,
	Version: version.Get(),
}

func init() {
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}

Quick Start:
  1. Export an API key: export ANTHROPIC_API_KEY=sk-...
  2. Start the server:  clyde serve
  3. Connect a client:  ws://localhost:8765/ws/chat

Support:
  GitHub: https://github.com/teradata-labs/clyde/issues
  Documentation: https://github.com/teradata-labs/clyde
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CLYDE_DATA_DIR/clyde.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

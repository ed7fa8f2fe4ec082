// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli assembles the root durable command.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/durable/internal/commands/shared"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for durable.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "durable",
		Short: "Durable - workflow execution engine",
		Long: `Durable runs workflows that survive process restarts. Workflow
progress is recorded in an event log and replayed deterministically, so a
run can suspend on timers, hooks, and child workflows, then pick up where
it left off on any worker.

Run 'durable serve' to start the server, worker, and scheduler in one
process. Run 'durable workflows list' against a running server to see
what is registered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept snake_case spellings of flags for consistency with env vars.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	verbose, json, config, addr := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ./durable.config.yaml)")
	cmd.PersistentFlags().StringVar(addr, "addr", "", "Server address for client commands (default: http://localhost:8080)")

	return cmd
}

// HandleExitError prints err and exits with its mapped code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}

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

// Package workflows implements the durable workflows command group.
package workflows

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/commands/shared"
	"github.com/tombee/durable/pkg/client"
)

// NewCommand creates the workflows command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and start registered workflows",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRunCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows registered on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			workflows, err := api.ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, workflows)
			}
			if len(workflows) == 0 {
				cmd.Println("No workflows registered.")
				return nil
			}
			for _, wf := range workflows {
				cmd.Println(wf.Name)
				for _, p := range wf.Params {
					required := ""
					if p.Required {
						required = " (required)"
					}
					cmd.Printf("  %s: %s%s\n", p.Name, p.Type, required)
				}
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	var (
		inputs         []string
		inputFile      string
		idempotencyKey string
		maxDuration    string
		wait           bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a workflow run",
		Long: `Start a run of the named workflow. Inputs are given as key=value
pairs or a JSON file. With --wait, the command polls until the run reaches
a terminal status and exits non-zero if it did not complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := collectInput(inputs, inputFile)
			if err != nil {
				return shared.NewUsageError("invalid input", err)
			}

			api := shared.NewAPIClient()
			run, err := api.StartRun(cmd.Context(), client.StartRunRequest{
				Workflow:       args[0],
				Input:          input,
				IdempotencyKey: idempotencyKey,
				MaxDuration:    maxDuration,
			})
			if err != nil {
				return err
			}

			if !wait {
				if shared.GetJSON() {
					return shared.PrintJSON(cmd, run)
				}
				cmd.Println(run.ID)
				return nil
			}

			final, err := waitForRun(cmd, api, run.ID)
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				if err := shared.PrintJSON(cmd, final); err != nil {
					return err
				}
			} else {
				cmd.Printf("run %s %s\n", final.ID, final.Status)
				if final.Error != "" {
					cmd.Printf("  error: %s\n", final.Error)
				}
			}
			if final.Status != "completed" {
				return shared.NewRunFailedError(fmt.Sprintf("run %s finished %s", final.ID, final.Status))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with workflow input")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Collapse duplicate starts onto one run")
	cmd.Flags().StringVar(&maxDuration, "max-duration", "", "Cancel the run after this duration (e.g. 1h)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	return cmd
}

func waitForRun(cmd *cobra.Command, api *client.Client, runID string) (*client.Run, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := api.GetRun(cmd.Context(), runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case "completed", "failed", "cancelled", "interrupted":
			return run, nil
		}

		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

// collectInput merges key=value pairs over an optional JSON file. Values
// that parse as JSON are kept typed; everything else is a string.
func collectInput(pairs []string, file string) (map[string]any, error) {
	input := map[string]any{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &input); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			input[key] = typed
		} else {
			input[key] = value
		}
	}

	if len(input) == 0 {
		return nil, nil
	}
	return input, nil
}

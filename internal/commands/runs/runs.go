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

// Package runs implements the durable runs command group.
package runs

import (
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/commands/shared"
	"github.com/tombee/durable/pkg/client"
)

// NewCommand creates the runs command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control workflow runs",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newLogsCommand())
	cmd.AddCommand(newStepsCommand())
	cmd.AddCommand(newChildrenCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newResumeCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		workflowName string
		status       string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			runs, err := api.ListRuns(cmd.Context(), client.ListRunsOptions{
				Workflow: workflowName,
				Status:   status,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, runs)
			}
			if len(runs) == 0 {
				cmd.Println("No runs found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			w.Write([]byte("RUN ID\tWORKFLOW\tSTATUS\tCREATED\n"))
			for _, run := range runs {
				w.Write([]byte(run.ID + "\t" + run.WorkflowName + "\t" + run.Status + "\t" +
					run.CreatedAt.Format("2006-01-02 15:04:05") + "\n"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to return")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			run, err := api.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, run)
			}
			cmd.Printf("run:      %s\n", run.ID)
			cmd.Printf("workflow: %s\n", run.WorkflowName)
			cmd.Printf("status:   %s\n", run.Status)
			if run.ParentRunID != "" {
				cmd.Printf("parent:   %s\n", run.ParentRunID)
			}
			if run.ContinuedFrom != "" {
				cmd.Printf("continued from: %s\n", run.ContinuedFrom)
			}
			if run.ContinuedTo != "" {
				cmd.Printf("continued to:   %s\n", run.ContinuedTo)
			}
			if run.Error != "" {
				cmd.Printf("error:    %s\n", run.Error)
			}
			if run.Result != nil {
				return shared.PrintJSON(cmd, map[string]any{"result": run.Result})
			}
			return nil
		},
	}
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			events, err := api.ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, events)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			w.Write([]byte("SEQ\tTYPE\tTIMESTAMP\n"))
			for _, e := range events {
				w.Write([]byte(formatSeq(e.Sequence) + "\t" + e.Type + "\t" +
					e.Timestamp.Format("2006-01-02 15:04:05") + "\n"))
			}
			return nil
		},
	}
}

func newStepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "Show a run's step executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			steps, err := api.ListSteps(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, steps)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			w.Write([]byte("STEP\tSTATUS\tATTEMPT\tERROR\n"))
			for _, s := range steps {
				w.Write([]byte(s.Name + "\t" + s.Status + "\t" + formatSeq(int64(s.Attempt)) + "\t" + s.Error + "\n"))
			}
			return nil
		},
	}
}

func newChildrenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "children <run-id>",
		Short: "List a run's child workflow runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			children, err := api.ListChildren(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd, children)
			}
			if len(children) == 0 {
				cmd.Println("No child runs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			w.Write([]byte("RUN ID\tWORKFLOW\tSTATUS\n"))
			for _, run := range children {
				w.Write([]byte(run.ID + "\t" + run.WorkflowName + "\t" + run.Status + "\n"))
			}
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			run, err := api.CancelRun(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd, run)
			}
			cmd.Printf("cancellation requested for %s\n", run.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled via CLI", "Cancellation reason recorded on the run")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Re-enqueue a suspended or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := shared.NewAPIClient()
			run, err := api.ResumeRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd, run)
			}
			cmd.Printf("resume requested for %s\n", run.ID)
			return nil
		},
	}
}

func formatSeq(n int64) string {
	return strconv.FormatInt(n, 10)
}

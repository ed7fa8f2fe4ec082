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

// Package worker implements the durable worker command.
package worker

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/commands/shared"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/scheduler"
	workerpkg "github.com/tombee/durable/internal/worker"
)

// NewCommand creates the worker command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workflow and step workers",
	}
	cmd.AddCommand(newRunCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		workflowOnly bool
		stepOnly     bool
		runScheduler bool
		concurrency  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker until interrupted",
		Long: `Run a worker that consumes workflow-tick and step tasks. With
--workflow-only or --step-only the worker consumes a single queue, so tick
processing and step execution can be scaled independently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workflowOnly && stepOnly {
				return shared.NewUsageError("--workflow-only and --step-only are mutually exclusive", nil)
			}

			rt, err := shared.BuildRuntime()
			if err != nil {
				return shared.NewUsageError("failed to build runtime", err)
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := workerpkg.Config{Concurrency: rt.Config.Worker.Concurrency}
			if concurrency > 0 {
				cfg.Concurrency = concurrency
			}
			switch {
			case workflowOnly:
				cfg.Queues = []string{broker.QueueWorkflow}
			case stepOnly:
				cfg.Queues = []string{broker.QueueSteps}
			}

			sweeper := engine.NewSweeper(rt.Engine, rt.Config.Recovery.Interval, rt.Logger)
			go sweeper.Run(ctx)

			if runScheduler {
				sched := scheduler.New(rt.Store, rt.Engine, rt.Logger)
				if err := sched.Apply(ctx, rt.Config.Schedules); err != nil {
					return shared.NewUsageError("failed to apply schedules", err)
				}
				sched.Start(ctx)
				defer sched.Stop()
			}

			w := workerpkg.New(rt.Engine, rt.Queue, cfg, rt.Logger)
			err = w.Run(ctx)

			w.StartDraining()
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = w.WaitForDrain(drainCtx, 30*time.Second)

			return err
		},
	}

	cmd.Flags().BoolVar(&workflowOnly, "workflow-only", false, "Consume only workflow-tick tasks")
	cmd.Flags().BoolVar(&stepOnly, "step-only", false, "Consume only step tasks")
	cmd.Flags().BoolVar(&runScheduler, "schedule", false, "Also run the schedule dispatcher")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent task handlers (overrides config)")
	return cmd
}

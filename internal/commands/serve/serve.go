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

// Package serve implements the durable serve command: the all-in-one
// process running the REST server, a worker, the recovery sweeper, and the
// schedule dispatcher.
package serve

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/durable/internal/commands/shared"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/scheduler"
	"github.com/tombee/durable/internal/server"
	"github.com/tombee/durable/internal/worker"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the durable server, worker, and scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "listen", "", "Listen address (overrides config server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, addrOverride string) error {
	rt, err := shared.BuildRuntime()
	if err != nil {
		return shared.NewUsageError("failed to build runtime", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(rt.Store, rt.Engine, rt.Logger)
	if err := sched.Apply(ctx, rt.Config.Schedules); err != nil {
		return shared.NewUsageError("failed to apply schedules", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	sweeper := engine.NewSweeper(rt.Engine, rt.Config.Recovery.Interval, rt.Logger)
	go sweeper.Run(ctx)

	w := worker.New(rt.Engine, rt.Queue, worker.Config{
		Concurrency: rt.Config.Worker.Concurrency,
	}, rt.Logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = w.Run(ctx)
	}()

	addr := rt.Config.Server.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	version, commit, _ := shared.GetVersion()
	srv := server.New(rt.Engine, sched, server.VersionInfo{Version: version, Commit: commit}, rt.Logger)

	err = srv.ListenAndServe(ctx, addr)

	// Let in-flight tasks finish before tearing down storage.
	w.StartDraining()
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = w.WaitForDrain(drainCtx, 30*time.Second)
	<-workerDone

	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

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

package worker

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/storage/memory"
	"github.com/tombee/durable/pkg/workflow"
)

func newTestWorker(t *testing.T, registry *workflow.Registry, cfg Config) (*Worker, *engine.Engine, *memory.Backend) {
	t.Helper()

	store := memory.New()
	queue := broker.NewMemoryBroker()
	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	eng := engine.New(store, queue, registry, logger)
	w := New(eng, queue, cfg, logger)

	t.Cleanup(func() {
		queue.Close()
		store.Close()
	})
	return w, eng, store
}

func waitForStatus(t *testing.T, store *memory.Backend, runID string, want storage.RunStatus) *storage.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (now %s)", runID, want, run.Status)
	return nil
}

func TestWorkerDrivesRunToCompletion(t *testing.T) {
	registry := workflow.NewRegistry()
	require.NoError(t, registry.Register(&workflow.Definition{
		Name: "greet",
		Steps: map[string]workflow.StepFunc{
			"format": func(ctx context.Context, input map[string]any) (any, error) {
				return "hello " + input["name"].(string), nil
			},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			return ctx.Step("format", input)
		},
	}))

	w, eng, store := newTestWorker(t, registry, Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	runID, err := eng.Start(context.Background(), "greet", map[string]any{"name": "world"}, engine.StartOptions{})
	require.NoError(t, err)

	run := waitForStatus(t, store, runID, storage.RunStatusCompleted)
	assert.Equal(t, "hello world", run.Result)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerConcurrentRuns(t *testing.T) {
	registry := workflow.NewRegistry()
	var executed atomic.Int64
	require.NoError(t, registry.Register(&workflow.Definition{
		Name: "count",
		Steps: map[string]workflow.StepFunc{
			"bump": func(ctx context.Context, input map[string]any) (any, error) {
				executed.Add(1)
				return nil, nil
			},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			return ctx.Step("bump", nil)
		},
	}))

	w, eng, store := newTestWorker(t, registry, Config{Concurrency: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	var runIDs []string
	for i := 0; i < 10; i++ {
		runID, err := eng.Start(context.Background(), "count", nil, engine.StartOptions{})
		require.NoError(t, err)
		runIDs = append(runIDs, runID)
	}
	for _, runID := range runIDs {
		waitForStatus(t, store, runID, storage.RunStatusCompleted)
	}
	assert.EqualValues(t, 10, executed.Load())
}

func TestWorkerDrain(t *testing.T) {
	registry := workflow.NewRegistry()
	w, _, _ := newTestWorker(t, registry, Config{})

	assert.False(t, w.IsDraining())
	w.StartDraining()
	assert.True(t, w.IsDraining())

	// Nothing in flight; drain returns immediately.
	require.NoError(t, w.WaitForDrain(context.Background(), time.Second))
	assert.Equal(t, 0, w.ActiveTaskCount())
}

func TestWorkerIDIsUnique(t *testing.T) {
	registry := workflow.NewRegistry()
	a, _, _ := newTestWorker(t, registry, Config{})
	b, _, _ := newTestWorker(t, registry, Config{})
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.ID())
}

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

package client_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/server"
	"github.com/tombee/durable/internal/storage/memory"
	"github.com/tombee/durable/pkg/client"
	"github.com/tombee/durable/pkg/workflow"
)

type fixture struct {
	t      *testing.T
	client *client.Client
	engine *engine.Engine
	queue  *broker.MemoryBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	queue := broker.NewMemoryBroker()
	registry := workflow.NewRegistry()
	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	eng := engine.New(store, queue, registry, logger)

	require.NoError(t, registry.Register(&workflow.Definition{
		Name: "double",
		Steps: map[string]workflow.StepFunc{
			"multiply": func(ctx context.Context, input map[string]any) (any, error) {
				// JSON numbers arrive as float64.
				return input["n"].(float64) * 2, nil
			},
		},
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			return ctx.Step("multiply", input)
		},
	}))
	require.NoError(t, registry.Register(&workflow.Definition{
		Name: "wait-for-approval",
		Handler: func(ctx workflow.Context, input map[string]any) (any, error) {
			payload, err := ctx.Hook("approve")
			if err != nil {
				return nil, err
			}
			return payload, nil
		},
	}))

	srv := server.New(eng, nil, server.VersionInfo{Version: "test"}, logger)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		queue.Close()
		store.Close()
	})
	return &fixture{
		t:      t,
		client: client.New(ts.URL, client.WithHTTPClient(ts.Client())),
		engine: eng,
		queue:  queue,
	}
}

func (f *fixture) pump() {
	f.t.Helper()
	for i := 0; i < 200; i++ {
		task := f.pop()
		if task == nil {
			return
		}
		var err error
		switch task.Class {
		case broker.TaskWorkflowTick:
			err = f.engine.Tick(context.Background(), task.RunID, "worker-1")
		case broker.TaskStep:
			err = f.engine.ExecuteStep(context.Background(), task)
		}
		require.NoError(f.t, err)
	}
	f.t.Fatal("broker did not drain")
}

func (f *fixture) pop() *broker.Task {
	for _, queue := range []string{broker.QueueWorkflow, broker.QueueSteps} {
		if f.queue.Len(queue) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		task, err := f.queue.Dequeue(ctx, queue)
		cancel()
		if err == nil {
			return task
		}
	}
	return nil
}

func TestClientRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	health, err := f.client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.StorageHealthy)

	workflows, err := f.client.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, workflows, 2)

	run, err := f.client.StartRun(ctx, client.StartRunRequest{
		Workflow: "double",
		Input:    map[string]any{"n": 21},
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", run.Status)

	f.pump()

	run, err = f.client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.EqualValues(t, 42, run.Result)

	events, err := f.client.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	steps, err := f.client.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "completed", steps[0].Status)

	runs, err := f.client.ListRuns(ctx, client.ListRunsOptions{Workflow: "double"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClientHookSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.client.StartRun(ctx, client.StartRunRequest{Workflow: "wait-for-approval"})
	require.NoError(t, err)
	f.pump()

	require.NoError(t, f.client.SignalHook(ctx, run.ID, "approve", map[string]any{"ok": true}))
	f.pump()

	run, err = f.client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
}

func TestClientCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.client.StartRun(ctx, client.StartRunRequest{Workflow: "wait-for-approval"})
	require.NoError(t, err)
	f.pump()

	_, err = f.client.CancelRun(ctx, run.ID, "test teardown")
	require.NoError(t, err)
	f.pump()

	run, err = f.client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", run.Status)
}

func TestClientErrorMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.GetRun(ctx, "run_missing")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = f.client.StartRun(ctx, client.StartRunRequest{Workflow: ""})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

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

// Package engine implements the event-sourced workflow execution engine:
// deterministic replay over a per-run event log, suspension and resumption,
// distributed scheduling over a broker, cancellation propagation, and
// crash recovery.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// Defaults for engine tuning knobs.
const (
	DefaultClaimTTL            = 30 * time.Second
	DefaultNestingLimit        = 3
	DefaultMaxRecoveryAttempts = 3
	DefaultStepTimeout         = 5 * time.Minute
)

// Engine coordinates storage, the broker, and the workflow registry.
type Engine struct {
	store    storage.Backend
	broker   broker.Broker
	registry *workflow.Registry
	logger   *slog.Logger

	clock               func() time.Time
	claimTTL            time.Duration
	nestingLimit        int
	maxRecoveryAttempts int
	defaultStepTimeout  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock, letting tests control time.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithClaimTTL sets the run claim lease duration.
func WithClaimTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.claimTTL = ttl }
}

// WithNestingLimit bounds child workflow depth.
func WithNestingLimit(limit int) Option {
	return func(e *Engine) { e.nestingLimit = limit }
}

// WithMaxRecoveryAttempts bounds how often a run is recovered after worker
// loss before it is interrupted.
func WithMaxRecoveryAttempts(n int) Option {
	return func(e *Engine) { e.maxRecoveryAttempts = n }
}

// WithDefaultStepTimeout bounds step attempts that set no explicit timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultStepTimeout = d }
}

// New creates an engine.
func New(store storage.Backend, b broker.Broker, registry *workflow.Registry, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:               store,
		broker:              b,
		registry:            registry,
		logger:              log.WithComponent(logger, "engine"),
		clock:               time.Now,
		claimTTL:            DefaultClaimTTL,
		nestingLimit:        DefaultNestingLimit,
		maxRecoveryAttempts: DefaultMaxRecoveryAttempts,
		defaultStepTimeout:  DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// StartOptions configure a new top-level run.
type StartOptions struct {
	// IdempotencyKey collapses duplicate starts: a second start with the
	// same (workflow, key) returns the first run's ID.
	IdempotencyKey string

	// MaxDuration bounds the run's total wall-clock lifetime. When it
	// elapses, cancellation is requested.
	MaxDuration time.Duration

	// MaxRecoveryAttempts overrides the engine default when > 0.
	MaxRecoveryAttempts int

	// RecoverOnWorkerLoss opts the run out of crash recovery when false.
	RecoverOnWorkerLoss *bool

	// Metadata is opaque caller data stored on the run.
	Metadata map[string]string
}

// startOptions is the internal superset used for children and continuations.
type startOptions struct {
	StartOptions
	parentRunID   string
	nestingDepth  int
	continuedFrom string
}

// Start creates a run, records workflow.started, and enqueues the first
// workflow-tick. With an idempotency key, a start that loses the uniqueness
// race returns the winning run's ID and changes nothing.
func (e *Engine) Start(ctx context.Context, workflowName string, input map[string]any, opts StartOptions) (string, error) {
	return e.startRun(ctx, workflowName, input, startOptions{StartOptions: opts})
}

func (e *Engine) startRun(ctx context.Context, workflowName string, input map[string]any, opts startOptions) (string, error) {
	if _, err := e.registry.Get(workflowName); err != nil {
		return "", err
	}

	if opts.IdempotencyKey != "" {
		if existing, err := e.store.GetRunByIdempotencyKey(ctx, workflowName, opts.IdempotencyKey); err == nil {
			return existing.ID, nil
		}
	}

	maxRecovery := e.maxRecoveryAttempts
	if opts.MaxRecoveryAttempts > 0 {
		maxRecovery = opts.MaxRecoveryAttempts
	}
	recoverOnLoss := true
	if opts.RecoverOnWorkerLoss != nil {
		recoverOnLoss = *opts.RecoverOnWorkerLoss
	}

	run := &storage.Run{
		ID:                  NewRunID(),
		WorkflowName:        workflowName,
		Status:              storage.RunStatusPending,
		IdempotencyKey:      opts.IdempotencyKey,
		Input:               input,
		ParentRunID:         opts.parentRunID,
		NestingDepth:        opts.nestingDepth,
		MaxRecoveryAttempts: maxRecovery,
		RecoverOnWorkerLoss: recoverOnLoss,
		MaxDuration:         opts.MaxDuration,
		ContinuedFrom:       opts.continuedFrom,
		Metadata:            opts.Metadata,
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) && opts.IdempotencyKey != "" {
			// Lost the uniqueness race; the winner's run is the answer.
			existing, getErr := e.store.GetRunByIdempotencyKey(ctx, workflowName, opts.IdempotencyKey)
			if getErr != nil {
				return "", err
			}
			return existing.ID, nil
		}
		return "", err
	}

	if err := e.store.AppendEvent(ctx, workflowStartedEvent(run.ID, workflowName, input)); err != nil {
		return "", err
	}

	if run.MaxDuration > 0 {
		if err := e.store.ScheduleWake(ctx, &storage.Wake{
			RunID: run.ID,
			Kind:  storage.WakeKindTimeout,
			At:    e.now().Add(run.MaxDuration),
		}); err != nil {
			return "", err
		}
	}

	if err := e.enqueueTick(ctx, run.ID); err != nil {
		return "", err
	}

	metrics.RecordRunStarted()
	e.logger.Info("run started",
		log.RunIDKey, run.ID,
		log.WorkflowKey, workflowName,
	)
	return run.ID, nil
}

// Resume enqueues a workflow-tick for a suspended run. Intended for
// operator use; ticking a run that does not need it is harmless.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &errors.ValidationError{Field: "run_id", Message: "run is " + string(run.Status)}
	}
	return e.enqueueTick(ctx, runID)
}

// GetRun retrieves a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns lists runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

// ListEvents returns a run's ordered event log.
func (e *Engine) ListEvents(ctx context.Context, runID string) ([]*storage.Event, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, runID, 1)
}

// ListChildren lists a run's direct children.
func (e *Engine) ListChildren(ctx context.Context, runID string) ([]*storage.Run, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListChildren(ctx, runID)
}

// ListSteps lists a run's step records.
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*storage.StepExecution, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, runID)
}

// Registry exposes the workflow registry for discovery surfaces.
func (e *Engine) Registry() *workflow.Registry {
	return e.registry
}

// Ping reports storage health.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// enqueueTick schedules one replay pass for a run.
func (e *Engine) enqueueTick(ctx context.Context, runID string) error {
	return e.broker.Enqueue(ctx, broker.QueueWorkflow, &broker.Task{
		ID:    NewTaskID(),
		Class: broker.TaskWorkflowTick,
		RunID: runID,
	})
}

// enqueueTickDelayed schedules a replay pass that becomes visible at t.
func (e *Engine) enqueueTickDelayed(ctx context.Context, runID string, t time.Time) error {
	return e.broker.Enqueue(ctx, broker.QueueWorkflow, &broker.Task{
		ID:        NewTaskID(),
		Class:     broker.TaskWorkflowTick,
		RunID:     runID,
		NotBefore: t,
	})
}

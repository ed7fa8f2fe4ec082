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

package engine

import (
	"context"
	"time"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// runContext drives one tick of a workflow body. Each operation resolves
// against the replay state; unresolved operations emit their started event,
// schedule their wake source, and unwind via errSuspend.
type runContext struct {
	context.Context

	engine *Engine
	run    *storage.Run
	state  *replayState

	stepIndex  int
	sleepIndex int
	hookIndex  int
	childIndex int

	shielded bool

	// inFlightSteps is set when the suspension is backed by step tasks that
	// will tick the run again on completion; the run then stays RUNNING
	// instead of SUSPENDED.
	inFlightSteps bool
}

var _ workflow.Context = (*runContext)(nil)

func (rc *runContext) RunID() string        { return rc.run.ID }
func (rc *runContext) WorkflowName() string { return rc.run.WorkflowName }

// checkpoint raises cancellation into the body unless shielded. Called
// before every operation.
func (rc *runContext) checkpoint() error {
	if rc.state.cancelRequested && !rc.shielded {
		return &errors.CancelledError{RunID: rc.run.ID, Reason: rc.state.cancelReason}
	}
	return nil
}

// Step implements workflow.Context.
func (rc *runContext) Step(name string, input map[string]any, opts ...workflow.StepOption) (any, error) {
	index := rc.stepIndex
	rc.stepIndex++

	if err := rc.checkpoint(); err != nil {
		return nil, err
	}
	return rc.resolveStep(name, input, index, workflow.ApplyStepOptions(opts))
}

func (rc *runContext) resolveStep(name string, input map[string]any, index int, options workflow.StepOptions) (any, error) {
	stepID := StepID(rc.run.ID, name, index)

	if outcome, ok := rc.state.steps[stepID]; ok {
		switch {
		case outcome.completed:
			return outcome.result, nil
		case outcome.failed:
			return nil, &errors.FatalError{Message: "step " + name + " failed: " + outcome.errMsg}
		case outcome.cancelled:
			return nil, &errors.CancelledError{RunID: rc.run.ID, Reason: "step " + name + " cancelled"}
		default:
			// Started on a prior tick; its task or retry redelivery will
			// tick the run when it finishes.
			rc.inFlightSteps = true
			return nil, errSuspend
		}
	}

	if err := rc.scheduleStep(stepID, name, input, options); err != nil {
		return nil, err
	}
	rc.inFlightSteps = true
	return nil, errSuspend
}

// scheduleStep records the first encounter of a step and enqueues its task.
func (rc *runContext) scheduleStep(stepID, name string, input map[string]any, options workflow.StepOptions) error {
	ctx := rc.Context
	now := rc.engine.now()

	if err := rc.engine.store.AppendEvent(ctx, stepStartedEvent(rc.run.ID, stepID, name, input, options.Retry.MaxRetries)); err != nil {
		return err
	}
	if err := rc.engine.store.UpsertStep(ctx, &storage.StepExecution{
		StepID:     stepID,
		RunID:      rc.run.ID,
		Name:       name,
		Status:     storage.StepStatusPending,
		Attempt:    1,
		MaxRetries: options.Retry.MaxRetries,
		Input:      input,
		StartedAt:  now,
	}); err != nil {
		return err
	}

	payload := stepTaskPayload(name, input, options)
	if rc.shielded {
		// Shielded steps must execute even while cancellation is pending.
		payload["shielded"] = true
	}
	return rc.engine.broker.Enqueue(ctx, broker.QueueSteps, &broker.Task{
		ID:      NewTaskID(),
		Class:   broker.TaskStep,
		RunID:   rc.run.ID,
		StepID:  stepID,
		Attempt: 1,
		Payload: payload,
	})
}

// Sleep implements workflow.Context.
func (rc *runContext) Sleep(d time.Duration) error {
	index := rc.sleepIndex
	rc.sleepIndex++

	if err := rc.checkpoint(); err != nil {
		return err
	}

	sleepID := SleepID(rc.run.ID, index)
	if outcome, ok := rc.state.sleeps[sleepID]; ok {
		if outcome.completed {
			return nil
		}
		// Due sleeps are completed by the dispatcher pre-pass before the
		// body runs, so a started sleep seen here is still in the future.
		return errSuspend
	}

	ctx := rc.Context
	wakeAt := rc.engine.now().Add(d)
	if err := rc.engine.store.AppendEvent(ctx, sleepStartedEvent(rc.run.ID, sleepID, d, wakeAt)); err != nil {
		return err
	}
	if err := rc.engine.store.ScheduleWake(ctx, &storage.Wake{
		RunID: rc.run.ID,
		Kind:  storage.WakeKindSleep,
		Ref:   sleepID,
		At:    wakeAt,
	}); err != nil {
		return err
	}
	return errSuspend
}

// Hook implements workflow.Context.
func (rc *runContext) Hook(name string, opts ...workflow.HookOption) (map[string]any, error) {
	index := rc.hookIndex
	rc.hookIndex++

	if err := rc.checkpoint(); err != nil {
		return nil, err
	}

	hookID := HookID(rc.run.ID, name, index)
	if outcome, ok := rc.state.hooks[hookID]; ok {
		switch {
		case outcome.received:
			return outcome.payload, nil
		case outcome.expired:
			return nil, &errors.HookExpiredError{HookID: hookID, Name: name}
		case outcome.disposed:
			return nil, &errors.CancelledError{RunID: rc.run.ID, Reason: "hook " + name + " disposed"}
		default:
			return nil, errSuspend
		}
	}

	ctx := rc.Context
	options := workflow.ApplyHookOptions(opts)
	token := HookToken(rc.run.ID, hookID)

	var expiresAt *time.Time
	if options.Expiry > 0 {
		t := rc.engine.now().Add(options.Expiry)
		expiresAt = &t
	}

	if err := rc.engine.store.AppendEvent(ctx, hookCreatedEvent(rc.run.ID, hookID, name, token, expiresAt)); err != nil {
		return nil, err
	}
	if err := rc.engine.store.UpsertHook(ctx, &storage.Hook{
		HookID:    hookID,
		RunID:     rc.run.ID,
		Name:      name,
		Token:     token,
		Status:    storage.HookStatusPending,
		ExpiresAt: expiresAt,
		CreatedAt: rc.engine.now(),
	}); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		if err := rc.engine.store.ScheduleWake(ctx, &storage.Wake{
			RunID: rc.run.ID,
			Kind:  storage.WakeKindHookExpiry,
			Ref:   hookID,
			At:    *expiresAt,
		}); err != nil {
			return nil, err
		}
	}
	return nil, errSuspend
}

// Child implements workflow.Context.
func (rc *runContext) Child(name string, input map[string]any, opts ...workflow.ChildOption) (any, error) {
	index := rc.childIndex
	rc.childIndex++

	if err := rc.checkpoint(); err != nil {
		return nil, err
	}

	options := workflow.ApplyChildOptions(opts)

	if index < len(rc.state.children) {
		outcome := rc.state.children[index]
		switch {
		case outcome.completed:
			return outcome.result, nil
		case outcome.failed:
			return nil, &errors.FatalError{Message: "child workflow " + name + " failed: " + outcome.errMsg}
		case outcome.cancelled:
			return nil, &errors.CancelledError{RunID: outcome.runID, Reason: "child workflow cancelled"}
		default:
			if !options.Wait {
				return outcome.runID, nil
			}
			return nil, errSuspend
		}
	}

	childRunID, err := rc.startChild(name, input, options)
	if err != nil {
		return nil, err
	}
	if !options.Wait {
		return childRunID, nil
	}
	return nil, errSuspend
}

func (rc *runContext) startChild(name string, input map[string]any, options workflow.ChildOptions) (string, error) {
	depth := rc.run.NestingDepth + 1
	if depth > rc.engine.nestingLimit {
		return "", &errors.NestingLimitError{
			RunID: rc.run.ID,
			Depth: depth,
			Limit: rc.engine.nestingLimit,
		}
	}

	ctx := rc.Context
	childRunID, err := rc.engine.startRun(ctx, name, input, startOptions{
		parentRunID:  rc.run.ID,
		nestingDepth: depth,
	})
	if err != nil {
		return "", err
	}

	if err := rc.engine.store.AppendEvent(ctx, childStartedEvent(rc.run.ID, childRunID, name, string(options.CancellationPolicy))); err != nil {
		return "", err
	}
	return childRunID, nil
}

// Parallel implements workflow.Context.
func (rc *runContext) Parallel(calls ...workflow.StepCall) ([]any, error) {
	if err := rc.checkpoint(); err != nil {
		// Indices still advance so later operations keep their correlation.
		rc.stepIndex += len(calls)
		return nil, err
	}

	results := make([]any, len(calls))
	allDone := true
	var firstErr error

	for i, call := range calls {
		index := rc.stepIndex
		rc.stepIndex++

		stepID := StepID(rc.run.ID, call.Name, index)
		outcome, ok := rc.state.steps[stepID]
		if !ok {
			if err := rc.scheduleStep(stepID, call.Name, call.Input, workflow.ApplyStepOptions(call.Options)); err != nil {
				return nil, err
			}
			rc.inFlightSteps = true
			allDone = false
			continue
		}
		switch {
		case outcome.completed:
			results[i] = outcome.result
		case outcome.failed:
			if firstErr == nil {
				firstErr = &errors.FatalError{Message: "step " + call.Name + " failed: " + outcome.errMsg}
			}
		case outcome.cancelled:
			if firstErr == nil {
				firstErr = &errors.CancelledError{RunID: rc.run.ID, Reason: "step " + call.Name + " cancelled"}
			}
		default:
			rc.inFlightSteps = true
			allDone = false
		}
	}

	if !allDone {
		return nil, errSuspend
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Shield implements workflow.Context.
func (rc *runContext) Shield(fn func() error) error {
	prev := rc.shielded
	rc.shielded = true
	defer func() { rc.shielded = prev }()
	return fn()
}

// ContinueAsNew implements workflow.Context.
func (rc *runContext) ContinueAsNew(input map[string]any) error {
	return &continueSignal{input: input}
}

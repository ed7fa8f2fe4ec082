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
	"fmt"
	"time"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// stepTaskPayload encodes everything a step worker needs so the task is
// self-contained: the replaying worker and the executing worker may differ.
func stepTaskPayload(name string, input map[string]any, options workflow.StepOptions) map[string]any {
	retry := map[string]any{
		"max_retries": options.Retry.MaxRetries,
		"strategy":    string(options.Retry.Strategy),
		"delay_ms":    options.Retry.Delay.Milliseconds(),
	}
	if len(options.Retry.Delays) > 0 {
		delays := make([]any, len(options.Retry.Delays))
		for i, d := range options.Retry.Delays {
			delays[i] = d.Milliseconds()
		}
		retry["delays_ms"] = delays
	}
	return map[string]any{
		"step_name":  name,
		"input":      input,
		"timeout_ms": options.Timeout.Milliseconds(),
		"retry":      retry,
	}
}

func stepOptionsFromPayload(payload map[string]any) (string, map[string]any, workflow.StepOptions) {
	name := dataString(payload, "step_name")
	input := dataMap(payload, "input")

	options := workflow.StepOptions{
		Timeout: time.Duration(dataInt(payload, "timeout_ms")) * time.Millisecond,
	}
	if retry := dataMap(payload, "retry"); retry != nil {
		options.Retry = workflow.RetryPolicy{
			MaxRetries: dataInt(retry, "max_retries"),
			Strategy:   workflow.BackoffStrategy(dataString(retry, "strategy")),
			Delay:      time.Duration(dataInt(retry, "delay_ms")) * time.Millisecond,
		}
		if raw, ok := retry["delays_ms"].([]any); ok {
			for _, v := range raw {
				ms, _ := v.(int64)
				if f, ok := v.(float64); ok {
					ms = int64(f)
				}
				options.Retry.Delays = append(options.Retry.Delays, time.Duration(ms)*time.Millisecond)
			}
		}
	}
	return name, input, options
}

// ExecuteStep runs one step attempt. Idempotent under at-least-once
// delivery: a redelivered task whose step already has a terminal event
// acks without executing anything.
func (e *Engine) ExecuteStep(ctx context.Context, task *broker.Task) error {
	run, err := e.store.GetRun(ctx, task.RunID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if run.Status.Terminal() {
		metrics.RecordStep("skipped")
		return nil
	}

	state, err := e.loadState(ctx, task.RunID)
	if err != nil {
		return err
	}
	outcome, known := state.steps[task.StepID]
	if known && outcome.terminal() {
		metrics.RecordStep("skipped")
		return nil
	}

	name, input, options := stepOptionsFromPayload(task.Payload)

	// A queued step of a cancelling run never starts executing; in-flight
	// steps run to completion, but this one has not begun. Shielded steps
	// are exempt: the body scheduled them knowing cancellation was pending.
	if state.cancelRequested {
		if shielded, ok := task.Payload["shielded"].(bool); !ok || !shielded {
			return e.cancelStep(ctx, task, name)
		}
	}

	fn, err := e.registry.Step(run.WorkflowName, name)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) && notFound.Resource == "workflow" {
			// This worker does not know the workflow at all; redeliver so
			// a worker that registers it can pick the task up.
			return err
		}
		return e.failStep(ctx, task, name, "step not registered: "+err.Error())
	}

	if err := e.store.UpsertStep(ctx, &storage.StepExecution{
		StepID:     task.StepID,
		RunID:      task.RunID,
		Name:       name,
		Status:     storage.StepStatusRunning,
		Attempt:    task.Attempt,
		MaxRetries: options.Retry.MaxRetries,
		Input:      input,
		StartedAt:  e.now(),
	}); err != nil {
		return err
	}

	result, execErr := e.runStepFunc(ctx, fn, input, options.Timeout)
	if execErr == nil {
		return e.completeStep(ctx, task, name, input, options, result)
	}

	var cancelled *errors.CancelledError
	if errors.As(execErr, &cancelled) {
		return e.cancelStep(ctx, task, name)
	}

	if errors.Retryable(execErr) && task.Attempt <= options.Retry.MaxRetries {
		return e.retryStep(ctx, task, name, input, options, execErr)
	}
	return e.failStep(ctx, task, name, execErr.Error())
}

// runStepFunc executes the user function under the per-attempt timeout,
// converting panics and deadline hits into ordinary step errors.
func (e *Engine) runStepFunc(ctx context.Context, fn workflow.StepFunc, input map[string]any, timeout time.Duration) (result any, err error) {
	if timeout <= 0 {
		timeout = e.defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &errors.FatalError{Message: fmt.Sprintf("step panicked: %v", r)}
		}
	}()

	result, err = fn(stepCtx, input)
	if err == nil && stepCtx.Err() == context.DeadlineExceeded {
		err = &errors.TimeoutError{Operation: "step", Duration: timeout}
	}
	return result, err
}

func (e *Engine) completeStep(ctx context.Context, task *broker.Task, name string, input map[string]any, options workflow.StepOptions, result any) error {
	if err := e.store.AppendEvent(ctx, stepCompletedEvent(task.RunID, task.StepID, name, result)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpsertStep(ctx, &storage.StepExecution{
		StepID:      task.StepID,
		RunID:       task.RunID,
		Name:        name,
		Status:      storage.StepStatusCompleted,
		Attempt:     task.Attempt,
		MaxRetries:  options.Retry.MaxRetries,
		Input:       input,
		Result:      result,
		StartedAt:   now,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	metrics.RecordStep("completed")
	e.logger.Debug("step completed",
		log.RunIDKey, task.RunID,
		log.StepIDKey, task.StepID,
	)
	return e.enqueueTick(ctx, task.RunID)
}

func (e *Engine) retryStep(ctx context.Context, task *broker.Task, name string, input map[string]any, options workflow.StepOptions, execErr error) error {
	delay := options.Retry.NextDelay(task.Attempt)
	if err := e.store.AppendEvent(ctx, stepRetryingEvent(task.RunID, task.StepID, name, task.Attempt, delay, execErr.Error())); err != nil {
		return err
	}

	now := e.now()
	retryAt := now.Add(delay)
	if err := e.store.UpsertStep(ctx, &storage.StepExecution{
		StepID:     task.StepID,
		RunID:      task.RunID,
		Name:       name,
		Status:     storage.StepStatusPending,
		Attempt:    task.Attempt + 1,
		MaxRetries: options.Retry.MaxRetries,
		Input:      input,
		Error:      execErr.Error(),
		RetryAt:    &retryAt,
		StartedAt:  now,
	}); err != nil {
		return err
	}

	metrics.RecordStep("retrying")
	e.logger.Info("step retrying",
		log.RunIDKey, task.RunID,
		log.StepIDKey, task.StepID,
		"attempt", task.Attempt,
		"delay", delay.String(),
	)
	return e.broker.Enqueue(ctx, broker.QueueSteps, &broker.Task{
		ID:        NewTaskID(),
		Class:     broker.TaskStep,
		RunID:     task.RunID,
		StepID:    task.StepID,
		Attempt:   task.Attempt + 1,
		Payload:   task.Payload,
		NotBefore: retryAt,
	})
}

func (e *Engine) failStep(ctx context.Context, task *broker.Task, name, errMsg string) error {
	if err := e.store.AppendEvent(ctx, stepFailedEvent(task.RunID, task.StepID, name, errMsg)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpsertStep(ctx, &storage.StepExecution{
		StepID:      task.StepID,
		RunID:       task.RunID,
		Name:        name,
		Status:      storage.StepStatusFailed,
		Attempt:     task.Attempt,
		Error:       errMsg,
		StartedAt:   now,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	metrics.RecordStep("failed")
	e.logger.Warn("step failed",
		log.RunIDKey, task.RunID,
		log.StepIDKey, task.StepID,
		"error", errMsg,
	)
	return e.enqueueTick(ctx, task.RunID)
}

func (e *Engine) cancelStep(ctx context.Context, task *broker.Task, name string) error {
	if err := e.store.AppendEvent(ctx, stepCancelledEvent(task.RunID, task.StepID, name)); err != nil {
		return err
	}
	metrics.RecordStep("cancelled")
	return e.enqueueTick(ctx, task.RunID)
}

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

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// nonTerminal is the from-set for CAS transitions into a terminal status.
var nonTerminal = []storage.RunStatus{
	storage.RunStatusPending,
	storage.RunStatusRunning,
	storage.RunStatusSuspended,
}

// Tick re-drives one run's workflow body against its event log. Safe under
// at-least-once delivery: a duplicate tick observes the recorded outcomes
// and becomes a no-op. Returns an error only when the tick should be
// redelivered (lost claim, storage conflict, storage failure).
func (e *Engine) Tick(ctx context.Context, runID, workerID string) error {
	start := e.now()
	outcome, err := e.tick(ctx, runID, workerID)
	metrics.RecordTick(outcome, e.now().Sub(start).Seconds())
	return err
}

func (e *Engine) tick(ctx context.Context, runID, workerID string) (string, error) {
	if err := e.store.ClaimRun(ctx, runID, workerID, e.claimTTL); err != nil {
		return "error", err
	}
	defer func() {
		if err := e.store.ReleaseClaim(ctx, runID, workerID); err != nil {
			e.logger.Warn("failed to release claim", log.RunIDKey, runID, "error", err)
		}
	}()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "error", err
	}
	if run.Status.Terminal() {
		return "noop", nil
	}

	if run.Status == storage.RunStatusPending {
		now := e.now()
		err := e.store.UpdateRunStatus(ctx, runID,
			[]storage.RunStatus{storage.RunStatusPending},
			storage.RunStatusRunning,
			storage.RunUpdate{StartedAt: &now})
		if err != nil {
			var conflict *errors.ConflictError
			if !errors.As(err, &conflict) {
				return "error", err
			}
		} else {
			run.Status = storage.RunStatusRunning
		}
	}

	state, err := e.loadState(ctx, runID)
	if err != nil {
		return "error", err
	}

	if state.cancelRequested && !state.cancelHonored {
		if err := e.propagateCancellation(ctx, state); err != nil {
			return "error", err
		}
	}

	def, err := e.registry.Get(run.WorkflowName)
	if err != nil {
		// Unregistered workflow on this worker; redeliver so a worker that
		// knows the definition can pick it up.
		return "error", err
	}

	rc := &runContext{
		Context: ctx,
		engine:  e,
		run:     run,
		state:   state,
	}
	result, bodyErr := e.invokeBody(def, rc, run.Input)

	return e.classify(ctx, rc, result, bodyErr)
}

// loadState reads the event log, completes any due sleeps, and folds the
// log into replay state.
func (e *Engine) loadState(ctx context.Context, runID string) (*replayState, error) {
	events, err := e.store.ListEvents(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	state := buildReplayState(events)

	due := state.dueSleeps(e.now())
	if len(due) == 0 {
		return state, nil
	}
	for _, sleepID := range due {
		if err := e.store.AppendEvent(ctx, sleepCompletedEvent(runID, sleepID)); err != nil {
			return nil, err
		}
	}
	events, err = e.store.ListEvents(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	return buildReplayState(events), nil
}

// invokeBody runs the workflow handler, converting a panic into a fatal
// error so one broken body cannot take down the worker.
func (e *Engine) invokeBody(def *workflow.Definition, rc *runContext, input map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.FatalError{Message: fmt.Sprintf("workflow body panicked: %v", r)}
		}
	}()
	return def.Handler(rc, input)
}

// classify turns the body's return into a durable run transition.
func (e *Engine) classify(ctx context.Context, rc *runContext, result any, bodyErr error) (string, error) {
	run := rc.run

	switch {
	case bodyErr == nil:
		if err := e.finalizeCompleted(ctx, run, result); err != nil {
			return "error", err
		}
		return "completed", nil

	case errors.Is(bodyErr, errSuspend):
		if rc.inFlightSteps {
			// Step tasks will call back; the run keeps executing.
			if err := e.transition(ctx, run.ID, storage.RunStatusRunning, storage.RunUpdate{}); err != nil {
				return "error", err
			}
			return "running", nil
		}
		if err := e.transition(ctx, run.ID, storage.RunStatusSuspended, storage.RunUpdate{}); err != nil {
			return "error", err
		}
		return "suspended", nil

	default:
		var cont *continueSignal
		if errors.As(bodyErr, &cont) {
			if err := e.finalizeContinued(ctx, run, cont.input); err != nil {
				return "error", err
			}
			return "continued", nil
		}

		var cancelled *errors.CancelledError
		if errors.As(bodyErr, &cancelled) {
			done, err := e.finalizeCancelled(ctx, rc, cancelled)
			if err != nil {
				return "error", err
			}
			if !done {
				return "suspended", nil
			}
			return "cancelled", nil
		}

		var conflict *errors.ConflictError
		if errors.As(bodyErr, &conflict) {
			// Engine-level lost race surfaced through an operation; abort
			// the tick without recording anything and let the broker
			// redeliver.
			return "error", bodyErr
		}

		if err := e.finalizeFailed(ctx, run, bodyErr); err != nil {
			return "error", err
		}
		return "failed", nil
	}
}

func (e *Engine) finalizeCompleted(ctx context.Context, run *storage.Run, result any) error {
	if err := e.store.AppendEvent(ctx, workflowCompletedEvent(run.ID, result)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, nonTerminal, storage.RunStatusCompleted,
		storage.RunUpdate{Result: result, CompletedAt: &now}); err != nil {
		return err
	}
	if err := e.store.CancelWakes(ctx, run.ID); err != nil {
		return err
	}
	metrics.RecordRunFinished("completed")
	e.logger.Info("run completed", log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowName)
	return e.notifyParent(ctx, run, childCompletedEvent(run.ParentRunID, run.ID, result))
}

func (e *Engine) finalizeFailed(ctx context.Context, run *storage.Run, bodyErr error) error {
	errMsg := bodyErr.Error()
	if err := e.store.AppendEvent(ctx, workflowFailedEvent(run.ID, errMsg)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, nonTerminal, storage.RunStatusFailed,
		storage.RunUpdate{Error: errMsg, CompletedAt: &now}); err != nil {
		return err
	}
	if err := e.store.CancelWakes(ctx, run.ID); err != nil {
		return err
	}
	metrics.RecordRunFinished("failed")
	e.logger.Warn("run failed", log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowName, "error", errMsg)
	return e.notifyParent(ctx, run, childFailedEvent(run.ParentRunID, run.ID, errMsg))
}

// finalizeCancelled completes the cancellation unless outstanding children
// still need to finish first; in that case the run stays suspended and
// their terminal notifications re-tick it.
func (e *Engine) finalizeCancelled(ctx context.Context, rc *runContext, cancelled *errors.CancelledError) (bool, error) {
	run := rc.run

	for _, child := range rc.state.outstandingChildren() {
		if child.policy != string(workflow.CancelAbandon) {
			if err := e.transition(ctx, run.ID, storage.RunStatusSuspended, storage.RunUpdate{}); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	if err := e.disposePendingHooks(ctx, run.ID); err != nil {
		return false, err
	}
	if err := e.store.AppendEvent(ctx, workflowCancelledEvent(run.ID, cancelled.Reason)); err != nil {
		return false, err
	}
	now := e.now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, nonTerminal, storage.RunStatusCancelled,
		storage.RunUpdate{CompletedAt: &now}); err != nil {
		return false, err
	}
	if err := e.store.CancelWakes(ctx, run.ID); err != nil {
		return false, err
	}
	metrics.RecordRunFinished("cancelled")
	e.logger.Info("run cancelled", log.RunIDKey, run.ID, "reason", cancelled.Reason)
	return true, e.notifyParent(ctx, run, childCancelledEvent(run.ParentRunID, run.ID))
}

func (e *Engine) finalizeContinued(ctx context.Context, run *storage.Run, input map[string]any) error {
	successorID, err := e.startRun(ctx, run.WorkflowName, input, startOptions{
		nestingDepth:  run.NestingDepth,
		continuedFrom: run.ID,
	})
	if err != nil {
		return err
	}

	if err := e.store.AppendEvent(ctx, workflowContinuedEvent(run.ID, successorID, input)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, nonTerminal, storage.RunStatusCompleted,
		storage.RunUpdate{CompletedAt: &now, ContinuedTo: successorID}); err != nil {
		return err
	}
	if err := e.store.CancelWakes(ctx, run.ID); err != nil {
		return err
	}
	metrics.RecordRunFinished("completed")
	e.logger.Info("run continued as new",
		log.RunIDKey, run.ID,
		"new_run_id", successorID,
	)
	return e.notifyParent(ctx, run, childCompletedEvent(run.ParentRunID, run.ID,
		map[string]any{"continued_to": successorID}))
}

// transition applies a non-terminal status change, tolerating the run
// already being in the target status.
func (e *Engine) transition(ctx context.Context, runID string, to storage.RunStatus, update storage.RunUpdate) error {
	err := e.store.UpdateRunStatus(ctx, runID, nonTerminal, to, update)
	if err == nil {
		return nil
	}
	var conflict *errors.ConflictError
	if errors.As(err, &conflict) {
		// A terminal transition won the race; the tick's work is already
		// recorded in the log, so losing the status race is benign.
		return nil
	}
	return err
}

// notifyParent appends a child terminal event on the parent's log and ticks
// the parent. Continuation successors are not children and are skipped.
func (e *Engine) notifyParent(ctx context.Context, run *storage.Run, event *storage.Event) error {
	if run.ParentRunID == "" || run.ContinuedFrom != "" {
		return nil
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	return e.enqueueTick(ctx, run.ParentRunID)
}

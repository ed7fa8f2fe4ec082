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

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// Cancel requests cooperative cancellation of a run. Terminal runs are
// ignored; the request is raised into the body at its next checkpoint.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	requested, err := e.cancellationRequested(ctx, runID)
	if err != nil {
		return err
	}
	if !requested {
		if err := e.store.AppendEvent(ctx, cancellationRequestedEvent(runID, reason)); err != nil {
			return err
		}
	}

	e.logger.Info("cancellation requested", log.RunIDKey, runID, "reason", reason)
	return e.enqueueTick(ctx, runID)
}

// cancellationRequested reports whether a cancellation.requested event is
// already on the log, keeping Cancel idempotent.
func (e *Engine) cancellationRequested(ctx context.Context, runID string) (bool, error) {
	_, err := e.store.LatestEvent(ctx, runID, EventCancellationRequested)
	if err == nil {
		return true, nil
	}
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

// propagateCancellation applies each outstanding child's cancellation
// policy. TERMINATE children get their own cancellation request; ABANDON
// and WAIT children are left alone (WAIT only delays parent termination).
func (e *Engine) propagateCancellation(ctx context.Context, state *replayState) error {
	for _, child := range state.outstandingChildren() {
		if child.policy != "" && child.policy != string(workflow.CancelTerminate) {
			continue
		}
		if err := e.Cancel(ctx, child.runID, "parent cancelled"); err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// disposePendingHooks moves a cancelled run's pending hooks to DISPOSED so
// late signals are rejected rather than accepted into a dead run.
func (e *Engine) disposePendingHooks(ctx context.Context, runID string) error {
	hooks, err := e.store.ListHooks(ctx, storage.HookFilter{
		RunID:  runID,
		Status: storage.HookStatusPending,
	})
	if err != nil {
		return err
	}

	for _, hook := range hooks {
		err := e.store.UpdateHookStatus(ctx, runID, hook.HookID,
			[]storage.HookStatus{storage.HookStatusPending},
			storage.HookStatusDisposed, nil)
		if err != nil {
			var conflict *errors.ConflictError
			if errors.As(err, &conflict) {
				// A signal won the race; the hook is no longer pending.
				continue
			}
			return err
		}
		if err := e.store.AppendEvent(ctx, hookDisposedEvent(runID, hook.HookID)); err != nil {
			return err
		}
	}
	return nil
}

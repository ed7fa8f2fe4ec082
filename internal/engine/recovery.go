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
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// DefaultSweepInterval is how often the sweeper scans for expired claims
// and due wakes.
const DefaultSweepInterval = 5 * time.Second

// wakeBatchSize bounds how many due wakes one sweep drains.
const wakeBatchSize = 100

// stalledBatchSize bounds how many unclaimed runs one sweep examines per
// status.
const stalledBatchSize = 100

// Sweeper periodically recovers runs whose worker died mid-tick and fires
// durable wakes (sleeps, hook expiries, run timeouts). Any number of
// sweepers may run across the fleet; claims and wake pops are atomic, so
// overlapping sweeps do duplicate work at worst, never conflicting work.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper bound to an engine. interval <= 0 uses
// DefaultSweepInterval.
func NewSweeper(e *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		engine:   e,
		interval: interval,
		logger:   log.WithComponent(logger, "sweeper"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass: fire due wakes first (they are cheap and
// time-sensitive), then recover expired claims, then re-drive runs that
// stalled without leaving a claim behind.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.fireDueWakes(ctx); err != nil {
		return err
	}
	if err := s.recoverExpiredClaims(ctx); err != nil {
		return err
	}
	return s.recoverStalledRuns(ctx)
}

func (s *Sweeper) fireDueWakes(ctx context.Context) error {
	e := s.engine
	wakes, err := e.store.DueWakes(ctx, e.now(), wakeBatchSize)
	if err != nil {
		return err
	}

	for _, wake := range wakes {
		var err error
		switch wake.Kind {
		case storage.WakeKindSleep, storage.WakeKindRetry:
			err = e.enqueueTick(ctx, wake.RunID)
		case storage.WakeKindHookExpiry:
			err = e.expireHook(ctx, wake.RunID, wake.Ref)
		case storage.WakeKindTimeout:
			err = e.Cancel(ctx, wake.RunID, "max duration exceeded")
		default:
			s.logger.Warn("unknown wake kind", log.RunIDKey, wake.RunID, "kind", string(wake.Kind))
			continue
		}
		if err != nil {
			var notFound *errors.NotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Sweeper) recoverExpiredClaims(ctx context.Context) error {
	e := s.engine
	claims, err := e.store.ListExpiredClaims(ctx, e.now())
	if err != nil {
		return err
	}

	for _, claim := range claims {
		if err := s.recoverRun(ctx, claim); err != nil {
			s.logger.Warn("recovery failed",
				log.RunIDKey, claim.RunID,
				log.WorkerIDKey, claim.WorkerID,
				"error", err,
			)
		}
		if err := e.store.ReleaseClaim(ctx, claim.RunID, claim.WorkerID); err != nil {
			s.logger.Warn("failed to release expired claim", log.RunIDKey, claim.RunID, "error", err)
		}
	}
	return nil
}

// recoverRun handles one run whose worker's lease lapsed.
func (s *Sweeper) recoverRun(ctx context.Context, claim *storage.Claim) error {
	run, err := s.engine.store.GetRun(ctx, claim.RunID)
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return s.redriveRun(ctx, run, claim.WorkerID)
}

// recoverStalledRuns re-drives non-terminal runs that show no progress and
// hold no claim. This is the safety net for crash windows the claim cannot
// see: a worker dying with a dequeued step task, or between a step's
// terminal event and the follow-up tick enqueue. The stall horizon allows
// a full lease plus a full default step attempt, so a live run is only
// re-driven when a custom step timeout exceeds the default; redelivery is
// then absorbed by the step's terminal-event check.
func (s *Sweeper) recoverStalledRuns(ctx context.Context) error {
	e := s.engine
	horizon := e.claimTTL + e.defaultStepTimeout
	now := e.now()

	for _, status := range []storage.RunStatus{storage.RunStatusPending, storage.RunStatusRunning} {
		runs, err := e.store.ListRuns(ctx, storage.RunFilter{Status: status, Limit: stalledBatchSize})
		if err != nil {
			return err
		}
		for _, run := range runs {
			if now.Sub(run.UpdatedAt) < horizon {
				continue
			}
			// Any claim, live or expired, means the expired-claim pass
			// owns this run.
			_, err := e.store.GetClaim(ctx, run.ID)
			if err == nil {
				continue
			}
			var notFound *errors.NotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
			if err := s.redriveRun(ctx, run, ""); err != nil {
				s.logger.Warn("stalled run recovery failed", log.RunIDKey, run.ID, "error", err)
			}
		}
	}
	return nil
}

// redriveRun re-queues a run's orphaned step tasks and a fresh tick. The
// recovery budget bounds how many times a crashing run is re-driven before
// it is interrupted for an operator to look at.
func (s *Sweeper) redriveRun(ctx context.Context, run *storage.Run, lostWorkerID string) error {
	e := s.engine
	if run.Status.Terminal() {
		return nil
	}
	if !run.RecoverOnWorkerLoss {
		return s.interruptRun(ctx, run, "worker lost and recovery disabled", run.RecoveryAttempts)
	}

	attempts, err := e.store.IncrementRecoveryAttempts(ctx, run.ID)
	if err != nil {
		return err
	}
	if attempts > run.MaxRecoveryAttempts {
		return s.interruptRun(ctx, run, (&errors.RecoveryExhaustedError{
			RunID:    run.ID,
			Attempts: attempts,
		}).Error(), attempts)
	}

	if err := s.requeueOrphanedSteps(ctx, run); err != nil {
		return err
	}

	metrics.RecordRecovery("tick")
	s.logger.Info("recovering run",
		log.RunIDKey, run.ID,
		log.WorkerIDKey, lostWorkerID,
		"attempt", attempts,
	)
	return e.enqueueTick(ctx, run.ID)
}

func (s *Sweeper) interruptRun(ctx context.Context, run *storage.Run, reason string, attempts int) error {
	e := s.engine
	if err := e.store.AppendEvent(ctx, workflowInterruptedEvent(run.ID, reason, attempts)); err != nil {
		return err
	}
	now := e.now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, nonTerminal, storage.RunStatusInterrupted,
		storage.RunUpdate{Error: reason, CompletedAt: &now}); err != nil {
		var conflict *errors.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		return nil
	}
	if err := e.store.CancelWakes(ctx, run.ID); err != nil {
		return err
	}
	metrics.RecordRunFinished("interrupted")
	metrics.RecordRecovery("exhausted")
	s.logger.Warn("run interrupted", log.RunIDKey, run.ID, "reason", reason)
	return e.notifyParent(ctx, run, childFailedEvent(run.ParentRunID, run.ID, reason))
}

// requeueOrphanedSteps re-enqueues step tasks that have a step.started but
// no terminal event. The lost worker may have been executing them when it
// died; redelivery is safe because a completed step's terminal event makes
// the duplicate task ack without running.
func (s *Sweeper) requeueOrphanedSteps(ctx context.Context, run *storage.Run) error {
	e := s.engine
	state, err := e.loadState(ctx, run.ID)
	if err != nil {
		return err
	}

	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		outcome, ok := state.steps[step.StepID]
		if !ok || outcome.terminal() {
			continue
		}
		if step.RetryAt != nil && step.RetryAt.After(e.now()) {
			// A delayed retry task is already in the broker.
			continue
		}

		metrics.RecordRecovery("step")
		s.logger.Info("requeueing orphaned step",
			log.RunIDKey, run.ID,
			log.StepIDKey, step.StepID,
		)
		err := e.broker.Enqueue(ctx, broker.QueueSteps, &broker.Task{
			ID:      NewTaskID(),
			Class:   broker.TaskStep,
			RunID:   run.ID,
			StepID:  step.StepID,
			Attempt: step.Attempt,
			Payload: stepTaskPayload(step.Name, step.Input, workflow.StepOptions{
				Retry: workflow.RetryPolicy{MaxRetries: step.MaxRetries},
			}),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

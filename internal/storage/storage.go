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

// Package storage defines the persistence contract for the engine.
//
// # Interface Hierarchy
//
// The storage package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): run records, idempotency keys, status CAS
//   - EventLog (core, required): append-only per-run event log
//   - StepStore: step execution records (observability projection)
//   - HookStore: hook records and payload delivery CAS
//   - ClaimStore: per-run worker leases
//   - WakeStore: persistent timer index for sleeps, retries, and expiries
//   - ScheduleStore: recurring schedule specs
//
// The Backend interface composes all of these plus io.Closer for
// full-featured implementations. Components should accept the narrowest
// interface that covers their needs.
//
// # Consistency requirements
//
// The event log is the source of truth for run state; run, step, and hook
// rows are projections that may briefly lag it. AppendEvent assigns the
// sequence number under the per-run uniqueness constraint, so two writers
// racing on the same run cannot both win. Status transitions use
// compare-and-swap: a transition whose precondition no longer holds
// returns *errors.ConflictError and must not be applied.
package storage

import (
	"context"
	"io"
	"time"
)

// RunStore is the core interface for run record operations.
type RunStore interface {
	// CreateRun creates a new run record. If the run carries an idempotency
	// key that is already bound to another run of the same workflow, it
	// returns *errors.ConflictError without creating anything.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns *errors.NotFoundError if absent.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunByIdempotencyKey retrieves the run bound to the given workflow
	// name and idempotency key. Returns *errors.NotFoundError if absent.
	GetRunByIdempotencyKey(ctx context.Context, workflowName, key string) (*Run, error)

	// UpdateRunStatus transitions a run's status with compare-and-swap
	// semantics. The transition applies only if the current status is one
	// of from; otherwise *errors.ConflictError is returned and nothing
	// changes. Terminal statuses are sticky: implementations must never
	// overwrite a terminal status regardless of from.
	UpdateRunStatus(ctx context.Context, id string, from []RunStatus, to RunStatus, update RunUpdate) error

	// IncrementRecoveryAttempts atomically bumps the recovery counter and
	// returns the new value.
	IncrementRecoveryAttempts(ctx context.Context, id string) (int, error)

	// ListRuns lists runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ListChildren lists the direct children of a run, oldest first.
	ListChildren(ctx context.Context, parentRunID string) ([]*Run, error)
}

// EventLog is the append-only per-run event log.
type EventLog interface {
	// AppendEvent appends an event to the run's log, assigning the next
	// sequence number. If the caller pre-set a sequence that has already
	// been taken, *errors.ConflictError is returned.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns the run's events with sequence >= fromSeq,
	// ordered by sequence.
	ListEvents(ctx context.Context, runID string, fromSeq int64) ([]*Event, error)

	// LatestEvent returns the run's most recent event, optionally filtered
	// by type (empty string matches any). Returns *errors.NotFoundError
	// when no event matches.
	LatestEvent(ctx context.Context, runID string, eventType EventType) (*Event, error)
}

// StepStore persists step execution records. These are projections of the
// event log kept for observability; the log remains authoritative.
type StepStore interface {
	// UpsertStep creates or replaces a step execution record.
	UpsertStep(ctx context.Context, step *StepExecution) error

	// GetStep retrieves a step by run and step ID.
	GetStep(ctx context.Context, runID, stepID string) (*StepExecution, error)

	// ListSteps lists all steps for a run, oldest first.
	ListSteps(ctx context.Context, runID string) ([]*StepExecution, error)
}

// HookStore persists hook records and handles payload delivery.
type HookStore interface {
	// UpsertHook creates or replaces a hook record.
	UpsertHook(ctx context.Context, hook *Hook) error

	// GetHook retrieves a hook by run and hook ID.
	GetHook(ctx context.Context, runID, hookID string) (*Hook, error)

	// GetHookByToken retrieves a hook by its delivery token.
	GetHookByToken(ctx context.Context, token string) (*Hook, error)

	// UpdateHookStatus transitions a hook's status with compare-and-swap
	// semantics, optionally recording the delivered payload. Returns
	// *errors.ConflictError if the current status is not in from, which
	// guarantees exactly one payload wins delivery.
	UpdateHookStatus(ctx context.Context, runID, hookID string, from []HookStatus, to HookStatus, payload map[string]any) error

	// ListHooks lists hooks matching the filter, oldest first.
	ListHooks(ctx context.Context, filter HookFilter) ([]*Hook, error)
}

// ClaimStore manages per-run worker leases. A live claim serializes all
// processing for its run.
type ClaimStore interface {
	// ClaimRun acquires or renews the lease on a run. Acquisition fails
	// with *errors.ConflictError if another worker holds a live lease.
	// The same worker may renew its own lease before expiry.
	ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) error

	// ReleaseClaim releases the lease if held by workerID. Releasing a
	// claim held by someone else is a no-op.
	ReleaseClaim(ctx context.Context, runID, workerID string) error

	// GetClaim returns the claim on a run, expired or not, or
	// *errors.NotFoundError if no claim exists.
	GetClaim(ctx context.Context, runID string) (*Claim, error)

	// ListExpiredClaims returns claims whose lease expired at or before now.
	ListExpiredClaims(ctx context.Context, now time.Time) ([]*Claim, error)
}

// WakeStore is the persistent timer index. Wakes survive process loss and
// are drained by the wake sweeper.
type WakeStore interface {
	// ScheduleWake records a future wake-up for a run.
	ScheduleWake(ctx context.Context, wake *Wake) error

	// DueWakes atomically removes and returns up to limit wakes due at or
	// before now, soonest first.
	DueWakes(ctx context.Context, now time.Time, limit int) ([]*Wake, error)

	// CancelWakes removes all pending wakes for a run.
	CancelWakes(ctx context.Context, runID string) error
}

// ScheduleStore persists recurring schedule specs.
type ScheduleStore interface {
	// SaveSchedule creates or replaces a schedule.
	SaveSchedule(ctx context.Context, schedule *Schedule) error

	// GetSchedule retrieves a schedule by name.
	GetSchedule(ctx context.Context, name string) (*Schedule, error)

	// ListSchedules lists all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// DeleteSchedule removes a schedule by name.
	DeleteSchedule(ctx context.Context, name string) error
}

// Backend defines the full interface for engine storage.
// This is a composite interface that embeds all segregated interfaces
// plus io.Closer for lifecycle management.
type Backend interface {
	RunStore
	EventLog
	StepStore
	HookStore
	ClaimStore
	WakeStore
	ScheduleStore
	io.Closer

	// Ping reports whether the backend is reachable and healthy.
	Ping(ctx context.Context) error
}

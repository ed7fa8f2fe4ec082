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

// Package memory provides an in-memory storage backend.
// It is the reference implementation of the storage contract and the
// default for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// Compile-time interface assertions.
// Ensures Backend implements all segregated interfaces.
var (
	_ storage.RunStore   = (*Backend)(nil)
	_ storage.EventLog   = (*Backend)(nil)
	_ storage.StepStore  = (*Backend)(nil)
	_ storage.HookStore  = (*Backend)(nil)
	_ storage.ClaimStore = (*Backend)(nil)
	_ storage.WakeStore  = (*Backend)(nil)
	_ storage.Backend    = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu        sync.RWMutex
	runs      map[string]*storage.Run
	idemKeys  map[string]string // workflow + "\x00" + key -> run ID
	events    map[string][]*storage.Event
	steps     map[string]map[string]*storage.StepExecution // run ID -> step ID -> record
	hooks     map[string]map[string]*storage.Hook          // run ID -> hook ID -> record
	hookToken map[string]*storage.Hook
	claims    map[string]*storage.Claim
	wakes     []*storage.Wake
	schedules map[string]*storage.Schedule
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:      make(map[string]*storage.Run),
		idemKeys:  make(map[string]string),
		events:    make(map[string][]*storage.Event),
		steps:     make(map[string]map[string]*storage.StepExecution),
		hooks:     make(map[string]map[string]*storage.Hook),
		hookToken: make(map[string]*storage.Hook),
		claims:    make(map[string]*storage.Claim),
		schedules: make(map[string]*storage.Schedule),
	}
}

func idemKey(workflowName, key string) string {
	return workflowName + "\x00" + key
}

// CreateRun creates a new run record.
func (b *Backend) CreateRun(ctx context.Context, run *storage.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &errors.ConflictError{Resource: "run", Key: run.ID, Reason: "run already exists"}
	}
	if run.IdempotencyKey != "" {
		if existing, bound := b.idemKeys[idemKey(run.WorkflowName, run.IdempotencyKey)]; bound {
			return &errors.ConflictError{
				Resource: "run",
				Key:      run.IdempotencyKey,
				Reason:   "idempotency key already bound to run " + existing,
			}
		}
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	b.runs[run.ID] = copyRun(run)
	if run.IdempotencyKey != "" {
		b.idemKeys[idemKey(run.WorkflowName, run.IdempotencyKey)] = run.ID
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(run), nil
}

// GetRunByIdempotencyKey retrieves the run bound to a workflow/key pair.
func (b *Backend) GetRunByIdempotencyKey(ctx context.Context, workflowName, key string) (*storage.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, bound := b.idemKeys[idemKey(workflowName, key)]
	if !bound {
		return nil, &errors.NotFoundError{Resource: "run", ID: key}
	}
	return copyRun(b.runs[id]), nil
}

// UpdateRunStatus transitions a run's status with CAS semantics.
func (b *Backend) UpdateRunStatus(ctx context.Context, id string, from []storage.RunStatus, to storage.RunStatus, update storage.RunUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[id]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}

	// Terminal statuses are sticky regardless of the caller's precondition.
	if run.Status.Terminal() {
		return &errors.ConflictError{
			Resource: "run",
			Key:      id,
			Reason:   "status " + string(run.Status) + " is terminal",
		}
	}

	if !statusIn(run.Status, from) {
		return &errors.ConflictError{
			Resource: "run",
			Key:      id,
			Reason:   "status is " + string(run.Status) + ", expected one of " + statusList(from),
		}
	}

	run.Status = to
	if update.Result != nil {
		run.Result = update.Result
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.ContinuedTo != "" {
		run.ContinuedTo = update.ContinuedTo
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementRecoveryAttempts atomically bumps the recovery counter.
func (b *Backend) IncrementRecoveryAttempts(ctx context.Context, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, exists := b.runs[id]
	if !exists {
		return 0, &errors.NotFoundError{Resource: "run", ID: id}
	}
	run.RecoveryAttempts++
	run.UpdatedAt = time.Now().UTC()
	return run.RecoveryAttempts, nil
}

// ListRuns lists runs matching the filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.Run
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && run.CreatedAt.After(*filter.Until) {
			continue
		}
		result = append(result, copyRun(run))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListChildren lists the direct children of a run, oldest first.
func (b *Backend) ListChildren(ctx context.Context, parentRunID string) ([]*storage.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.Run
	for _, run := range b.runs {
		if run.ParentRunID == parentRunID {
			result = append(result, copyRun(run))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendEvent appends an event, assigning the next sequence number.
func (b *Backend) AppendEvent(ctx context.Context, event *storage.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.events[event.RunID]
	next := int64(len(log)) + 1
	if event.Sequence != 0 && event.Sequence != next {
		return &errors.ConflictError{
			Resource: "event",
			Key:      event.RunID,
			Reason:   "stale sequence",
		}
	}
	event.Sequence = next
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.events[event.RunID] = append(log, copyEvent(event))
	return nil
}

// ListEvents returns events with sequence >= fromSeq, ordered by sequence.
func (b *Backend) ListEvents(ctx context.Context, runID string, fromSeq int64) ([]*storage.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.Event
	for _, ev := range b.events[runID] {
		if ev.Sequence >= fromSeq {
			result = append(result, copyEvent(ev))
		}
	}
	return result, nil
}

// LatestEvent returns the most recent event, optionally filtered by type.
func (b *Backend) LatestEvent(ctx context.Context, runID string, eventType storage.EventType) (*storage.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log := b.events[runID]
	for i := len(log) - 1; i >= 0; i-- {
		if eventType == "" || log[i].Type == eventType {
			return copyEvent(log[i]), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "event", ID: runID}
}

// UpsertStep creates or replaces a step execution record.
func (b *Backend) UpsertStep(ctx context.Context, step *storage.StepExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	steps := b.steps[step.RunID]
	if steps == nil {
		steps = make(map[string]*storage.StepExecution)
		b.steps[step.RunID] = steps
	}
	step.UpdatedAt = time.Now().UTC()
	steps[step.StepID] = copyStep(step)
	return nil
}

// GetStep retrieves a step by run and step ID.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*storage.StepExecution, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	step, exists := b.steps[runID][stepID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return copyStep(step), nil
}

// ListSteps lists all steps for a run, oldest first.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*storage.StepExecution, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.StepExecution
	for _, step := range b.steps[runID] {
		result = append(result, copyStep(step))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// UpsertHook creates or replaces a hook record.
func (b *Backend) UpsertHook(ctx context.Context, hook *storage.Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hooks := b.hooks[hook.RunID]
	if hooks == nil {
		hooks = make(map[string]*storage.Hook)
		b.hooks[hook.RunID] = hooks
	}
	stored := copyHook(hook)
	hooks[hook.HookID] = stored
	if hook.Token != "" {
		b.hookToken[hook.Token] = stored
	}
	return nil
}

// GetHook retrieves a hook by run and hook ID.
func (b *Backend) GetHook(ctx context.Context, runID, hookID string) (*storage.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hook, exists := b.hooks[runID][hookID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
	}
	return copyHook(hook), nil
}

// GetHookByToken retrieves a hook by its delivery token.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*storage.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hook, exists := b.hookToken[token]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "hook", ID: token}
	}
	return copyHook(hook), nil
}

// UpdateHookStatus transitions a hook's status with CAS semantics.
func (b *Backend) UpdateHookStatus(ctx context.Context, runID, hookID string, from []storage.HookStatus, to storage.HookStatus, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hook, exists := b.hooks[runID][hookID]
	if !exists {
		return &errors.NotFoundError{Resource: "hook", ID: hookID}
	}

	if !hookStatusIn(hook.Status, from) {
		return &errors.ConflictError{
			Resource: "hook",
			Key:      hookID,
			Reason:   "status is " + string(hook.Status),
		}
	}

	hook.Status = to
	if payload != nil {
		hook.Payload = payload
	}
	if to == storage.HookStatusReceived {
		now := time.Now().UTC()
		hook.ReceivedAt = &now
	}
	return nil
}

// ListHooks lists hooks matching the filter, oldest first.
func (b *Backend) ListHooks(ctx context.Context, filter storage.HookFilter) ([]*storage.Hook, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.Hook
	for runID, hooks := range b.hooks {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, hook := range hooks {
			if filter.Status != "" && hook.Status != filter.Status {
				continue
			}
			result = append(result, copyHook(hook))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ClaimRun acquires or renews the lease on a run.
func (b *Backend) ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	claim, held := b.claims[runID]
	if held && claim.WorkerID != workerID && claim.ExpiresAt.After(now) {
		return &errors.ConflictError{
			Resource: "claim",
			Key:      runID,
			Reason:   "held by worker " + claim.WorkerID,
		}
	}

	acquiredAt := now
	if held && claim.WorkerID == workerID {
		acquiredAt = claim.AcquiredAt
	}
	b.claims[runID] = &storage.Claim{
		RunID:      runID,
		WorkerID:   workerID,
		AcquiredAt: acquiredAt,
		ExpiresAt:  now.Add(ttl),
	}
	return nil
}

// ReleaseClaim releases the lease if held by workerID.
func (b *Backend) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if claim, held := b.claims[runID]; held && claim.WorkerID == workerID {
		delete(b.claims, runID)
	}
	return nil
}

// GetClaim returns the claim on a run, expired or not.
func (b *Backend) GetClaim(ctx context.Context, runID string) (*storage.Claim, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	claim, held := b.claims[runID]
	if !held {
		return nil, &errors.NotFoundError{Resource: "claim", ID: runID}
	}
	c := *claim
	return &c, nil
}

// ListExpiredClaims returns claims whose lease expired at or before now.
func (b *Backend) ListExpiredClaims(ctx context.Context, now time.Time) ([]*storage.Claim, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*storage.Claim
	for _, claim := range b.claims {
		if !claim.ExpiresAt.After(now) {
			c := *claim
			result = append(result, &c)
		}
	}
	return result, nil
}

// ScheduleWake records a future wake-up for a run.
func (b *Backend) ScheduleWake(ctx context.Context, wake *storage.Wake) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if wake.CreatedAt.IsZero() {
		wake.CreatedAt = time.Now().UTC()
	}
	w := *wake
	b.wakes = append(b.wakes, &w)
	return nil
}

// DueWakes atomically removes and returns wakes due at or before now.
func (b *Backend) DueWakes(ctx context.Context, now time.Time, limit int) ([]*storage.Wake, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sort.Slice(b.wakes, func(i, j int) bool {
		return b.wakes[i].At.Before(b.wakes[j].At)
	})

	var due []*storage.Wake
	var remaining []*storage.Wake
	for _, wake := range b.wakes {
		if !wake.At.After(now) && (limit <= 0 || len(due) < limit) {
			due = append(due, wake)
			continue
		}
		remaining = append(remaining, wake)
	}
	b.wakes = remaining
	return due, nil
}

// CancelWakes removes all pending wakes for a run.
func (b *Backend) CancelWakes(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var remaining []*storage.Wake
	for _, wake := range b.wakes {
		if wake.RunID != runID {
			remaining = append(remaining, wake)
		}
	}
	b.wakes = remaining
	return nil
}

// SaveSchedule creates or replaces a schedule.
func (b *Backend) SaveSchedule(ctx context.Context, schedule *storage.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	s := *schedule
	b.schedules[schedule.Name] = &s
	return nil
}

// GetSchedule retrieves a schedule by name.
func (b *Backend) GetSchedule(ctx context.Context, name string) (*storage.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	schedule, exists := b.schedules[name]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	s := *schedule
	return &s, nil
}

// ListSchedules lists all schedules.
func (b *Backend) ListSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*storage.Schedule, 0, len(b.schedules))
	for _, schedule := range b.schedules {
		s := *schedule
		result = append(result, &s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// DeleteSchedule removes a schedule by name.
func (b *Backend) DeleteSchedule(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.schedules, name)
	return nil
}

// Ping reports backend health. The in-memory backend is always healthy.
func (b *Backend) Ping(ctx context.Context) error {
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}

func statusIn(status storage.RunStatus, set []storage.RunStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusList(set []storage.RunStatus) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += ", "
		}
		out += string(s)
	}
	return out
}

func hookStatusIn(status storage.HookStatus, set []storage.HookStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func copyRun(run *storage.Run) *storage.Run {
	c := *run
	if run.Input != nil {
		c.Input = make(map[string]any, len(run.Input))
		for k, v := range run.Input {
			c.Input[k] = v
		}
	}
	if run.Metadata != nil {
		c.Metadata = make(map[string]string, len(run.Metadata))
		for k, v := range run.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyEvent(event *storage.Event) *storage.Event {
	c := *event
	if event.Data != nil {
		c.Data = make(map[string]any, len(event.Data))
		for k, v := range event.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func copyStep(step *storage.StepExecution) *storage.StepExecution {
	c := *step
	if step.Input != nil {
		c.Input = make(map[string]any, len(step.Input))
		for k, v := range step.Input {
			c.Input[k] = v
		}
	}
	return &c
}

func copyHook(hook *storage.Hook) *storage.Hook {
	c := *hook
	if hook.Payload != nil {
		c.Payload = make(map[string]any, len(hook.Payload))
		for k, v := range hook.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

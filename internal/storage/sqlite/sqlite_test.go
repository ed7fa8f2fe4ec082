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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestSQLiteBackend_CreateRun(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := &storage.Run{
		ID:           "run_0000000000000001",
		WorkflowName: "order-flow",
		Status:       storage.RunStatusPending,
		Input:        map[string]any{"order_id": "ord-42"},
	}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := be.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.WorkflowName != "order-flow" {
		t.Errorf("expected workflow order-flow, got %s", retrieved.WorkflowName)
	}
	if retrieved.Status != storage.RunStatusPending {
		t.Errorf("expected status pending, got %s", retrieved.Status)
	}
	if retrieved.Input["order_id"] != "ord-42" {
		t.Errorf("expected input to round-trip, got %v", retrieved.Input)
	}
}

func TestSQLiteBackend_GetRun_NotFound(t *testing.T) {
	be := createTestBackend(t)

	_, err := be.GetRun(context.Background(), "run_missing")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSQLiteBackend_IdempotencyKey(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	first := &storage.Run{
		ID:             "run_a",
		WorkflowName:   "order-flow",
		Status:         storage.RunStatusPending,
		IdempotencyKey: "order-42",
	}
	if err := be.CreateRun(ctx, first); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	dup := &storage.Run{
		ID:             "run_b",
		WorkflowName:   "order-flow",
		Status:         storage.RunStatusPending,
		IdempotencyKey: "order-42",
	}
	err := be.CreateRun(ctx, dup)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate idempotency key, got %v", err)
	}

	// Same key under a different workflow is fine.
	other := &storage.Run{
		ID:             "run_c",
		WorkflowName:   "billing-flow",
		Status:         storage.RunStatusPending,
		IdempotencyKey: "order-42",
	}
	if err := be.CreateRun(ctx, other); err != nil {
		t.Fatalf("same key under another workflow should succeed: %v", err)
	}

	found, err := be.GetRunByIdempotencyKey(ctx, "order-flow", "order-42")
	if err != nil {
		t.Fatalf("failed to look up by idempotency key: %v", err)
	}
	if found.ID != "run_a" {
		t.Errorf("expected run_a, got %s", found.ID)
	}
}

func TestSQLiteBackend_EmptyIdempotencyKeysDoNotCollide(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	for _, id := range []string{"run_1", "run_2"} {
		run := &storage.Run{ID: id, WorkflowName: "order-flow", Status: storage.RunStatusPending}
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("runs without idempotency keys must not collide: %v", err)
		}
	}
}

func TestSQLiteBackend_UpdateRunStatus_CAS(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := &storage.Run{ID: "run_cas", WorkflowName: "wf", Status: storage.RunStatusPending}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	now := time.Now().UTC()
	err := be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusPending, storage.RunStatusSuspended},
		storage.RunStatusRunning, storage.RunUpdate{StartedAt: &now})
	if err != nil {
		t.Fatalf("pending -> running should succeed: %v", err)
	}

	// Precondition no longer holds.
	err = be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusPending},
		storage.RunStatusRunning, storage.RunUpdate{})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError when precondition fails, got %v", err)
	}

	retrieved, err := be.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != storage.RunStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
}

func TestSQLiteBackend_TerminalStatusIsSticky(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := &storage.Run{ID: "run_done", WorkflowName: "wf", Status: storage.RunStatusRunning}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	done := time.Now().UTC()
	err := be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusRunning},
		storage.RunStatusCompleted,
		storage.RunUpdate{Result: map[string]any{"total": 7}, CompletedAt: &done})
	if err != nil {
		t.Fatalf("running -> completed should succeed: %v", err)
	}

	// Even a from-set naming the terminal status must not move it.
	err = be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusCompleted},
		storage.RunStatusCancelled, storage.RunUpdate{})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError moving out of terminal status, got %v", err)
	}
}

func TestSQLiteBackend_IncrementRecoveryAttempts(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := &storage.Run{ID: "run_rec", WorkflowName: "wf", Status: storage.RunStatusRunning}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := be.IncrementRecoveryAttempts(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to increment recovery attempts: %v", err)
		}
		if got != want {
			t.Errorf("expected %d recovery attempts, got %d", want, got)
		}
	}
}

func TestSQLiteBackend_ListRuns(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	for i, status := range []storage.RunStatus{
		storage.RunStatusRunning, storage.RunStatusCompleted, storage.RunStatusRunning,
	} {
		run := &storage.Run{
			ID:           "run_" + string(rune('a'+i)),
			WorkflowName: "wf",
			Status:       status,
		}
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	running, err := be.ListRuns(ctx, storage.RunFilter{Status: storage.RunStatusRunning})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running runs, got %d", len(running))
	}

	limited, err := be.ListRuns(ctx, storage.RunFilter{WorkflowName: "wf", Limit: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 run with limit, got %d", len(limited))
	}
}

func TestSQLiteBackend_ListChildren(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	parent := &storage.Run{ID: "run_parent", WorkflowName: "wf", Status: storage.RunStatusRunning}
	if err := be.CreateRun(ctx, parent); err != nil {
		t.Fatalf("failed to create parent: %v", err)
	}
	for _, id := range []string{"run_child_1", "run_child_2"} {
		child := &storage.Run{
			ID:           id,
			WorkflowName: "child-wf",
			Status:       storage.RunStatusRunning,
			ParentRunID:  parent.ID,
			NestingDepth: 1,
		}
		if err := be.CreateRun(ctx, child); err != nil {
			t.Fatalf("failed to create child: %v", err)
		}
	}

	children, err := be.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("failed to list children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].NestingDepth != 1 {
		t.Errorf("expected nesting depth 1, got %d", children[0].NestingDepth)
	}
}

func TestSQLiteBackend_AppendEvent_AssignsSequence(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		event := &storage.Event{
			ID:    "evt_" + string(rune('0'+i)),
			RunID: "run_log",
			Type:  "step.completed",
			Data:  map[string]any{"attempt": i},
		}
		if err := be.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.Sequence != int64(i) {
			t.Errorf("expected sequence %d, got %d", i, event.Sequence)
		}
	}

	events, err := be.ListEvents(ctx, "run_log", 2)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events from sequence 2, got %d", len(events))
	}
	if events[0].Sequence != 2 {
		t.Errorf("expected first listed sequence 2, got %d", events[0].Sequence)
	}
}

func TestSQLiteBackend_AppendEvent_StaleSequence(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	if err := be.AppendEvent(ctx, &storage.Event{ID: "evt_1", RunID: "run_log", Type: "workflow.started"}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	stale := &storage.Event{ID: "evt_2", RunID: "run_log", Type: "step.started", Sequence: 1}
	err := be.AppendEvent(ctx, stale)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for stale sequence, got %v", err)
	}
}

func TestSQLiteBackend_LatestEvent(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	types := []storage.EventType{"workflow.started", "step.started", "step.completed"}
	for i, et := range types {
		event := &storage.Event{ID: "evt_" + string(rune('0'+i)), RunID: "run_log", Type: et}
		if err := be.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	latest, err := be.LatestEvent(ctx, "run_log", "")
	if err != nil {
		t.Fatalf("failed to get latest event: %v", err)
	}
	if latest.Type != "step.completed" {
		t.Errorf("expected step.completed, got %s", latest.Type)
	}

	started, err := be.LatestEvent(ctx, "run_log", "workflow.started")
	if err != nil {
		t.Fatalf("failed to get latest workflow.started: %v", err)
	}
	if started.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", started.Sequence)
	}

	_, err = be.LatestEvent(ctx, "run_log", "hook.created")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for absent type, got %v", err)
	}
}

func TestSQLiteBackend_StepLifecycle(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	step := &storage.StepExecution{
		StepID:     "step_charge_a1b2c3d4",
		RunID:      "run_pay",
		Name:       "charge",
		Status:     storage.StepStatusRunning,
		Attempt:    1,
		MaxRetries: 3,
		Input:      map[string]any{"amount": 100},
		StartedAt:  time.Now().UTC(),
	}
	if err := be.UpsertStep(ctx, step); err != nil {
		t.Fatalf("failed to upsert step: %v", err)
	}

	done := time.Now().UTC()
	step.Status = storage.StepStatusCompleted
	step.Result = map[string]any{"charge_id": "ch_1"}
	step.CompletedAt = &done
	if err := be.UpsertStep(ctx, step); err != nil {
		t.Fatalf("failed to upsert completed step: %v", err)
	}

	retrieved, err := be.GetStep(ctx, "run_pay", step.StepID)
	if err != nil {
		t.Fatalf("failed to get step: %v", err)
	}
	if retrieved.Status != storage.StepStatusCompleted {
		t.Errorf("expected status completed, got %s", retrieved.Status)
	}
	if retrieved.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	steps, err := be.ListSteps(ctx, "run_pay")
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Errorf("upsert must not duplicate rows, got %d steps", len(steps))
	}
}

func TestSQLiteBackend_HookDelivery_SingleWinner(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	hook := &storage.Hook{
		HookID: "hook_approval",
		RunID:  "run_appr",
		Name:   "approval",
		Token:  "run_appr:hook_approval",
		Status: storage.HookStatusPending,
	}
	if err := be.UpsertHook(ctx, hook); err != nil {
		t.Fatalf("failed to upsert hook: %v", err)
	}

	byToken, err := be.GetHookByToken(ctx, hook.Token)
	if err != nil {
		t.Fatalf("failed to get hook by token: %v", err)
	}
	if byToken.HookID != hook.HookID {
		t.Errorf("expected hook %s, got %s", hook.HookID, byToken.HookID)
	}

	err = be.UpdateHookStatus(ctx, hook.RunID, hook.HookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusReceived, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("first delivery should win: %v", err)
	}

	// Second delivery loses the CAS.
	err = be.UpdateHookStatus(ctx, hook.RunID, hook.HookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusReceived, map[string]any{"approved": false})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on second delivery, got %v", err)
	}

	retrieved, err := be.GetHook(ctx, hook.RunID, hook.HookID)
	if err != nil {
		t.Fatalf("failed to get hook: %v", err)
	}
	if retrieved.Payload["approved"] != true {
		t.Errorf("losing delivery must not overwrite payload, got %v", retrieved.Payload)
	}
	if retrieved.ReceivedAt == nil {
		t.Error("expected received_at to be set")
	}
}

func TestSQLiteBackend_ListHooks(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	for i, status := range []storage.HookStatus{storage.HookStatusPending, storage.HookStatusReceived} {
		hook := &storage.Hook{
			HookID: "hook_" + string(rune('a'+i)),
			RunID:  "run_h",
			Name:   "h",
			Token:  "run_h:hook_" + string(rune('a'+i)),
			Status: status,
		}
		if err := be.UpsertHook(ctx, hook); err != nil {
			t.Fatalf("failed to upsert hook: %v", err)
		}
	}

	pending, err := be.ListHooks(ctx, storage.HookFilter{RunID: "run_h", Status: storage.HookStatusPending})
	if err != nil {
		t.Fatalf("failed to list hooks: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending hook, got %d", len(pending))
	}
}

func TestSQLiteBackend_ClaimRun(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	if err := be.ClaimRun(ctx, "run_x", "worker-1", time.Minute); err != nil {
		t.Fatalf("initial claim should succeed: %v", err)
	}

	// Renewal by the holder succeeds.
	if err := be.ClaimRun(ctx, "run_x", "worker-1", time.Minute); err != nil {
		t.Fatalf("renewal by holder should succeed: %v", err)
	}

	// Another worker loses while the lease is live.
	err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for live lease, got %v", err)
	}

	if err := be.ReleaseClaim(ctx, "run_x", "worker-1"); err != nil {
		t.Fatalf("release should succeed: %v", err)
	}
	if err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute); err != nil {
		t.Fatalf("claim after release should succeed: %v", err)
	}
}

func TestSQLiteBackend_GetClaim(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetClaim(ctx, "run_x")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for unclaimed run, got %v", err)
	}

	if err := be.ClaimRun(ctx, "run_x", "worker-1", -time.Second); err != nil {
		t.Fatalf("failed to create claim: %v", err)
	}

	// Expired claims are still returned; staleness is the caller's call.
	claim, err := be.GetClaim(ctx, "run_x")
	if err != nil {
		t.Fatalf("failed to get claim: %v", err)
	}
	if claim.WorkerID != "worker-1" {
		t.Fatalf("expected worker-1's claim, got %+v", claim)
	}
}

func TestSQLiteBackend_ExpiredClaimIsTakeable(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	if err := be.ClaimRun(ctx, "run_x", "worker-1", -time.Second); err != nil {
		t.Fatalf("failed to create expired claim: %v", err)
	}

	expired, err := be.ListExpiredClaims(ctx, time.Now())
	if err != nil {
		t.Fatalf("failed to list expired claims: %v", err)
	}
	if len(expired) != 1 || expired[0].WorkerID != "worker-1" {
		t.Fatalf("expected worker-1's expired claim, got %+v", expired)
	}

	if err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute); err != nil {
		t.Fatalf("expired lease should be takeable: %v", err)
	}
}

func TestSQLiteBackend_Wakes(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	now := time.Now().UTC()
	wakes := []*storage.Wake{
		{RunID: "run_1", Kind: storage.WakeKindSleep, Ref: "sleep_1", At: now.Add(-time.Minute)},
		{RunID: "run_2", Kind: storage.WakeKindRetry, Ref: "step_x", At: now.Add(-time.Second)},
		{RunID: "run_3", Kind: storage.WakeKindHookExpiry, Ref: "hook_y", At: now.Add(time.Hour)},
	}
	for _, w := range wakes {
		if err := be.ScheduleWake(ctx, w); err != nil {
			t.Fatalf("failed to schedule wake: %v", err)
		}
	}

	due, err := be.DueWakes(ctx, now, 10)
	if err != nil {
		t.Fatalf("failed to pop due wakes: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due wakes, got %d", len(due))
	}
	if due[0].RunID != "run_1" {
		t.Errorf("expected soonest wake first, got %s", due[0].RunID)
	}

	// Due wakes are popped, not re-delivered.
	again, err := be.DueWakes(ctx, now, 10)
	if err != nil {
		t.Fatalf("failed to pop due wakes: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no wakes on second pop, got %d", len(again))
	}

	if err := be.CancelWakes(ctx, "run_3"); err != nil {
		t.Fatalf("failed to cancel wakes: %v", err)
	}
	future, err := be.DueWakes(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("failed to pop due wakes: %v", err)
	}
	if len(future) != 0 {
		t.Errorf("cancelled wakes must not fire, got %d", len(future))
	}
}

func TestSQLiteBackend_Schedules(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	schedule := &storage.Schedule{
		Name:         "nightly-report",
		WorkflowName: "report-flow",
		Cron:         "0 2 * * *",
		Input:        map[string]any{"format": "pdf"},
		Enabled:      true,
	}
	if err := be.SaveSchedule(ctx, schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	retrieved, err := be.GetSchedule(ctx, "nightly-report")
	if err != nil {
		t.Fatalf("failed to get schedule: %v", err)
	}
	if retrieved.Cron != "0 2 * * *" {
		t.Errorf("expected cron to round-trip, got %s", retrieved.Cron)
	}
	if !retrieved.Enabled {
		t.Error("expected schedule to be enabled")
	}

	schedule.Enabled = false
	if err := be.SaveSchedule(ctx, schedule); err != nil {
		t.Fatalf("failed to update schedule: %v", err)
	}

	all, err := be.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("failed to list schedules: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("save must upsert, got %d schedules", len(all))
	}
	if all[0].Enabled {
		t.Error("expected schedule to be disabled after update")
	}

	if err := be.DeleteSchedule(ctx, "nightly-report"); err != nil {
		t.Fatalf("failed to delete schedule: %v", err)
	}
	_, err = be.GetSchedule(ctx, "nightly-report")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}

func TestSQLiteBackend_Ping(t *testing.T) {
	be := createTestBackend(t)
	if err := be.Ping(context.Background()); err != nil {
		t.Errorf("ping should succeed: %v", err)
	}
}

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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

func TestMemoryBackend_CreateAndGetRun(t *testing.T) {
	be := New()
	ctx := context.Background()

	run := &storage.Run{
		ID:           "run_1",
		WorkflowName: "order-flow",
		Status:       storage.RunStatusPending,
		Input:        map[string]any{"order_id": "ord-42"},
	}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := be.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Input["order_id"] != "ord-42" {
		t.Errorf("expected input to round-trip, got %v", retrieved.Input)
	}

	// Mutating the returned copy must not leak into storage.
	retrieved.Input["order_id"] = "tampered"
	again, _ := be.GetRun(ctx, "run_1")
	if again.Input["order_id"] != "ord-42" {
		t.Error("returned run must be a copy, not the stored record")
	}
}

func TestMemoryBackend_DuplicateRunID(t *testing.T) {
	be := New()
	ctx := context.Background()

	run := &storage.Run{ID: "run_1", WorkflowName: "wf", Status: storage.RunStatusPending}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	err := be.CreateRun(ctx, &storage.Run{ID: "run_1", WorkflowName: "wf", Status: storage.RunStatusPending})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate ID, got %v", err)
	}
}

func TestMemoryBackend_IdempotencyKey(t *testing.T) {
	be := New()
	ctx := context.Background()

	first := &storage.Run{
		ID: "run_a", WorkflowName: "order-flow",
		Status: storage.RunStatusPending, IdempotencyKey: "order-42",
	}
	if err := be.CreateRun(ctx, first); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	dup := &storage.Run{
		ID: "run_b", WorkflowName: "order-flow",
		Status: storage.RunStatusPending, IdempotencyKey: "order-42",
	}
	err := be.CreateRun(ctx, dup)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate idempotency key, got %v", err)
	}

	found, err := be.GetRunByIdempotencyKey(ctx, "order-flow", "order-42")
	if err != nil {
		t.Fatalf("failed to look up by idempotency key: %v", err)
	}
	if found.ID != "run_a" {
		t.Errorf("expected run_a, got %s", found.ID)
	}
}

func TestMemoryBackend_UpdateRunStatus_CAS(t *testing.T) {
	be := New()
	ctx := context.Background()

	run := &storage.Run{ID: "run_cas", WorkflowName: "wf", Status: storage.RunStatusPending}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	err := be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusPending},
		storage.RunStatusRunning, storage.RunUpdate{})
	if err != nil {
		t.Fatalf("pending -> running should succeed: %v", err)
	}

	err = be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusPending},
		storage.RunStatusRunning, storage.RunUpdate{})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError when precondition fails, got %v", err)
	}
}

func TestMemoryBackend_TerminalStatusIsSticky(t *testing.T) {
	be := New()
	ctx := context.Background()

	run := &storage.Run{ID: "run_done", WorkflowName: "wf", Status: storage.RunStatusRunning}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	err := be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusRunning},
		storage.RunStatusCancelled, storage.RunUpdate{})
	if err != nil {
		t.Fatalf("running -> cancelled should succeed: %v", err)
	}

	err = be.UpdateRunStatus(ctx, run.ID,
		[]storage.RunStatus{storage.RunStatusCancelled},
		storage.RunStatusRunning, storage.RunUpdate{})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError moving out of terminal status, got %v", err)
	}
}

func TestMemoryBackend_AppendEvent_ConcurrentWriters(t *testing.T) {
	be := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = be.AppendEvent(ctx, &storage.Event{ID: "evt", RunID: "run_log", Type: "step.completed"})
		}()
	}
	wg.Wait()

	events, err := be.ListEvents(ctx, "run_log", 1)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("expected dense sequences, got %d at position %d", ev.Sequence, i)
		}
	}
}

func TestMemoryBackend_AppendEvent_StaleSequence(t *testing.T) {
	be := New()
	ctx := context.Background()

	if err := be.AppendEvent(ctx, &storage.Event{ID: "evt_1", RunID: "run_log", Type: "workflow.started"}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	err := be.AppendEvent(ctx, &storage.Event{ID: "evt_2", RunID: "run_log", Type: "step.started", Sequence: 1})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for stale sequence, got %v", err)
	}
}

func TestMemoryBackend_LatestEvent(t *testing.T) {
	be := New()
	ctx := context.Background()

	for _, et := range []storage.EventType{"workflow.started", "sleep.started", "sleep.completed"} {
		if err := be.AppendEvent(ctx, &storage.Event{ID: "evt", RunID: "run_log", Type: et}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	latest, err := be.LatestEvent(ctx, "run_log", "")
	if err != nil {
		t.Fatalf("failed to get latest event: %v", err)
	}
	if latest.Type != "sleep.completed" {
		t.Errorf("expected sleep.completed, got %s", latest.Type)
	}

	_, err = be.LatestEvent(ctx, "run_log", "hook.created")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryBackend_HookDelivery_SingleWinner(t *testing.T) {
	be := New()
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

	err := be.UpdateHookStatus(ctx, hook.RunID, hook.HookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusReceived, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("first delivery should win: %v", err)
	}

	err = be.UpdateHookStatus(ctx, hook.RunID, hook.HookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusReceived, map[string]any{"approved": false})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on second delivery, got %v", err)
	}

	byToken, err := be.GetHookByToken(ctx, hook.Token)
	if err != nil {
		t.Fatalf("failed to get hook by token: %v", err)
	}
	if byToken.Status != storage.HookStatusReceived {
		t.Errorf("expected received, got %s", byToken.Status)
	}
	if byToken.Payload["approved"] != true {
		t.Errorf("losing delivery must not overwrite payload, got %v", byToken.Payload)
	}
}

func TestMemoryBackend_ClaimRun(t *testing.T) {
	be := New()
	ctx := context.Background()

	if err := be.ClaimRun(ctx, "run_x", "worker-1", time.Minute); err != nil {
		t.Fatalf("initial claim should succeed: %v", err)
	}
	if err := be.ClaimRun(ctx, "run_x", "worker-1", time.Minute); err != nil {
		t.Fatalf("renewal by holder should succeed: %v", err)
	}

	err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute)
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for live lease, got %v", err)
	}

	if err := be.ReleaseClaim(ctx, "run_x", "worker-2"); err != nil {
		t.Fatalf("release by non-holder should be a no-op: %v", err)
	}
	err = be.ClaimRun(ctx, "run_x", "worker-2", time.Minute)
	if !errors.As(err, &conflict) {
		t.Fatal("non-holder release must not free the lease")
	}

	if err := be.ReleaseClaim(ctx, "run_x", "worker-1"); err != nil {
		t.Fatalf("release should succeed: %v", err)
	}
	if err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute); err != nil {
		t.Fatalf("claim after release should succeed: %v", err)
	}
}

func TestMemoryBackend_GetClaim(t *testing.T) {
	be := New()
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

func TestMemoryBackend_ExpiredClaims(t *testing.T) {
	be := New()
	ctx := context.Background()

	if err := be.ClaimRun(ctx, "run_x", "worker-1", -time.Second); err != nil {
		t.Fatalf("failed to create expired claim: %v", err)
	}

	expired, err := be.ListExpiredClaims(ctx, time.Now())
	if err != nil {
		t.Fatalf("failed to list expired claims: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired claim, got %d", len(expired))
	}

	if err := be.ClaimRun(ctx, "run_x", "worker-2", time.Minute); err != nil {
		t.Fatalf("expired lease should be takeable: %v", err)
	}
}

func TestMemoryBackend_Wakes(t *testing.T) {
	be := New()
	ctx := context.Background()

	now := time.Now().UTC()
	for _, w := range []*storage.Wake{
		{RunID: "run_1", Kind: storage.WakeKindSleep, At: now.Add(-time.Minute)},
		{RunID: "run_2", Kind: storage.WakeKindRetry, At: now.Add(-time.Second)},
		{RunID: "run_3", Kind: storage.WakeKindHookExpiry, At: now.Add(time.Hour)},
	} {
		if err := be.ScheduleWake(ctx, w); err != nil {
			t.Fatalf("failed to schedule wake: %v", err)
		}
	}

	due, err := be.DueWakes(ctx, now, 1)
	if err != nil {
		t.Fatalf("failed to pop due wakes: %v", err)
	}
	if len(due) != 1 || due[0].RunID != "run_1" {
		t.Fatalf("expected soonest wake only, got %+v", due)
	}

	rest, err := be.DueWakes(ctx, now, 10)
	if err != nil {
		t.Fatalf("failed to pop due wakes: %v", err)
	}
	if len(rest) != 1 || rest[0].RunID != "run_2" {
		t.Fatalf("expected remaining due wake, got %+v", rest)
	}

	if err := be.CancelWakes(ctx, "run_3"); err != nil {
		t.Fatalf("failed to cancel wakes: %v", err)
	}
	future, _ := be.DueWakes(ctx, now.Add(2*time.Hour), 10)
	if len(future) != 0 {
		t.Errorf("cancelled wakes must not fire, got %d", len(future))
	}
}

func TestMemoryBackend_Schedules(t *testing.T) {
	be := New()
	ctx := context.Background()

	schedule := &storage.Schedule{
		Name:         "heartbeat",
		WorkflowName: "ping-flow",
		Every:        30 * time.Second,
		Enabled:      true,
	}
	if err := be.SaveSchedule(ctx, schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	retrieved, err := be.GetSchedule(ctx, "heartbeat")
	if err != nil {
		t.Fatalf("failed to get schedule: %v", err)
	}
	if retrieved.Every != 30*time.Second {
		t.Errorf("expected interval to round-trip, got %v", retrieved.Every)
	}

	all, err := be.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("failed to list schedules: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(all))
	}

	if err := be.DeleteSchedule(ctx, "heartbeat"); err != nil {
		t.Fatalf("failed to delete schedule: %v", err)
	}
	_, err = be.GetSchedule(ctx, "heartbeat")
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}

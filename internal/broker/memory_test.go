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

package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBroker_EnqueueDequeue(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	task := &Task{ID: "task-1", Class: TaskWorkflowTick, RunID: "run_1"}
	if err := b.Enqueue(ctx, QueueWorkflow, task); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	got, err := b.Dequeue(ctx, QueueWorkflow)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got.ID != "task-1" {
		t.Errorf("expected task-1, got %s", got.ID)
	}
	if b.Len(QueueWorkflow) != 0 {
		t.Errorf("expected empty queue, got %d", b.Len(QueueWorkflow))
	}
}

func TestMemoryBroker_QueuesAreIndependent(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, QueueSteps, &Task{ID: "step-task", Class: TaskStep, RunID: "run_1", StepID: "step_x"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	if b.Len(QueueWorkflow) != 0 {
		t.Errorf("step task must not appear on workflow queue")
	}
	got, err := b.Dequeue(ctx, QueueSteps)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got.Class != TaskStep {
		t.Errorf("expected step.execute, got %s", got.Class)
	}
}

func TestMemoryBroker_DequeueBlocksUntilEnqueue(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	done := make(chan *Task, 1)
	go func() {
		task, err := b.Dequeue(ctx, QueueWorkflow)
		if err != nil {
			t.Errorf("dequeue failed: %v", err)
		}
		done <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Enqueue(ctx, QueueWorkflow, &Task{ID: "task-late", Class: TaskWorkflowTick}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	select {
	case task := <-done:
		if task.ID != "task-late" {
			t.Errorf("expected task-late, got %s", task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock after enqueue")
	}
}

func TestMemoryBroker_DelayedVisibility(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	delayed := &Task{
		ID:        "task-delayed",
		Class:     TaskStep,
		RunID:     "run_1",
		NotBefore: time.Now().Add(50 * time.Millisecond),
	}
	if err := b.Enqueue(ctx, QueueSteps, delayed); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	start := time.Now()
	got, err := b.Dequeue(ctx, QueueSteps)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got.ID != "task-delayed" {
		t.Errorf("expected task-delayed, got %s", got.ID)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("task delivered %v after enqueue, before its visibility time", elapsed)
	}
}

func TestMemoryBroker_VisibleTaskSkipsDelayed(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	if err := b.Enqueue(ctx, QueueSteps, &Task{ID: "task-delayed", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, QueueSteps, &Task{ID: "task-now"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	got, err := b.Dequeue(ctx, QueueSteps)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got.ID != "task-now" {
		t.Errorf("expected visible task to be delivered first, got %s", got.ID)
	}
	if b.Len(QueueSteps) != 1 {
		t.Errorf("delayed task should remain queued, got %d", b.Len(QueueSteps))
	}
}

func TestMemoryBroker_DequeueRespectsContext(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx, QueueWorkflow)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	// Block a consumer, then close.
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(ctx, QueueWorkflow)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrBrokerClosed {
			t.Errorf("expected ErrBrokerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeue did not return after close")
	}

	if err := b.Enqueue(ctx, QueueWorkflow, &Task{ID: "task"}); err != ErrBrokerClosed {
		t.Errorf("expected ErrBrokerClosed on enqueue, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("double close should be a no-op: %v", err)
	}
}

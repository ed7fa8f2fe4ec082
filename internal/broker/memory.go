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
	"sync"
	"time"
)

// MemoryBroker is an in-memory broker implementation for single-process
// deployments and tests.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string][]*Task
	signals  map[string]chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string][]*Task),
		signals: make(map[string]chan struct{}),
	}
}

func (b *MemoryBroker) signalFor(queue string) chan struct{} {
	// Caller holds b.mu.
	sig, ok := b.signals[queue]
	if !ok {
		sig = make(chan struct{}, 1)
		b.signals[queue] = sig
	}
	return sig
}

// Enqueue adds a task to the named queue.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, task *Task) error {
	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return ErrBrokerClosed
	}
	b.closedMu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	b.queues[queue] = append(b.queues[queue], task)

	// Signal that a task is available
	select {
	case b.signalFor(queue) <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next visible task from the named queue.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		b.closedMu.RLock()
		if b.closed {
			b.closedMu.RUnlock()
			return nil, ErrBrokerClosed
		}
		b.closedMu.RUnlock()

		b.mu.Lock()
		task, nextVisible := b.popVisible(queue)
		sig := b.signalFor(queue)
		b.mu.Unlock()

		if task != nil {
			return task, nil
		}

		// Wait for a new task, the next delayed task becoming visible,
		// or context cancellation.
		var timer *time.Timer
		var due <-chan time.Time
		if !nextVisible.IsZero() {
			timer = time.NewTimer(time.Until(nextVisible))
			due = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-sig:
			if timer != nil {
				timer.Stop()
			}
		case <-due:
		}
	}
}

// popVisible removes and returns the oldest visible task, or nil plus the
// earliest NotBefore of the delayed tasks still waiting. Caller holds b.mu.
func (b *MemoryBroker) popVisible(queue string) (*Task, time.Time) {
	now := time.Now()
	tasks := b.queues[queue]
	var nextVisible time.Time
	for i, task := range tasks {
		if task.NotBefore.IsZero() || !task.NotBefore.After(now) {
			b.queues[queue] = append(tasks[:i], tasks[i+1:]...)
			return task, time.Time{}
		}
		if nextVisible.IsZero() || task.NotBefore.Before(nextVisible) {
			nextVisible = task.NotBefore
		}
	}
	return nil, nextVisible
}

// Len returns the number of tasks in the named queue.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Close closes the broker. Blocked Dequeue calls return ErrBrokerClosed.
func (b *MemoryBroker) Close() error {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.mu.Lock()
	for _, sig := range b.signals {
		close(sig)
	}
	b.mu.Unlock()
	return nil
}

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

// Package worker consumes the broker queues and drives the engine: workflow
// ticks on the workflow queue, step attempts on the steps queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/durable/internal/broker"
	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
)

// DefaultConcurrency bounds simultaneous task handlers per worker.
const DefaultConcurrency = 8

// redeliveryDelay is how long a failed task stays invisible before the next
// delivery attempt.
const redeliveryDelay = time.Second

// Config contains worker configuration.
type Config struct {
	// Concurrency bounds simultaneous task handlers. Default 8.
	Concurrency int

	// Queues lists the queues to consume. Default: workflow and steps.
	Queues []string
}

// Worker consumes queues and executes tasks with bounded concurrency.
type Worker struct {
	id        string
	engine    *engine.Engine
	broker    broker.Broker
	queues    []string
	semaphore chan struct{}
	logger    *slog.Logger

	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

// New creates a worker with a fleet-unique ID.
func New(e *engine.Engine, b broker.Broker, cfg Config, logger *slog.Logger) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{broker.QueueWorkflow, broker.QueueSteps}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:        id,
		engine:    e,
		broker:    b,
		queues:    queues,
		semaphore: make(chan struct{}, concurrency),
		logger:    log.WithWorker(log.WithComponent(logger, "worker"), id),
	}
}

// ID returns the worker's fleet-unique identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run consumes all configured queues until ctx is cancelled, then waits for
// in-flight handlers to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"queues", w.queues,
		"concurrency", cap(w.semaphore),
	)

	var consumers sync.WaitGroup
	for _, queue := range w.queues {
		consumers.Add(1)
		go func(queue string) {
			defer consumers.Done()
			w.consume(ctx, queue)
		}(queue)
	}
	consumers.Wait()

	w.wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, queue string) {
	for {
		if ctx.Err() != nil || w.draining.Load() {
			return
		}

		task, err := w.broker.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil || err == broker.ErrBrokerClosed {
				return
			}
			w.logger.Warn("dequeue failed", log.QueueKey, queue, "error", err)
			continue
		}

		select {
		case w.semaphore <- struct{}{}:
		case <-ctx.Done():
			// Hand the task back rather than dropping it.
			w.requeue(task, queue, 0)
			return
		}

		w.wg.Add(1)
		w.active.Add(1)
		go func(task *broker.Task) {
			defer func() {
				<-w.semaphore
				w.active.Add(-1)
				w.wg.Done()
			}()
			w.handle(ctx, queue, task)
		}(task)
	}
}

// handle executes one task. A failed handler nacks by re-enqueueing the task
// with a short delay; at-least-once delivery plus the engine's idempotence
// make redelivery safe.
func (w *Worker) handle(ctx context.Context, queue string, task *broker.Task) {
	var err error
	switch task.Class {
	case broker.TaskWorkflowTick:
		err = w.engine.Tick(ctx, task.RunID, w.id)
	case broker.TaskStep:
		err = w.engine.ExecuteStep(ctx, task)
	default:
		w.logger.Error("unknown task class",
			log.QueueKey, queue,
			"class", string(task.Class),
		)
		return
	}

	if err != nil && ctx.Err() == nil {
		w.logger.Warn("task failed, redelivering",
			log.QueueKey, queue,
			log.RunIDKey, task.RunID,
			"class", string(task.Class),
			"error", err,
		)
		w.requeue(task, queue, redeliveryDelay)
	}
}

func (w *Worker) requeue(task *broker.Task, queue string, delay time.Duration) {
	if delay > 0 {
		task.NotBefore = time.Now().UTC().Add(delay)
	}
	// Use a fresh context: the consumer's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.broker.Enqueue(ctx, queue, task); err != nil {
		w.logger.Error("failed to requeue task",
			log.QueueKey, queue,
			log.RunIDKey, task.RunID,
			"error", err,
		)
	}
}

// StartDraining stops the worker from picking up new tasks.
func (w *Worker) StartDraining() {
	w.draining.Store(true)
}

// IsDraining reports whether the worker is draining.
func (w *Worker) IsDraining() bool {
	return w.draining.Load()
}

// ActiveTaskCount returns the number of in-flight handlers.
func (w *Worker) ActiveTaskCount() int {
	return int(w.active.Load())
}

// WaitForDrain waits for in-flight handlers to finish or the timeout to
// elapse.
func (w *Worker) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			remaining := w.ActiveTaskCount()
			if remaining > 0 {
				return fmt.Errorf("drain timeout: %d task(s) still running", remaining)
			}
			return nil
		case <-ticker.C:
			if w.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

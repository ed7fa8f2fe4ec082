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

// Package broker provides task distribution between the engine and workers.
package broker

import (
	"context"
	"time"
)

// TaskClass identifies what a dequeued task asks the worker to do.
type TaskClass string

const (
	// TaskWorkflowTick asks a worker to advance a run by replaying its
	// event log and executing until the next suspension point.
	TaskWorkflowTick TaskClass = "workflow.tick"

	// TaskStep asks a worker to execute a single step attempt.
	TaskStep TaskClass = "step.execute"
)

// Queue names. Workflow ticks and step executions travel separately so
// that slow steps cannot starve run progression.
const (
	QueueWorkflow = "workflow"
	QueueSteps    = "steps"
)

// Task is one unit of work routed through the broker.
type Task struct {
	ID    string
	Class TaskClass
	RunID string

	// StepID and Attempt are set for TaskStep tasks.
	StepID  string
	Attempt int

	// Payload carries class-specific data, such as the step input.
	Payload map[string]any

	// NotBefore delays visibility: the task is not delivered until this
	// time has passed. Zero means immediately visible.
	NotBefore time.Time

	EnqueuedAt time.Time
}

// Broker defines the interface for task distribution implementations.
type Broker interface {
	// Enqueue adds a task to the named queue.
	Enqueue(ctx context.Context, queue string, task *Task) error

	// Dequeue removes and returns the next visible task from the named
	// queue. Blocks until a task becomes visible or context is cancelled.
	Dequeue(ctx context.Context, queue string) (*Task, error)

	// Len returns the number of tasks in the named queue, including
	// tasks not yet visible.
	Len(queue string) int

	// Close closes the broker.
	Close() error
}

// ErrBrokerClosed is returned when operations are performed on a closed broker.
var ErrBrokerClosed = &BrokerError{message: "broker is closed"}

// BrokerError represents a broker-related error.
type BrokerError struct {
	message string
}

func (e *BrokerError) Error() string {
	return e.message
}

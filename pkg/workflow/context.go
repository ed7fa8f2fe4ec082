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

package workflow

import (
	"context"
	"time"
)

// Context is the handle a workflow body uses to issue durable operations.
// Every method may suspend the body: when an operation's outcome is not yet
// recorded, the method returns a control-flow error that must be propagated
// unmodified up to the engine. Workflow bodies must therefore return any
// error from these methods immediately rather than swallowing it.
type Context interface {
	context.Context

	// RunID returns the identifier of the current run.
	RunID() string

	// WorkflowName returns the name of the workflow being executed.
	WorkflowName() string

	// Step invokes the named step with the given input. On replay, a step
	// whose terminal event is recorded returns its recorded result (or
	// error) without executing anything.
	Step(name string, input map[string]any, opts ...StepOption) (any, error)

	// Sleep suspends the run for at least d. The timer survives process
	// loss; any worker may resume the run when it fires.
	Sleep(d time.Duration) error

	// Hook suspends the run until an external signal delivers a payload to
	// the named hook, or until the hook expires. Returns the delivered
	// payload, or *errors.HookExpiredError after expiry.
	Hook(name string, opts ...HookOption) (map[string]any, error)

	// Child starts a child workflow run. By default it waits for the child
	// to finish and returns its result; with NoWait it returns the child's
	// run ID as soon as the child is started.
	Child(name string, input map[string]any, opts ...ChildOption) (any, error)

	// Parallel schedules all calls in one tick and suspends until every one
	// has a terminal event. Results are returned in input order.
	Parallel(calls ...StepCall) ([]any, error)

	// Shield runs fn with cancellation checkpoints deferred until it
	// returns, so compensating actions inside it run to completion even
	// after cancellation has been requested.
	Shield(fn func() error) error

	// ContinueAsNew finalizes the current run and starts a successor with
	// fresh history and the given input. It never returns normally; the
	// body must propagate its return value.
	ContinueAsNew(input map[string]any) error
}

// StepCall names one step invocation for Parallel.
type StepCall struct {
	Name    string
	Input   map[string]any
	Options []StepOption
}

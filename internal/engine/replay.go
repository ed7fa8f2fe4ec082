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
	"time"

	"github.com/tombee/durable/internal/storage"
)

// suspendSignal unwinds the workflow body to the dispatcher when an
// operation's outcome is not yet recorded. It is control flow, not a
// failure, and must never escape the engine.
type suspendSignal struct{}

func (s *suspendSignal) Error() string { return "workflow suspended" }

var errSuspend = &suspendSignal{}

// continueSignal unwinds the workflow body when it calls ContinueAsNew.
type continueSignal struct {
	input map[string]any
}

func (c *continueSignal) Error() string { return "workflow continued as new" }

// stepOutcome is the folded view of one step's events.
type stepOutcome struct {
	started   bool
	completed bool
	failed    bool
	cancelled bool
	name      string
	result    any
	errMsg    string
	attempt   int
	retryAt   time.Time
}

func (o *stepOutcome) terminal() bool {
	return o.completed || o.failed || o.cancelled
}

// sleepOutcome is the folded view of one sleep's events.
type sleepOutcome struct {
	started   bool
	completed bool
	wakeAt    time.Time
}

// hookOutcome is the folded view of one hook's events.
type hookOutcome struct {
	created  bool
	received bool
	expired  bool
	disposed bool
	name     string
	payload  map[string]any
}

// childOutcome is the folded view of one child workflow's events on the
// parent log, in encounter order.
type childOutcome struct {
	runID     string
	policy    string
	completed bool
	failed    bool
	cancelled bool
	result    any
	errMsg    string
}

func (o *childOutcome) terminal() bool {
	return o.completed || o.failed || o.cancelled
}

// replayState is the event log folded into per-operation outcomes, keyed the
// same way the workflow body derives its operation IDs. Rebuilt from scratch
// on every tick; never cached across ticks.
type replayState struct {
	steps    map[string]*stepOutcome
	sleeps   map[string]*sleepOutcome
	hooks    map[string]*hookOutcome
	children []*childOutcome
	childIdx map[string]*childOutcome // child run ID -> outcome

	cancelRequested bool
	cancelReason    string
	cancelHonored   bool // workflow.cancelled already written
	continued       bool
	lastSequence    int64
}

// buildReplayState folds an ordered event log into a replayState.
func buildReplayState(events []*storage.Event) *replayState {
	state := &replayState{
		steps:    make(map[string]*stepOutcome),
		sleeps:   make(map[string]*sleepOutcome),
		hooks:    make(map[string]*hookOutcome),
		childIdx: make(map[string]*childOutcome),
	}

	for _, ev := range events {
		state.lastSequence = ev.Sequence
		switch ev.Type {
		case EventStepStarted:
			id := dataString(ev.Data, "step_id")
			state.steps[id] = &stepOutcome{
				started: true,
				name:    dataString(ev.Data, "step_name"),
				attempt: 1,
			}
		case EventStepCompleted:
			if o := state.step(dataString(ev.Data, "step_id")); o != nil {
				o.completed = true
				o.result = ev.Data["result"]
			}
		case EventStepFailed:
			if o := state.step(dataString(ev.Data, "step_id")); o != nil {
				o.failed = true
				o.errMsg = dataString(ev.Data, "error")
			}
		case EventStepRetrying:
			if o := state.step(dataString(ev.Data, "step_id")); o != nil {
				o.attempt = dataInt(ev.Data, "attempt") + 1
			}
		case EventStepCancelled:
			if o := state.step(dataString(ev.Data, "step_id")); o != nil {
				o.cancelled = true
			}

		case EventSleepStarted:
			state.sleeps[dataString(ev.Data, "sleep_id")] = &sleepOutcome{
				started: true,
				wakeAt:  dataTime(ev.Data, "wake_at"),
			}
		case EventSleepCompleted:
			if o := state.sleeps[dataString(ev.Data, "sleep_id")]; o != nil {
				o.completed = true
			}

		case EventHookCreated:
			state.hooks[dataString(ev.Data, "hook_id")] = &hookOutcome{
				created: true,
				name:    dataString(ev.Data, "name"),
			}
		case EventHookReceived:
			if o := state.hooks[dataString(ev.Data, "hook_id")]; o != nil {
				o.received = true
				o.payload = dataMap(ev.Data, "payload")
			}
		case EventHookExpired:
			if o := state.hooks[dataString(ev.Data, "hook_id")]; o != nil {
				o.expired = true
			}
		case EventHookDisposed:
			if o := state.hooks[dataString(ev.Data, "hook_id")]; o != nil {
				o.disposed = true
			}

		case EventChildStarted:
			child := &childOutcome{
				runID:  dataString(ev.Data, "child_run_id"),
				policy: dataString(ev.Data, "cancellation_policy"),
			}
			state.children = append(state.children, child)
			state.childIdx[child.runID] = child
		case EventChildCompleted:
			if o := state.childIdx[dataString(ev.Data, "child_run_id")]; o != nil {
				o.completed = true
				o.result = ev.Data["result"]
			}
		case EventChildFailed:
			if o := state.childIdx[dataString(ev.Data, "child_run_id")]; o != nil {
				o.failed = true
				o.errMsg = dataString(ev.Data, "error")
			}
		case EventChildCancelled:
			if o := state.childIdx[dataString(ev.Data, "child_run_id")]; o != nil {
				o.cancelled = true
			}

		case EventCancellationRequested:
			state.cancelRequested = true
			state.cancelReason = dataString(ev.Data, "reason")
		case EventWorkflowCancelled:
			state.cancelHonored = true
		case EventWorkflowContinuedAsNew:
			state.continued = true
		}
	}

	return state
}

func (s *replayState) step(id string) *stepOutcome {
	if o, ok := s.steps[id]; ok {
		return o
	}
	// Terminal event without its started event would be a log corruption;
	// tolerate it by synthesizing the outcome so replay can still resolve.
	o := &stepOutcome{started: true}
	s.steps[id] = o
	return o
}

// dueSleeps returns the IDs of started, uncompleted sleeps whose wake time
// has passed. The dispatcher completes these before replaying the body.
func (s *replayState) dueSleeps(now time.Time) []string {
	var due []string
	for id, sleep := range s.sleeps {
		if sleep.started && !sleep.completed && !sleep.wakeAt.After(now) {
			due = append(due, id)
		}
	}
	return due
}

// outstandingChildren returns children without a terminal event.
func (s *replayState) outstandingChildren() []*childOutcome {
	var out []*childOutcome
	for _, child := range s.children {
		if !child.terminal() {
			out = append(out, child)
		}
	}
	return out
}

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

// Event taxonomy. Every observable fact about a run is one of these types.
const (
	EventWorkflowStarted        storage.EventType = "workflow.started"
	EventWorkflowCompleted      storage.EventType = "workflow.completed"
	EventWorkflowFailed         storage.EventType = "workflow.failed"
	EventWorkflowInterrupted    storage.EventType = "workflow.interrupted"
	EventWorkflowCancelled      storage.EventType = "workflow.cancelled"
	EventWorkflowPaused         storage.EventType = "workflow.paused"
	EventWorkflowResumed        storage.EventType = "workflow.resumed"
	EventWorkflowContinuedAsNew storage.EventType = "workflow.continued_as_new"

	EventStepStarted   storage.EventType = "step.started"
	EventStepCompleted storage.EventType = "step.completed"
	EventStepFailed    storage.EventType = "step.failed"
	EventStepRetrying  storage.EventType = "step.retrying"
	EventStepCancelled storage.EventType = "step.cancelled"

	EventSleepStarted   storage.EventType = "sleep.started"
	EventSleepCompleted storage.EventType = "sleep.completed"

	EventHookCreated  storage.EventType = "hook.created"
	EventHookReceived storage.EventType = "hook.received"
	EventHookExpired  storage.EventType = "hook.expired"
	EventHookDisposed storage.EventType = "hook.disposed"

	EventChildStarted   storage.EventType = "child_workflow.started"
	EventChildCompleted storage.EventType = "child_workflow.completed"
	EventChildFailed    storage.EventType = "child_workflow.failed"
	EventChildCancelled storage.EventType = "child_workflow.cancelled"

	EventCancellationRequested storage.EventType = "cancellation.requested"
)

func newEvent(runID string, eventType storage.EventType, data map[string]any) *storage.Event {
	return &storage.Event{
		ID:    NewEventID(),
		RunID: runID,
		Type:  eventType,
		Data:  data,
	}
}

func workflowStartedEvent(runID, workflowName string, input map[string]any) *storage.Event {
	return newEvent(runID, EventWorkflowStarted, map[string]any{
		"workflow_name": workflowName,
		"input":         input,
	})
}

func workflowCompletedEvent(runID string, result any) *storage.Event {
	return newEvent(runID, EventWorkflowCompleted, map[string]any{"result": result})
}

func workflowFailedEvent(runID, errMsg string) *storage.Event {
	return newEvent(runID, EventWorkflowFailed, map[string]any{"error": errMsg})
}

func workflowInterruptedEvent(runID, reason string, attempts int) *storage.Event {
	return newEvent(runID, EventWorkflowInterrupted, map[string]any{
		"reason":            reason,
		"recovery_attempts": attempts,
	})
}

func workflowCancelledEvent(runID, reason string) *storage.Event {
	return newEvent(runID, EventWorkflowCancelled, map[string]any{"reason": reason})
}

func workflowContinuedEvent(runID, newRunID string, input map[string]any) *storage.Event {
	return newEvent(runID, EventWorkflowContinuedAsNew, map[string]any{
		"new_run_id": newRunID,
		"input":      input,
	})
}

func stepStartedEvent(runID, stepID, stepName string, input map[string]any, maxRetries int) *storage.Event {
	return newEvent(runID, EventStepStarted, map[string]any{
		"step_id":     stepID,
		"step_name":   stepName,
		"input":       input,
		"max_retries": maxRetries,
	})
}

func stepCompletedEvent(runID, stepID, stepName string, result any) *storage.Event {
	return newEvent(runID, EventStepCompleted, map[string]any{
		"step_id":   stepID,
		"step_name": stepName,
		"result":    result,
	})
}

func stepFailedEvent(runID, stepID, stepName, errMsg string) *storage.Event {
	return newEvent(runID, EventStepFailed, map[string]any{
		"step_id":   stepID,
		"step_name": stepName,
		"error":     errMsg,
	})
}

func stepRetryingEvent(runID, stepID, stepName string, attempt int, delay time.Duration, errMsg string) *storage.Event {
	return newEvent(runID, EventStepRetrying, map[string]any{
		"step_id":       stepID,
		"step_name":     stepName,
		"attempt":       attempt,
		"delay_seconds": delay.Seconds(),
		"error":         errMsg,
	})
}

func stepCancelledEvent(runID, stepID, stepName string) *storage.Event {
	return newEvent(runID, EventStepCancelled, map[string]any{
		"step_id":   stepID,
		"step_name": stepName,
	})
}

func sleepStartedEvent(runID, sleepID string, duration time.Duration, wakeAt time.Time) *storage.Event {
	return newEvent(runID, EventSleepStarted, map[string]any{
		"sleep_id":         sleepID,
		"duration_seconds": duration.Seconds(),
		"wake_at":          wakeAt.UTC().Format(time.RFC3339Nano),
	})
}

func sleepCompletedEvent(runID, sleepID string) *storage.Event {
	return newEvent(runID, EventSleepCompleted, map[string]any{"sleep_id": sleepID})
}

func hookCreatedEvent(runID, hookID, name, token string, expiresAt *time.Time) *storage.Event {
	data := map[string]any{
		"hook_id": hookID,
		"name":    name,
		"token":   token,
	}
	if expiresAt != nil {
		data["expires_at"] = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	return newEvent(runID, EventHookCreated, data)
}

func hookReceivedEvent(runID, hookID string, payload map[string]any) *storage.Event {
	return newEvent(runID, EventHookReceived, map[string]any{
		"hook_id": hookID,
		"payload": payload,
	})
}

func hookExpiredEvent(runID, hookID string) *storage.Event {
	return newEvent(runID, EventHookExpired, map[string]any{"hook_id": hookID})
}

func hookDisposedEvent(runID, hookID string) *storage.Event {
	return newEvent(runID, EventHookDisposed, map[string]any{"hook_id": hookID})
}

func childStartedEvent(runID, childRunID, workflowName string, policy string) *storage.Event {
	return newEvent(runID, EventChildStarted, map[string]any{
		"child_run_id":        childRunID,
		"workflow_name":       workflowName,
		"cancellation_policy": policy,
	})
}

func childCompletedEvent(runID, childRunID string, result any) *storage.Event {
	return newEvent(runID, EventChildCompleted, map[string]any{
		"child_run_id": childRunID,
		"result":       result,
	})
}

func childFailedEvent(runID, childRunID, errMsg string) *storage.Event {
	return newEvent(runID, EventChildFailed, map[string]any{
		"child_run_id": childRunID,
		"error":        errMsg,
	})
}

func childCancelledEvent(runID, childRunID string) *storage.Event {
	return newEvent(runID, EventChildCancelled, map[string]any{"child_run_id": childRunID})
}

func cancellationRequestedEvent(runID, reason string) *storage.Event {
	return newEvent(runID, EventCancellationRequested, map[string]any{"reason": reason})
}

// dataString reads a string field from an event payload.
func dataString(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// dataInt reads an integer field from an event payload, tolerating the
// float64 shape JSON round-trips produce.
func dataInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// dataTime reads an RFC3339 timestamp field from an event payload.
func dataTime(data map[string]any, key string) time.Time {
	s := dataString(data, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// dataMap reads a nested object field from an event payload.
func dataMap(data map[string]any, key string) map[string]any {
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return nil
}

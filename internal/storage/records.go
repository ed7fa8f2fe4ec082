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

package storage

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusSuspended   RunStatus = "suspended"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusCancelled   RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: no transition out of them is ever valid.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusInterrupted, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// HookStatus is the lifecycle state of a hook.
type HookStatus string

const (
	HookStatusPending  HookStatus = "pending"
	HookStatusReceived HookStatus = "received"
	HookStatusExpired  HookStatus = "expired"
	HookStatusDisposed HookStatus = "disposed"
)

// EventType identifies an entry in the event log.
type EventType string

// WakeKind identifies why a wake was scheduled.
type WakeKind string

const (
	WakeKindSleep      WakeKind = "sleep"
	WakeKindHookExpiry WakeKind = "hook_expiry"
	WakeKindRetry      WakeKind = "retry"
	WakeKindTimeout    WakeKind = "timeout"
)

// Run represents a workflow run in storage.
type Run struct {
	ID                  string            `json:"id"`
	WorkflowName        string            `json:"workflow_name"`
	Status              RunStatus         `json:"status"`
	IdempotencyKey      string            `json:"idempotency_key,omitempty"`
	Input               map[string]any    `json:"input,omitempty"`
	Result              any               `json:"result,omitempty"`
	Error               string            `json:"error,omitempty"`
	ParentRunID         string            `json:"parent_run_id,omitempty"`
	NestingDepth        int               `json:"nesting_depth"`
	RecoveryAttempts    int               `json:"recovery_attempts"`
	MaxRecoveryAttempts int               `json:"max_recovery_attempts"`
	RecoverOnWorkerLoss bool              `json:"recover_on_worker_loss"`
	MaxDuration         time.Duration     `json:"max_duration,omitempty"`
	ContinuedFrom       string            `json:"continued_from,omitempty"`
	ContinuedTo         string            `json:"continued_to,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// RunUpdate carries the optional fields applied alongside a status
// transition. Zero values leave the corresponding column untouched.
type RunUpdate struct {
	Result      any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	ContinuedTo string
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Event is one entry in a run's append-only event log.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// StepExecution represents a step execution record.
type StepExecution struct {
	StepID      string         `json:"step_id"`
	RunID       string         `json:"run_id"`
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxRetries  int            `json:"max_retries"`
	Input       map[string]any `json:"input,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryAt     *time.Time     `json:"retry_at,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Hook represents an external signal point a run may wait on.
type Hook struct {
	HookID     string         `json:"hook_id"`
	RunID      string         `json:"run_id"`
	Name       string         `json:"name"`
	Token      string         `json:"token"`
	Status     HookStatus     `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ReceivedAt *time.Time     `json:"received_at,omitempty"`
}

// HookFilter contains filtering options for listing hooks.
type HookFilter struct {
	RunID  string
	Status HookStatus
	Limit  int
	Offset int
}

// Claim is a worker's lease on a run.
type Claim struct {
	RunID      string    `json:"run_id"`
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Wake is a persisted future wake-up for a run.
type Wake struct {
	RunID     string    `json:"run_id"`
	Kind      WakeKind  `json:"kind"`
	Ref       string    `json:"ref,omitempty"` // sleep/hook/step ID the wake resolves
	At        time.Time `json:"at"`
	CreatedAt time.Time `json:"created_at"`
}

// Schedule is a recurring workflow trigger. Exactly one of Cron or Every
// is set.
type Schedule struct {
	Name         string         `json:"name"`
	WorkflowName string         `json:"workflow_name"`
	Cron         string         `json:"cron,omitempty"`
	Every        time.Duration  `json:"every,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Enabled      bool           `json:"enabled"`
	LastFiredAt  *time.Time     `json:"last_fired_at,omitempty"`
	NextFireAt   *time.Time     `json:"next_fire_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

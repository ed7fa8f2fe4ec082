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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "workflow", "hook")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// RetryableError marks a step failure as transient. The step runner
// re-enqueues the attempt according to the step's retry policy.
type RetryableError struct {
	// Message is the human-readable error message
	Message string

	// RetryAfter optionally overrides the policy backoff for this attempt
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("retryable: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *RetryableError) ErrorType() string { return "retryable" }

// IsRetryable implements ErrorClassifier.
func (e *RetryableError) IsRetryable() bool { return true }

// FatalError marks a step failure as permanent. The step runner records
// step.failed immediately, bypassing any remaining retry budget.
type FatalError struct {
	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }

// CancelledError reports that a run was cancelled while an operation was
// in flight or waiting.
type CancelledError struct {
	// RunID is the cancelled run
	RunID string

	// Reason is the caller-supplied cancellation reason, if any
	Reason string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s cancelled: %s", e.RunID, e.Reason)
	}
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// ErrorType implements ErrorClassifier.
func (e *CancelledError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancelledError) IsRetryable() bool { return false }

// ConflictError represents a lost write race: an idempotency key bound to a
// different workflow, a CAS status transition that did not apply, or an
// event appended at a stale sequence.
type ConflictError struct {
	// Resource is the type of resource (e.g., "run", "event", "hook")
	Resource string

	// Key identifies the contested resource or constraint
	Key string

	// Reason explains what conflicted
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %s", e.Resource, e.Key, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// HookExpiredError reports that a hook's deadline passed before a payload
// arrived. Workflow code observes this from the hook operation on replay.
type HookExpiredError struct {
	// HookID is the expired hook
	HookID string

	// Name is the hook's declared name
	Name string
}

// Error implements the error interface.
func (e *HookExpiredError) Error() string {
	return fmt.Sprintf("hook %s (%s) expired before delivery", e.HookID, e.Name)
}

// ErrorType implements ErrorClassifier.
func (e *HookExpiredError) ErrorType() string { return "hook_expired" }

// IsRetryable implements ErrorClassifier.
func (e *HookExpiredError) IsRetryable() bool { return false }

// NestingLimitError reports that starting a child workflow would exceed the
// configured nesting depth.
type NestingLimitError struct {
	// RunID is the parent run attempting to spawn a child
	RunID string

	// Depth is the parent's nesting depth
	Depth int

	// Limit is the configured maximum depth
	Limit int
}

// Error implements the error interface.
func (e *NestingLimitError) Error() string {
	return fmt.Sprintf("run %s at depth %d cannot start child: nesting limit is %d", e.RunID, e.Depth, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *NestingLimitError) ErrorType() string { return "nesting_limit" }

// IsRetryable implements ErrorClassifier.
func (e *NestingLimitError) IsRetryable() bool { return false }

// RecoveryExhaustedError reports that a run lost its worker more times than
// its recovery budget allows. The run is marked INTERRUPTED.
type RecoveryExhaustedError struct {
	// RunID is the interrupted run
	RunID string

	// Attempts is how many recoveries were attempted
	Attempts int
}

// Error implements the error interface.
func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("run %s exceeded recovery budget after %d attempts", e.RunID, e.Attempts)
}

// ErrorType implements ErrorClassifier.
func (e *RecoveryExhaustedError) ErrorType() string { return "recovery_exhausted" }

// IsRetryable implements ErrorClassifier.
func (e *RecoveryExhaustedError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "storage.path", "broker.url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step execution", "claim renewal")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier. Timeouts are transient.
func (e *TimeoutError) IsRetryable() bool { return true }

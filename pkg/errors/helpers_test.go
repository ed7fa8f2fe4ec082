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

package errors_test

import (
	"errors"
	"strings"
	"testing"

	engerrors "github.com/tombee/durable/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("database is locked")
		wrapped := engerrors.Wrap(original, "recording step outcome")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "recording step outcome") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "database is locked") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := engerrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := engerrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("invalid cron expression")
		wrapped := engerrors.Wrapf(original, "schedule %s", "nightly-digest")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "schedule nightly-digest") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "invalid cron expression") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := engerrors.Wrapf(nil, "run %s", "run-123")
		if wrapped != nil {
			t.Errorf("Wrapf(nil, _, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("handles multiple format arguments", func(t *testing.T) {
		original := errors.New("connection refused")
		wrapped := engerrors.Wrapf(original, "connecting to %s:%d", "localhost", 8080)

		msg := wrapped.Error()
		if !strings.Contains(msg, "connecting to localhost:8080") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := engerrors.Wrapf(original, "run %s", "run-123")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})
}

func TestIs(t *testing.T) {
	t.Run("finds error in chain", func(t *testing.T) {
		target := &engerrors.ValidationError{Field: "workflow"}
		wrapped := engerrors.Wrap(target, "starting run")

		if !engerrors.Is(wrapped, target) {
			t.Error("Is should find target error in chain")
		}
	})

	t.Run("returns false for different error", func(t *testing.T) {
		err := &engerrors.ValidationError{Field: "workflow"}
		target := &engerrors.NotFoundError{Resource: "run"}

		if engerrors.Is(err, target) {
			t.Error("Is should return false for different error types")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		target := &engerrors.ValidationError{Field: "workflow"}

		if engerrors.Is(nil, target) {
			t.Error("Is should return false for nil error")
		}
	})
}

func TestAs(t *testing.T) {
	t.Run("extracts typed error from chain", func(t *testing.T) {
		original := &engerrors.ConflictError{
			Resource: "run",
			Key:      "pay-p1",
			Reason:   "idempotency key already used",
		}
		wrapped := engerrors.Wrap(original, "starting run")

		var target *engerrors.ConflictError
		if !engerrors.As(wrapped, &target) {
			t.Fatal("As should extract ConflictError from chain")
		}

		if target.Key != "pay-p1" {
			t.Errorf("extracted error Key = %q, want %q", target.Key, "pay-p1")
		}
		if target.Reason != "idempotency key already used" {
			t.Errorf("extracted error Reason = %q, want %q", target.Reason, "idempotency key already used")
		}
	})

	t.Run("returns false for different error type", func(t *testing.T) {
		err := &engerrors.ValidationError{Field: "workflow"}

		var target *engerrors.NotFoundError
		if engerrors.As(err, &target) {
			t.Error("As should return false when error type doesn't match")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		var target *engerrors.ValidationError
		if engerrors.As(nil, &target) {
			t.Error("As should return false for nil error")
		}
	})

	t.Run("extracts all error types", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			target interface{}
		}{
			{
				name:   "NotFoundError",
				err:    &engerrors.NotFoundError{Resource: "run", ID: "run-123"},
				target: &engerrors.NotFoundError{},
			},
			{
				name:   "RetryableError",
				err:    &engerrors.RetryableError{Message: "upstream 503"},
				target: &engerrors.RetryableError{},
			},
			{
				name:   "ConfigError",
				err:    &engerrors.ConfigError{Key: "storage.path"},
				target: &engerrors.ConfigError{},
			},
			{
				name:   "TimeoutError",
				err:    &engerrors.TimeoutError{Operation: "step"},
				target: &engerrors.TimeoutError{},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				wrapped := engerrors.Wrap(tt.err, "wrapper")
				if !engerrors.As(wrapped, &tt.target) {
					t.Errorf("As should extract %s from chain", tt.name)
				}
			})
		}
	})
}

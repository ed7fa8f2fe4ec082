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

import "time"

// BackoffStrategy selects how retry delays grow between step attempts.
type BackoffStrategy string

const (
	// BackoffExponential doubles the base delay per attempt, capped at
	// MaxBackoffDelay.
	BackoffExponential BackoffStrategy = "exponential"

	// BackoffFixed waits the same base delay before every attempt.
	BackoffFixed BackoffStrategy = "fixed"

	// BackoffList takes the delay for attempt n from Delays[n-1]; attempts
	// beyond the list reuse the final entry.
	BackoffList BackoffStrategy = "list"
)

// MaxBackoffDelay caps exponential backoff growth.
const MaxBackoffDelay = 5 * time.Minute

// RetryPolicy controls how a failed step attempt is retried.
type RetryPolicy struct {
	MaxRetries int
	Strategy   BackoffStrategy
	Delay      time.Duration
	Delays     []time.Duration
}

// DefaultRetryPolicy is applied to steps that set no policy: no retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: BackoffFixed}
}

// NextDelay returns the delay before retry attempt n (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Strategy {
	case BackoffExponential:
		delay := p.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= MaxBackoffDelay {
				return MaxBackoffDelay
			}
		}
		if delay > MaxBackoffDelay {
			return MaxBackoffDelay
		}
		return delay
	case BackoffList:
		if len(p.Delays) == 0 {
			return 0
		}
		if attempt > len(p.Delays) {
			return p.Delays[len(p.Delays)-1]
		}
		return p.Delays[attempt-1]
	default:
		return p.Delay
	}
}

// StepOptions configure one step invocation.
type StepOptions struct {
	Retry   RetryPolicy
	Timeout time.Duration
}

// StepOption configures a step invocation.
type StepOption func(*StepOptions)

// ApplyStepOptions folds opts over the default step configuration.
func ApplyStepOptions(opts []StepOption) StepOptions {
	options := StepOptions{Retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithRetry sets the step's retry policy.
func WithRetry(policy RetryPolicy) StepOption {
	return func(o *StepOptions) {
		o.Retry = policy
	}
}

// WithMaxRetries sets the retry count with a fixed delay.
func WithMaxRetries(n int, delay time.Duration) StepOption {
	return func(o *StepOptions) {
		o.Retry = RetryPolicy{MaxRetries: n, Strategy: BackoffFixed, Delay: delay}
	}
}

// WithTimeout bounds a single step attempt's execution time.
func WithTimeout(d time.Duration) StepOption {
	return func(o *StepOptions) {
		o.Timeout = d
	}
}

// HookOptions configure one hook await.
type HookOptions struct {
	Expiry time.Duration
}

// HookOption configures a hook await.
type HookOption func(*HookOptions)

// ApplyHookOptions folds opts over the default hook configuration.
func ApplyHookOptions(opts []HookOption) HookOptions {
	var options HookOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithExpiry bounds how long a hook waits for its signal. Zero means no
// expiry.
func WithExpiry(d time.Duration) HookOption {
	return func(o *HookOptions) {
		o.Expiry = d
	}
}

// CancellationPolicy controls what happens to a child run when its parent is
// cancelled.
type CancellationPolicy string

const (
	// CancelTerminate requests cancellation of the child. Default.
	CancelTerminate CancellationPolicy = "terminate"

	// CancelAbandon leaves the child running.
	CancelAbandon CancellationPolicy = "abandon"

	// CancelWait blocks parent termination until the child finishes.
	CancelWait CancellationPolicy = "wait"
)

// ChildOptions configure one child workflow spawn.
type ChildOptions struct {
	Wait               bool
	CancellationPolicy CancellationPolicy
}

// ChildOption configures a child workflow spawn.
type ChildOption func(*ChildOptions)

// ApplyChildOptions folds opts over the default child configuration.
func ApplyChildOptions(opts []ChildOption) ChildOptions {
	options := ChildOptions{Wait: true, CancellationPolicy: CancelTerminate}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// NoWait makes Child return the child run ID without awaiting completion.
func NoWait() ChildOption {
	return func(o *ChildOptions) {
		o.Wait = false
	}
}

// WithCancellationPolicy sets how parent cancellation propagates to the child.
func WithCancellationPolicy(policy CancellationPolicy) ChildOption {
	return func(o *ChildOptions) {
		o.CancellationPolicy = policy
	}
}

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
	"context"
	"strings"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// SignalHook delivers a payload to a pending hook, addressed by hook ID or
// by name. Exactly one delivery wins: the transition PENDING→RECEIVED is a
// compare-and-swap, and losing callers get a conflict telling them the
// hook's current status.
func (e *Engine) SignalHook(ctx context.Context, runID, hookNameOrID string, payload map[string]any) error {
	hook, err := e.findHook(ctx, runID, hookNameOrID)
	if err != nil {
		return err
	}
	return e.deliverHook(ctx, hook, payload)
}

// SignalHookByToken delivers a payload addressed by the hook's token
// (run_id:hook_id), for callers that never learned the run ID separately.
func (e *Engine) SignalHookByToken(ctx context.Context, token string, payload map[string]any) error {
	hook, err := e.store.GetHookByToken(ctx, token)
	if err != nil {
		return err
	}
	return e.deliverHook(ctx, hook, payload)
}

func (e *Engine) findHook(ctx context.Context, runID, nameOrID string) (*storage.Hook, error) {
	if strings.HasPrefix(nameOrID, "hook_") {
		if hook, err := e.store.GetHook(ctx, runID, nameOrID); err == nil {
			return hook, nil
		}
	}

	hooks, err := e.store.ListHooks(ctx, storage.HookFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	// Prefer the pending hook with this name; a body can await the same
	// hook name more than once across its lifetime.
	var match *storage.Hook
	for _, hook := range hooks {
		if hook.Name != nameOrID {
			continue
		}
		if hook.Status == storage.HookStatusPending {
			return hook, nil
		}
		match = hook
	}
	if match != nil {
		return match, nil
	}
	return nil, &errors.NotFoundError{Resource: "hook", ID: nameOrID}
}

func (e *Engine) deliverHook(ctx context.Context, hook *storage.Hook, payload map[string]any) error {
	err := e.store.UpdateHookStatus(ctx, hook.RunID, hook.HookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusReceived, payload)
	if err != nil {
		return err
	}

	if err := e.store.AppendEvent(ctx, hookReceivedEvent(hook.RunID, hook.HookID, payload)); err != nil {
		return err
	}

	e.logger.Info("hook received",
		log.RunIDKey, hook.RunID,
		log.HookIDKey, hook.HookID,
	)
	return e.enqueueTick(ctx, hook.RunID)
}

// expireHook transitions a hook to EXPIRED when its expiry wake fires. A
// hook that was signalled in the meantime keeps its payload; the lost race
// is not an error.
func (e *Engine) expireHook(ctx context.Context, runID, hookID string) error {
	err := e.store.UpdateHookStatus(ctx, runID, hookID,
		[]storage.HookStatus{storage.HookStatusPending},
		storage.HookStatusExpired, nil)
	if err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			return nil
		}
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	if err := e.store.AppendEvent(ctx, hookExpiredEvent(runID, hookID)); err != nil {
		return err
	}

	e.logger.Info("hook expired", log.RunIDKey, runID, log.HookIDKey, hookID)
	return e.enqueueTick(ctx, runID)
}

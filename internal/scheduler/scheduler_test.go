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

package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage/memory"
)

type firing struct {
	workflow string
	input    map[string]any
	key      string
}

// fakeStarter records firings and deduplicates on idempotency key the way
// the engine does.
type fakeStarter struct {
	mu      sync.Mutex
	firings []firing
	byKey   map[string]string
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{byKey: make(map[string]string)}
}

func (f *fakeStarter) Start(ctx context.Context, workflowName string, input map[string]any, opts engine.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[opts.IdempotencyKey]; ok {
		return id, nil
	}
	id := "run_" + opts.IdempotencyKey
	f.byKey[opts.IdempotencyKey] = id
	f.firings = append(f.firings, firing{workflow: workflowName, input: input, key: opts.IdempotencyKey})
	return id, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.firings)
}

type schedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *schedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *schedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeStarter, *schedClock) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	starter := newFakeStarter()
	clock := &schedClock{now: time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)}
	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	return New(store, starter, logger, WithClock(clock.Now)), starter, clock
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"cron schedule", Spec{Name: "nightly", Workflow: "report", Cron: "0 2 * * *", Enabled: true}, false},
		{"interval schedule", Spec{Name: "sync", Workflow: "sync", Every: 5 * time.Minute, Enabled: true}, false},
		{"missing name", Spec{Workflow: "report", Cron: "0 2 * * *"}, true},
		{"missing workflow", Spec{Name: "nightly", Cron: "0 2 * * *"}, true},
		{"neither cron nor every", Spec{Name: "nightly", Workflow: "report"}, true},
		{"both cron and every", Spec{Name: "nightly", Workflow: "report", Cron: "0 2 * * *", Every: time.Hour}, true},
		{"bad cron", Spec{Name: "nightly", Workflow: "report", Cron: "not a cron"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIntervalScheduleFires(t *testing.T) {
	s, starter, clock := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Spec{{
		Name:     "sync",
		Workflow: "sync-inventory",
		Every:    10 * time.Minute,
		Input:    map[string]any{"full": false},
		Enabled:  true,
	}}))

	// Not due yet.
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 0, starter.count())

	clock.Advance(11 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	require.Equal(t, 1, starter.count())
	assert.Equal(t, "sync-inventory", starter.firings[0].workflow)
	assert.Equal(t, map[string]any{"full": false}, starter.firings[0].input)

	// Next slot fires only after another interval.
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, starter.count())
	clock.Advance(11 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 2, starter.count())
}

func TestCronScheduleFires(t *testing.T) {
	s, starter, clock := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Spec{{
		Name:     "hourly",
		Workflow: "rollup",
		Cron:     "0 * * * *",
		Enabled:  true,
	}}))

	// First fire lands on the next top of the hour.
	clock.Advance(time.Hour)
	require.NoError(t, s.Tick(ctx))
	require.Equal(t, 1, starter.count())

	sched, err := s.store.GetSchedule(ctx, "hourly")
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, 0, sched.NextFireAt.Minute())
	assert.True(t, sched.NextFireAt.After(clock.Now()))
	require.NotNil(t, sched.LastFiredAt)
}

func TestDuplicateFiringCollapsesOnKey(t *testing.T) {
	s, starter, clock := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Spec{{
		Name:     "sync",
		Workflow: "sync",
		Every:    time.Minute,
		Enabled:  true,
	}}))

	clock.Advance(2 * time.Minute)

	// A second scheduler observing the same due slot fires the same key.
	sched, err := s.store.GetSchedule(ctx, "sync")
	require.NoError(t, err)
	fireAt := *sched.NextFireAt

	require.NoError(t, s.Tick(ctx))
	_, err = starter.Start(ctx, "sync", nil, engine.StartOptions{
		IdempotencyKey: FiringKey("sync", fireAt),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, starter.count())
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	s, starter, clock := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Spec{{
		Name:     "paused",
		Workflow: "noop",
		Every:    time.Minute,
		Enabled:  false,
	}}))

	clock.Advance(time.Hour)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 0, starter.count())
}

func TestApplyPreservesFiringHistory(t *testing.T) {
	s, starter, clock := newTestScheduler(t)
	ctx := context.Background()

	spec := Spec{Name: "sync", Workflow: "sync", Every: time.Minute, Enabled: true}
	require.NoError(t, s.Apply(ctx, []Spec{spec}))

	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	require.Equal(t, 1, starter.count())

	// Re-applying the unchanged spec must not reset the pending slot.
	before, err := s.store.GetSchedule(ctx, "sync")
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, []Spec{spec}))
	after, err := s.store.GetSchedule(ctx, "sync")
	require.NoError(t, err)

	assert.Equal(t, before.NextFireAt, after.NextFireAt)
	assert.Equal(t, before.LastFiredAt, after.LastFiredAt)
}

func TestRemoveSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []Spec{{Name: "gone", Workflow: "noop", Every: time.Minute, Enabled: true}}))
	require.NoError(t, s.Remove(ctx, "gone"))

	schedules, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

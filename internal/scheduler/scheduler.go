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

// Package scheduler fires persisted cron and interval schedules by starting
// workflow runs with a per-firing idempotency key.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/durable/internal/engine"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
)

// DefaultTickInterval is how often the scheduler checks for due schedules.
const DefaultTickInterval = time.Second

// Starter starts workflow runs. Satisfied by *engine.Engine.
type Starter interface {
	Start(ctx context.Context, workflowName string, input map[string]any, opts engine.StartOptions) (string, error)
}

// Spec is a schedule as declared in configuration. Exactly one of Cron or
// Every must be set.
type Spec struct {
	Name     string         `yaml:"name" json:"name"`
	Workflow string         `yaml:"workflow" json:"workflow"`
	Cron     string         `yaml:"cron,omitempty" json:"cron,omitempty"`
	Every    time.Duration  `yaml:"every,omitempty" json:"every,omitempty"`
	Input    map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
}

// Validate checks the spec is well formed and its cron expression parses.
func (s Spec) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	if s.Workflow == "" {
		return &errors.ValidationError{Field: "workflow", Message: "workflow name is required"}
	}
	if (s.Cron == "") == (s.Every == 0) {
		return &errors.ValidationError{
			Field:   "cron",
			Message: "exactly one of cron or every must be set",
		}
	}
	if s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return &errors.ValidationError{Field: "cron", Message: err.Error()}
		}
	}
	return nil
}

// Scheduler drives persisted schedules. Multiple instances may run across
// the fleet: firings carry a schedule-derived idempotency key, so a double
// fire collapses to one run.
type Scheduler struct {
	store    storage.ScheduleStore
	starter  Starter
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithTickInterval sets how often due schedules are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// New creates a scheduler.
func New(store storage.ScheduleStore, starter Starter, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		starter:  starter,
		logger:   log.WithComponent(logger, "scheduler"),
		clock:    time.Now,
		interval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) now() time.Time {
	return s.clock().UTC()
}

// Apply upserts the configured schedule specs into the store, computing the
// first fire time for new or changed entries. Schedules present in the store
// but absent from specs are left alone; removal is explicit via Remove.
func (s *Scheduler) Apply(ctx context.Context, specs []Spec) error {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return errors.Wrapf(err, "schedule %s", spec.Name)
		}

		sched := &storage.Schedule{
			Name:         spec.Name,
			WorkflowName: spec.Workflow,
			Cron:         spec.Cron,
			Every:        spec.Every,
			Input:        spec.Input,
			Enabled:      spec.Enabled,
		}

		// Keep firing history when the spec already exists unchanged.
		if existing, err := s.store.GetSchedule(ctx, spec.Name); err == nil {
			sched.LastFiredAt = existing.LastFiredAt
			if existing.Cron == sched.Cron && existing.Every == sched.Every {
				sched.NextFireAt = existing.NextFireAt
			}
		}
		if sched.NextFireAt == nil {
			next, err := s.nextFire(sched, s.now())
			if err != nil {
				return err
			}
			sched.NextFireAt = &next
		}

		if err := s.store.SaveSchedule(ctx, sched); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	return s.store.DeleteSchedule(ctx, name)
}

// List returns all persisted schedules.
func (s *Scheduler) List(ctx context.Context) ([]*storage.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Start launches the ticker loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the ticker loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires every enabled schedule whose fire time has passed.
func (s *Scheduler) Tick(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, sched := range schedules {
		if !sched.Enabled || sched.NextFireAt == nil || sched.NextFireAt.After(now) {
			continue
		}
		if err := s.fire(ctx, sched, *sched.NextFireAt, now); err != nil {
			s.logger.Warn("schedule firing failed",
				"schedule", sched.Name,
				log.WorkflowKey, sched.WorkflowName,
				"error", err,
			)
		}
	}
	return nil
}

// fire starts one run for a due schedule and advances its fire time. The
// idempotency key encodes the scheduled firing instant, so a crashed or
// concurrent scheduler re-firing the same slot lands on the same run.
func (s *Scheduler) fire(ctx context.Context, sched *storage.Schedule, fireAt, now time.Time) error {
	key := FiringKey(sched.Name, fireAt)
	runID, err := s.starter.Start(ctx, sched.WorkflowName, sched.Input, engine.StartOptions{
		IdempotencyKey: key,
		Metadata: map[string]string{
			"schedule":     sched.Name,
			"scheduled_at": fireAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}

	next, nextErr := s.nextFire(sched, now)
	if nextErr != nil {
		return nextErr
	}
	sched.LastFiredAt = &now
	sched.NextFireAt = &next
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		"schedule", sched.Name,
		log.WorkflowKey, sched.WorkflowName,
		log.RunIDKey, runID,
		"next_fire_at", next.Format(time.RFC3339),
	)
	return nil
}

// nextFire computes the fire time after now.
func (s *Scheduler) nextFire(sched *storage.Schedule, now time.Time) (time.Time, error) {
	if sched.Cron != "" {
		expr, err := cron.ParseStandard(sched.Cron)
		if err != nil {
			return time.Time{}, &errors.ValidationError{Field: "cron", Message: err.Error()}
		}
		return expr.Next(now), nil
	}
	if sched.Every > 0 {
		return now.Add(sched.Every), nil
	}
	return time.Time{}, &errors.ValidationError{
		Field:   "schedule",
		Message: fmt.Sprintf("schedule %s has neither cron nor interval", sched.Name),
	}
}

// FiringKey is the idempotency key for one scheduled firing.
func FiringKey(name string, fireAt time.Time) string {
	return fmt.Sprintf("sched:%s:%d", name, fireAt.UTC().Unix())
}

// Copyright 2025 OpsConductor Authors
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

// Package scheduler implements C5: a single-writer loop that evaluates
// due Schedules every tick and turns them into JobRuns via the
// orchestrator (spec §4.5). Grounded on the teacher's
// internal/daemon/scheduler package: the same ticker-driven Start/Stop/run
// shape and a directly-ported cron parser (cron.go), generalized from the
// teacher's in-process file-backed Schedule map to store.Schedule rows
// evaluated through store.ScheduleStore.ListDue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/store"
)

// Runner is the narrow slice of the orchestrator the scheduler needs, kept
// local so this package doesn't have to import the whole orchestrator
// surface and so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*store.Run, error)
}

// LeaderElector reports whether this instance currently holds the
// single-writer lock. Defaults to AlwaysLeader when SchedulerConfig.
// LeaderElection is false, which is the correct behavior for every
// single-node sqlite deployment and for a solitary postgres instance.
type LeaderElector interface {
	IsLeader() bool
}

// AlwaysLeader is the default elector for deployments that never run more
// than one scheduler instance.
type AlwaysLeader struct{}

// IsLeader always reports true.
func (AlwaysLeader) IsLeader() bool { return true }

// Scheduler evaluates due schedules on a fixed tick.
type Scheduler struct {
	store   store.Store
	runner  Runner
	elector LeaderElector
	logger  *slog.Logger
	clock   func() time.Time

	tickInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithElector overrides the default AlwaysLeader, for deployments running
// more than one scheduler instance against the same store.
func WithElector(e LeaderElector) Option { return func(s *Scheduler) { s.elector = e } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(s *Scheduler) { s.clock = clock } }

// New constructs a Scheduler that ticks every tickInterval.
func New(s store.Store, runner Runner, logger *slog.Logger, tickInterval time.Duration, opts ...Option) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	sch := &Scheduler{
		store:        s,
		runner:       runner,
		elector:      AlwaysLeader{},
		logger:       log.Component(logger, "scheduler"),
		clock:        time.Now,
		tickInterval: tickInterval,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Start runs the tick loop until ctx is canceled or Stop is called.
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

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// Tick evaluates every due schedule once. Exported so callers (including
// tests and a manual "run schedules now" CLI hook) don't have to wait for
// a ticker to fire.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.elector.IsLeader() {
		return nil
	}

	now := s.clock().UTC()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
	return nil
}

// fire submits one due schedule's run and advances its cadence. A failure
// submitting the run still advances next_run_at: a job the orchestrator
// rejects on every tick (e.g. a deactivated job) must not wedge the
// schedule into firing forever on the same instant.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	logger := log.WithCorrelationID(s.logger, sched.ID)

	_, err := s.runner.Run(ctx, orchestrator.RunRequest{
		JobID:       sched.JobID,
		Parameters:  sched.Parameters,
		Priority:    store.ParsePriority("scheduled"),
		RequestedBy: sched.CreatedBy,
	})
	if err != nil {
		logger.Error("scheduled run failed to submit", "job_id", sched.JobID, "error", err)
	}

	sched.LastRunAt = &now
	sched.RunCount++
	sched.NextRunAt = nextRunAt(sched, now)
	if sched.NextRunAt == nil {
		sched.IsActive = false
	}
	if sched.MaxRuns != nil && sched.RunCount >= *sched.MaxRuns {
		sched.IsActive = false
		sched.NextRunAt = nil
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		logger.Error("failed to persist schedule advance", "schedule_id", sched.ID, "error", err)
	}
}

// nextRunAt computes a schedule's next fire time per spec §4.5 step 3,
// applying the missed-tick single-fire policy: a recurring schedule next
// fires at now + interval and a cron schedule at its next match after now,
// so a schedule that was due more than one cadence ago fires once rather
// than replaying every interval it missed while the scheduler was down.
func nextRunAt(sched *store.Schedule, now time.Time) *time.Time {
	switch sched.Type {
	case store.ScheduleOnce:
		return nil

	case store.ScheduleRecurring:
		interval := time.Duration(sched.IntervalSeconds) * time.Second
		if interval <= 0 {
			return nil
		}
		next := now.Add(interval)
		return &next

	case store.ScheduleCron:
		expr, err := ParseCron(sched.CronExpression)
		if err != nil {
			return nil
		}
		next := expr.Next(now)
		if next.IsZero() {
			return nil
		}
		return &next

	default:
		return nil
	}
}

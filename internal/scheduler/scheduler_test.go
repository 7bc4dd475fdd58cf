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

package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/scheduler"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	calls []orchestrator.RunRequest
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.RunRequest) (*store.Run, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &store.Run{ID: uuid.NewString(), JobID: req.JobID}, nil
}

func TestScheduler_Tick_FiresOnceAndDeactivates(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runner := &fakeRunner{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	sched := &store.Schedule{
		ID:        uuid.NewString(),
		JobID:     "job-1",
		Type:      store.ScheduleOnce,
		NextRunAt: &past,
		IsActive:  true,
		CreatedBy: "alice",
	}
	require.NoError(t, backend.CreateSchedule(ctx, sched))

	s := scheduler.New(backend, runner, discardLogger(), time.Second, scheduler.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Tick(ctx))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "job-1", runner.calls[0].JobID)

	updated, err := backend.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.NextRunAt)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.NotNil(t, updated.LastRunAt)
}

func TestScheduler_Tick_RecurringAdvancesByInterval(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runner := &fakeRunner{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(-time.Second)

	sched := &store.Schedule{
		ID:              uuid.NewString(),
		JobID:           "job-1",
		Type:            store.ScheduleRecurring,
		IntervalSeconds: 300,
		NextRunAt:       &due,
		IsActive:        true,
	}
	require.NoError(t, backend.CreateSchedule(ctx, sched))

	s := scheduler.New(backend, runner, discardLogger(), time.Second, scheduler.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Tick(ctx))

	updated, err := backend.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.IsActive)
	assert.Equal(t, now.Add(300*time.Second), *updated.NextRunAt)
}

func TestScheduler_Tick_MissedTickFiresOnceNoCatchUp(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runner := &fakeRunner{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Scheduler was down: next_run_at is 10 intervals in the past.
	longOverdue := now.Add(-10 * 5 * time.Minute)

	sched := &store.Schedule{
		ID:              uuid.NewString(),
		JobID:           "job-1",
		Type:            store.ScheduleRecurring,
		IntervalSeconds: 300,
		NextRunAt:       &longOverdue,
		IsActive:        true,
	}
	require.NoError(t, backend.CreateSchedule(ctx, sched))

	s := scheduler.New(backend, runner, discardLogger(), time.Second, scheduler.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Tick(ctx))

	assert.Len(t, runner.calls, 1, "missed ticks must not replay")

	updated, err := backend.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(now), "next_run_at must advance to the next whole interval >= now")
}

func TestScheduler_Tick_MaxRunsDeactivates(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runner := &fakeRunner{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	maxRuns := int64(1)

	sched := &store.Schedule{
		ID:              uuid.NewString(),
		JobID:           "job-1",
		Type:            store.ScheduleRecurring,
		IntervalSeconds: 60,
		NextRunAt:       &past,
		MaxRuns:         &maxRuns,
		IsActive:        true,
	}
	require.NoError(t, backend.CreateSchedule(ctx, sched))

	s := scheduler.New(backend, runner, discardLogger(), time.Second, scheduler.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Tick(ctx))

	updated, err := backend.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.NextRunAt)
}

func TestScheduler_Tick_NotLeaderSkips(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runner := &fakeRunner{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	sched := &store.Schedule{ID: uuid.NewString(), JobID: "job-1", Type: store.ScheduleOnce, NextRunAt: &past, IsActive: true}
	require.NoError(t, backend.CreateSchedule(ctx, sched))

	s := scheduler.New(backend, runner, discardLogger(), time.Second,
		scheduler.WithClock(func() time.Time { return now }),
		scheduler.WithElector(notLeader{}),
	)
	require.NoError(t, s.Tick(ctx))
	assert.Empty(t, runner.calls)
}

type notLeader struct{}

func (notLeader) IsLeader() bool { return false }

func TestScheduler_StartStop(t *testing.T) {
	backend := memory.New()
	runner := &fakeRunner{}
	s := scheduler.New(backend, runner, discardLogger(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}

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

// Package memory provides an in-process store.Store implementation backed by
// mutex-guarded maps. It exists for fast unit tests of the queue,
// orchestrator, and scheduler that don't want sqlite's file I/O; it is not a
// deployment target.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
	"github.com/google/uuid"
)

var _ store.Store = (*Backend)(nil)

// Backend is the in-memory store.Store implementation.
type Backend struct {
	mu sync.RWMutex

	jobs        map[string]*store.Job
	jobsByName  map[string]string // name -> id, active jobs only
	jobVersions map[string][]*store.JobVersion

	runs map[string]*store.Run
	runsByCorrelation map[string]string

	steps       map[string]*store.Step
	stepsByRun  map[string][]string // run id -> step ids, in index order

	schedules map[string]*store.Schedule

	workers map[string]*store.WorkerRegistration
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		jobs:              make(map[string]*store.Job),
		jobsByName:        make(map[string]string),
		jobVersions:       make(map[string][]*store.JobVersion),
		runs:              make(map[string]*store.Run),
		runsByCorrelation: make(map[string]string),
		steps:             make(map[string]*store.Step),
		stepsByRun:        make(map[string][]string),
		schedules:         make(map[string]*store.Schedule),
		workers:           make(map[string]*store.WorkerRegistration),
	}
}

// Close is a no-op; there is nothing to release.
func (b *Backend) Close() error { return nil }

// Ping always succeeds immediately.
func (b *Backend) Ping(ctx context.Context) (time.Duration, error) { return 0, nil }

func clone[T any](v T) *T {
	cp := v
	return &cp
}

// --- JobStore ---

func (b *Backend) CreateJob(ctx context.Context, job *store.Job, definition []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobsByName[job.Name]; exists {
		return &opserrors.ConflictError{Resource: "job", Reason: "name " + job.Name + " already exists"}
	}
	now := time.Now().UTC()
	job.Version = 1
	job.IsActive = true
	job.CreatedAt, job.UpdatedAt = now, now

	stored := clone(*job)
	b.jobs[job.ID] = stored
	b.jobsByName[job.Name] = job.ID
	b.jobVersions[job.ID] = []*store.JobVersion{{
		JobID: job.ID, Version: 1, Definition: append([]byte(nil), definition...), IsActive: true, CreatedAt: now,
	}}
	return nil
}

func (b *Backend) GetJob(ctx context.Context, id string) (*store.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	j, ok := b.jobs[id]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "job", ID: id}
	}
	return clone(*j), nil
}

func (b *Backend) GetJobByName(ctx context.Context, name string) (*store.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.jobsByName[name]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "job", ID: name}
	}
	return clone(*b.jobs[id]), nil
}

func (b *Backend) CreateJobVersion(ctx context.Context, jobID string, definition []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return 0, &opserrors.NotFoundError{Resource: "job", ID: jobID}
	}
	versions := b.jobVersions[jobID]
	for _, v := range versions {
		v.IsActive = false
	}
	next := job.Version + 1
	now := time.Now().UTC()
	b.jobVersions[jobID] = append(versions, &store.JobVersion{
		JobID: jobID, Version: next, Definition: append([]byte(nil), definition...), IsActive: true, CreatedAt: now,
	})
	job.Version = next
	job.UpdatedAt = now
	return next, nil
}

func (b *Backend) GetActiveJobVersion(ctx context.Context, jobID string) (*store.JobVersion, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, v := range b.jobVersions[jobID] {
		if v.IsActive {
			return clone(*v), nil
		}
	}
	return nil, &opserrors.NotFoundError{Resource: "job_version", ID: jobID}
}

func (b *Backend) GetJobVersion(ctx context.Context, jobID string, version int) (*store.JobVersion, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, v := range b.jobVersions[jobID] {
		if v.Version == version {
			return clone(*v), nil
		}
	}
	return nil, &opserrors.NotFoundError{Resource: "job_version", ID: jobID}
}

func (b *Backend) DeactivateJob(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return &opserrors.NotFoundError{Resource: "job", ID: id}
	}
	j.IsActive = false
	j.UpdatedAt = time.Now().UTC()
	delete(b.jobsByName, j.Name)
	return nil
}

func (b *Backend) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*store.Job
	for _, j := range b.jobs {
		if !filter.IncludeInactive && !j.IsActive {
			continue
		}
		out = append(out, clone(*j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return paginateJobs(out, filter.Limit, filter.Offset), nil
}

func paginateJobs(jobs []*store.Job, limit, offset int) []*store.Job {
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(jobs) {
		return []*store.Job{}
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end]
}

// --- RunStore ---

func (b *Backend) CreateRunWithSteps(ctx context.Context, run *store.Run, steps []*store.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if run.CorrelationID != "" {
		if _, exists := b.runsByCorrelation[run.CorrelationID]; exists {
			return &opserrors.ConflictError{Resource: "run", Reason: "correlation_id already exists"}
		}
	}
	b.runs[run.ID] = clone(*run)
	if run.CorrelationID != "" {
		b.runsByCorrelation[run.CorrelationID] = run.ID
	}

	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		s.RunID = run.ID
		b.steps[s.ID] = clone(*s)
		ids = append(ids, s.ID)
	}
	b.stepsByRun[run.ID] = ids
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "run", ID: id}
	}
	return clone(*r), nil
}

func (b *Backend) GetRunByCorrelationID(ctx context.Context, correlationID string) (*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.runsByCorrelation[correlationID]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "run", ID: correlationID}
	}
	return clone(*b.runs[id]), nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[run.ID]; !ok {
		return &opserrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	b.runs[run.ID] = clone(*run)
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*store.Run
	for _, r := range b.runs {
		if filter.JobID != "" && r.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.QueuedAfter != nil && !r.QueuedAt.After(*filter.QueuedAfter) {
			continue
		}
		out = append(out, clone(*r))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueuedAt.After(out[k].QueuedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(out) {
		return []*store.Run{}, nil
	}
	end := filter.Offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[filter.Offset:end], nil
}

// --- StepStore ---

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "step", ID: id}
	}
	return clone(*s), nil
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Step
	for _, id := range b.stepsByRun[runID] {
		out = append(out, clone(*b.steps[id]))
	}
	return out, nil
}

func (b *Backend) UpdateStep(ctx context.Context, s *store.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.steps[s.ID]; !ok {
		return &opserrors.NotFoundError{Resource: "step", ID: s.ID}
	}
	b.steps[s.ID] = clone(*s)
	return nil
}

// LeaseNext scans all steps for the highest-priority, lowest-index queued
// one, mirroring sqlite/postgres's `ORDER BY priority DESC, idx ASC`. Step
// IDs are random UUIDv4s, not creation-ordered, so priority and index (not
// ID) are the only fields that determine order; a step's priority lives on
// its run, so each candidate's run is looked up to compare.
func (b *Backend) LeaseNext(ctx context.Context, workerHostname string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		candidate         *store.Step
		candidatePriority store.Priority
	)
	for _, s := range b.steps {
		if s.Status != store.StepQueued {
			continue
		}
		priority := store.PriorityNormal
		if run, ok := b.runs[s.RunID]; ok {
			priority = run.Priority
		}
		if candidate == nil ||
			priority > candidatePriority ||
			(priority == candidatePriority && s.Index < candidate.Index) {
			candidate = s
			candidatePriority = priority
		}
	}
	if candidate == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	leaseToken := uuid.NewString()
	candidate.Status = store.StepRunning
	candidate.LeaseToken = leaseToken
	candidate.LeaseWorker = workerHostname
	candidate.StartedAt = &now
	b.steps[candidate.ID] = candidate
	return clone(*candidate), nil
}

func (b *Backend) RevertStep(ctx context.Context, stepID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[stepID]
	if !ok {
		return &opserrors.NotFoundError{Resource: "step", ID: stepID}
	}
	s.Status = store.StepQueued
	s.LeaseToken = ""
	s.LeaseWorker = ""
	s.StartedAt = nil
	s.RetryCount++
	return nil
}

// --- ScheduleStore ---

func (b *Backend) CreateSchedule(ctx context.Context, sched *store.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedules[sched.ID] = clone(*sched)
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schedules[id]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return clone(*s), nil
}

func (b *Backend) UpdateSchedule(ctx context.Context, sched *store.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[sched.ID]; !ok {
		return &opserrors.NotFoundError{Resource: "schedule", ID: sched.ID}
	}
	b.schedules[sched.ID] = clone(*sched)
	return nil
}

func (b *Backend) DeleteSchedule(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.schedules[id]; !ok {
		return &opserrors.NotFoundError{Resource: "schedule", ID: id}
	}
	delete(b.schedules, id)
	return nil
}

func (b *Backend) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Schedule
	for _, s := range b.schedules {
		if filter.JobID != "" && s.JobID != filter.JobID {
			continue
		}
		if !filter.IncludeInactive && !s.IsActive {
			continue
		}
		out = append(out, clone(*s))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (b *Backend) ListDue(ctx context.Context, now time.Time) ([]*store.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.Schedule
	for _, s := range b.schedules {
		if !s.IsActive || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		if s.MaxRuns != nil && s.RunCount >= *s.MaxRuns {
			continue
		}
		out = append(out, clone(*s))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	return out, nil
}

// --- WorkerStore ---

func (b *Backend) Heartbeat(ctx context.Context, reg *store.WorkerRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[reg.Hostname] = clone(*reg)
	return nil
}

func (b *Backend) GetWorker(ctx context.Context, hostname string) (*store.WorkerRegistration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.workers[hostname]
	if !ok {
		return nil, &opserrors.NotFoundError{Resource: "worker", ID: hostname}
	}
	return clone(*w), nil
}

func (b *Backend) ListWorkers(ctx context.Context) ([]*store.WorkerRegistration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.WorkerRegistration
	for _, w := range b.workers {
		out = append(out, clone(*w))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Hostname < out[k].Hostname })
	return out, nil
}

func (b *Backend) PruneStale(ctx context.Context, olderThan time.Time) ([]*store.WorkerRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var stale []*store.WorkerRegistration
	for hostname, w := range b.workers {
		if w.LastHeartbeat.Before(olderThan) {
			stale = append(stale, clone(*w))
			delete(b.workers, hostname)
		}
	}
	sort.Slice(stale, func(i, k int) bool { return stale[i].Hostname < stale[k].Hostname })
	return stale, nil
}

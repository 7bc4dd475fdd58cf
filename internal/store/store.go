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

// Package store defines the persistence contract (C1): jobs and their
// versioned definitions, job runs, job run steps, schedules, and worker
// registrations. It uses interface segregation in the teacher's style —
// a minimal RunStore-equivalent per entity that every backend must
// implement, plus optional capability interfaces detected with a type
// assertion — so a new backend can start minimal and grow.
//
// Two backends are provided: sqlite (internal/store/sqlite, embedded,
// single-node, `BEGIN IMMEDIATE` in place of row-level locking) and
// postgres (internal/store/postgres, pooled via pgxpool, real `SELECT …
// FOR UPDATE SKIP LOCKED`). Both satisfy the same Store interface, so the
// queue, orchestrator, and scheduler are backend-agnostic.
package store

import (
	"context"
	"io"
	"time"
)

// JobStore persists Job identities and their versioned definitions.
type JobStore interface {
	// CreateJob creates a new job identity and its first version (version 1).
	CreateJob(ctx context.Context, job *Job, definition []byte) error

	// GetJob retrieves a job identity by ID.
	GetJob(ctx context.Context, id string) (*Job, error)

	// GetJobByName retrieves a job identity by its unique active name.
	GetJobByName(ctx context.Context, name string) (*Job, error)

	// CreateJobVersion bumps a job's version: inserts a new JobVersion row,
	// deactivates the previous active version, and returns the new version
	// number. In-flight runs reference their own immutable snapshot and are
	// unaffected (spec §5 "Workflow definitions: immutable snapshots").
	CreateJobVersion(ctx context.Context, jobID string, definition []byte) (version int, err error)

	// GetActiveJobVersion returns the currently active JobVersion for a job.
	GetActiveJobVersion(ctx context.Context, jobID string) (*JobVersion, error)

	// GetJobVersion returns a specific, possibly inactive, JobVersion.
	GetJobVersion(ctx context.Context, jobID string, version int) (*JobVersion, error)

	// DeactivateJob soft-deletes a job (is_active=false on the job identity;
	// its version rows are left unchanged); existing runs are retained for
	// audit.
	DeactivateJob(ctx context.Context, id string) error

	// ListJobs lists job identities, optionally including inactive ones.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// RunStore persists JobRuns.
type RunStore interface {
	// CreateRunWithSteps materializes a JobRun and its JobRunSteps in a
	// single transaction (spec §5 transaction discipline #1).
	CreateRunWithSteps(ctx context.Context, run *Run, steps []*Step) error

	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByCorrelationID(ctx context.Context, correlationID string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// StepStore persists JobRunSteps and implements the leasing primitive C4
// depends on.
type StepStore interface {
	GetStep(ctx context.Context, id string) (*Step, error)
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	UpdateStep(ctx context.Context, step *Step) error

	// LeaseNext atomically claims the single highest-priority, lowest-index
	// queued step across the whole store (`SELECT … FOR UPDATE SKIP LOCKED
	// ORDER BY priority DESC, idx ASC LIMIT 1`), stamps status=running,
	// lease_token, lease_worker and started_at, and returns it. Returns
	// (nil, nil) when no step is leasable — never an error — so callers can
	// poll in a tight loop without special-casing "empty".
	LeaseNext(ctx context.Context, workerHostname string) (*Step, error)

	// RevertStep returns an abandoned lease to queued and increments its
	// retry counter (used by the C9 janitor).
	RevertStep(ctx context.Context, stepID string) error
}

// ScheduleStore persists Schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, sched *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)

	// ListDue returns schedules where is_active AND next_run_at <= now AND
	// (max_runs IS NULL OR run_count < max_runs), per spec §4.5 step 1.
	ListDue(ctx context.Context, now time.Time) ([]*Schedule, error)
}

// WorkerStore persists ephemeral WorkerRegistrations.
type WorkerStore interface {
	Heartbeat(ctx context.Context, reg *WorkerRegistration) error
	GetWorker(ctx context.Context, hostname string) (*WorkerRegistration, error)
	ListWorkers(ctx context.Context) ([]*WorkerRegistration, error)

	// PruneStale removes worker registrations whose last_heartbeat is older
	// than olderThan, used by orphan-step recovery on startup and by C9.
	PruneStale(ctx context.Context, olderThan time.Time) ([]*WorkerRegistration, error)
}

// HealthChecker probes the backend's connection pool, per spec §4.1.
type HealthChecker interface {
	// Ping executes a trivial round-trip (`SELECT 1` or equivalent) and
	// reports its latency.
	Ping(ctx context.Context) (latency time.Duration, err error)
}

// Store composes every segregated interface plus io.Closer. Both backends
// implement the full Store; components that only need a subset (e.g. the
// dispatch queue only needs StepStore) should accept the narrower interface.
type Store interface {
	JobStore
	RunStore
	StepStore
	ScheduleStore
	WorkerStore
	HealthChecker
	io.Closer
}

// Job is a named, versioned workflow definition's stable identity.
type Job struct {
	ID        string
	Name      string
	Version   int // the currently active version number
	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobVersion is one immutable snapshot of a Job's definition (nodes, edges,
// declared parameters), stored as the canonical workflow-definition JSON
// (spec §6).
type JobVersion struct {
	JobID      string
	Version    int
	Definition []byte // canonical JSON, parsed with workflow.ParseDefinition
	IsActive   bool
	CreatedAt  time.Time
}

// JobFilter filters ListJobs.
type JobFilter struct {
	IncludeInactive bool
	Limit           int
	Offset          int
}

// RunStatus is the JobRun lifecycle state (spec §4.3).
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether status is one of the run's terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// Priority is the dispatch queue's fixed three-level priority (spec §4.4).
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
)

// ParsePriority maps a caller-supplied string to a Priority, defaulting to
// normal for unrecognized values.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Run is one execution attempt of a Job (JobRun, spec §3).
type Run struct {
	ID            string
	JobID         string
	JobVersion    int
	Status        RunStatus
	Priority      Priority
	RequestedBy   string
	Parameters    map[string]interface{}
	QueuedAt      time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CorrelationID string
	WorkerHost    string
	RetryCount    int
	ResultData    map[string]interface{}
	ErrorMessage  string
}

// RunFilter filters ListRuns.
type RunFilter struct {
	JobID         string
	Status        RunStatus
	QueuedAfter   *time.Time
	ScheduleID    string
	Limit         int
	Offset        int
}

// StepStatus is the JobRunStep lifecycle state (spec §3).
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepAborted   StepStatus = "aborted"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether status is one of the step's terminal states.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepAborted, StepSkipped:
		return true
	default:
		return false
	}
}

// Step is one executable unit within a Run (JobRunStep, spec §3).
type Step struct {
	ID                string
	RunID             string
	Index             int
	Type              string
	TargetID          string
	UnresolvedTarget  string
	Params            map[string]interface{}
	Status            StepStatus
	ExitCode          int
	Stdout            string
	Stderr            string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	Metrics           map[string]interface{}
	LeaseToken        string
	LeaseWorker       string
	TimeoutSeconds    int
	ContinueOnFailure bool
	RetryCount        int
}

// ScheduleType enumerates a Schedule's cadence kind (spec §3).
type ScheduleType string

const (
	ScheduleOnce      ScheduleType = "once"
	ScheduleRecurring ScheduleType = "recurring"
	ScheduleCron      ScheduleType = "cron"
)

// Schedule is a trigger that creates JobRuns on a cadence (spec §3, §4.5).
type Schedule struct {
	ID              string
	JobID           string
	Type            ScheduleType
	CronExpression  string
	IntervalSeconds int
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	RunCount        int64
	MaxRuns         *int64
	IsActive        bool
	Parameters      map[string]interface{}
	CreatedBy       string
}

// ScheduleFilter filters ListSchedules.
type ScheduleFilter struct {
	JobID           string
	IncludeInactive bool
}

// WorkerRegistration is an ephemeral record of a live worker (spec §3).
type WorkerRegistration struct {
	Hostname        string
	Queues          []string
	ActiveTaskCount int
	LastHeartbeat   time.Time
}

// Alive reports whether the registration's last heartbeat is within window.
func (w *WorkerRegistration) Alive(window time.Duration, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) <= window
}

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

// Package orchestrator implements C3: turning a Run request into a
// materialized JobRun plus its JobRunSteps (delegating to C2's
// workflow.Translate), the run status aggregation rule (spec §4.3), and
// cancellation — both user-initiated and the proactive sweep that aborts
// a run's remaining queued steps the instant a step fails hard.
//
// Grounded on the teacher's controller/runner package shape (lifecycle.go
// driving a run from create through terminal state) generalized from its
// single-backend, in-process runner to OpsConductor's store-mediated,
// worker-polled model.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/tracing"
	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/pkg/workflow"
)

// EventPublisher is the live-status fan-out's (C8) inbound hook: the
// orchestrator calls it on every run/step transition it makes so C8 can
// push an immediate update instead of waiting for its next poll tick.
// Satisfied by internal/fanout.Hub; kept as a narrow local interface so
// this package doesn't import fanout (which itself only needs store.Store,
// not the orchestrator).
type EventPublisher interface {
	PublishRun(run *store.Run)
	PublishStep(step *store.Step)
}

// Notifier dispatches a run-completion notification, a distinct code path
// from the per-step notify.* executors (spec §9): it fires once per run,
// after the aggregation rule reaches a terminal state, rather than as a
// graph node.
type Notifier interface {
	NotifyRunCompleted(ctx context.Context, run *store.Run) error
}

// Orchestrator is C3's entry point.
type Orchestrator struct {
	store    store.Store
	resolver workflow.TargetResolver
	signals  *retry.StopSignals
	notifier Notifier
	events   EventPublisher
	clock    func() time.Time
	tracer   trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the run-completion notifier. Optional: a nil notifier
// makes run completion a silent no-op, useful in tests.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithEvents wires the live-status fan-out hub (C8) so every run/step
// transition is published as it happens.
func WithEvents(hub EventPublisher) Option { return func(o *Orchestrator) { o.events = hub } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(o *Orchestrator) { o.clock = clock } }

// WithTracer sets the OpenTelemetry tracer spans for Run/Cancel are
// recorded against. Optional: the default uses the global tracer
// provider, which is a no-op until internal/tracing.NewProvider installs
// a real one.
func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// New constructs an Orchestrator.
func New(s store.Store, resolver workflow.TargetResolver, signals *retry.StopSignals, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		resolver: resolver,
		signals:  signals,
		clock:    time.Now,
		tracer:   otel.Tracer("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunRequest is the input to Run.
type RunRequest struct {
	JobID       string
	Parameters  map[string]interface{}
	Priority    store.Priority
	RequestedBy string
}

// Run materializes a new JobRun: loads the job's active definition,
// translates it against the supplied parameters (C2), and persists the
// run plus all of its steps in one transaction (spec §5 discipline #1).
// A translation failure (bad parameters, cycle, unknown node type) aborts
// before any row is written — the run never reaches queued.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (run *store.Run, err error) {
	ctx, span := tracing.StartRunSpan(ctx, o.tracer, "orchestrator.run", req.JobID, "", "")
	defer func() { tracing.EndWithError(span, err) }()

	job, err := o.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if !job.IsActive {
		return nil, &opserrors.ConflictError{Resource: "job", Reason: "job " + job.ID + " is deactivated"}
	}

	version, err := o.store.GetActiveJobVersion(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	def, err := workflow.ParseDefinition(version.Definition)
	if err != nil {
		return nil, err
	}

	now := o.clock().UTC()
	report, err := workflow.Translate(ctx, def, req.Parameters, o.resolver, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if len(report.Steps) == 0 {
		return nil, &opserrors.ValidationError{Field: "graph", Message: "workflow produced no executable steps"}
	}

	run = &store.Run{
		ID:            uuid.NewString(),
		JobID:         job.ID,
		JobVersion:    version.Version,
		Status:        store.RunQueued,
		Priority:      req.Priority,
		RequestedBy:   req.RequestedBy,
		Parameters:    req.Parameters,
		QueuedAt:      now,
		CorrelationID: uuid.NewString(),
	}
	steps := make([]*store.Step, len(report.Steps))
	for i, es := range report.Steps {
		steps[i] = &store.Step{
			ID:                uuid.NewString(),
			Index:             es.Index,
			Type:              es.Type,
			TargetID:          es.TargetID,
			UnresolvedTarget:  es.UnresolvedTarget,
			Params:            es.Params,
			Status:            store.StepQueued,
			TimeoutSeconds:    es.TimeoutSeconds,
			ContinueOnFailure: es.ContinueOnFailure,
		}
	}

	if err := o.store.CreateRunWithSteps(ctx, run, steps); err != nil {
		return nil, err
	}
	o.publishRunEvent(run)
	return run, nil
}

// Cancel transitions a run to canceled: every still-queued step is marked
// aborted and every running step receives a cooperative stop signal. With
// no step running the run moves to `canceled` at once; otherwise it stays
// `running` and RecordStepTermination moves it to `canceled` once the
// stopped steps land as aborted (or `failed` if any step failed).
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (run *store.Run, err error) {
	ctx, span := tracing.StartRunSpan(ctx, o.tracer, "orchestrator.cancel", "", runID, "")
	defer func() { tracing.EndWithError(span, err) }()

	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, &opserrors.ConflictError{Resource: "run", Reason: fmt.Sprintf("run %s is already %s", run.ID, run.Status)}
	}

	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := retry.AbortQueuedSteps(ctx, o.store, steps, 0, o.signals); err != nil {
		return nil, err
	}

	anyRunning := false
	for _, s := range steps {
		if s.Status == store.StepRunning {
			anyRunning = true
		}
	}

	now := o.clock().UTC()
	if !anyRunning {
		run.Status = store.RunCanceled
		run.FinishedAt = &now
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	o.publishRunEvent(run)
	return run, nil
}

// MarkRunStarted implements the §4.3 `queued -(first step leased)-> running`
// transition. It is idempotent: called by the worker every time it leases a
// step for a run, but only the first call (while the run is still queued)
// actually mutates anything — later calls for the same run are no-ops. Not
// wrapped in a store transaction: concurrent workers racing to lease the
// first two steps of the same run may both observe `queued` and both
// attempt this update, but the write itself (status, started_at,
// worker_hostname) is idempotent in content, so the race is harmless.
func (o *Orchestrator) MarkRunStarted(ctx context.Context, runID, workerHostname string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunQueued {
		return run, nil
	}
	now := o.clock().UTC()
	run.Status = store.RunRunning
	run.StartedAt = &now
	run.WorkerHost = workerHostname
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	o.publishRunEvent(run)
	return run, nil
}

// Status is a run plus its steps, the orchestrator's read model for the
// HTTP API's get-run-summary endpoint.
type Status struct {
	Run   *store.Run
	Steps []*store.Step
}

// GetStatus returns a run's current aggregate status and its steps.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (*Status, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Status{Run: run, Steps: steps}, nil
}

func (o *Orchestrator) publishRunEvent(run *store.Run) {
	if o.events == nil {
		return
	}
	o.events.PublishRun(run)
}

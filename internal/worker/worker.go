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

// Package worker is the process that actually does the work the other
// components only schedule and account for: it polls the dispatch queue
// (C4) for leasable steps, resolves each step's target and credential
// material, dispatches to the appropriate C6 executor, writes the
// terminal result back, and tells the orchestrator (C3) to re-evaluate
// the parent run. It also heartbeats its own liveness (consumed by C9's
// janitor and C8's worker_monitoring topic) and drains cooperatively on
// shutdown.
//
// Grounded on the teacher's internal/daemon/runner.Runner for the
// semaphore-bounded concurrent-execution shape (worker_prefetch maps to
// the teacher's maxParallel/semaphore pair), generalized from an
// in-process, whole-run-in-memory executor to OpsConductor's
// store-mediated, one-step-at-a-time lease loop.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsconductor/core/internal/credentials"
	"github.com/opsconductor/core/internal/executor"
	"github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/targets"
)

// Metrics is the narrow instrumentation hook a worker reports through;
// satisfied by internal/metrics.Collector. Kept local (rather than
// importing internal/metrics) so this package has no hard dependency on
// Prometheus, matching orchestrator.EventPublisher's narrow-interface
// pattern.
type Metrics interface {
	ObserveStepDuration(stepType, status string, d time.Duration)
	SetActiveSteps(n int)
}

// EventPublisher is C8's inbound hook for step-level transitions (the
// orchestrator's EventPublisher only ever sees run rows; the worker is
// the only component that observes a step going running/terminal/queued-
// again and is therefore the one that must push it). Satisfied by
// internal/fanout.Hub.
type EventPublisher interface {
	PublishStep(step *store.Step)
}

// Config configures a Worker, mirroring config.WorkerConfig and
// config.QueueConfig's worker-relevant fields.
type Config struct {
	Hostname        string
	PollInterval    time.Duration
	Prefetch        int
	HeartbeatPeriod time.Duration
	DrainTimeout    time.Duration
}

// Worker is the lease-loop + executor-dispatch process (spec's
// "internal/worker" addition to the core module list).
type Worker struct {
	cfg Config

	store        store.Store
	dispatcher   *queue.Dispatcher
	registry     *executor.Registry
	orchestrator *orchestrator.Orchestrator
	credentials  *credentials.Resolver
	targets      *targets.Client
	signals      *retry.StopSignals
	metrics      Metrics
	events       EventPublisher
	tracer       trace.Tracer
	logger       *slog.Logger

	sem      chan struct{}
	active   atomic.Int32
	draining atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics wires a Metrics sink. Optional: a nil sink is a no-op.
func WithMetrics(m Metrics) Option { return func(w *Worker) { w.metrics = m } }

// WithEvents wires the live-status fan-out hub (C8) so every step
// transition this worker makes is published as it happens. Optional: a
// nil hub makes publishing a silent no-op.
func WithEvents(e EventPublisher) Option { return func(w *Worker) { w.events = e } }

// WithTracer overrides the tracer step spans are recorded against.
func WithTracer(t trace.Tracer) Option { return func(w *Worker) { w.tracer = t } }

// WithLogger overrides the base logger.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = log.Component(l, "worker") } }

// New constructs a Worker from its collaborators.
func New(
	cfg Config,
	s store.Store,
	dispatcher *queue.Dispatcher,
	registry *executor.Registry,
	orch *orchestrator.Orchestrator,
	credentialsResolver *credentials.Resolver,
	targetsClient *targets.Client,
	signals *retry.StopSignals,
	opts ...Option,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 10 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	w := &Worker{
		cfg:          cfg,
		store:        s,
		dispatcher:   dispatcher,
		registry:     registry,
		orchestrator: orch,
		credentials:  credentialsResolver,
		targets:      targetsClient,
		signals:      signals,
		tracer:       otel.Tracer("worker"),
		logger:       log.Component(slog.Default(), "worker"),
		sem:          make(chan struct{}, cfg.Prefetch),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks, polling for leasable steps and heartbeating, until ctx is
// canceled. On cancellation it stops leasing new steps and waits (bounded
// by DrainTimeout) for in-flight steps to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", "hostname", w.cfg.Hostname, "prefetch", w.cfg.Prefetch)

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.heartbeatLoop(heartbeatCtx)

	w.pollLoop(ctx)

	w.draining.Store(true)
	w.logger.Info("worker draining", "timeout", w.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("worker drain timeout exceeded, exiting with steps still in flight")
	}
	return nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.leaseAndDispatch(ctx)
		}
	}
}

// leaseAndDispatch leases as many steps as the semaphore currently has
// room for, spawning a goroutine per step. It never blocks the poll tick
// waiting for a slot: if the semaphore is full it simply waits for the
// next tick.
func (w *Worker) leaseAndDispatch(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		step, err := w.dispatcher.Lease(ctx, w.cfg.Hostname)
		if err != nil {
			w.logger.Error("lease failed", "error", err)
			<-w.sem
			return
		}
		if step == nil {
			<-w.sem
			return
		}
		w.publishStepEvent(step)

		w.active.Add(1)
		if w.metrics != nil {
			w.metrics.SetActiveSteps(int(w.active.Load()))
		}
		w.wg.Add(1)
		go func(step *store.Step) {
			defer func() {
				w.active.Add(-1)
				if w.metrics != nil {
					w.metrics.SetActiveSteps(int(w.active.Load()))
				}
				<-w.sem
				w.wg.Done()
			}()
			w.processStep(ctx, step)
		}(step)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) publishStepEvent(step *store.Step) {
	if w.events == nil {
		return
	}
	w.events.PublishStep(step)
}

func (w *Worker) beat(ctx context.Context) {
	reg := &store.WorkerRegistration{
		Hostname:        w.cfg.Hostname,
		Queues:          []string{"default"},
		ActiveTaskCount: int(w.active.Load()),
		LastHeartbeat:   time.Now().UTC(),
	}
	if err := w.store.Heartbeat(ctx, reg); err != nil {
		w.logger.Error("heartbeat failed", "error", err)
	}
}

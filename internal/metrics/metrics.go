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

// Package metrics exposes the subsystem's Prometheus surface: step
// execution outcomes, active worker concurrency, dispatch queue depth,
// run throughput, and persistence errors. A Collector wraps the default
// registry's vectors and satisfies the narrow worker.Metrics interface
// that internal/worker declares locally, so the worker does not import
// Prometheus directly.
//
// Grounded on the teacher's internal/controller/metrics/persistence.go
// for the promauto-vector-plus-package-function shape, generalized from
// one fixed counter to a Collector instance so multiple opsconductord
// processes in the same binary (tests, embedding) don't collide on the
// global default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector is the subsystem's Prometheus metrics surface.
type Collector struct {
	stepDuration   *prometheus.HistogramVec
	stepsTotal     *prometheus.CounterVec
	activeSteps    prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	runsTotal      *prometheus.CounterVec
	workersAlive   prometheus.Gauge
	persistenceErr *prometheus.CounterVec
}

// NewCollector registers every vector against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panic across subtests; production
// code should pass prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsconductor_step_duration_seconds",
			Help:    "Step execution duration by step type and terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step_type", "status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_steps_total",
			Help: "Total steps that reached a terminal status, by step type and status.",
		}, []string{"step_type", "status"}),
		activeSteps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconductor_worker_active_steps",
			Help: "Steps currently executing on this worker process.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsconductor_queue_depth",
			Help: "Queued (not yet leased) steps by priority band.",
		}, []string{"priority"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_runs_total",
			Help: "Total job runs that reached a terminal status, by status.",
		}, []string{"status"}),
		workersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsconductor_workers_alive",
			Help: "Worker registrations whose last heartbeat is within the liveness window.",
		}),
		persistenceErr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsconductor_persistence_errors_total",
			Help: "Persistence operation errors by operation and error type.",
		}, []string{"operation", "error_type"}),
	}
}

// ObserveStepDuration implements worker.Metrics.
func (c *Collector) ObserveStepDuration(stepType, status string, d time.Duration) {
	c.stepDuration.WithLabelValues(stepType, status).Observe(d.Seconds())
	c.stepsTotal.WithLabelValues(stepType, status).Inc()
}

// SetActiveSteps implements worker.Metrics.
func (c *Collector) SetActiveSteps(n int) {
	c.activeSteps.Set(float64(n))
}

// SetQueueDepth implements queue-depth reporting for C8/C4's polled gauge.
func (c *Collector) SetQueueDepth(priority string, depth int) {
	c.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordRunCompleted increments the terminal run counter for status.
func (c *Collector) RecordRunCompleted(status string) {
	c.runsTotal.WithLabelValues(status).Inc()
}

// SetWorkersAlive reports the current count of live worker registrations.
func (c *Collector) SetWorkersAlive(n int) {
	c.workersAlive.Set(float64(n))
}

// RecordPersistenceError increments the persistence-error counter for
// operation and errorType.
func (c *Collector) RecordPersistenceError(operation, errorType string) {
	c.persistenceErr.WithLabelValues(operation, errorType).Inc()
}

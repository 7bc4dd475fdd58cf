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

package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/store"
)

// Janitor periodically reclaims steps whose lease-holding worker has gone
// silent: a step stuck `running` whose worker's last heartbeat is older
// than LivenessWindow, and whose elapsed running time exceeds its own
// timeout plus LeaseGrace, is reverted to `queued` so another worker can
// pick it up (spec §4.9 "orphaned lease recovery"). Grounded on the
// teacher's leader elector run loop (internal/controller/leader/leader.go)
// for the ticker-driven background-goroutine shape.
type Janitor struct {
	store          store.Store
	logger         *slog.Logger
	interval       time.Duration
	leaseGrace     time.Duration
	livenessWindow time.Duration
}

// NewJanitor constructs a Janitor from the queue config's timing knobs.
func NewJanitor(s store.Store, logger *slog.Logger, interval, leaseGrace, livenessWindow time.Duration) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if leaseGrace <= 0 {
		leaseGrace = 30 * time.Second
	}
	if livenessWindow <= 0 {
		livenessWindow = 60 * time.Second
	}
	return &Janitor{
		store:          s,
		logger:         log.Component(logger, "retry-janitor"),
		interval:       interval,
		leaseGrace:     leaseGrace,
		livenessWindow: livenessWindow,
	}
}

// Run blocks, sweeping on Interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs a single reclaim pass, for tests and for on-demand
// invocation from cmd/opsconductord. It logs the number of steps reverted
// and returns only the error.
func (j *Janitor) Sweep(ctx context.Context) error {
	reverted, err := j.sweepOnce(ctx)
	if err != nil {
		return err
	}
	if reverted > 0 {
		j.logger.Info("reclaimed orphaned step leases", "count", reverted)
	}
	return nil
}

func (j *Janitor) sweepOnce(ctx context.Context) (int, error) {
	now := time.Now()
	workers, err := j.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	dead := make(map[string]bool)
	for _, w := range workers {
		if !w.Alive(j.livenessWindow, now) {
			dead[w.Hostname] = true
		}
	}

	// PruneStale also removes the registration rows themselves so a dead
	// worker's hostname eventually stops showing up in worker_monitoring.
	if _, err := j.store.PruneStale(ctx, now.Add(-j.livenessWindow)); err != nil {
		return 0, err
	}

	runs, err := j.store.ListRuns(ctx, store.RunFilter{Status: store.RunRunning, Limit: 500})
	if err != nil {
		return 0, err
	}

	reverted := 0
	for _, run := range runs {
		steps, err := j.store.ListSteps(ctx, run.ID)
		if err != nil {
			return reverted, err
		}
		for _, s := range steps {
			if s.Status != store.StepRunning {
				continue
			}
			if !j.abandoned(s, dead, now) {
				continue
			}
			if err := j.store.RevertStep(ctx, s.ID); err != nil {
				return reverted, err
			}
			reverted++
			j.logger.Warn("reverted orphaned step",
				log.StepIDKey, s.ID, log.RunIDKey, run.ID, log.WorkerKey, s.LeaseWorker)
		}
	}
	return reverted, nil
}

// abandoned reports whether a running step's lease should be considered
// lost: its worker is no longer heartbeating AND the step has been running
// longer than its own timeout plus the configured grace period. Both
// conditions matter: a worker blip alone doesn't abandon a step still
// within its timeout window, and a step merely running long on an alive
// worker is not orphaned — it is just slow.
func (j *Janitor) abandoned(s *store.Step, dead map[string]bool, now time.Time) bool {
	if s.StartedAt == nil {
		return false
	}
	if !dead[s.LeaseWorker] {
		return false
	}
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	deadline := s.StartedAt.Add(timeout + j.leaseGrace)
	return now.After(deadline)
}

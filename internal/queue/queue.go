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

// Package queue implements C4: the fair, priority-aware dispatch queue of
// runnable steps. The actual priority ordering and row-level locking live
// in the store backends (`SELECT ... FOR UPDATE SKIP LOCKED ORDER BY
// priority DESC, idx ASC LIMIT 1`, spec §4.4); this package adds the
// within-run ordering gate on top — a step may not be leased while an
// earlier-index sibling in the same run is still non-terminal, or failed
// without continue_on_failure — since the store's LeaseNext has no notion
// of "run" at all.
//
// Grounded on the teacher's internal/daemon/queue/queue.go MemoryQueue: the
// same Enqueue/Dequeue-shaped contract, adapted from an in-process
// priority heap to a thin wrapper over the store's row-locking lease.
package queue

import (
	"context"

	"github.com/opsconductor/core/internal/store"
)

// Dispatcher is the worker-facing handle onto the dispatch queue.
type Dispatcher struct {
	store store.Store
}

// New constructs a Dispatcher over the given store.
func New(s store.Store) *Dispatcher {
	return &Dispatcher{store: s}
}

// Lease claims the next leasable step for workerHostname, honoring the
// within-run ordering gate. Returns (nil, nil) when nothing is leasable,
// matching store.StepStore.LeaseNext's no-error-on-empty contract so
// callers can poll in a tight loop.
//
// Because the store's own LeaseNext is run-agnostic, this may need to try
// several candidates before finding one whose run actually permits it to
// proceed: a candidate blocked by an unterminated or hard-failed
// predecessor is reverted to queued (without incrementing its retry
// counter — it was never actually attempted) and the next candidate is
// tried, bounded by maxProbe to avoid spinning forever against a queue
// that's entirely blocked.
func (d *Dispatcher) Lease(ctx context.Context, workerHostname string) (*store.Step, error) {
	const maxProbe = 64
	for i := 0; i < maxProbe; i++ {
		step, err := d.store.LeaseNext(ctx, workerHostname)
		if err != nil || step == nil {
			return step, err
		}

		blocked, err := d.blockedByPredecessor(ctx, step)
		if err != nil {
			return nil, err
		}
		if !blocked {
			return step, nil
		}

		if err := d.releaseWithoutRetryCount(ctx, step); err != nil {
			return nil, err
		}
		// Loop: try the next candidate.
	}
	return nil, nil
}

// blockedByPredecessor reports whether any lower-index sibling of step is
// non-terminal, or terminal-but-failed without continue_on_failure (spec
// §4.3's "subsequent steps... aborted by C9 on... a hard run failure",
// reconciled with §4.4's ordering gate: a hard failure does not free its
// successors to run, it blocks them until the orchestrator's abort sweep
// marks them aborted).
func (d *Dispatcher) blockedByPredecessor(ctx context.Context, step *store.Step) (bool, error) {
	siblings, err := d.store.ListSteps(ctx, step.RunID)
	if err != nil {
		return false, err
	}
	for _, s := range siblings {
		if s.Index >= step.Index {
			continue
		}
		if !s.Status.Terminal() {
			return true, nil
		}
		if s.Status == store.StepFailed && !s.ContinueOnFailure {
			return true, nil
		}
	}
	return false, nil
}

// releaseWithoutRetryCount reverts a step the ordering gate blocked back
// to queued directly via UpdateStep, deliberately bypassing
// store.RevertStep (which increments retry_count) since the step was
// never actually dispatched to a worker.
func (d *Dispatcher) releaseWithoutRetryCount(ctx context.Context, step *store.Step) error {
	step.Status = store.StepQueued
	step.LeaseToken = ""
	step.LeaseWorker = ""
	step.StartedAt = nil
	return d.store.UpdateStep(ctx, step)
}

// Depth reports the number of queued steps per priority band, for C8's
// queue_monitoring topic.
type Depth struct {
	High   int
	Normal int
	Low    int
}

// QueueDepth scans all runs' queued steps and buckets them by their run's
// priority. It is O(active runs) and intended for the ~5s fan-out poll
// cadence, not a hot path.
func (d *Dispatcher) QueueDepth(ctx context.Context) (Depth, error) {
	var depth Depth
	runs, err := d.store.ListRuns(ctx, store.RunFilter{Status: store.RunQueued, Limit: 1000})
	if err != nil {
		return depth, err
	}
	running, err := d.store.ListRuns(ctx, store.RunFilter{Status: store.RunRunning, Limit: 1000})
	if err != nil {
		return depth, err
	}
	runs = append(runs, running...)

	for _, run := range runs {
		steps, err := d.store.ListSteps(ctx, run.ID)
		if err != nil {
			return depth, err
		}
		var queued int
		for _, s := range steps {
			if s.Status == store.StepQueued {
				queued++
			}
		}
		switch {
		case run.Priority >= store.PriorityHigh:
			depth.High += queued
		case run.Priority <= store.PriorityLow:
			depth.Low += queued
		default:
			depth.Normal += queued
		}
	}
	return depth, nil
}

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

package orchestrator

import (
	"context"

	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
)

// RecordStepTermination re-evaluates a run's aggregate status after one of
// its steps reaches a terminal state (spec §4.3). It must be called by the
// worker immediately after writing back a step's terminal result — it is
// not a poller; the aggregation rule runs exactly once per terminating
// step, at the moment that step lands.
//
// The rule: a run stays `running` while any step is queued or running,
// *unless* a failed step without continue_on_failure has left successors
// permanently blocked — in which case this aborts every remaining queued
// step so the run can reach a clean terminal aggregation instead of
// waiting on steps that will never be leased (the C4 ordering gate blocks
// them forever otherwise). Once no step is queued or running, the run is
// `failed` if any step is in its terminal failed state (continue_on_failure
// or not), `canceled` if no step failed but at least one was aborted, and
// `succeeded` otherwise.
func (o *Orchestrator) RecordStepTermination(ctx context.Context, runID string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}

	hardFailureIndex, hasHardFailure := firstHardFailure(steps)
	if hasHardFailure {
		if _, err := retry.AbortQueuedSteps(ctx, o.store, steps, hardFailureIndex+1, o.signals); err != nil {
			return nil, err
		}
		// No re-fetch: AbortQueuedSteps mutated the slice in place via
		// UpdateStep, so `steps` already reflects the abort; no re-list
		// needed.
	}

	if !allTerminal(steps) {
		// Still running/queued (and not blocked-forever), or the
		// just-aborted siblings need one more pass to settle — either
		// way the run stays running until everything is terminal.
		return run, nil
	}

	now := o.clock().UTC()
	run.FinishedAt = &now
	aborted := false
	for _, s := range steps {
		if s.Status == store.StepAborted {
			aborted = true
		}
	}
	if anyFailed(steps) {
		run.Status = store.RunFailed
		run.ErrorMessage = firstFailureMessage(steps)
	} else if aborted {
		run.Status = store.RunCanceled
	} else {
		run.Status = store.RunSucceeded
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	o.publishRunEvent(run)

	if o.notifier != nil {
		if err := o.notifier.NotifyRunCompleted(ctx, run); err != nil {
			// Notification failure never reverts a terminal run; spec §9
			// treats run-completion notification as best-effort.
			return run, err
		}
	}
	return run, nil
}

func firstHardFailure(steps []*store.Step) (int, bool) {
	best := -1
	for _, s := range steps {
		if s.Status == store.StepFailed && !s.ContinueOnFailure {
			if best == -1 || s.Index < best {
				best = s.Index
			}
		}
	}
	return best, best != -1
}

func allTerminal(steps []*store.Step) bool {
	for _, s := range steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

func anyFailed(steps []*store.Step) bool {
	for _, s := range steps {
		if s.Status == store.StepFailed {
			return true
		}
	}
	return false
}

func firstFailureMessage(steps []*store.Step) string {
	for _, s := range steps {
		if s.Status == store.StepFailed {
			return "step " + s.ID + " failed"
		}
	}
	return ""
}

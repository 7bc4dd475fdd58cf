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

package retry_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
)

func TestAbortQueuedSteps(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runID := uuid.NewString()

	steps := []*store.Step{
		{ID: uuid.NewString(), RunID: runID, Index: 0, Status: store.StepSucceeded},
		{ID: uuid.NewString(), RunID: runID, Index: 1, Status: store.StepFailed},
		{ID: uuid.NewString(), RunID: runID, Index: 2, Status: store.StepQueued},
		{ID: uuid.NewString(), RunID: runID, Index: 3, Status: store.StepQueued},
		{ID: uuid.NewString(), RunID: runID, Index: 4, Status: store.StepRunning},
	}
	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	signals := retry.NewStopSignals()
	n, err := retry.AbortQueuedSteps(ctx, backend, steps, 2, signals)
	if err != nil {
		t.Fatalf("AbortQueuedSteps: %v", err)
	}
	if n != 2 {
		t.Fatalf("aborted = %d, want 2", n)
	}

	for _, want := range []struct {
		idx    int
		status store.StepStatus
	}{
		{0, store.StepSucceeded},
		{1, store.StepFailed},
		{2, store.StepAborted},
		{3, store.StepAborted},
		{4, store.StepRunning},
	} {
		got, err := backend.GetStep(ctx, steps[want.idx].ID)
		if err != nil {
			t.Fatalf("get step %d: %v", want.idx, err)
		}
		if got.Status != want.status {
			t.Errorf("step[%d].Status = %s, want %s", want.idx, got.Status, want.status)
		}
	}

	if !signals.Stopped(steps[4].ID) {
		t.Error("running step should have received a stop signal")
	}
	if signals.Stopped(steps[3].ID) {
		t.Error("queued-then-aborted step should not carry a stop signal")
	}
}

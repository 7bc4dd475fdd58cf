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

package queue_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
)

func TestDispatcher_Lease_BlocksOnUnterminatedPredecessor(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runID := uuid.NewString()

	steps := []*store.Step{
		{ID: uuid.NewString(), RunID: runID, Index: 0, Status: store.StepRunning},
		{ID: uuid.NewString(), RunID: runID, Index: 1, Status: store.StepQueued},
	}
	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := queue.New(backend)
	leased, err := d.Lease(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased != nil {
		t.Fatalf("expected nothing leasable, got step index %d", leased.Index)
	}

	got, err := backend.GetStep(ctx, steps[1].ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Status != store.StepQueued {
		t.Errorf("blocked step status = %s, want still queued", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("blocked step retry_count = %d, want 0 (never actually attempted)", got.RetryCount)
	}
}

func TestDispatcher_Lease_BlocksAfterHardFailureWithoutContinue(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runID := uuid.NewString()

	steps := []*store.Step{
		{ID: uuid.NewString(), RunID: runID, Index: 0, Status: store.StepFailed, ContinueOnFailure: false},
		{ID: uuid.NewString(), RunID: runID, Index: 1, Status: store.StepQueued},
	}
	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := queue.New(backend)
	leased, err := d.Lease(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased != nil {
		t.Fatalf("expected nothing leasable after hard failure, got index %d", leased.Index)
	}
}

func TestDispatcher_Lease_ProceedsAfterFailureWithContinue(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runID := uuid.NewString()

	steps := []*store.Step{
		{ID: uuid.NewString(), RunID: runID, Index: 0, Status: store.StepFailed, ContinueOnFailure: true},
		{ID: uuid.NewString(), RunID: runID, Index: 1, Status: store.StepQueued},
	}
	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := queue.New(backend)
	leased, err := d.Lease(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased == nil {
		t.Fatal("expected step index 1 to be leasable")
	}
	if leased.Index != 1 {
		t.Errorf("leased index = %d, want 1", leased.Index)
	}
}

// TestDispatcher_Lease_OrdersByIndexNotID mirrors spec §8 scenario S3: three
// queued sequential steps whose IDs are deliberately seeded so the
// lowest-index step does NOT own the lexicographically smallest ID (random
// UUIDv4s have no relationship to creation or graph order). Lease must
// still return step 0 first: ordering the store's LeaseNext by ID instead
// of Index livelocks the run, since probing the same smallest-ID step over
// and over never reaches an unblocked one.
func TestDispatcher_Lease_OrdersByIndexNotID(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	runID := uuid.NewString()

	steps := []*store.Step{
		{ID: "zzzz-step-0", RunID: runID, Index: 0, Status: store.StepQueued},
		{ID: "mmmm-step-1", RunID: runID, Index: 1, Status: store.StepQueued},
		{ID: "aaaa-step-2", RunID: runID, Index: 2, Status: store.StepQueued},
	}
	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunQueued}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := queue.New(backend)
	leased, err := d.Lease(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased == nil {
		t.Fatal("expected step index 0 to be leasable")
	}
	if leased.Index != 0 {
		t.Errorf("leased index = %d, want 0 (got step with smallest ID instead of smallest index)", leased.Index)
	}
}

func TestDispatcher_QueueDepth_BucketsByPriority(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	highRun := uuid.NewString()
	lowRun := uuid.NewString()
	if err := backend.CreateRunWithSteps(ctx,
		&store.Run{ID: highRun, JobID: "job-1", Status: store.RunQueued, Priority: store.PriorityHigh},
		[]*store.Step{{ID: uuid.NewString(), RunID: highRun, Index: 0, Status: store.StepQueued}},
	); err != nil {
		t.Fatalf("seed high: %v", err)
	}
	if err := backend.CreateRunWithSteps(ctx,
		&store.Run{ID: lowRun, JobID: "job-1", Status: store.RunQueued, Priority: store.PriorityLow},
		[]*store.Step{
			{ID: uuid.NewString(), RunID: lowRun, Index: 0, Status: store.StepQueued},
			{ID: uuid.NewString(), RunID: lowRun, Index: 1, Status: store.StepQueued},
		},
	); err != nil {
		t.Fatalf("seed low: %v", err)
	}

	d := queue.New(backend)
	depth, err := d.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth.High != 1 {
		t.Errorf("High = %d, want 1", depth.High)
	}
	if depth.Low != 2 {
		t.Errorf("Low = %d, want 2", depth.Low)
	}
	if depth.Normal != 0 {
		t.Errorf("Normal = %d, want 0", depth.Normal)
	}
}

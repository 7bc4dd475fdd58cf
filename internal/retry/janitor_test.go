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
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJanitor_RevertsOrphanedStep(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	runID := uuid.NewString()
	stepID := uuid.NewString()
	started := time.Now().Add(-10 * time.Minute)

	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning, QueuedAt: started}
	step := &store.Step{
		ID: stepID, RunID: runID, Index: 0, Type: "ssh.exec", Status: store.StepRunning,
		StartedAt: &started, TimeoutSeconds: 30, LeaseWorker: "dead-worker",
	}
	if err := backend.CreateRunWithSteps(ctx, run, []*store.Step{step}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	staleHeartbeat := time.Now().Add(-5 * time.Minute)
	if err := backend.Heartbeat(ctx, &store.WorkerRegistration{Hostname: "dead-worker", LastHeartbeat: staleHeartbeat}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	j := retry.NewJanitor(backend, discardLogger(), time.Second, 30*time.Second, 60*time.Second)
	if err := j.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := backend.GetStep(ctx, stepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Status != store.StepQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.LeaseWorker != "" {
		t.Errorf("lease_worker = %q, want cleared", got.LeaseWorker)
	}
}

func TestJanitor_LeavesHealthyStepAlone(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	runID := uuid.NewString()
	stepID := uuid.NewString()
	started := time.Now().Add(-1 * time.Minute)

	run := &store.Run{ID: runID, JobID: "job-1", Status: store.RunRunning, QueuedAt: started}
	step := &store.Step{
		ID: stepID, RunID: runID, Index: 0, Type: "ssh.exec", Status: store.StepRunning,
		StartedAt: &started, TimeoutSeconds: 600, LeaseWorker: "live-worker",
	}
	if err := backend.CreateRunWithSteps(ctx, run, []*store.Step{step}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if err := backend.Heartbeat(ctx, &store.WorkerRegistration{Hostname: "live-worker", LastHeartbeat: time.Now()}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	j := retry.NewJanitor(backend, discardLogger(), time.Second, 30*time.Second, 60*time.Second)
	if err := j.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := backend.GetStep(ctx, stepID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if got.Status != store.StepRunning {
		t.Errorf("status = %s, want still running", got.Status)
	}
}

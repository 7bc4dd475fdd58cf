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

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/opsconductor/core/internal/executor"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
	"github.com/opsconductor/core/internal/worker"
)

// threeStepTransformDefinition is spec §8 scenario S3's shape (three
// sequential steps in one run) built entirely from data.transform nodes so
// the run drives through real executors with no network dependency.
const threeStepTransformDefinition = `{
  "name": "three-step-transform",
  "version": 1,
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "a", "type": "data.transform", "data": {"query": "."}},
    {"id": "b", "type": "data.transform", "data": {"query": "."}},
    {"id": "c", "type": "data.transform", "data": {"query": "."}},
    {"id": "end", "type": "end"}
  ],
  "edges": [
    {"id": "e1", "source": "start", "target": "a"},
    {"id": "e2", "source": "a", "target": "b"},
    {"id": "e3", "source": "b", "target": "c"},
    {"id": "e4", "source": "c", "target": "end"}
  ]
}`

type noResolver struct{}

func (noResolver) Resolve(ctx context.Context, hostname string) (string, bool) { return "", false }

// TestWorker_Run_ProcessesSequentialStepsInOrder is the end-to-end
// regression for spec §8 scenario S3: a three-step run must run its steps
// to completion in index order. Before the LeaseNext ordering fix this
// livelocked whenever the highest-index step's random UUID happened to
// sort below its predecessors' — exercised here by seeding exactly that
// adversarial ID ordering directly (uuid.NewString() gives no such
// guarantee either way, so the fix must not depend on it).
func TestWorker_Run_ProcessesSequentialStepsInOrder(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	job := &store.Job{ID: "job-1", Name: "three-step-transform", CreatedBy: "tester"}
	if err := backend.CreateJob(ctx, job, []byte(threeStepTransformDefinition)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	run := &store.Run{ID: "run-1", JobID: job.ID, JobVersion: 1, Status: store.RunQueued, Priority: store.PriorityNormal, RequestedBy: "tester"}
	steps := []*store.Step{
		// Highest index owns the lexicographically smallest ID, the exact
		// adversarial case the review identified.
		{ID: "zzzz-0", RunID: run.ID, Index: 0, Type: "data.transform", Params: map[string]interface{}{"query": "."}, Status: store.StepQueued},
		{ID: "mmmm-1", RunID: run.ID, Index: 1, Type: "data.transform", Params: map[string]interface{}{"query": "."}, Status: store.StepQueued},
		{ID: "aaaa-2", RunID: run.ID, Index: 2, Type: "data.transform", Params: map[string]interface{}{"query": "."}, Status: store.StepQueued},
	}
	if err := backend.CreateRunWithSteps(ctx, run, steps); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	o := orchestrator.New(backend, noResolver{}, retry.NewStopSignals())
	registry := executor.NewRegistry(executor.Dependencies{})
	dispatcher := queue.New(backend)
	w := worker.New(
		worker.Config{Hostname: "worker-1", PollInterval: 10 * time.Millisecond, Prefetch: 1, HeartbeatPeriod: time.Hour, DrainTimeout: time.Second},
		backend, dispatcher, registry, o, nil, nil, retry.NewStopSignals(),
	)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := backend.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	finalRun, err := backend.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if finalRun.Status != store.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", finalRun.Status)
	}

	finalSteps, err := backend.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	for _, s := range finalSteps {
		if s.Status != store.StepSucceeded {
			t.Errorf("step index %d status = %s, want succeeded", s.Index, s.Status)
		}
	}
}

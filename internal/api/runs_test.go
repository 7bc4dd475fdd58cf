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

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/memory"
	"github.com/opsconductor/core/internal/targets"
)

// runnableDefinition includes a single start->command->end chain so
// Translate produces at least one executable step.
const runnableDefinition = `{
	"name": "restart-service",
	"version": 1,
	"nodes": [
		{"id": "start", "type": "start", "data": {}},
		{"id": "n1", "type": "action.command", "data": {"command": "systemctl restart web", "target": "web-01"}},
		{"id": "end", "type": "end", "data": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "n1"},
		{"id": "e2", "source": "n1", "target": "end"}
	]
}`

func newRunsMux(t *testing.T) (*http.ServeMux, store.Store, *orchestrator.Orchestrator) {
	t.Helper()
	be := memory.New()
	resolver := targets.NewClient("", http.DefaultClient, 0)
	orch := orchestrator.New(be, resolver, retry.NewStopSignals())

	mux := http.NewServeMux()
	(&JobsHandler{store: be}).RegisterRoutes(mux)
	(&RunsHandler{orchestrator: orch, store: be}).RegisterRoutes(mux)
	return mux, be, orch
}

func createTestJob(t *testing.T, mux *http.ServeMux) *store.Job {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(runnableDefinition))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("failed to create test job: %d: %s", rec.Code, rec.Body.String())
	}
	var job store.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &job
}

func TestRunsHandler_CreateRun(t *testing.T) {
	mux, _, _ := newRunsMux(t)
	job := createTestJob(t, mux)

	body, _ := json.Marshal(createRunRequest{JobID: job.ID})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RunID == "" || resp.CorrelationID == "" {
		t.Fatalf("expected run id and correlation id, got %+v", resp)
	}
	if resp.Status != string(store.RunQueued) {
		t.Fatalf("expected queued status, got %q", resp.Status)
	}
}

func TestRunsHandler_CreateRun_UnknownJob(t *testing.T) {
	mux, _, _ := newRunsMux(t)

	body, _ := json.Marshal(createRunRequest{JobID: "does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunsHandler_GetRun_ReturnsSteps(t *testing.T) {
	mux, _, _ := newRunsMux(t)
	job := createTestJob(t, mux)

	body, _ := json.Marshal(createRunRequest{JobID: job.ID})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)
	var created createRunResponse
	json.Unmarshal(createRec.Body.Bytes(), &created)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.RunID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
	var status orchestrator.Status
	if err := json.Unmarshal(getRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Run == nil || status.Run.ID != created.RunID {
		t.Fatalf("expected run %s in status, got %+v", created.RunID, status.Run)
	}
	if len(status.Steps) == 0 {
		t.Fatalf("expected at least one step")
	}
}

func TestRunsHandler_CancelRun(t *testing.T) {
	mux, _, _ := newRunsMux(t)
	job := createTestJob(t, mux)

	body, _ := json.Marshal(createRunRequest{JobID: job.ID})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)
	var created createRunResponse
	json.Unmarshal(createRec.Body.Bytes(), &created)

	cancelReq := httptest.NewRequest(http.MethodPost, "/v1/runs/"+created.RunID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	mux.ServeHTTP(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
	var run store.Run
	json.Unmarshal(cancelRec.Body.Bytes(), &run)
	if run.Status != store.RunCanceled {
		t.Fatalf("expected canceled status, got %q", run.Status)
	}

	cancelAgainRec := httptest.NewRecorder()
	mux.ServeHTTP(cancelAgainRec, httptest.NewRequest(http.MethodPost, "/v1/runs/"+created.RunID+"/cancel", nil))
	if cancelAgainRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 canceling an already-terminal run, got %d", cancelAgainRec.Code)
	}
}

func TestRunsHandler_ListRuns_FiltersByJob(t *testing.T) {
	mux, _, _ := newRunsMux(t)
	job := createTestJob(t, mux)

	body, _ := json.Marshal(createRunRequest{JobID: job.ID})
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body)))

	listReq := httptest.NewRequest(http.MethodGet, "/v1/runs?job_id="+job.ID, nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", listRec.Code, listRec.Body.String())
	}
	var runs []*store.Run
	if err := json.Unmarshal(listRec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run for job, got %d", len(runs))
	}
}

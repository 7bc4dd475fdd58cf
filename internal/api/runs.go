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
	"encoding/json"
	"net/http"

	"github.com/opsconductor/core/internal/authn"
	"github.com/opsconductor/core/internal/httputil"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/store"
)

// RunsHandler implements the Run/Cancel/Get/List rows of the run-control
// surface (spec §6). Live status streaming is handled separately by
// internal/fanout's websocket server.
type RunsHandler struct {
	orchestrator *orchestrator.Orchestrator
	store        store.Store
}

// RegisterRoutes registers run API routes on mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
}

type createRunRequest struct {
	JobID      string                 `json:"job_id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
}

type createRunResponse struct {
	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// handleCreate handles POST /v1/runs: materializes a new run of a job.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.JobID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	requestedBy := ""
	if id, ok := authn.IdentityFromContext(r.Context()); ok {
		requestedBy = id.Username
	}

	run, err := h.orchestrator.Run(r.Context(), orchestrator.RunRequest{
		JobID:       req.JobID,
		Parameters:  req.Parameters,
		Priority:    store.ParsePriority(req.Priority),
		RequestedBy: requestedBy,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, createRunResponse{
		RunID:         run.ID,
		CorrelationID: run.CorrelationID,
		Status:        string(run.Status),
	})
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleGet handles GET /v1/runs/{id}: the run plus its steps, the summary
// view the run-control surface exposes alongside the websocket stream.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.orchestrator.GetStatus(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		JobID: q.Get("job_id"),
	}
	if s := q.Get("status"); s != "" {
		filter.Status = store.RunStatus(s)
	}
	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

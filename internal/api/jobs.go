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
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/core/internal/authn"
	"github.com/opsconductor/core/internal/httputil"
	"github.com/opsconductor/core/internal/store"
	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/pkg/workflow"
)

// JobsHandler implements the Create/Update/Delete Job and Export/Import
// rows of the run-control surface (spec §6).
type JobsHandler struct {
	store store.Store
}

// RegisterRoutes registers job API routes on mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", h.handleCreate)
	mux.HandleFunc("GET /v1/jobs", h.handleList)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/jobs/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.handleDelete)
	mux.HandleFunc("GET /v1/jobs/export", h.handleExport)
	mux.HandleFunc("POST /v1/jobs/import", h.handleImport)
}

// createJobRequest is the workflow definition JSON, bit-exact per spec §6.
type createJobRequest struct {
	Name        string                       `json:"name"`
	Version     int                          `json:"version"`
	Description string                       `json:"description,omitempty"`
	Parameters  map[string]workflow.Parameter `json:"parameters,omitempty"`
	Nodes       json.RawMessage              `json:"nodes"`
	Edges       json.RawMessage              `json:"edges"`
	Metadata    map[string]interface{}       `json:"metadata,omitempty"`
}

// handleCreate handles POST /v1/jobs: validates the definition (by
// round-tripping it through workflow.ParseDefinition), assigns an id, and
// persists it as version 1.
func (h *JobsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJobBody(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := workflow.ParseDefinition(body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var wire createJobRequest
	_ = json.Unmarshal(body, &wire)
	if wire.Name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	if existing, _ := h.store.GetJobByName(r.Context(), wire.Name); existing != nil {
		httputil.WriteError(w, http.StatusConflict, "a job named "+wire.Name+" already exists")
		return
	}

	id, ok := authn.IdentityFromContext(r.Context())
	createdBy := ""
	if ok {
		createdBy = id.Username
	}

	job := &store.Job{
		ID:        uuid.NewString(),
		Name:      wire.Name,
		Version:   1,
		IsActive:  true,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateJob(r.Context(), job, body); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, job)
}

// handleUpdate handles PUT /v1/jobs/{id}: bumps the job to a new version.
// Runs already in flight reference their own immutable snapshot and are
// unaffected (spec §5).
func (h *JobsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := decodeJobBody(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := workflow.ParseDefinition(body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var wire createJobRequest
	_ = json.Unmarshal(body, &wire)
	if wire.Name != "" && wire.Name != job.Name {
		if existing, _ := h.store.GetJobByName(r.Context(), wire.Name); existing != nil && existing.ID != id {
			httputil.WriteError(w, http.StatusConflict, "a job named "+wire.Name+" already exists")
			return
		}
	}

	version, err := h.store.CreateJobVersion(r.Context(), id, body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job.Version = version
	httputil.WriteJSON(w, http.StatusOK, job)
}

// handleDelete handles DELETE /v1/jobs/{id}: a soft delete.
func (h *JobsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeactivateJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *JobsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{IncludeInactive: r.URL.Query().Get("include_inactive") == "true"}
	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jobs)
}

// exportedJob is one job's canonical export record: identity plus its
// currently active definition.
type exportedJob struct {
	Job        *store.Job      `json:"job"`
	Definition json.RawMessage `json:"definition"`
}

// handleExport handles GET /v1/jobs/export: a bulk export of every active
// job to the canonical workflow definition JSON (spec §6).
func (h *JobsHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context(), store.JobFilter{})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]exportedJob, 0, len(jobs))
	for _, job := range jobs {
		version, err := h.store.GetActiveJobVersion(r.Context(), job.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		out = append(out, exportedJob{Job: job, Definition: version.Definition})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleImport handles POST /v1/jobs/import: create-or-update semantics
// keyed by job name (spec §6).
func (h *JobsHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	var records []exportedJob
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid import format: "+err.Error())
		return
	}

	results := make([]*store.Job, 0, len(records))
	for _, rec := range records {
		if _, err := workflow.ParseDefinition(rec.Definition); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "job "+rec.Job.Name+": "+err.Error())
			return
		}

		existing, _ := h.store.GetJobByName(r.Context(), rec.Job.Name)
		if existing != nil {
			version, err := h.store.CreateJobVersion(r.Context(), existing.ID, rec.Definition)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			existing.Version = version
			results = append(results, existing)
			continue
		}

		job := &store.Job{
			ID:        uuid.NewString(),
			Name:      rec.Job.Name,
			Version:   1,
			IsActive:  true,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.CreateJob(r.Context(), job, rec.Definition); err != nil {
			writeStoreError(w, err)
			return
		}
		results = append(results, job)
	}
	httputil.WriteJSON(w, http.StatusOK, results)
}

// maxJobBodyBytes bounds a single job definition upload.
const maxJobBodyBytes = 1 << 20 // 1 MiB

func decodeJobBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxJobBodyBytes))
	if err != nil {
		return nil, &opserrors.ValidationError{Field: "body", Message: "failed to read request body: " + err.Error()}
	}
	if len(buf) == 0 {
		return nil, &opserrors.ValidationError{Field: "body", Message: "request body is empty"}
	}
	return buf, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, opserrors.HTTPStatus(err), err.Error())
}

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

package cliutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a thin HTTP client for the daemon's run-control surface
// (spec §6), the opsctl counterpart of internal/targets.Client and
// internal/credentials.HTTPVaultClient: every method is a single
// request/decode round trip, no retries or caching — a human waiting on a
// terminal re-runs the command instead.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client against a daemon's run-control API base URL.
func NewClient(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   bearerToken,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors internal/httputil.WriteError's {"error": "..."} body.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return NewServerError("request to "+c.baseURL+" failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewServerError("failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode >= 500 {
			return NewServerError(fmt.Sprintf("server returned %d: %s", resp.StatusCode, msg), nil)
		}
		return NewRequestError(fmt.Sprintf("%d: %s", resp.StatusCode, msg), nil)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Job is the wire shape of store.Job, duplicated here so opsctl has no
// compile-time dependency on the daemon's internal packages.
type Job struct {
	ID        string    `json:"ID"`
	Name      string    `json:"Name"`
	Version   int       `json:"Version"`
	IsActive  bool      `json:"IsActive"`
	CreatedBy string    `json:"CreatedBy"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// Run is the wire shape of store.Run.
type Run struct {
	ID            string                 `json:"ID"`
	JobID         string                 `json:"JobID"`
	JobVersion    int                    `json:"JobVersion"`
	Status        string                 `json:"Status"`
	Priority      int                    `json:"Priority"`
	RequestedBy   string                 `json:"RequestedBy"`
	Parameters    map[string]interface{} `json:"Parameters"`
	CorrelationID string                 `json:"CorrelationID"`
	WorkerHost    string                 `json:"WorkerHost"`
	ErrorMessage  string                 `json:"ErrorMessage"`
}

// Step is the wire shape of store.Step.
type Step struct {
	ID       string `json:"ID"`
	Index    int    `json:"Index"`
	Type     string `json:"Type"`
	TargetID string `json:"TargetID"`
	Status   string `json:"Status"`
	ExitCode int    `json:"ExitCode"`
	Stdout   string `json:"Stdout"`
	Stderr   string `json:"Stderr"`
}

// RunStatus is the run+steps aggregate GET /v1/runs/{id} returns.
type RunStatus struct {
	Run   *Run    `json:"Run"`
	Steps []*Step `json:"Steps"`
}

type createRunResponse struct {
	RunID         string `json:"run_id"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// CreateJob submits a new workflow definition; definition is the canonical
// JSON body (spec §6), not YAML — callers that accept YAML convert first.
func (c *Client) CreateJob(ctx context.Context, definition json.RawMessage) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", json.RawMessage(definition), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) UpdateJob(ctx context.Context, id string, definition json.RawMessage) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPut, "/v1/jobs/"+url.PathEscape(id), json.RawMessage(definition), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, includeInactive bool) ([]*Job, error) {
	path := "/v1/jobs"
	if includeInactive {
		path += "?include_inactive=true"
	}
	var jobs []*Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ExportJobs(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/export", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) ImportJobs(ctx context.Context, records json.RawMessage) ([]*Job, error) {
	var jobs []*Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/import", records, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CreateRunRequest parameterizes a new run.
type CreateRunRequest struct {
	JobID      string                 `json:"job_id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
}

// CreateRun submits a new run and returns its id, correlation id, and
// initial status.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (string, string, string, error) {
	var resp createRunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &resp); err != nil {
		return "", "", "", err
	}
	return resp.RunID, resp.CorrelationID, resp.Status, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*RunStatus, error) {
	var status RunStatus
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) CancelRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context, jobID, status string) ([]*Run, error) {
	q := url.Values{}
	if jobID != "" {
		q.Set("job_id", jobID)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/v1/runs"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var runs []*Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

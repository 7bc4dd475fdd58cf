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

// Package notification is the one HTTP client both call sites that push a
// message to the external notification service share (spec §6
// "Notification service contract (consumed)"): the per-step
// notify.{email,slack,teams,webhook,conditional} executors (C6, via
// executor.NotificationSender) and the orchestrator's run-completion
// notification (C3, via orchestrator.Notifier) — spec §9 treats these as
// two distinct code paths through the same renderer, not one codepath
// reused twice, so this package only owns delivery, not rendering.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opsconductor/core/internal/store"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

// Client posts to the notification service's `POST /notifications`
// endpoint with `{type, destination, payload}` and expects a delivery
// receipt in return (spec §6).
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New constructs a Client. httpClient should be a bounded-timeout client
// (pkg/httpclient); a zero value falls back to http.DefaultClient.
func New(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, httpClient: httpClient}
}

// Send implements executor.NotificationSender: it delivers one rendered
// per-step notification.
func (c *Client) Send(ctx context.Context, kind, destination string, payload map[string]interface{}) error {
	return c.post(ctx, kind, destination, payload)
}

// NotifyRunCompleted implements orchestrator.Notifier: it fires once per
// run, after the §4.3 aggregation rule reaches a terminal state, with a
// fixed "run_completed" kind and the run's id as destination metadata — the
// external notification service routes run-completion alerts by its own
// subscription config, not a per-node `recipients` field (that only
// exists on notify.* step nodes).
func (c *Client) NotifyRunCompleted(ctx context.Context, run *store.Run) error {
	payload := map[string]interface{}{
		"subject": fmt.Sprintf("job run %s %s", run.ID, run.Status),
		"content": fmt.Sprintf("run %s for job %s finished with status %s", run.ID, run.JobID, run.Status),
		"metadata": map[string]interface{}{
			"run_id":         run.ID,
			"job_id":         run.JobID,
			"status":         string(run.Status),
			"correlation_id": run.CorrelationID,
		},
	}
	return c.post(ctx, "run_completed", run.ID, payload)
}

func (c *Client) post(ctx context.Context, kind, destination string, payload map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"type":        kind,
		"destination": destination,
		"payload":     payload,
	})
	if err != nil {
		return opserrors.Wrap(err, "notification: marshal body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/notifications", bytes.NewReader(body))
	if err != nil {
		return opserrors.Wrap(err, "notification: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &opserrors.TransientError{Op: "notification.send", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &opserrors.TransientError{Op: "notification.send", Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &opserrors.ProtocolError{Protocol: "http", Detail: "notification service rejected delivery", StatusCode: resp.StatusCode}
	}
	return nil
}

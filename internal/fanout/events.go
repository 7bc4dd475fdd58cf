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

package fanout

import (
	"time"

	"github.com/opsconductor/core/internal/store"
)

// PublishRun implements orchestrator.EventPublisher. Per spec §4.8, every
// run state transition emits exactly one job_status_update to
// job_monitoring AND to that run's own subscribers, in that order; the
// sequential calls below preserve that ordering since both sends happen
// on the caller's goroutine.
func (h *Hub) PublishRun(run *store.Run) {
	frame := Frame{Type: "job_status_update", Data: runPayload(run), Timestamp: time.Now().UTC()}
	h.publish(TopicJobMonitoring, frame)
	h.publish(RunTopic(run.ID), frame)
}

// PublishStep implements orchestrator.EventPublisher (and the narrower
// worker.EventPublisher). Step transitions are scoped to the owning run's
// topic only — job_monitoring carries run-level rollups, not per-step
// chatter.
func (h *Hub) PublishStep(step *store.Step) {
	frame := Frame{Type: "step_status_update", Data: stepPayload(step), Timestamp: time.Now().UTC()}
	h.publish(RunTopic(step.RunID), frame)
}

func runPayload(run *store.Run) map[string]interface{} {
	payload := map[string]interface{}{
		"run_id":         run.ID,
		"job_id":         run.JobID,
		"status":         string(run.Status),
		"priority":       int(run.Priority),
		"correlation_id": run.CorrelationID,
		"worker_host":    run.WorkerHost,
		"retry_count":    run.RetryCount,
	}
	if run.StartedAt != nil {
		payload["started_at"] = run.StartedAt.Format(time.RFC3339)
	}
	if run.FinishedAt != nil {
		payload["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	if run.ErrorMessage != "" {
		payload["error_message"] = run.ErrorMessage
	}
	return payload
}

func stepPayload(step *store.Step) map[string]interface{} {
	payload := map[string]interface{}{
		"step_id":  step.ID,
		"run_id":   step.RunID,
		"index":    step.Index,
		"type":     step.Type,
		"status":   string(step.Status),
		"exit_code": step.ExitCode,
	}
	if step.StartedAt != nil {
		payload["started_at"] = step.StartedAt.Format(time.RFC3339)
	}
	if step.FinishedAt != nil {
		payload["finished_at"] = step.FinishedAt.Format(time.RFC3339)
	}
	return payload
}

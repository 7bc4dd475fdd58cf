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

package worker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opsconductor/core/internal/credentials"
	"github.com/opsconductor/core/internal/executor"
	"github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/targets"
	"github.com/opsconductor/core/internal/tracing"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

// processStep runs one leased step end to end: resolve target/credential,
// dispatch to its executor, write back the terminal (or retried) state,
// and re-evaluate the parent run's aggregate status (spec §4.3, §4.6).
func (w *Worker) processStep(ctx context.Context, step *store.Step) {
	logger := log.Component(w.logger, "worker").With(
		log.RunIDKey, step.RunID, log.StepIDKey, step.ID, log.StepTypeKey, step.Type,
	)

	var span trace.Span
	ctx, span = tracing.StartStepSpan(ctx, w.tracer, step.RunID, step.ID, step.Type)
	var stepErr error
	defer func() { tracing.EndWithError(span, stepErr) }()

	run, err := w.store.GetRun(ctx, step.RunID)
	if err != nil {
		stepErr = err
		logger.Error("failed to load parent run", "error", err)
		return
	}

	if _, err := w.orchestrator.MarkRunStarted(ctx, run.ID, w.cfg.Hostname); err != nil {
		logger.Error("failed to mark run started", "error", err)
	}

	req, _, err := w.buildRequest(ctx, run, step)
	if err != nil {
		stepErr = err
		w.finalizeFailure(ctx, step, err, logger)
		return
	}

	fn := w.registry.Lookup(step.Type)
	if fn == nil {
		stepErr = &opserrors.ValidationError{Field: "type", Message: "no executor registered for step type " + step.Type}
		w.finalizeFailure(ctx, step, stepErr, logger)
		return
	}

	result, execErr := w.runWithCooperativeStop(ctx, step, fn, req)
	stepErr = execErr
	w.finalize(ctx, step, result, execErr, logger)
}

// runWithCooperativeStop bounds the executor call by the step's own
// timeout and bridges internal/retry.StopSignals (advisory, polled) into
// a real context cancellation so executors that already honor ctx.Done
// (every C6 driver) stop at their next protocol-safe checkpoint without
// the worker needing direct knowledge of each protocol's internals (spec
// §5 "cooperative... checks a per-step cancel flag at safe checkpoints").
func (w *Worker) runWithCooperativeStop(ctx context.Context, step *store.Step, fn executor.Func, req executor.Request) (executor.Result, error) {
	timeout := stepTimeout(step)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if w.signals.Stopped(step.ID) {
					cancel()
					return
				}
			}
		}
	}()
	result, err := fn(execCtx, req)
	close(stop)
	return result, err
}

// buildRequest resolves the target (if any) and credential material (for
// protocols that need one) and assembles the executor.Request, plus the
// NotifyContext notify.* executors render subject/body against (spec
// §4.6).
func (w *Worker) buildRequest(ctx context.Context, run *store.Run, step *store.Step) (executor.Request, *targets.Target, error) {
	req := executor.Request{Step: step}

	var target *targets.Target
	if step.TargetID != "" && w.targets != nil {
		t, err := w.targets.Get(ctx, step.TargetID)
		if err != nil {
			return req, nil, err
		}
		target = &t
		req.Target = target
	}

	if requiresCredential(step.Type) && w.credentials != nil {
		serviceType := ""
		if target != nil {
			serviceType = target.ServiceType
		}
		hint := credentials.Hint{
			CredentialRef: stringParam(step.Params, "credential_ref", ""),
			ServiceType:   serviceType,
		}
		if hint.CredentialRef != "" {
			material, err := w.credentials.Resolve(ctx, run.ID, hint)
			if err != nil {
				return req, target, err
			}
			req.Credential = material
		}
	}

	if strings.HasPrefix(step.Type, "notify.") {
		req.NotifyContext = w.notifyContext(ctx, run, step, target)
	}

	return req, target, nil
}

// requiresCredential reports whether a step type authenticates to a
// Target via vault-resolved material, as opposed to http.*/webhook.call
// (which carry their own auth params) or database/data.transform/notify.*
// (which don't authenticate via the vault at all).
func requiresCredential(stepType string) bool {
	switch {
	case strings.HasPrefix(stepType, "ssh."), strings.HasPrefix(stepType, "sftp."):
		return true
	case strings.HasPrefix(stepType, "winrm."), stepType == "windows.command":
		return true
	default:
		return false
	}
}

// notifyContext assembles the template context notify.* executors render
// subject/body against: job (id, name, status, exec time, step counts),
// user (requested_by — the core has no user directory of its own; that
// lives in the external auth service, spec §6), target (if resolved),
// system.timestamp, and the run's parameters (spec §4.6).
//
// "status" reflects the run's aggregate status as it would be if every
// *other* step were already terminal, since a notify node is an ordinary
// graph step evaluated before the run itself reaches a terminal
// aggregation (spec §9 distinguishes this from the orchestrator's
// run-completion notification, which fires strictly after termination).
func (w *Worker) notifyContext(ctx context.Context, run *store.Run, step *store.Step, target *targets.Target) map[string]interface{} {
	job, err := w.store.GetJob(ctx, run.JobID)
	jobName := ""
	if err == nil && job != nil {
		jobName = job.Name
	}

	siblings, _ := w.store.ListSteps(ctx, run.ID)
	provisional := provisionalStatus(siblings, step.ID)

	succeeded, failed, total := 0, 0, len(siblings)
	for _, s := range siblings {
		switch s.Status {
		case store.StepSucceeded, store.StepSkipped:
			succeeded++
		case store.StepFailed:
			failed++
		}
	}

	jobCtx := map[string]interface{}{
		"id":                 run.JobID,
		"name":               jobName,
		"run_id":             run.ID,
		"status":             provisional,
		"steps_total":        total,
		"steps_succeeded":    succeeded,
		"steps_failed":       failed,
		"correlation_id":     run.CorrelationID,
	}
	if run.StartedAt != nil {
		jobCtx["started_at"] = run.StartedAt.Format(time.RFC3339)
	}

	userCtx := map[string]interface{}{
		"username": run.RequestedBy,
	}

	targetCtx := map[string]interface{}{}
	if target != nil {
		targetCtx["id"] = target.ID
		targetCtx["hostname"] = target.Hostname
	}

	out := map[string]interface{}{
		"job":    jobCtx,
		"user":   userCtx,
		"target": targetCtx,
		"system": map[string]interface{}{"timestamp": time.Now().UTC().Format(time.RFC3339)},
	}
	for k, v := range run.Parameters {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// provisionalStatus mirrors orchestrator's aggregation rule (spec §4.3)
// but excludes selfID (the notify step currently executing, which is by
// definition not yet terminal) so a terminal-row-triggered notify at the
// tail of a run sees the status its siblings actually settled on.
func provisionalStatus(steps []*store.Step, selfID string) string {
	anyFailed := false
	allTerminal := true
	for _, s := range steps {
		if s.ID == selfID {
			continue
		}
		if s.Status == store.StepFailed {
			anyFailed = true
		}
		if !s.Status.Terminal() {
			allTerminal = false
		}
	}
	switch {
	case anyFailed:
		return "failed"
	case allTerminal:
		return "succeeded"
	default:
		return "running"
	}
}

// finalize writes back a step's outcome: a retryable transient failure
// with budget remaining is scheduled for a backoff-delayed requeue
// instead of terminating (spec §4.9); everything else lands in a terminal
// status and triggers the orchestrator's aggregation re-evaluation (spec
// §4.3).
func (w *Worker) finalize(ctx context.Context, step *store.Step, result executor.Result, execErr error, logger *slog.Logger) {
	if w.signals.Stopped(step.ID) {
		w.signals.Clear(step.ID)
		w.markTerminal(ctx, step, store.StepAborted, 0, "", "step canceled", nil, logger)
		return
	}

	if execErr != nil {
		w.finalizeFailure(ctx, step, execErr, logger)
		return
	}

	status := store.StepSucceeded
	if result.Status == "failed" {
		status = store.StepFailed
	}
	w.markTerminal(ctx, step, status, result.ExitCode, result.Stdout, result.Stderr, result.Metrics, logger)
}

// finalizeFailure handles an error returned from request-building or
// execution: retryable-and-within-budget becomes a delayed requeue,
// everything else is a terminal failure.
func (w *Worker) finalizeFailure(ctx context.Context, step *store.Step, execErr error, logger *slog.Logger) {
	policy := retry.PolicyFor(step.Type, step.Params)
	if retry.IsRetryableFailure(execErr) && step.RetryCount < policy.MaxRetries {
		delay := retry.Backoff(policy.BaseDelay, step.RetryCount)
		logger.Warn("step failed transiently, scheduling retry", "error", execErr, "delay", delay, "attempt", step.RetryCount+1)
		w.scheduleRetry(step.ID, delay)
		return
	}
	w.markTerminal(ctx, step, store.StepFailed, -1, "", execErr.Error(), nil, logger)
}

// scheduleRetry reverts the step back to queued after delay, off the
// worker's bounded concurrency pool (it holds no semaphore slot while
// waiting) so a backlog of backed-off retries never starves new leases.
func (w *Worker) scheduleRetry(stepID string, delay time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		if err := w.store.RevertStep(context.Background(), stepID); err != nil {
			w.logger.Error("retry revert failed", "step_id", stepID, "error", err)
			return
		}
		if reverted, err := w.store.GetStep(context.Background(), stepID); err == nil {
			w.publishStepEvent(reverted)
		}
	}()
}

func (w *Worker) markTerminal(ctx context.Context, step *store.Step, status store.StepStatus, exitCode int, stdout, stderr string, metrics map[string]interface{}, logger *slog.Logger) {
	now := time.Now().UTC()
	step.Status = status
	step.ExitCode = exitCode
	step.Stdout = stdout
	step.Stderr = stderr
	step.Metrics = metrics
	step.FinishedAt = &now

	if err := w.store.UpdateStep(ctx, step); err != nil {
		logger.Error("failed to write step result", "error", err)
		return
	}
	if w.metrics != nil {
		d := time.Duration(0)
		if step.StartedAt != nil {
			d = now.Sub(*step.StartedAt)
		}
		w.metrics.ObserveStepDuration(step.Type, string(status), d)
	}

	w.publishStepEvent(step)

	if _, err := w.orchestrator.RecordStepTermination(ctx, step.RunID); err != nil {
		logger.Error("failed to record step termination", "error", err)
	}
	logger.Info("step terminal", "status", status)
}

func stepTimeout(step *store.Step) time.Duration {
	if step.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(step.TimeoutSeconds) * time.Second
}

func stringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

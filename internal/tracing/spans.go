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

package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. A run's CorrelationID (store.Run.CorrelationID) is
// carried as run_id's sibling rather than a separate context-propagated
// value: this subsystem's correlation id is already a durable column on
// the run row, not a request-scoped header, so there is no second
// correlation mechanism to keep in sync.
const (
	AttrJobID         = attribute.Key("opsconductor.job_id")
	AttrRunID         = attribute.Key("opsconductor.run_id")
	AttrStepID        = attribute.Key("opsconductor.step_id")
	AttrStepType      = attribute.Key("opsconductor.step_type")
	AttrCorrelationID = attribute.Key("opsconductor.correlation_id")
)

// StartRunSpan starts a span for one orchestrator operation over a run
// (translate+persist, cancel, aggregate) tagged with the run and job ids.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, name, jobID, runID, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		AttrJobID.String(jobID),
		AttrRunID.String(runID),
		AttrCorrelationID.String(correlationID),
	))
}

// StartStepSpan starts a span for one worker step execution.
func StartStepSpan(ctx context.Context, tracer trace.Tracer, runID, stepID, stepType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "step.execute", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrStepID.String(stepID),
		AttrStepType.String(stepType),
	))
}

// EndWithError records err on span (if non-nil) and sets the span status
// accordingly, then ends it. Safe to call with a nil err on the success
// path.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

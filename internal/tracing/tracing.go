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

// Package tracing wires up OpenTelemetry trace export for the
// subsystem's long-running processes (opsconductord's orchestrator,
// queue, scheduler, worker, and fanout loops), so a run's lifecycle —
// translate, persist, lease, execute, aggregate — can be followed as one
// trace across process boundaries via the run's correlation id.
//
// Grounded on the teacher's internal/tracing package: Config's
// Enabled/ServiceName/Sampling shape and sampling.go's rate-based
// sampler selection, trimmed to the exporters this module's go.mod
// actually carries (stdout and OTLP/HTTP — no Prometheus metrics
// exporter, since internal/metrics already owns the Prometheus surface
// directly).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporter and sampling behavior, mirroring
// config.TracingConfig.
type Config struct {
	Enabled        bool
	ServiceName    string
	Exporter       string // "stdout" or "otlp"
	OTLPEndpoint   string
	SampleFraction float64
}

// Provider wraps the configured TracerProvider and exposes a Shutdown
// for graceful drain.
type Provider struct {
	tp       *sdktrace.TracerProvider
	disabled bool
}

// NewProvider builds and installs the global TracerProvider per cfg. A
// disabled config returns a no-op provider backed by otel's default
// (trace.NewNoopTracerProvider equivalent): Start still works, spans
// just aren't recorded or exported.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{disabled: true}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName(cfg)),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleFraction)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func serviceName(cfg Config) string {
	if cfg.ServiceName == "" {
		return "opsconductor"
	}
	return cfg.ServiceName
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

// newSampler mirrors the teacher's rate-based selection: fraction >= 1
// (or unset, defaulting to 1) samples everything, 0 samples nothing,
// anything between is a ratio-based sampler wrapped in a parent-based
// decision so a sampled parent always propagates sampling to its
// children.
func newSampler(fraction float64) sdktrace.Sampler {
	switch {
	case fraction <= 0:
		return sdktrace.NeverSample()
	case fraction >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
	}
}

// Tracer returns a tracer for the given instrumentation scope, using the
// no-op global provider if tracing is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.disabled || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.disabled || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

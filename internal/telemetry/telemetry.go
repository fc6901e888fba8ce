// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the OpenTelemetry tracer provider and the
// Prometheus counters/gauges/histograms exposing task and git-operation
// health to an external collaborator. The OTLP/gRPC exporter setup follows
// cmd/aleutian/internal/diagnostics/tracer.go's NewOTelDiagnosticsTracer
// shape (gRPC dial, resource, batching span processor, global
// propagator); the metric instruments follow the promauto pattern in
// services/trace/config/tool_registry.go.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds every counter/gauge/histogram gitd exposes.
type Metrics struct {
	TasksTotal       *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	GitOperations    *prometheus.CounterVec
	ActiveWorkers    prometheus.Gauge
	QueuedTasks      prometheus.Gauge
	ActiveWorkspaces prometheus.Gauge
	WorkspaceBytes   prometheus.Gauge
	TaskDuration     *prometheus.HistogramVec
	CloneDuration    prometheus.Histogram
}

// NewMetrics registers the gitd instrument set against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across parallel test
// packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitd_tasks_total",
			Help: "Total tasks submitted, by operation.",
		}, []string{"operation"}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitd_tasks_failed_total",
			Help: "Total tasks that reached a failure terminal state, by operation and error kind.",
		}, []string{"operation", "kind"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitd_tasks_completed_total",
			Help: "Total tasks that reached COMPLETED, by operation.",
		}, []string{"operation"}),
		GitOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitd_git_operations_total",
			Help: "Total tool calls received over HTTP, by tool name.",
		}, []string{"operation"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gitd_active_workers",
			Help: "Number of workers currently executing a task.",
		}),
		QueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gitd_queued_tasks",
			Help: "Number of tasks currently sitting in the task queue.",
		}),
		ActiveWorkspaces: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gitd_active_workspaces",
			Help: "Number of workspaces currently tracked by the workspace manager.",
		}),
		WorkspaceBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gitd_workspace_bytes",
			Help: "Aggregate on-disk size of all tracked workspaces.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitd_task_duration_seconds",
			Help:    "Task execution duration from started_at to a terminal state, by operation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"operation"}),
		CloneDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitd_clone_duration_seconds",
			Help:    "Clone operation duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

// TracerConfig configures the OTLP/gRPC exporter.
type TracerConfig struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

// Tracer wraps an SDK tracer provider so callers can Shutdown it
// cleanly at process exit.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracer dials the configured OTLP collector and installs the
// resulting tracer provider as the global one. If Endpoint is empty, a
// tracer provider with no exporter is installed (spans are created and
// discarded) so instrumented code paths never need a nil check.
func NewTracer(ctx context.Context, cfg TracerConfig, logger *slog.Logger) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gitd"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if cfg.Endpoint != "" {
		var dialOpts []grpc.DialOption
		if cfg.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: dial collector: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("telemetry: build exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))
		logger.Info("telemetry: exporting traces", "endpoint", cfg.Endpoint)
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
		logger.Info("telemetry: no OTLP endpoint configured, tracing is local-only")
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// Start begins a span via the installed tracer.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

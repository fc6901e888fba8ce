// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package telemetry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TasksTotal.WithLabelValues("clone").Inc()
	m.TasksCompleted.WithLabelValues("clone").Inc()
	m.TasksFailed.WithLabelValues("clone", "NETWORK_ERROR").Inc()
	m.GitOperations.WithLabelValues("push").Inc()
	m.ActiveWorkers.Set(3)
	m.QueuedTasks.Set(1)
	m.ActiveWorkspaces.Set(2)
	m.WorkspaceBytes.Set(1024)
	m.TaskDuration.WithLabelValues("clone").Observe(0.5)
	m.CloneDuration.Observe(1.2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewTracerWithoutEndpointIsLocalOnly(t *testing.T) {
	tr, err := NewTracer(context.Background(), TracerConfig{ServiceName: "gitd-test"}, slog.Default())
	require.NoError(t, err)
	defer tr.Shutdown(context.Background())

	_, span := tr.Start(context.Background(), "test-span")
	span.End()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gitd starts the asynchronous Git-operations core: a workspace
// manager, a durable task manager/queue/worker pool, a credential
// manager, and a default git(1)-shelling adapter, fronted by a minimal
// gin.Engine exposing /healthz, /metrics, and a non-MCP /tools/:name
// dispatch endpoint purely so the core is independently exercisable
// without a real MCP transport in front of it. Grounded on
// cmd/trace/main.go's gin + otelgin + graceful-shutdown shape.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/gitd/internal/appcontext"
	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/gitadapter"
	"github.com/AleutianAI/gitd/internal/queue"
	"github.com/AleutianAI/gitd/internal/store"
	"github.com/AleutianAI/gitd/internal/store/badgerkv"
	"github.com/AleutianAI/gitd/internal/taskmanager"
	"github.com/AleutianAI/gitd/internal/taskmodel"
	"github.com/AleutianAI/gitd/internal/telemetry"
	"github.com/AleutianAI/gitd/internal/tools"
	"github.com/AleutianAI/gitd/internal/worker"
	"github.com/AleutianAI/gitd/internal/workspace"
	"github.com/AleutianAI/gitd/pkg/logging"
)

func main() {
	cfg, cfgErr := appcontext.Load()

	st, err := store.Open(store.Config{
		Badger:            badgerkv.Config{Path: cfg.StoreDBPath},
		MaxStorageRetries: cfg.MaxStorageRetries,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitd: store open failed: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// Exporter turns worker pool / task manager / credential manager log
	// calls that carry a task_id attribute into durable entries on that
	// task's operation log, readable back via store.Store.ListLogs (no
	// tool returns it).
	logger := logging.New(logging.Config{
		Level:    parseLogLevel(cfg.LogLevel),
		Service:  cfg.ServiceName,
		Exporter: logging.NewStoreExporter(st),
	})
	defer logger.Close()
	slogger := logger.Slog()

	if cfgErr != nil {
		slogger.Warn("config: some values fell back to defaults", "error", cfgErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.NewTracer(ctx, telemetry.TracerConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, slogger)
	if err != nil {
		slogger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	ws, err := workspace.New(workspace.Config{
		Root:             cfg.WorkspaceRoot,
		TotalQuotaBytes:  cfg.WorkspaceTotalQuotaBytes,
		RetentionSeconds: cfg.WorkspaceRetentionSeconds,
		CleanupInterval:  time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		Strategy:         cfg.WorkspaceCleanupStrategy,
		Store:            st,
	})
	if err != nil {
		slogger.Error("workspace manager init failed", "error", err)
		os.Exit(1)
	}
	defer ws.Close()

	creds := credential.NewManager(cfg.CredentialSources(), logger)

	askpassDir := cfg.WorkspaceRoot + "/.gitd-askpass"
	if err := os.MkdirAll(askpassDir, 0o700); err != nil {
		slogger.Error("askpass dir init failed", "error", err)
		os.Exit(1)
	}
	adapter := gitadapter.NewExecAdapter(askpassDir)

	tm, err := taskmanager.New(
		taskmanager.Config{
			TimeoutCheckInterval:   cfg.TimeoutCheckInterval,
			RetentionCheckInterval: cfg.RetentionCheckInterval,
			ResultRetention:        time.Duration(cfg.ResultRetentionSeconds) * time.Second,
			DefaultTaskTimeout:     time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
			RateLimitRequests:      cfg.RateLimitRequests,
			RateLimitWindow:        cfg.RateLimitWindow,
		},
		st,
		queue.New(queue.Config{Capacity: cfg.QueueCapacity}),
		ws,
		creds,
		adapter,
		worker.Config{
			WorkerCount:      cfg.WorkerCount,
			MaxConcurrent:    int64(cfg.MaxConcurrentTasks),
			MaxRetries:       cfg.MaxRetries,
			CancelGrace:      time.Duration(cfg.CancelGraceSeconds) * time.Second,
			ProgressInterval: 250 * time.Millisecond,
		},
		logger,
	)
	if err != nil {
		slogger.Error("task manager init failed", "error", err)
		os.Exit(1)
	}
	defer tm.Close()

	registry, err := tools.NewRegistry(nil)
	if err != nil {
		slogger.Error("tool registry load failed", "error", err)
		os.Exit(1)
	}
	dispatcher := tools.NewDispatcher(registry, tm, ws)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	router.POST("/tools/:name", toolHandler(dispatcher, metrics, slogger))
	router.GET("/tasks/:id/watch", newWatchHandler(func(taskID string) (*taskmodel.Task, error) {
		return tm.Status(context.Background(), taskID)
	}, slogger))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		slogger.Info("gitd starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("gitd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("graceful shutdown failed", "error", err)
	}
}

// toolHandler adapts tools.Dispatcher to one gin route: a thin HTTP
// POST /tools/:name endpoint with a JSON body, the non-MCP seam for
// exercising the core without a real MCP transport in front of it.
func toolHandler(d *tools.Dispatcher, metrics *telemetry.Metrics, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, tools.MaxParamsSize+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
			return
		}

		metrics.GitOperations.WithLabelValues(name).Inc()

		result, err := d.Dispatch(c.Request.Context(), name, body)
		if err != nil {
			logger.Warn("tool dispatch failed", "tool", name, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func parseLogLevel(s string) logging.Level {
	switch s {
	case "DEBUG":
		return logging.LevelDebug
	case "WARN":
		return logging.LevelWarn
	case "ERROR":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

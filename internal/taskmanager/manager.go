// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskmanager is the public facade over the queue, worker
// pool, and store: submit/run_sync/status/cancel/list, plus two
// background sweepers. Structured like cancel.Controller +
// cancel/types.go's state machine: a controller struct holding
// sub-components, two time.Ticker-driven goroutines started in the
// constructor and stopped via a shared shutdown channel.
package taskmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/gitadapter"
	"github.com/AleutianAI/gitd/internal/queue"
	"github.com/AleutianAI/gitd/internal/store"
	"github.com/AleutianAI/gitd/internal/taskmodel"
	"github.com/AleutianAI/gitd/internal/worker"
	"github.com/AleutianAI/gitd/internal/workspace"
	"github.com/AleutianAI/gitd/pkg/logging"
)

// SubmitOptions carries the optional fields a caller may set on submit.
type SubmitOptions struct {
	WorkspaceID string
	Timeout     time.Duration
}

// Config configures a Manager's background sweepers and rate limiter.
type Config struct {
	TimeoutCheckInterval   time.Duration
	RetentionCheckInterval time.Duration
	ResultRetention        time.Duration
	DefaultTaskTimeout     time.Duration
	RateLimitRequests      int
	RateLimitWindow        time.Duration
}

func (c *Config) applyDefaults() {
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = 5 * time.Second
	}
	if c.RetentionCheckInterval <= 0 {
		c.RetentionCheckInterval = 60 * time.Second
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = time.Hour
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 5 * time.Minute
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
}

// Manager is the public surface the tool handlers call into.
type Manager struct {
	cfg     Config
	st      *store.Store
	q       *queue.Queue
	ws      *workspace.Manager
	creds   *credential.Manager
	adapter gitadapter.Adapter
	pool    *worker.Pool
	limiter *rate.Limiter
	logger  *logging.Logger

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires a Manager over its dependencies, recovers crashed tasks
// from a prior process lifetime, starts the worker pool, and launches
// the timeout sweeper and retention GC goroutines.
func New(cfg Config, st *store.Store, q *queue.Queue, ws *workspace.Manager, creds *credential.Manager, adapter gitadapter.Adapter, poolCfg worker.Config, logger *logging.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}

	m := &Manager{
		cfg:     cfg,
		st:      st,
		q:       q,
		ws:      ws,
		creds:   creds,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRequests)/cfg.RateLimitWindow.Seconds()), cfg.RateLimitRequests),
		logger:  logger.With("component", "task_manager"),
		cancels: make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
	}

	if poolCfg.RemoteURLResolver == nil {
		poolCfg.RemoteURLResolver = remoteURLFromParams
	}
	m.pool = worker.New(poolCfg, q, st, ws, creds, adapter, m, logger)

	if err := m.recoverCrashedTasks(); err != nil {
		return nil, err
	}

	m.pool.Start()
	m.wg.Add(2)
	go m.runTimeoutSweeper()
	go m.runRetentionGC()

	return m, nil
}

func (m *Manager) recoverCrashedTasks() error {
	ctx := context.Background()
	requeue, err := m.st.RecoverCrashedTasks(ctx)
	if err != nil {
		return err
	}
	for _, id := range requeue {
		if err := m.q.Enqueue(ctx, queue.TaskRef{TaskID: id}); err != nil {
			m.logger.Error("failed to re-enqueue recovered task", "task_id", id, "error", err)
		}
	}
	if len(requeue) > 0 {
		m.logger.Info("recovered crashed tasks", "count", len(requeue))
	}
	return nil
}

// Submit creates a task record, enqueues it, and returns immediately
// with its id. Returns RATE_LIMITED without consuming a queue slot if
// the submit token bucket is exhausted.
func (m *Manager) Submit(ctx context.Context, op taskmodel.Operation, params []byte, opts SubmitOptions) (string, error) {
	if !m.limiter.Allow() {
		return "", taskmodel.NewError(taskmodel.ErrRateLimited, "submit rate limit exceeded")
	}

	id := uuid.NewString()
	now := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTaskTimeout
	}
	task := &taskmodel.Task{
		ID:          id,
		Operation:   op,
		Params:      params,
		WorkspaceID: opts.WorkspaceID,
		Status:      taskmodel.StatusQueued,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
	}
	if err := m.st.InsertTask(ctx, task); err != nil {
		return "", err
	}
	if err := m.q.Enqueue(ctx, queue.TaskRef{TaskID: id}); err != nil {
		failed := taskmodel.StatusFailed
		var tmErr *taskmodel.Error
		if e, ok := err.(*taskmodel.Error); ok {
			tmErr = e
		} else {
			tmErr = taskmodel.NewError(taskmodel.ErrQueueFull, err.Error())
		}
		_ = m.st.UpdateTask(ctx, id, taskmodel.TaskPatch{Status: &failed, Error: tmErr})
		return "", err
	}
	return id, nil
}

// RunSync executes operation synchronously (no queue slot, same
// auth/workspace contract as a queued task) and returns the adapter's
// result payload directly.
func (m *Manager) RunSync(ctx context.Context, op taskmodel.Operation, params []byte, opts SubmitOptions) ([]byte, error) {
	var workspaceDir string
	if opts.WorkspaceID != "" {
		dir, err := m.ws.Acquire(opts.WorkspaceID)
		if err != nil {
			return nil, err
		}
		workspaceDir = dir
		defer m.ws.Release(opts.WorkspaceID)
	}

	var cred *credential.Credential
	if op.IsRemote() && m.creds != nil {
		handle, err := m.creds.Resolve(op, remoteURLFromParams(params))
		if err != nil {
			return nil, err
		}
		defer m.creds.Release(handle)
		cred = handle.Credential()
	}

	res, err := m.adapter.Execute(ctx, gitadapter.Request{
		Operation:    op,
		WorkspaceDir: workspaceDir,
		Params:       params,
		Credential:   cred,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.Payload, nil
}

// Workspaces returns the workspace manager backing this task manager,
// for tool handlers that operate on workspaces directly rather than
// through the adapter (allocate-workspace has no git subcommand).
func (m *Manager) Workspaces() *workspace.Manager {
	return m.ws
}

// Status returns the current task record, or TASK_NOT_FOUND.
func (m *Manager) Status(ctx context.Context, taskID string) (*taskmodel.Task, error) {
	task, err := m.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel fires the task's cancel channel if it is not already in a
// terminal state. Idempotent: a second call, or a call against a
// terminal task, returns false.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := m.st.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}

	if task.Status == taskmodel.StatusQueued {
		cancelled := taskmodel.StatusCancelled
		completedAt := time.Now()
		if err := m.st.UpdateTask(ctx, taskID, taskmodel.TaskPatch{Status: &cancelled, CompletedAt: &completedAt}); err != nil {
			return false, err
		}
		return true, nil
	}

	m.cancelMu.Lock()
	ch, ok := m.cancels[taskID]
	if !ok {
		ch = make(chan struct{})
		m.cancels[taskID] = ch
	}
	m.cancelMu.Unlock()

	select {
	case <-ch:
		// already fired by an earlier call
		return false, nil
	default:
		close(ch)
	}
	return true, nil
}

// List returns tasks matching filter.
func (m *Manager) List(ctx context.Context, filter taskmodel.TaskFilter) ([]*taskmodel.Task, error) {
	return m.st.ListTasks(ctx, filter, 0)
}

// CancelChan implements worker.CancelRegistry: returns the channel a
// worker should select on to learn that Cancel was called for taskID.
func (m *Manager) CancelChan(taskID string) <-chan struct{} {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	ch, ok := m.cancels[taskID]
	if !ok {
		ch = make(chan struct{})
		m.cancels[taskID] = ch
	}
	return ch
}

// Forget implements worker.CancelRegistry: releases bookkeeping for a
// task once it reaches a terminal state.
func (m *Manager) Forget(taskID string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	delete(m.cancels, taskID)
}

// runTimeoutSweeper marks RUNNING tasks past their deadline TIMED_OUT
// by firing their cancel channel; the worker pool does the rest
// (worker-pool step 8).
func (m *Manager) runTimeoutSweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepTimeouts()
		}
	}
}

func (m *Manager) sweepTimeouts() {
	ctx := context.Background()
	running, err := m.st.ListTasks(ctx, taskmodel.TaskFilter{Status: taskmodel.StatusRunning}, 0)
	if err != nil {
		m.logger.Error("timeout sweep failed to list running tasks", "error", err)
		return
	}
	now := time.Now()
	for _, t := range running {
		if t.Deadline.IsZero() || now.Before(t.Deadline) {
			continue
		}
		if _, err := m.Cancel(ctx, t.ID); err != nil {
			m.logger.Error("timeout sweep failed to cancel task", "task_id", t.ID, "error", err)
		}
	}
}

// runRetentionGC deletes terminal tasks whose completed_at predates
// result_retention_seconds.
func (m *Manager) runRetentionGC() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RetentionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.ResultRetention)
			if n, err := m.st.DeleteTasksOlderThan(context.Background(), cutoff); err != nil {
				m.logger.Error("retention GC failed", "error", err)
			} else if n > 0 {
				m.logger.Debug("retention GC removed terminal tasks", "count", n)
			}
		}
	}
}

// Close stops the sweepers and the worker pool.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.pool.Stop()
}

func remoteURLFromParams(params []byte) string {
	var p struct {
		RemoteURL string `json:"remote_url"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	if p.RemoteURL != "" {
		return p.RemoteURL
	}
	return p.URL
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker runs the cooperative-loop worker pool that dequeues
// task references and drives them to completion through the git
// adapter. Each worker's loop is shaped like
// services/trace/cancel/controller.go's supervisor goroutines: derive a
// per-task context, select between adapter completion and
// cancel/timeout signals, recover from panics at the loop boundary so a
// single task failure never takes a worker down. The fan-out/restart
// shape (N goroutines, a WaitGroup, a shutdown channel) follows
// cli/internal/worker/pool.go.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/gitadapter"
	"github.com/AleutianAI/gitd/internal/queue"
	"github.com/AleutianAI/gitd/internal/store"
	"github.com/AleutianAI/gitd/internal/taskmodel"
	"github.com/AleutianAI/gitd/internal/workspace"
	"github.com/AleutianAI/gitd/pkg/logging"
)

// CancelRegistry looks up and clears the per-task cancel signal a
// worker listens on. The task manager owns the registry and fires
// cancel(); the pool only consumes it.
type CancelRegistry interface {
	CancelChan(taskID string) <-chan struct{}
	Forget(taskID string)
}

// Config configures a Pool.
type Config struct {
	WorkerCount       int
	MaxConcurrent     int64
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	CancelGrace       time.Duration
	ProgressInterval  time.Duration
	RemoteURLResolver func(params []byte) string
}

// Pool runs Config.WorkerCount goroutines pulling from a queue.Queue,
// executing tasks via a gitadapter.Adapter, and writing outcomes to a
// store.Store.
type Pool struct {
	cfg     Config
	q       *queue.Queue
	st      *store.Store
	ws      *workspace.Manager
	creds   *credential.Manager
	adapter gitadapter.Adapter
	cancels CancelRegistry
	logger  *logging.Logger

	sem *semaphore.Weighted

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Pool. cancels may be nil (cancellation becomes a no-op),
// creds may be nil (no credential is resolved), and a nil logger falls
// back to logging.Default(); the remaining dependencies are required.
func New(cfg Config, q *queue.Queue, st *store.Store, ws *workspace.Manager, creds *credential.Manager, adapter gitadapter.Adapter, cancels CancelRegistry, logger *logging.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pool{
		cfg:     cfg,
		q:       q,
		st:      st,
		ws:      ws,
		creds:   creds,
		adapter: adapter,
		cancels: cancels,
		logger:  logger.With("component", "worker_pool"),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutines. A supervisor restarts any
// worker that exits unexpectedly (e.g. from a failure to recover from a
// panic at a layer below the loop's own recover) until Stop is called.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.superviseWorker(i)
	}
}

// Stop signals every worker to exit once its current task completes
// and blocks until they have all returned.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) superviseWorker(id int) {
	defer p.wg.Done()
	for {
		exited := p.runWorker(id)
		if exited {
			return
		}
		p.logger.Warn("worker exited unexpectedly, restarting", "worker_id", id)
	}
}

// runWorker is the worker's cooperative loop. It returns true when the
// pool is shutting down and this worker should not be restarted.
func (p *Pool) runWorker(id int) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker loop panicked, supervisor will restart it",
				"worker_id", id, "panic", r, "stack", string(debug.Stack()))
			stopped = false
		}
	}()

	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return true
		default:
		}

		dCtx, cancel := context.WithCancel(ctx)
		ref, ok := p.dequeueOrStop(dCtx)
		cancel()
		if !ok {
			return true
		}

		p.processOne(ctx, ref)
	}
}

func (p *Pool) dequeueOrStop(ctx context.Context) (queue.TaskRef, bool) {
	type result struct {
		ref queue.TaskRef
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		ref, ok := p.q.Dequeue(ctx)
		done <- result{ref, ok}
	}()
	select {
	case <-p.stopCh:
		return queue.TaskRef{}, false
	case r := <-done:
		return r.ref, r.ok
	}
}

// processOne runs the worker-pool step sequence for one task: status
// transition, permit acquisition, credential/workspace resolution,
// adapter invocation, and outcome recording.
func (p *Pool) processOne(ctx context.Context, ref queue.TaskRef) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task execution panicked", "task_id", ref.TaskID, "panic", r, "stack", string(debug.Stack()))
			p.failTask(ctx, ref.TaskID, taskmodel.NewError(taskmodel.ErrInternal, "worker panic during task execution"))
		}
	}()

	task, err := p.st.GetTask(ctx, ref.TaskID)
	if err != nil {
		p.logger.Warn("task vanished before execution", "task_id", ref.TaskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}

	running := taskmodel.StatusRunning
	now := time.Now()
	patch := taskmodel.TaskPatch{Status: &running, StartedAt: &now}
	if task.Attempt < 1 {
		task.Attempt = 1
		patch.Attempt = &task.Attempt
	}
	if err := p.st.UpdateTask(ctx, task.ID, patch); err != nil {
		p.logger.Error("failed to transition task to RUNNING", "task_id", task.ID, "error", err)
		return
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.failTask(ctx, task.ID, taskmodel.NewError(taskmodel.ErrTaskCancelled, "cancelled while waiting for concurrency permit"))
		return
	}
	defer p.sem.Release(1)

	p.execute(ctx, task)
}

func (p *Pool) execute(ctx context.Context, task *taskmodel.Task) {
	var cancelCh <-chan struct{}
	if p.cancels != nil {
		cancelCh = p.cancels.CancelChan(task.ID)
		defer p.cancels.Forget(task.ID)
	}

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()
	if !task.Deadline.IsZero() {
		var deadlineCancel context.CancelFunc
		taskCtx, deadlineCancel = context.WithDeadline(taskCtx, task.Deadline)
		defer deadlineCancel()
	}

	done := make(chan struct{})
	if cancelCh != nil {
		go func() {
			select {
			case <-cancelCh:
				cancelTask()
			case <-done:
			}
		}()
	}

	workspaceDir, releaseWS := p.resolveWorkspace(task)
	defer releaseWS()

	credHandle, releaseCred, credErr := p.resolveCredential(task)
	if credErr != nil {
		close(done)
		p.failTask(ctx, task.ID, credErr)
		return
	}
	defer releaseCred()

	var cred *credential.Credential
	if credHandle != nil {
		cred = credHandle.Credential()
	}

	lastProgress := time.Now().Add(-p.cfg.ProgressInterval)
	var progressMu sync.Mutex
	sink := func(pct int) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if time.Since(lastProgress) < p.cfg.ProgressInterval {
			return
		}
		lastProgress = time.Now()
		_ = p.st.UpdateTask(ctx, task.ID, taskmodel.TaskPatch{Progress: &pct})
	}

	resultCh := make(chan adapterOutcome, 1)
	go func() {
		res, err := p.adapter.Execute(taskCtx, gitadapter.Request{
			Operation:    task.Operation,
			WorkspaceDir: workspaceDir,
			Params:       task.Params,
			Credential:   cred,
			Progress:     sink,
		})
		resultCh <- adapterOutcome{result: res, err: err}
	}()

	select {
	case outcome := <-resultCh:
		close(done)
		p.finish(ctx, task, outcome)
	case <-taskCtx.Done():
		p.handleCancelOrTimeout(ctx, task, taskCtx, resultCh, done)
	}
}

type adapterOutcome struct {
	result *gitadapter.Result
	err    error
}

func (p *Pool) handleCancelOrTimeout(ctx context.Context, task *taskmodel.Task, taskCtx context.Context, resultCh chan adapterOutcome, done chan struct{}) {
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)

	select {
	case outcome := <-resultCh:
		close(done)
		if timedOut {
			p.markTimedOut(ctx, task)
			return
		}
		p.finish(ctx, task, outcome)
	case <-time.After(p.cfg.CancelGrace):
		close(done)
		p.logger.Warn("adapter did not return within cancel grace, quarantining workspace",
			"task_id", task.ID, "timed_out", timedOut)
		if task.WorkspaceID != "" {
			p.ws.MarkDirty(task.WorkspaceID)
		}
		if timedOut {
			p.markTimedOut(ctx, task)
		} else {
			p.markCancelled(ctx, task)
		}
	}
}

func (p *Pool) finish(ctx context.Context, task *taskmodel.Task, outcome adapterOutcome) {
	if outcome.err == nil {
		completed := taskmodel.StatusCompleted
		completedAt := time.Now()
		full := 100
		var payload []byte
		if outcome.result != nil {
			payload = outcome.result.Payload
		}
		if err := p.st.UpdateTask(ctx, task.ID, taskmodel.TaskPatch{
			Status: &completed, CompletedAt: &completedAt, Progress: &full, Result: payload,
		}); err != nil {
			p.logger.Error("failed to record task completion", "task_id", task.ID, "error", err)
		}
		return
	}

	var tmErr *taskmodel.Error
	if !errors.As(outcome.err, &tmErr) {
		tmErr = taskmodel.NewError(taskmodel.ErrInternal, outcome.err.Error())
	}

	if tmErr.Kind == taskmodel.ErrTaskCancelled {
		p.markCancelled(ctx, task)
		return
	}

	if tmErr.Kind.Retryable() && task.Attempt < p.cfg.MaxRetries {
		p.retry(ctx, task, tmErr)
		return
	}

	if task.WorkspaceID != "" {
		p.ws.MarkDirty(task.WorkspaceID)
	}
	p.failTask(ctx, task.ID, tmErr)
}

// retry increments attempt, backs off, and re-enqueues the task to the
// tail of the queue (worker-pool step 7).
func (p *Pool) retry(ctx context.Context, task *taskmodel.Task, cause *taskmodel.Error) {
	attempt := task.Attempt + 1
	queued := taskmodel.StatusQueued
	if err := p.st.UpdateTask(ctx, task.ID, taskmodel.TaskPatch{Status: &queued, Attempt: &attempt}); err != nil {
		p.logger.Error("failed to record retry", "task_id", task.ID, "error", err)
		return
	}

	backoff := backoffFor(p.cfg.BaseBackoff, p.cfg.MaxBackoff, attempt)
	p.logger.Info("retrying task", "task_id", task.ID, "attempt", attempt, "backoff", backoff, "cause", cause.Kind)

	go func() {
		time.Sleep(backoff)
		if err := p.q.Enqueue(context.Background(), queue.TaskRef{TaskID: task.ID}); err != nil {
			p.logger.Error("failed to re-enqueue retried task", "task_id", task.ID, "error", err)
		}
	}()
}

// backoffFor computes base*2^(attempt-1) with +-25% jitter, capped at max.
func backoffFor(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	jitterRange := float64(d) * 0.25
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d = time.Duration(float64(d) + jitter)
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p *Pool) failTask(ctx context.Context, taskID string, cause *taskmodel.Error) {
	failed := taskmodel.StatusFailed
	completedAt := time.Now()
	if err := p.st.UpdateTask(ctx, taskID, taskmodel.TaskPatch{
		Status: &failed, Error: cause, CompletedAt: &completedAt,
	}); err != nil {
		p.logger.Error("failed to record task failure", "task_id", taskID, "error", err)
	}
}

func (p *Pool) markCancelled(ctx context.Context, task *taskmodel.Task) {
	cancelled := taskmodel.StatusCancelled
	completedAt := time.Now()
	if err := p.st.UpdateTask(ctx, task.ID, taskmodel.TaskPatch{
		Status: &cancelled, CompletedAt: &completedAt,
	}); err != nil {
		p.logger.Error("failed to record task cancellation", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) markTimedOut(ctx context.Context, task *taskmodel.Task) {
	timedOut := taskmodel.StatusTimedOut
	completedAt := time.Now()
	cause := taskmodel.NewError(taskmodel.ErrTaskTimeout, "task deadline exceeded")
	if err := p.st.UpdateTask(ctx, task.ID, taskmodel.TaskPatch{
		Status: &timedOut, CompletedAt: &completedAt, Error: cause,
	}); err != nil {
		p.logger.Error("failed to record task timeout", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) resolveWorkspace(task *taskmodel.Task) (dir string, release func()) {
	if task.WorkspaceID == "" {
		return "", func() {}
	}
	dir, err := p.ws.Acquire(task.WorkspaceID)
	if err != nil {
		p.logger.Warn("failed to acquire workspace", "task_id", task.ID, "workspace_id", task.WorkspaceID, "error", err)
		return "", func() {}
	}
	return dir, func() { p.ws.Release(task.WorkspaceID) }
}

func (p *Pool) resolveCredential(task *taskmodel.Task) (*credential.Handle, func(), error) {
	if !task.Operation.IsRemote() || p.creds == nil {
		return nil, func() {}, nil
	}
	remoteURL := ""
	if p.cfg.RemoteURLResolver != nil {
		remoteURL = p.cfg.RemoteURLResolver(task.Params)
	}
	handle, err := p.creds.Resolve(task.Operation, remoteURL)
	if err != nil {
		return nil, func() {}, err
	}
	return handle, func() { p.creds.Release(handle) }, nil
}

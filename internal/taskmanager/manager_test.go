// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// (at your option) any later version.

package taskmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitd/internal/gitadapter"
	"github.com/AleutianAI/gitd/internal/queue"
	"github.com/AleutianAI/gitd/internal/store"
	"github.com/AleutianAI/gitd/internal/store/badgerkv"
	"github.com/AleutianAI/gitd/internal/taskmodel"
	"github.com/AleutianAI/gitd/internal/worker"
	"github.com/AleutianAI/gitd/internal/workspace"
)

type fakeAdapter struct {
	execute func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error)
}

func (f *fakeAdapter) Execute(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
	return f.execute(ctx, req)
}

func newTestManager(t *testing.T, adapter gitadapter.Adapter, cfg Config) *Manager {
	t.Helper()
	st, err := store.Open(store.Config{Badger: badgerkv.InMemoryConfig(), MaxStorageRetries: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(queue.Config{Capacity: 10})
	ws, err := workspace.New(workspace.Config{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	tm, err := New(cfg, st, q, ws, nil, adapter, worker.Config{WorkerCount: 1, MaxConcurrent: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(tm.Close)
	return tm
}

func waitForStatus(t *testing.T, tm *Manager, taskID string, timeout time.Duration) *taskmodel.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := tm.Status(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached terminal state", taskID)
	return nil
}

func TestSubmitAndStatusRoundTrip(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{Payload: json.RawMessage(`{"ok":true}`)}, nil
	}}
	tm := newTestManager(t, adapter, Config{})

	id, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)

	got := waitForStatus(t, tm, id, time.Second)
	assert.Equal(t, taskmodel.StatusCompleted, got.Status)

	// status must remain stable on further polls
	again, err := tm.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.StatusCompleted, again.Status)
}

func TestStatusNotFound(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{})

	_, err := tm.Status(context.Background(), "nonexistent")
	require.Error(t, err)
	var tmErr *taskmodel.Error
	require.ErrorAs(t, err, &tmErr)
	assert.Equal(t, taskmodel.ErrTaskNotFound, tmErr.Kind)
}

func TestCancelQueuedTaskIsImmediate(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		<-block
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{})
	defer close(block)

	// occupy the single worker so the next submit stays QUEUED
	_, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	id2, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)

	ok, err := tm.Cancel(context.Background(), id2)
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := tm.Status(context.Background(), id2)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.StatusCancelled, task.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{})

	id, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)
	_ = waitForStatus(t, tm, id, time.Second)

	ok, err := tm.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListFiltersByStatus(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{})

	id, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)
	_ = waitForStatus(t, tm, id, time.Second)

	completed, err := tm.List(context.Background(), taskmodel.TaskFilter{Status: taskmodel.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, id, completed[0].ID)
}

func TestRunSyncReturnsPayloadWithoutQueueing(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{Payload: json.RawMessage(`{"branch":"main"}`)}, nil
	}}
	tm := newTestManager(t, adapter, Config{})

	payload, err := tm.RunSync(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"branch":"main"}`, string(payload))
}

func TestSubmitRateLimited(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{RateLimitRequests: 1, RateLimitWindow: time.Minute})

	_, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)

	_, err = tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.Error(t, err)
	var tmErr *taskmodel.Error
	require.ErrorAs(t, err, &tmErr)
	assert.Equal(t, taskmodel.ErrRateLimited, tmErr.Kind)
}

func TestRetentionGCRemovesOldTerminalTasks(t *testing.T) {
	adapter := &fakeAdapter{execute: func(ctx context.Context, req gitadapter.Request) (*gitadapter.Result, error) {
		return &gitadapter.Result{}, nil
	}}
	tm := newTestManager(t, adapter, Config{ResultRetention: time.Millisecond, RetentionCheckInterval: 10 * time.Millisecond})

	id, err := tm.Submit(context.Background(), taskmodel.OpStatus, nil, SubmitOptions{})
	require.NoError(t, err)
	_ = waitForStatus(t, tm, id, time.Second)

	require.Eventually(t, func() bool {
		_, err := tm.Status(context.Background(), id)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

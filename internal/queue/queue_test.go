// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(Config{Capacity: 10})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "a"}))
	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "b"}))

	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", first.TaskID)

	second, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", second.TaskID)
}

func TestEnqueueFailsFastWhenFull(t *testing.T) {
	q := New(Config{Capacity: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "a"}))
	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "b"}))

	err := q.Enqueue(ctx, TaskRef{TaskID: "c"})
	require.Error(t, err)
	var tmErr *taskmodel.Error
	require.ErrorAs(t, err, &tmErr)
	assert.Equal(t, taskmodel.ErrQueueFull, tmErr.Kind)
}

func TestEnqueueBlocksUntilSpace(t *testing.T) {
	q := New(Config{Capacity: 1, Blocking: true})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "a"}))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, TaskRef{TaskID: "b"})
	}()

	select {
	case <-done:
		t.Fatal("enqueue should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Dequeue(ctx)
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never unblocked")
	}
}

func TestDequeueBlocksUntilCancelled(t *testing.T) {
	q := New(Config{Capacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestCloseDrainsThenStops(t *testing.T) {
	q := New(Config{Capacity: 10})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "a"}))
	q.Close()

	ref, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", ref.TaskID)

	_, ok = q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestCloseRejectsFurtherEnqueue(t *testing.T) {
	q := New(Config{Capacity: 10})
	q.Close()
	err := q.Enqueue(context.Background(), TaskRef{TaskID: "a"})
	require.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	q := New(Config{Capacity: 10})
	q.Close()
	assert.NotPanics(t, func() { q.Close() })
}

func TestLenReflectsQueuedCount(t *testing.T) {
	q := New(Config{Capacity: 10})
	ctx := context.Background()
	assert.Equal(t, 0, q.Len())
	require.NoError(t, q.Enqueue(ctx, TaskRef{TaskID: "a"}))
	assert.Equal(t, 1, q.Len())
	_, _ = q.Dequeue(ctx)
	assert.Equal(t, 0, q.Len())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the bounded FIFO task queue workers dequeue
// from. It is a buffered channel whose length is read directly, with a
// mutex guarding only the closed flag, shaped like services/trace/cancel/monitor.go's signal/wake-one-waiter
// primitives: a single shared channel, no per-waiter bookkeeping, and a
// close() that drains cleanly the way cancel/controller.go's supervisor
// loop shuts down background workers.
package queue

import (
	"context"
	"strconv"
	"sync"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// TaskRef is the minimal payload a queue entry carries: enough for a
// worker to look up and run the full task record without the queue
// itself knowing about storage.
type TaskRef struct {
	TaskID string
}

// Queue is a bounded FIFO of TaskRef. Enqueue either blocks or
// fails fast with QUEUE_FULL depending on configuration; dequeue blocks
// until an item is available or the queue is closed and drained.
type Queue struct {
	ch        chan TaskRef
	capacity  int
	blocking  bool
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Config controls queue capacity and the enqueue-at-capacity policy.
type Config struct {
	Capacity int
	// Blocking, when true, makes enqueue block until space is available
	// instead of failing fast with QUEUE_FULL. Default (false) is
	// fail-fast, matching spec's default.
	Blocking bool
}

// New creates a Queue with the given capacity. Capacity <= 0 defaults
// to 100.
func New(cfg Config) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		ch:       make(chan TaskRef, capacity),
		capacity: capacity,
		blocking: cfg.Blocking,
	}
}

// Enqueue adds ref to the tail of the queue. With the default
// fail-fast policy it returns ErrQueueFull immediately when the queue
// is at capacity; in blocking mode it waits for space or for ctx to be
// cancelled.
func (q *Queue) Enqueue(ctx context.Context, ref TaskRef) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return taskmodel.NewError(taskmodel.ErrInternal, "enqueue on closed queue")
	}
	q.mu.Unlock()

	if !q.blocking {
		select {
		case q.ch <- ref:
			return nil
		default:
			return taskmodel.NewError(taskmodel.ErrQueueFull, "queue at capacity",
				"capacity", strconv.Itoa(q.capacity))
		}
	}

	select {
	case q.ch <- ref:
		return nil
	case <-ctx.Done():
		return taskmodel.NewError(taskmodel.ErrTaskCancelled, "enqueue cancelled")
	}
}

// Dequeue blocks until an item is available, the queue is closed and
// drained (returns ok=false), or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (ref TaskRef, ok bool) {
	select {
	case ref, ok = <-q.ch:
		return ref, ok
	case <-ctx.Done():
		return TaskRef{}, false
	}
}

// Len reports the current number of queued items. Racy by nature (a
// concurrent enqueue/dequeue may change it immediately after the read)
// but sufficient for metrics and the QUEUE_FULL fast-fail check, which
// relies on the channel's own capacity rather than this snapshot.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Capacity returns the configured maximum queue length.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Close refuses further enqueues and closes the underlying channel so
// that workers ranging over Dequeue exit once the queue drains. Safe to
// call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.ch)
	})
}

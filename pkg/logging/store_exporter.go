// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// LogAppender is the durable sink a StoreExporter writes into.
// store.Store satisfies this.
type LogAppender interface {
	AppendLog(ctx context.Context, entry taskmodel.LogEntry) error
}

// StoreExporter turns Logger entries carrying a task_id attribute into
// durable per-task operation log records. Worker pool, task manager,
// and credential manager log calls that pass "task_id" as a key/value
// argument land in the task's log; everything else (process startup,
// HTTP routing) has no task to attach to and is skipped rather than
// forced into the log under an empty id.
type StoreExporter struct {
	store LogAppender
}

// NewStoreExporter returns a StoreExporter appending into store.
func NewStoreExporter(store LogAppender) *StoreExporter {
	return &StoreExporter{store: store}
}

// Export appends entry to the task's operation log if it carries a
// task_id attribute, and is a no-op otherwise.
func (e *StoreExporter) Export(ctx context.Context, entry LogEntry) error {
	taskID, ok := entry.Attrs["task_id"].(string)
	if !ok || taskID == "" {
		return nil
	}
	return e.store.AppendLog(ctx, taskmodel.LogEntry{
		TaskID:    taskID,
		Level:     toStoreLevel(entry.Level),
		Message:   entry.Message,
		Timestamp: entry.Timestamp,
	})
}

// Flush is a no-op; AppendLog writes are already durable by the time
// Export returns.
func (e *StoreExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op; StoreExporter doesn't own the store's lifecycle.
func (e *StoreExporter) Close() error { return nil }

func toStoreLevel(l Level) taskmodel.LogLevel {
	switch l {
	case LevelDebug:
		return taskmodel.LogDebug
	case LevelWarn:
		return taskmodel.LogWarn
	case LevelError:
		return taskmodel.LogError
	default:
		return taskmodel.LogInfo
	}
}

var _ LogExporter = (*StoreExporter)(nil)

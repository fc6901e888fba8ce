// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskmodel defines the wire-stable data types shared by the
// store, queue, worker pool, task manager, and tool handlers: Task,
// Workspace, operation log entries, and the error taxonomy. Nothing in this package depends on any other internal
// package, so it is safe to import from anywhere in the core.
package taskmodel

import (
	"encoding/json"
	"time"
)

// Operation is one of the closed set of symbolic operation names a Task
// may carry.
type Operation string

const (
	OpClone            Operation = "clone"
	OpPush             Operation = "push"
	OpPull             Operation = "pull"
	OpFetch            Operation = "fetch"
	OpCommit           Operation = "commit"
	OpAdd              Operation = "add"
	OpStatus           Operation = "status"
	OpCheckout         Operation = "checkout"
	OpBranchCreate     Operation = "branch-create"
	OpBranchDelete     Operation = "branch-delete"
	OpMerge            Operation = "merge"
	OpRebase           Operation = "rebase"
	OpLog              Operation = "log"
	OpDiff             Operation = "diff"
	OpBlame            Operation = "blame"
	OpStashPush        Operation = "stash-push"
	OpStashPop         Operation = "stash-pop"
	OpStashList        Operation = "stash-list"
	OpTagCreate        Operation = "tag-create"
	OpTagDelete        Operation = "tag-delete"
	OpTagList          Operation = "tag-list"
	OpRemoteAdd        Operation = "remote-add"
	OpRemoteRemove     Operation = "remote-remove"
	OpRemoteList       Operation = "remote-list"
	OpReset            Operation = "reset"
	OpCherryPick       Operation = "cherry-pick"
	OpRevert           Operation = "revert"
	OpClean            Operation = "clean"
	OpSparseCheckout   Operation = "sparse-checkout"
	OpSubmoduleList    Operation = "submodule-list"
	OpSubmoduleAdd     Operation = "submodule-add"
	OpSubmoduleUpdate  Operation = "submodule-update"
	OpLFSPull          Operation = "lfs-pull"
	OpLFSPush          Operation = "lfs-push"
	OpLFSTrack         Operation = "lfs-track"
	OpGetTask          Operation = "get-task"
	OpCancelTask       Operation = "cancel-task"
	OpAllocateWorkspace Operation = "allocate-workspace"
	OpInit             Operation = "init"
)

// remoteOps is the set of long-running, network-bound operations that
// are cancellable and report progress.
var remoteOps = map[Operation]bool{
	OpClone:           true,
	OpFetch:           true,
	OpPull:            true,
	OpPush:            true,
	OpLFSPull:         true,
	OpLFSPush:         true,
	OpSubmoduleUpdate: true,
	OpSubmoduleAdd:    true,
}

// IsRemote reports whether an operation requires network access and a
// resolved credential.
func (o Operation) IsRemote() bool {
	return remoteOps[o]
}

// idempotentOps is the set of operations safe to re-enqueue after a
// crash recovery rather than unconditionally failing.
var idempotentOps = map[Operation]bool{
	OpClone:  true,
	OpFetch:  true,
	OpLog:    true,
	OpStatus: true,
	OpDiff:   true,
	OpBlame:  true,
}

// Idempotent reports whether a crashed RUNNING task of this operation
// may be safely re-enqueued instead of failed.
func (o Operation) Idempotent() bool {
	return idempotentOps[o]
}

// Status is one of the six states a Task may occupy.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether the status is one from which no further
// transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Task is the unit of scheduled work.
type Task struct {
	ID          string          `json:"id"`
	Operation   Operation       `json:"operation"`
	Params      json.RawMessage `json:"params"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Deadline    time.Time       `json:"deadline"`
}

// Clone returns a deep-enough copy of the task for safe handoff across
// goroutine boundaries (Result/Params are immutable []byte once set, so
// a shallow copy of the struct is sufficient).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Error != nil {
		errCp := *t.Error
		cp.Error = &errCp
	}
	return &cp
}

// TaskPatch describes an atomic field update applied by the store's
// update_task operation. Only non-nil fields are applied.
type TaskPatch struct {
	Status      *Status
	Progress    *int
	Result      json.RawMessage
	Error       *Error
	Attempt     *int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// LogLevel is the severity of an operation log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
	LogDebug LogLevel = "DEBUG"
)

// LogEntry is an append-only audit trail record. Message must already
// be redacted by the time it reaches the store, see internal/credential.Redact.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Workspace is a process-owned filesystem directory.
type Workspace struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
	Dirty          bool      `json:"dirty,omitempty"`
}

// WorkspacePatch describes an atomic field update for a workspace
// record.
type WorkspacePatch struct {
	LastAccessedAt *time.Time
	SizeBytes      *int64
	Dirty          *bool
}

// TaskFilter narrows list_tasks queries.
type TaskFilter struct {
	Status      Status
	Operation   Operation
	WorkspaceID string
}

// Match reports whether t satisfies the filter. Zero-value fields are
// wildcards.
func (f TaskFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Operation != "" && t.Operation != f.Operation {
		return false
	}
	if f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID {
		return false
	}
	return true
}

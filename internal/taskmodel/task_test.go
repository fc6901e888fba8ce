// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package taskmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusTimedOut, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestOperationIsRemote(t *testing.T) {
	assert.True(t, OpClone.IsRemote())
	assert.True(t, OpPush.IsRemote())
	assert.False(t, OpStatus.IsRemote())
	assert.False(t, OpCommit.IsRemote())
}

func TestOperationIdempotent(t *testing.T) {
	assert.True(t, OpFetch.Idempotent())
	assert.True(t, OpClone.Idempotent())
	assert.False(t, OpPush.Idempotent())
	assert.False(t, OpCommit.Idempotent())
}

func TestTaskClone(t *testing.T) {
	orig := &Task{
		ID:     "t1",
		Status: StatusFailed,
		Error:  NewError(ErrNetworkError, "boom"),
	}
	cp := orig.Clone()
	require.NotSame(t, orig, cp)
	require.NotSame(t, orig.Error, cp.Error)
	assert.Equal(t, orig.Error.Message, cp.Error.Message)

	cp.Error.Message = "mutated"
	assert.NotEqual(t, orig.Error.Message, cp.Error.Message)
}

func TestTaskFilterMatch(t *testing.T) {
	task := &Task{Status: StatusRunning, Operation: OpClone, WorkspaceID: "w1"}

	assert.True(t, TaskFilter{}.Match(task))
	assert.True(t, TaskFilter{Status: StatusRunning}.Match(task))
	assert.False(t, TaskFilter{Status: StatusFailed}.Match(task))
	assert.True(t, TaskFilter{Operation: OpClone, WorkspaceID: "w1"}.Match(task))
	assert.False(t, TaskFilter{WorkspaceID: "other"}.Match(task))
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, ErrNetworkError.Retryable())
	assert.True(t, ErrTimeout.Retryable())
	assert.True(t, ErrAuthFailed.Retryable())
	assert.False(t, ErrGitCommandFailed.Retryable())
	assert.False(t, ErrInvalidParams.Retryable())
}

func TestErrorMessage(t *testing.T) {
	e := NewError(ErrMergeConflict, "conflicting paths", "file", "a.txt")
	assert.Equal(t, "a.txt", e.Context["file"])
	assert.Contains(t, e.Error(), "MERGE_CONFLICT")

	withSuggestion := e.WithSuggestion("resolve conflicts manually")
	assert.Contains(t, withSuggestion.Error(), "resolve conflicts manually")
	assert.NotContains(t, e.Error(), "resolve conflicts manually")
}

func TestWorkspaceZeroValue(t *testing.T) {
	w := Workspace{ID: "w1", CreatedAt: time.Now()}
	assert.False(t, w.Dirty)
	assert.Zero(t, w.SizeBytes)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitadapter defines the polymorphic Git capability surface the
// worker pool invokes and a default implementation that
// shells out to the git binary, structured the way
// services/trace/git/executor.go's GitAwareExecutor shapes its own
// command execution (classify, build cmd.Dir/cmd.Env, span, run, map
// exit codes, record metrics).
package gitadapter

import (
	"context"
	"encoding/json"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// ProgressSink receives monotonically non-decreasing percentage updates
// for long-running operations.
type ProgressSink func(percent int)

// ConflictKind classifies one entry of a merge/rebase conflict list.
type ConflictKind string

const (
	ConflictBothModified ConflictKind = "BOTH_MODIFIED"
	ConflictAddedByUs    ConflictKind = "ADDED_BY_US"
	ConflictAddedByThem  ConflictKind = "ADDED_BY_THEM"
	ConflictDeletedByUs  ConflictKind = "DELETED_BY_US"
	ConflictDeletedByThem ConflictKind = "DELETED_BY_THEM"
)

// Conflict is one path of a structured merge/rebase conflict list
// a merge or rebase op returns instead of a bare error.
type Conflict struct {
	Path string       `json:"path"`
	Kind ConflictKind `json:"kind"`
}

// Request carries everything an Adapter needs to perform one operation:
// the workspace path, operation-specific parameters, an optional
// credential for remote operations, a progress sink, and the task's
// cancellation context.
type Request struct {
	Operation    taskmodel.Operation
	WorkspaceDir string
	Params       json.RawMessage
	Credential   *credential.Credential
	Progress     ProgressSink
}

// Result is an operation's success payload. Result is operation-shaped
// JSON; Conflicts is populated only by merge/rebase.
type Result struct {
	Payload   json.RawMessage
	Conflicts []Conflict
}

// Adapter is the capability surface workers invoke. The worker does not
// know which backend implements it.
type Adapter interface {
	// Execute runs one operation to completion, honoring ctx
	// cancellation at the next safe boundary. On cancellation it
	// returns a *taskmodel.Error with Kind ErrTaskCancelled and leaves
	// the workspace either fully applied or fully rolled back.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// CloneOptions are the clone-specific parameters the adapter must honor.
type CloneOptions struct {
	RemoteURL    string   `json:"remote_url" validate:"required,url"`
	Depth        int      `json:"depth,omitempty"`
	SingleBranch bool     `json:"single_branch,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	Filter       string   `json:"filter,omitempty"`
	SparsePaths  []string `json:"sparse_paths,omitempty"`
}

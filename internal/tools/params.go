// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"github.com/AleutianAI/gitd/internal/gitadapter"
)

// Every type below is the validated input schema for one git_<operation>
// tool. Validation tags use github.com/go-playground/validator/v10,
// the same validation library services/orchestrator/datatypes/chat.go uses.

// WorkspaceScoped is embedded by every operation that targets an
// existing workspace rather than allocating one (clone is the
// exception: it may target a fresh or existing workspace).
type WorkspaceScoped struct {
	WorkspaceID string `json:"workspace_id" validate:"required"`
}

type CloneParams struct {
	gitadapter.CloneOptions
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type PushParams struct {
	WorkspaceScoped
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty" validate:"omitempty,branch_name"`
	Force  bool   `json:"force,omitempty"`
}

type PullParams struct {
	WorkspaceScoped
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty" validate:"omitempty,branch_name"`
}

type FetchParams struct {
	WorkspaceScoped
	Remote string `json:"remote,omitempty"`
	Prune  bool   `json:"prune,omitempty"`
}

type AuthorParams struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type CommitParams struct {
	WorkspaceScoped
	Message string        `json:"message" validate:"required"`
	Author  *AuthorParams `json:"author,omitempty"`
}

type AddParams struct {
	WorkspaceScoped
	FilePattern string `json:"file_pattern" validate:"required"`
}

type StatusParams struct {
	WorkspaceScoped
}

type CheckoutParams struct {
	WorkspaceScoped
	Ref    string `json:"ref" validate:"required"`
	Create bool   `json:"create,omitempty"`
}

type BranchCreateParams struct {
	WorkspaceScoped
	Name string `json:"name" validate:"required,branch_name"`
	From string `json:"from,omitempty"`
}

type BranchDeleteParams struct {
	WorkspaceScoped
	Name  string `json:"name" validate:"required,branch_name"`
	Force bool   `json:"force,omitempty"`
}

type MergeParams struct {
	WorkspaceScoped
	Branch string `json:"branch" validate:"required,branch_name"`
}

type RebaseParams struct {
	WorkspaceScoped
	Upstream string `json:"upstream" validate:"required"`
}

type LogParams struct {
	WorkspaceScoped
	MaxCount int `json:"max_count,omitempty" validate:"omitempty,gte=1,lte=10000"`
}

type DiffParams struct {
	WorkspaceScoped
	Staged bool   `json:"staged,omitempty"`
	Path   string `json:"path,omitempty" validate:"omitempty,safe_path"`
}

type BlameParams struct {
	WorkspaceScoped
	Path string `json:"path" validate:"required,safe_path"`
}

type StashParams struct {
	WorkspaceScoped
	Message string `json:"message,omitempty"`
}

type TagCreateParams struct {
	WorkspaceScoped
	Name    string `json:"name" validate:"required"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message,omitempty"`
}

type TagDeleteParams struct {
	WorkspaceScoped
	Name string `json:"name" validate:"required"`
}

type RemoteAddParams struct {
	WorkspaceScoped
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

type RemoteRemoveParams struct {
	WorkspaceScoped
	Name string `json:"name" validate:"required"`
}

type ResetParams struct {
	WorkspaceScoped
	Ref  string `json:"ref,omitempty"`
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=soft mixed hard"`
}

type CherryPickParams struct {
	WorkspaceScoped
	Commit string `json:"commit" validate:"required"`
}

type RevertParams struct {
	WorkspaceScoped
	Commit string `json:"commit" validate:"required"`
}

type CleanParams struct {
	WorkspaceScoped
}

type SparseCheckoutParams struct {
	WorkspaceScoped
	Paths []string `json:"paths" validate:"required,min=1,dive,safe_path"`
}

type SubmoduleAddParams struct {
	WorkspaceScoped
	URL  string `json:"url" validate:"required,url"`
	Path string `json:"path" validate:"required,safe_path"`
}

type SubmoduleUpdateParams struct {
	WorkspaceScoped
}

type LFSPullParams struct {
	WorkspaceScoped
}

type LFSPushParams struct {
	WorkspaceScoped
}

type LFSTrackParams struct {
	WorkspaceScoped
	Pattern string `json:"pattern" validate:"required"`
}

type InitParams struct {
	WorkspaceScoped
}

type AllocateWorkspaceParams struct{}

type GetTaskParams struct {
	TaskID string `json:"task_id" validate:"required,uuid4"`
}

type CancelTaskParams struct {
	TaskID string `json:"task_id" validate:"required,uuid4"`
}

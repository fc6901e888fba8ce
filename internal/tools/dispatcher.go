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
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/taskmanager"
	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// TaskManager is the subset of *taskmanager.Manager the dispatcher
// calls into. Declared as an interface so tests can substitute a fake
// without standing up the full store/queue/worker stack.
type TaskManager interface {
	Submit(ctx context.Context, op taskmodel.Operation, params []byte, opts taskmanager.SubmitOptions) (string, error)
	RunSync(ctx context.Context, op taskmodel.Operation, params []byte, opts taskmanager.SubmitOptions) ([]byte, error)
	Status(ctx context.Context, taskID string) (*taskmodel.Task, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	List(ctx context.Context, filter taskmodel.TaskFilter) ([]*taskmodel.Task, error)
}

// WorkspaceAllocator is the subset of *workspace.Manager the
// allocate-workspace meta-tool needs.
type WorkspaceAllocator interface {
	Allocate() (*taskmodel.Workspace, error)
}

// SubmitResult is what an async (queued) tool call returns to the
// caller: `{task_id, status}`.
type SubmitResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelResult is git_cancel_task's result shape.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// Dispatcher validates a tool call's parameters and translates it into
// exactly one Task Manager call. Handlers never invoke the adapter
// directly.
type Dispatcher struct {
	registry  *Registry
	manager   TaskManager
	workspace WorkspaceAllocator
	validate  *validator.Validate
}

// NewDispatcher wires a Dispatcher over a registry and a task manager.
func NewDispatcher(registry *Registry, manager TaskManager, workspace WorkspaceAllocator) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		manager:   manager,
		workspace: workspace,
		validate:  newValidator(),
	}
}

// Dispatch looks up toolName, validates rawParams against its schema,
// and executes it. The returned value is always JSON-marshalable: a
// *SubmitResult, a *taskmodel.Task, a *CancelResult, a *taskmodel.Workspace,
// or the adapter's raw result payload for synchronous git operations.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, rawParams json.RawMessage) (any, error) {
	def, ok := d.registry.Get(toolName)
	if !ok {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "unknown tool", "tool", toolName)
	}
	if len(rawParams) > MaxParamsSize {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "params exceed size limit", "tool", toolName)
	}

	params := def.NewParams()
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, params); err != nil {
			return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "malformed params: "+credential.Redact(err.Error()), "tool", toolName)
		}
	}
	if err := d.validate.Struct(params); err != nil {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, credential.Redact(err.Error()), "tool", toolName)
	}

	switch def.Operation {
	case taskmodel.OpGetTask:
		p := params.(*GetTaskParams)
		return d.manager.Status(ctx, p.TaskID)
	case taskmodel.OpCancelTask:
		p := params.(*CancelTaskParams)
		cancelled, err := d.manager.Cancel(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		return &CancelResult{Cancelled: cancelled}, nil
	case taskmodel.OpAllocateWorkspace:
		return d.workspace.Allocate()
	}

	workspaceID := workspaceIDOf(params)
	canonical, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tools: re-marshal validated params: %w", err)
	}
	// Any credential embedded directly in a URL param (rather than resolved
	// through the credential manager) is stripped here, before the params
	// blob is queued, persisted, or executed. Auth still works: the
	// adapter's GIT_ASKPASS helper supplies credentials resolved by host,
	// not by what the caller happened to put in the URL.
	canonical = []byte(credential.Redact(string(canonical)))

	if def.Async {
		id, err := d.manager.Submit(ctx, def.Operation, canonical, taskmanager.SubmitOptions{WorkspaceID: workspaceID})
		if err != nil {
			return nil, err
		}
		return &SubmitResult{TaskID: id, Status: "queued"}, nil
	}

	payload, err := d.manager.RunSync(ctx, def.Operation, canonical, taskmanager.SubmitOptions{WorkspaceID: workspaceID})
	if err != nil {
		return nil, err
	}
	var result any = json.RawMessage(payload)
	return result, nil
}

// workspaceScoped is implemented by any params struct embedding
// WorkspaceScoped, letting Dispatch read the workspace id generically
// instead of a type switch per operation.
type workspaceScoped interface {
	workspaceID() string
}

func (w WorkspaceScoped) workspaceID() string { return w.WorkspaceID }

func workspaceIDOf(params any) string {
	if ws, ok := params.(workspaceScoped); ok {
		return ws.workspaceID()
	}
	if cp, ok := params.(*CloneParams); ok {
		return cp.WorkspaceID
	}
	return ""
}

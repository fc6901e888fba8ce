// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools is the external-facing collaborator: one ToolDefinition
// per git operation, translating a validated JSON payload into exactly
// one Task Manager call. Grounded on services/trace/cli/tools/dispatcher.go
// (registry + executor separation, ApprovalFunc-shaped hook points) and
// services/trace/config/tool_registry.go (go:embed YAML registry with
// size/count guards).
package tools

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// Size limits mirroring config/tool_registry.go's MaxYAMLFileSize /
// MaxToolsInRegistry guards, scaled to this registry's fixed, known-small
// operation set.
const (
	MaxYAMLFileSize  = 1 << 20
	MaxToolsInRegistry = 200
	// MaxParamsSize bounds a single tool call's raw JSON params, mirroring
	// services/trace/cli/tools/dispatcher.go's MaxParamsSize.
	MaxParamsSize = 1 << 20
)

//go:embed tool_registry.yaml
var defaultRegistryYAML []byte

type registryYAML struct {
	Tools []toolEntryYAML `yaml:"tools"`
}

type toolEntryYAML struct {
	Name        string `yaml:"name"`
	Operation   string `yaml:"operation"`
	Async       bool   `yaml:"async"`
	Description string `yaml:"description"`
}

// ToolDefinition is one git_<operation> tool: its name, the Task
// Manager operation it maps to, whether it runs through the queue
// (Submit) or synchronously (RunSync), its description, and a
// constructor for its validated parameter struct.
type ToolDefinition struct {
	Name        string
	Operation   taskmodel.Operation
	Async       bool
	Description string
	NewParams   func() any
}

// Registry maps tool name to definition.
type Registry struct {
	defs map[string]*ToolDefinition
}

// paramConstructors binds each operation to the Go type that decodes
// and validates its parameters (internal/tools/params.go). Kept
// separate from the YAML since Go types cannot be described in data.
var paramConstructors = map[taskmodel.Operation]func() any{
	taskmodel.OpClone:           func() any { return &CloneParams{} },
	taskmodel.OpPush:            func() any { return &PushParams{} },
	taskmodel.OpPull:            func() any { return &PullParams{} },
	taskmodel.OpFetch:           func() any { return &FetchParams{} },
	taskmodel.OpCommit:          func() any { return &CommitParams{} },
	taskmodel.OpAdd:             func() any { return &AddParams{} },
	taskmodel.OpStatus:          func() any { return &StatusParams{} },
	taskmodel.OpCheckout:        func() any { return &CheckoutParams{} },
	taskmodel.OpBranchCreate:    func() any { return &BranchCreateParams{} },
	taskmodel.OpBranchDelete:    func() any { return &BranchDeleteParams{} },
	taskmodel.OpMerge:           func() any { return &MergeParams{} },
	taskmodel.OpRebase:          func() any { return &RebaseParams{} },
	taskmodel.OpLog:             func() any { return &LogParams{} },
	taskmodel.OpDiff:            func() any { return &DiffParams{} },
	taskmodel.OpBlame:           func() any { return &BlameParams{} },
	taskmodel.OpStashPush:       func() any { return &StashParams{} },
	taskmodel.OpStashPop:        func() any { return &StashParams{} },
	taskmodel.OpStashList:       func() any { return &StatusParams{} },
	taskmodel.OpTagCreate:       func() any { return &TagCreateParams{} },
	taskmodel.OpTagDelete:       func() any { return &TagDeleteParams{} },
	taskmodel.OpTagList:         func() any { return &StatusParams{} },
	taskmodel.OpRemoteAdd:       func() any { return &RemoteAddParams{} },
	taskmodel.OpRemoteRemove:    func() any { return &RemoteRemoveParams{} },
	taskmodel.OpRemoteList:      func() any { return &StatusParams{} },
	taskmodel.OpReset:           func() any { return &ResetParams{} },
	taskmodel.OpCherryPick:      func() any { return &CherryPickParams{} },
	taskmodel.OpRevert:          func() any { return &RevertParams{} },
	taskmodel.OpClean:           func() any { return &CleanParams{} },
	taskmodel.OpSparseCheckout:  func() any { return &SparseCheckoutParams{} },
	taskmodel.OpSubmoduleList:   func() any { return &StatusParams{} },
	taskmodel.OpSubmoduleAdd:    func() any { return &SubmoduleAddParams{} },
	taskmodel.OpSubmoduleUpdate: func() any { return &SubmoduleUpdateParams{} },
	taskmodel.OpLFSPull:         func() any { return &LFSPullParams{} },
	taskmodel.OpLFSPush:         func() any { return &LFSPushParams{} },
	taskmodel.OpLFSTrack:        func() any { return &LFSTrackParams{} },
	taskmodel.OpInit:            func() any { return &InitParams{} },
	taskmodel.OpAllocateWorkspace: func() any { return &AllocateWorkspaceParams{} },
	taskmodel.OpGetTask:         func() any { return &GetTaskParams{} },
	taskmodel.OpCancelTask:      func() any { return &CancelTaskParams{} },
}

// NewRegistry parses the embedded YAML registry into a Registry. An
// overriding YAML document may be supplied by callers that need to
// extend or restrict the default operation set; pass nil to use the
// embedded default.
func NewRegistry(overrideYAML []byte) (*Registry, error) {
	raw := defaultRegistryYAML
	if overrideYAML != nil {
		raw = overrideYAML
	}
	if len(raw) > MaxYAMLFileSize {
		return nil, fmt.Errorf("tools: registry YAML exceeds %d bytes", MaxYAMLFileSize)
	}

	var doc registryYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: parse registry YAML: %w", err)
	}
	if len(doc.Tools) > MaxToolsInRegistry {
		return nil, fmt.Errorf("tools: registry has %d tools, exceeds limit %d", len(doc.Tools), MaxToolsInRegistry)
	}

	defs := make(map[string]*ToolDefinition, len(doc.Tools))
	for _, e := range doc.Tools {
		op := taskmodel.Operation(e.Operation)
		ctor, ok := paramConstructors[op]
		if !ok {
			return nil, fmt.Errorf("tools: %q: no parameter constructor bound for operation %q", e.Name, e.Operation)
		}
		defs[e.Name] = &ToolDefinition{
			Name:        e.Name,
			Operation:   op,
			Async:       e.Async,
			Description: e.Description,
			NewParams:   ctor,
		}
	}
	return &Registry{defs: defs}, nil
}

// Get returns the definition for a tool name, or false if unknown.
func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every registered tool name, for documentation/listing
// endpoints.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// All returns every registered definition, for documentation generation.
func (r *Registry) All() []*ToolDefinition {
	all := make([]*ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		all = append(all, d)
	}
	return all
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gitadapter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// argBuilder turns a workspace path and operation params into git
// subcommand arguments; each entry below is the minimal faithful
// translation of that operation's parameters into git(1) invocation
// syntax.
type argBuilder func(workspaceDir string, params json.RawMessage) ([]string, error)

var argBuilders = map[taskmodel.Operation]argBuilder{
	taskmodel.OpClone:            buildClone,
	taskmodel.OpPush:             buildPush,
	taskmodel.OpPull:             buildSimple("pull"),
	taskmodel.OpFetch:            buildFetch,
	taskmodel.OpCommit:           buildCommit,
	taskmodel.OpAdd:              buildAdd,
	taskmodel.OpStatus:           buildArgs("status", "--porcelain=v2", "--branch"),
	taskmodel.OpCheckout:         buildCheckout,
	taskmodel.OpBranchCreate:     buildBranchCreate,
	taskmodel.OpBranchDelete:     buildBranchDelete,
	taskmodel.OpMerge:            buildMerge,
	taskmodel.OpRebase:           buildRebase,
	taskmodel.OpLog:              buildLog,
	taskmodel.OpDiff:             buildDiff,
	taskmodel.OpBlame:            buildBlame,
	taskmodel.OpStashPush:        buildArgs("stash", "push"),
	taskmodel.OpStashPop:         buildArgs("stash", "pop"),
	taskmodel.OpStashList:        buildArgs("stash", "list"),
	taskmodel.OpTagCreate:        buildTagCreate,
	taskmodel.OpTagDelete:        buildTagDelete,
	taskmodel.OpTagList:          buildArgs("tag", "--list"),
	taskmodel.OpRemoteAdd:        buildRemoteAdd,
	taskmodel.OpRemoteRemove:     buildRemoteRemove,
	taskmodel.OpRemoteList:       buildArgs("remote", "-v"),
	taskmodel.OpReset:            buildReset,
	taskmodel.OpCherryPick:       buildCherryPick,
	taskmodel.OpRevert:           buildRevert,
	taskmodel.OpClean:            buildArgs("clean", "-fd"),
	taskmodel.OpSparseCheckout:   buildSparseCheckout,
	taskmodel.OpSubmoduleList:    buildArgs("submodule", "status"),
	taskmodel.OpSubmoduleAdd:     buildSubmoduleAdd,
	taskmodel.OpSubmoduleUpdate:  buildArgs("submodule", "update", "--init", "--recursive"),
	taskmodel.OpLFSPull:          buildArgs("lfs", "pull"),
	taskmodel.OpLFSPush:          buildArgs("lfs", "push", "origin"),
	taskmodel.OpLFSTrack:         buildLFSTrack,
	taskmodel.OpInit:             buildArgs("init"),
}

func buildArgs(args ...string) argBuilder {
	return func(_ string, _ json.RawMessage) ([]string, error) { return args, nil }
}

func buildSimple(verb string) argBuilder {
	return func(_ string, params json.RawMessage) ([]string, error) {
		var p struct {
			Remote string `json:"remote"`
			Branch string `json:"branch"`
		}
		if err := unmarshal(params, &p); err != nil {
			return nil, err
		}
		args := []string{verb}
		if p.Remote != "" {
			args = append(args, p.Remote)
		}
		if p.Branch != "" {
			args = append(args, p.Branch)
		}
		return args, nil
	}
}

func buildClone(workspaceDir string, params json.RawMessage) ([]string, error) {
	var p CloneOptions
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.RemoteURL == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidRemoteURL, "remote_url is required")
	}
	args := []string{"clone"}
	if p.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(p.Depth))
	}
	if p.SingleBranch {
		args = append(args, "--single-branch")
	}
	if p.Branch != "" {
		args = append(args, "--branch", p.Branch)
	}
	if p.Filter != "" {
		args = append(args, "--filter="+p.Filter)
	}
	if len(p.SparsePaths) > 0 {
		args = append(args, "--sparse")
	}
	args = append(args, p.RemoteURL, workspaceDir)
	return args, nil
}

func buildFetch(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Remote string `json:"remote"`
		Prune  bool   `json:"prune"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	args := []string{"fetch"}
	if p.Prune {
		args = append(args, "--prune")
	}
	if p.Remote != "" {
		args = append(args, p.Remote)
	}
	return args, nil
}

func buildPush(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Remote    string `json:"remote"`
		Branch    string `json:"branch"`
		Force     bool   `json:"force"`
		SetUpstream bool `json:"set_upstream"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	args := []string{"push"}
	if p.Force {
		args = append(args, "--force-with-lease")
	}
	if p.SetUpstream {
		args = append(args, "--set-upstream")
	}
	if p.Remote != "" {
		args = append(args, p.Remote)
	}
	if p.Branch != "" {
		args = append(args, p.Branch)
	}
	return args, nil
}

func buildCommit(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Message string `json:"message"`
		All     bool   `json:"all"`
		Amend   bool   `json:"amend"`
		Author  *struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" && !p.Amend {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "message is required")
	}
	args := []string{"commit"}
	if p.Author != nil {
		args = append(args, "--author="+p.Author.Name+" <"+p.Author.Email+">")
	}
	if p.All {
		args = append(args, "-a")
	}
	if p.Amend {
		args = append(args, "--amend")
	}
	if p.Message != "" {
		args = append(args, "-m", p.Message)
	}
	return args, nil
}

func buildAdd(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Paths       []string `json:"paths"`
		All         bool     `json:"all"`
		FilePattern string   `json:"file_pattern"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.FilePattern != "" {
		p.Paths = append(p.Paths, p.FilePattern)
	}
	args := []string{"add"}
	if p.All || len(p.Paths) == 0 {
		args = append(args, "-A")
		return args, nil
	}
	return append(args, p.Paths...), nil
}

func buildCheckout(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Ref    string `json:"ref"`
		Create bool   `json:"create"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "ref is required")
	}
	args := []string{"checkout"}
	if p.Create {
		args = append(args, "-b")
	}
	return append(args, p.Ref), nil
}

func buildBranchCreate(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name    string `json:"name"`
		StartAt string `json:"start_at"`
		From    string `json:"from"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.StartAt == "" {
		p.StartAt = p.From
	}
	if p.Name == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidBranchName, "name is required")
	}
	args := []string{"branch", p.Name}
	if p.StartAt != "" {
		args = append(args, p.StartAt)
	}
	return args, nil
}

func buildBranchDelete(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name  string `json:"name"`
		Force bool   `json:"force"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidBranchName, "name is required")
	}
	flag := "-d"
	if p.Force {
		flag = "-D"
	}
	return []string{"branch", flag, p.Name}, nil
}

func buildMerge(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Ref      string `json:"ref"`
		NoFastForward bool `json:"no_fast_forward"`
		Branch   string `json:"branch"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		p.Ref = p.Branch
	}
	if p.Ref == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "ref is required")
	}
	args := []string{"merge"}
	if p.NoFastForward {
		args = append(args, "--no-ff")
	}
	return append(args, p.Ref), nil
}

func buildRebase(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Upstream string `json:"upstream"`
		Continue bool   `json:"continue"`
		Abort    bool   `json:"abort"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	switch {
	case p.Continue:
		return []string{"rebase", "--continue"}, nil
	case p.Abort:
		return []string{"rebase", "--abort"}, nil
	case p.Upstream != "":
		return []string{"rebase", p.Upstream}, nil
	default:
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "upstream, continue, or abort is required")
	}
}

func buildLog(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		MaxCount int    `json:"max_count"`
		Path     string `json:"path"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	args := []string{"log", "--format=%H%x09%an%x09%aI%x09%s"}
	if p.MaxCount > 0 {
		args = append(args, "-n", strconv.Itoa(p.MaxCount))
	}
	if p.Path != "" {
		args = append(args, "--", p.Path)
	}
	return args, nil
}

func buildDiff(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Base   string `json:"base"`
		Head   string `json:"head"`
		Staged bool   `json:"staged"`
		Path   string `json:"path"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	args := []string{"diff"}
	if p.Staged {
		args = append(args, "--staged")
	}
	if p.Base != "" && p.Head != "" {
		args = append(args, fmt.Sprintf("%s..%s", p.Base, p.Head))
	} else if p.Base != "" {
		args = append(args, p.Base)
	}
	if p.Path != "" {
		args = append(args, "--", p.Path)
	}
	return args, nil
}

func buildBlame(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "path is required")
	}
	return []string{"blame", "--line-porcelain", p.Path}, nil
}

func buildTagCreate(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name    string `json:"name"`
		Ref     string `json:"ref"`
		Message string `json:"message"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "name is required")
	}
	args := []string{"tag"}
	if p.Message != "" {
		args = append(args, "-a", p.Name, "-m", p.Message)
	} else {
		args = append(args, p.Name)
	}
	if p.Ref != "" {
		args = append(args, p.Ref)
	}
	return args, nil
}

func buildTagDelete(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "name is required")
	}
	return []string{"tag", "-d", p.Name}, nil
}

func buildRemoteAdd(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.URL == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "name and url are required")
	}
	return []string{"remote", "add", p.Name, p.URL}, nil
}

func buildRemoteRemove(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "name is required")
	}
	return []string{"remote", "remove", p.Name}, nil
}

func buildReset(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Ref  string `json:"ref"`
		Mode string `json:"mode"` // soft|mixed|hard
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	mode := p.Mode
	if mode == "" {
		mode = "mixed"
	}
	args := []string{"reset", "--" + mode}
	if p.Ref != "" {
		args = append(args, p.Ref)
	}
	return args, nil
}

func buildCherryPick(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Commit string `json:"commit"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Commit == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "commit is required")
	}
	return []string{"cherry-pick", p.Commit}, nil
}

func buildRevert(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Commit   string `json:"commit"`
		NoCommit bool   `json:"no_commit"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Commit == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "commit is required")
	}
	args := []string{"revert"}
	if p.NoCommit {
		args = append(args, "--no-commit")
	}
	return append(args, p.Commit), nil
}

func buildSparseCheckout(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Paths []string `json:"paths"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	args := []string{"sparse-checkout", "set"}
	return append(args, p.Paths...), nil
}

func buildSubmoduleAdd(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidRemoteURL, "url is required")
	}
	args := []string{"submodule", "add", p.URL}
	if p.Path != "" {
		args = append(args, p.Path)
	}
	return args, nil
}

func buildLFSTrack(_ string, params json.RawMessage) ([]string, error) {
	var p struct {
		Pattern string `json:"pattern"`
	}
	if err := unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Pattern == "" {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams, "pattern is required")
	}
	return []string{"lfs", "track", p.Pattern}, nil
}

func unmarshal(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return taskmodel.NewError(taskmodel.ErrInvalidParams, "malformed params", "cause", err.Error())
	}
	return nil
}

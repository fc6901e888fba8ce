// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package workspace

import (
	"path/filepath"
	"strings"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// ResolveWithinRoot resolves path (which must already be a descendant of
// root, symlinks notwithstanding) to its real, symlink-free form and
// verifies the result is still contained by root. It returns the
// resolved path or a PATH_ESCAPE error. The workspace manager applies it
// to a workspace's directory on Acquire; path parameters of tool calls
// do not pass through it.
func ResolveWithinRoot(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", taskmodel.NewError(taskmodel.ErrPathEscape, "could not resolve root", "root", root)
	}
	absRoot, err = filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", taskmodel.NewError(taskmodel.ErrPathEscape, "could not resolve root", "root", root)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", taskmodel.NewError(taskmodel.ErrPathEscape, "could not resolve path", "path", path)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// The final path component (e.g. a not-yet-created file) may not
		// exist; fall back to resolving its parent directory and
		// rejoining the leaf so creation flows still get checked.
		parent, errParent := filepath.EvalSymlinks(filepath.Dir(absPath))
		if errParent != nil {
			return "", taskmodel.NewError(taskmodel.ErrPathEscape, "could not resolve path", "path", path)
		}
		resolved = filepath.Join(parent, filepath.Base(absPath))
	}

	if !isDescendant(absRoot, resolved) {
		return "", taskmodel.NewError(taskmodel.ErrPathEscape,
			"path escapes workspace root", "root", absRoot, "path", resolved)
	}
	return resolved, nil
}

// JoinWithinWorkspace joins rel onto the workspace's real path and
// applies ResolveWithinRoot so handlers never need to repeat the
// symlink-plus-".." dance themselves.
func JoinWithinWorkspace(workspaceRoot, rel string) (string, error) {
	candidate := filepath.Join(workspaceRoot, rel)
	return ResolveWithinRoot(workspaceRoot, candidate)
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

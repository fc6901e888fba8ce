// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tools

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// branchNamePattern rejects control characters and the handful of
// shell-meaningful sequences git itself disallows in ref names, without
// trying to reimplement git-check-ref-format(1) in full.
var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/_.\-]{0,243}$`)

func validateBranchName(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if v == "" || strings.Contains(v, "..") || strings.HasPrefix(v, "-") {
		return false
	}
	return branchNamePattern.MatchString(v)
}

// validateSafePath rejects absolute paths and ".." traversal components
// before any join/resolve ever touches the filesystem. It is a lexical
// check only and is the only check path parameters get: symlinks are
// not resolved, and workspace.ResolveWithinRoot is applied to the
// workspace directory on Acquire, not to these paths.
func validateSafePath(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, "/") || strings.Contains(v, "\x00") {
		return false
	}
	for _, part := range strings.Split(v, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// newValidator builds the validator.Validate instance used by the
// dispatcher, with the domain-specific tags registered once.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("branch_name", validateBranchName)
	_ = v.RegisterValidation("safe_path", validateSafePath)
	return v
}

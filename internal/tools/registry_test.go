// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

func TestNewRegistryLoadsEmbeddedDefault(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	def, ok := reg.Get("git_clone")
	require.True(t, ok)
	assert.Equal(t, taskmodel.OpClone, def.Operation)
	assert.True(t, def.Async)

	def, ok = reg.Get("git_status")
	require.True(t, ok)
	assert.False(t, def.Async)

	_, ok = reg.Get("git_does_not_exist")
	assert.False(t, ok)
}

func TestNewRegistryCoversEveryOperation(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(reg.All()), len(paramConstructors))
}

func TestNewRegistryRejectsUnknownOperation(t *testing.T) {
	_, err := NewRegistry([]byte(`tools:
  - name: git_bogus
    operation: bogus-op
    async: false
    description: not a real operation
`))
	require.Error(t, err)
}

func TestNewRegistryRejectsOversizedYAML(t *testing.T) {
	big := make([]byte, MaxYAMLFileSize+1)
	_, err := NewRegistry(big)
	require.Error(t, err)
}

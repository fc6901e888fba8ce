// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// dirSize walks root and sums the apparent size of every regular file
// underneath it. A directory that disappears mid-walk (e.g. a worker
// just cleaned it up) is treated as zero rather than an error.
func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, nil
	}
	return size, err
}

// refreshSize recomputes a workspace's on-disk size and stores it in the
// in-memory entry. When accessedAt is non-nil the access time is updated
// alongside it and both fields are pushed to the store if one is
// configured; a nil accessedAt (the background sweep's case) leaves
// last_accessed_at untouched so a sweep never reorders LRU eviction.
func (m *Manager) refreshSize(id, path string, accessedAt *time.Time) {
	size, err := dirSize(path)
	if err != nil {
		slog.Warn("failed to compute workspace size", "id", id, "path", path, "error", err)
		return
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		e.ws.SizeBytes = size
	}
	m.mu.Unlock()

	if !ok || m.cfg.Store == nil {
		return
	}
	patch := taskmodel.WorkspacePatch{SizeBytes: &size}
	if accessedAt != nil {
		patch.LastAccessedAt = accessedAt
	}
	if err := m.cfg.Store.UpdateWorkspace(context.Background(), id, patch); err != nil {
		slog.Debug("workspace size not persisted", "id", id, "error", err)
	}
}

// refreshAllSizes walks every tracked workspace once. Snapshotting the
// id/path pairs under the lock and releasing it before any filesystem
// walk keeps a large tree from blocking allocate/acquire/release calls.
func (m *Manager) refreshAllSizes() {
	m.mu.Lock()
	type item struct{ id, path string }
	items := make([]item, 0, len(m.entries))
	for id, e := range m.entries {
		items = append(items, item{id, e.ws.Path})
	}
	m.mu.Unlock()

	for _, it := range items {
		m.refreshSize(it.id, it.path, nil)
	}
}

// sizeSweepLoop periodically refreshes every workspace's size and then
// runs the same cleanup/eviction passes a caller would otherwise have to
// trigger manually, so quota enforcement keeps working even when no
// client happens to be touching workspaces.
func (m *Manager) sizeSweepLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshAllSizes()
			m.CleanupExpired()
			m.EvictUntilUnderQuota()
		}
	}
}

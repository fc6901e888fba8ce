// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace owns the lifecycle of process-private filesystem
// checkouts: allocation under a quota, lease bookkeeping, external
// change detection, and LRU/FIFO eviction. The lease map and watcher
// shape follow services/trace/lock/manager.go's FileLockManager; the
// recency-ordering sort used for eviction follows
// services/trace/cache/staleness.go.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/AleutianAI/gitd/internal/store"
	"github.com/AleutianAI/gitd/internal/taskmodel"
)

// defaultSizeSweepInterval is used when Config.CleanupInterval is unset.
const defaultSizeSweepInterval = 5 * time.Minute

// Strategy selects which workspace is evicted first once the manager is
// over quota.
type Strategy string

const (
	StrategyLRU  Strategy = "LRU"
	StrategyFIFO Strategy = "FIFO"
)

// quotaHysteresis is the fraction of total_quota_bytes evict_until_under_quota
// drives usage back down to, avoiding thrash right at the ceiling.
const quotaHysteresis = 0.9

// Config configures a Manager.
type Config struct {
	Root             string
	TotalQuotaBytes  int64
	RetentionSeconds int64
	CleanupInterval  time.Duration
	Strategy         Strategy

	// Store, if set, receives size and access-time updates as they're
	// observed, so size_bytes survives a restart instead of resetting
	// to zero for every previously-allocated workspace.
	Store *store.Store
}

type entry struct {
	ws       taskmodel.Workspace
	leases   int
	dirty    bool
}

// Manager allocates, leases, and reclaims workspace directories.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry

	watcher   *fsnotify.Watcher
	watcherMu sync.Mutex
	pathToID  map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Manager rooted at cfg.Root, creating the root directory
// if necessary.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		cfg.Root = os.TempDir()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLRU
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultSizeSweepInterval
	}
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, fmt.Errorf("creating workspace root %s: %w", cfg.Root, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating workspace watcher: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		watcher:  watcher,
		pathToID: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	go m.watchLoop()
	go m.sizeSweepLoop()
	return m, nil
}

// Allocate creates a new owner-only workspace directory and records its
// metadata. Fails STORAGE_FULL if usage is already at quota.
func (m *Manager) Allocate() (*taskmodel.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.TotalQuotaBytes > 0 && m.totalUsageLocked() >= m.cfg.TotalQuotaBytes {
		return nil, taskmodel.NewError(taskmodel.ErrStorageFull,
			"workspace quota exhausted", "quota_bytes", fmt.Sprint(m.cfg.TotalQuotaBytes))
	}

	id := uuid.NewString()
	path := filepath.Join(m.cfg.Root, id)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	now := time.Now()
	ws := taskmodel.Workspace{
		ID:             id,
		Path:           path,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	m.entries[id] = &entry{ws: ws}
	m.addWatch(path)

	if m.cfg.Store != nil {
		if err := m.cfg.Store.InsertWorkspace(context.Background(), &ws); err != nil {
			slog.Warn("failed to persist new workspace record", "id", id, "error", err)
		}
	}

	slog.Debug("allocated workspace", "id", id, "path", path)
	return cloneWS(&ws), nil
}

// Acquire resolves a workspace's real path (symlinks + ".." collapsed),
// verifies it is still a descendant of the configured root, bumps the
// lease count, and touches last_accessed_at. Returns PATH_ESCAPE or
// NOT_FOUND on failure.
func (m *Manager) Acquire(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return "", taskmodel.NewError(taskmodel.ErrWorkspaceNotFound, "workspace not found", "workspace_id", id)
	}

	real, err := ResolveWithinRoot(m.cfg.Root, e.ws.Path)
	if err != nil {
		return "", err
	}

	e.ws.LastAccessedAt = time.Now()
	e.leases++
	return real, nil
}

// Release decrements the in-memory lease count. Workspaces are never
// deleted here; cleanup is driven by cleanup_expired/evict_until_under_quota.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.leases > 0 {
		e.leases--
	}
}

// MarkDirty flags a workspace dirty without waiting for the fsnotify
// watcher to observe an external change. Used to quarantine a
// workspace whose task was force-killed after cancel_grace_seconds
// expired: the directory is left on disk for operator review and
// excluded from LRU/FIFO eviction reuse until explicitly cleaned up.
func (m *Manager) MarkDirty(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.dirty = true
	}
}

// Touch updates last_accessed_at without affecting the lease count, and
// recomputes the workspace's on-disk size so quota accounting reflects
// what the caller just did to it. The filesystem walk runs outside the
// lock so a large workspace can't stall other callers.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return taskmodel.NewError(taskmodel.ErrWorkspaceNotFound, "workspace not found", "workspace_id", id)
	}
	path := e.ws.Path
	now := time.Now()
	e.ws.LastAccessedAt = now
	m.mu.Unlock()

	m.refreshSize(id, path, &now)
	return nil
}

// Get returns a copy of the workspace metadata, refreshed by the dirty
// set maintained by the fsnotify watcher.
func (m *Manager) Get(id string) (*taskmodel.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, taskmodel.NewError(taskmodel.ErrWorkspaceNotFound, "workspace not found", "workspace_id", id)
	}
	ws := e.ws
	ws.Dirty = e.dirty
	return cloneWS(&ws), nil
}

// List returns a snapshot of every tracked workspace.
func (m *Manager) List() []*taskmodel.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*taskmodel.Workspace, 0, len(m.entries))
	for _, e := range m.entries {
		ws := e.ws
		ws.Dirty = e.dirty
		out = append(out, cloneWS(&ws))
	}
	return out
}

// CleanupExpired removes workspaces whose idle age exceeds
// retention_seconds and whose lease count is zero.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.RetentionSeconds <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-time.Duration(m.cfg.RetentionSeconds) * time.Second)

	removed := 0
	for id, e := range m.entries {
		if e.leases > 0 {
			continue
		}
		if e.ws.LastAccessedAt.After(cutoff) {
			continue
		}
		m.removeLocked(id, e)
		removed++
	}
	return removed
}

// EvictUntilUnderQuota removes workspaces (leased ones skipped, per the
// chosen skip-leased policy) one at a time, oldest-first by the
// configured strategy, until total usage is at or below
// quota * 0.9.
func (m *Manager) EvictUntilUnderQuota() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.TotalQuotaBytes <= 0 {
		return 0
	}
	target := int64(float64(m.cfg.TotalQuotaBytes) * quotaHysteresis)

	removed := 0
	for m.totalUsageLocked() > target {
		id := m.selectEvictionCandidateLocked()
		if id == "" {
			break // nothing evictable (all leased)
		}
		m.removeLocked(id, m.entries[id])
		removed++
	}
	return removed
}

// DiskSpace reports total and free bytes for the filesystem hosting the
// workspace root.
func (m *Manager) DiskSpace() (totalBytes, freeBytes uint64, err error) {
	return statfs(m.cfg.Root)
}

// Close stops the background watcher goroutine.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return m.watcher.Close()
}

func (m *Manager) totalUsageLocked() int64 {
	var sum int64
	for _, e := range m.entries {
		sum += e.ws.SizeBytes
	}
	return sum
}

func (m *Manager) selectEvictionCandidateLocked() string {
	type candidate struct {
		id  string
		key time.Time
	}
	var candidates []candidate
	for id, e := range m.entries {
		if e.leases > 0 || e.dirty {
			continue
		}
		key := e.ws.LastAccessedAt
		if m.cfg.Strategy == StrategyFIFO {
			key = e.ws.CreatedAt
		}
		candidates = append(candidates, candidate{id: id, key: key})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].key.Equal(candidates[j].key) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].key.Before(candidates[j].key)
	})
	return candidates[0].id
}

func (m *Manager) removeLocked(id string, e *entry) {
	m.removeWatch(e.ws.Path)
	if err := os.RemoveAll(e.ws.Path); err != nil {
		slog.Warn("failed to remove workspace directory", "id", id, "path", e.ws.Path, "error", err)
	}
	delete(m.entries, id)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.DeleteWorkspace(context.Background(), id); err != nil {
			slog.Debug("workspace record not removed from store", "id", id, "error", err)
		}
	}
	slog.Debug("evicted workspace", "id", id)
}

func cloneWS(ws *taskmodel.Workspace) *taskmodel.Workspace {
	cp := *ws
	return &cp
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package workspace

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// addWatch registers path with the fsnotify watcher and records the
// owning workspace id so events can be mapped back to an entry.
func (m *Manager) addWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if err := m.watcher.Add(path); err != nil {
		slog.Warn("failed to watch workspace directory", "path", path, "error", err)
		return
	}
	for id, e := range m.entries {
		if e.ws.Path == path {
			m.pathToID[path] = id
			return
		}
	}
}

func (m *Manager) removeWatch(path string) {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if err := m.watcher.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Debug("note: workspace directory was not being watched", "path", path)
	}
	delete(m.pathToID, path)
}

// watchLoop marks a workspace dirty when its directory changes out from
// under the manager. get/list consult the dirty flag instead of
// stat-ing on every call.
func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("workspace watcher error", "error", err)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
		return
	}

	m.watcherMu.Lock()
	id, ok := m.pathToID[event.Name]
	if !ok {
		// The event is for a file inside a watched directory rather than
		// the directory itself; fsnotify reports the parent's watch.
		for p, wid := range m.pathToID {
			if len(event.Name) > len(p) && event.Name[:len(p)] == p {
				id, ok = wid, true
				break
			}
		}
	}
	m.watcherMu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	if e, found := m.entries[id]; found {
		e.dirty = true
	}
	m.mu.Unlock()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the durable record of tasks, workspaces, and the
// operation log, backed by internal/store/badgerkv. It follows the same
// manual-secondary-index pattern used over BadgerDB in
// services/trace/agent/mcts/crs/journal.go: a single flat keyspace with
// prefix-separated logical tables, plus sorted index keys maintained
// on every write. ListTasks does not read the status index; it scans
// the full task keyspace.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/store/badgerkv"
	"github.com/AleutianAI/gitd/internal/taskmodel"
)

const (
	prefixTask      = "task/"
	prefixWorkspace = "workspace/"
	prefixOplog     = "oplog/"
	prefixTaskIdx   = "idx/task/status/"
	prefixWsIdx     = "idx/workspace/last_accessed/"
)

// Config configures a Store's retry behavior on top of its badgerkv.Config.
type Config struct {
	Badger           badgerkv.Config
	MaxStorageRetries int
}

// DefaultConfig mirrors the max_storage_retries default of 3.
func DefaultConfig() Config {
	return Config{Badger: badgerkv.DefaultConfig(), MaxStorageRetries: 3}
}

// Store is the durable task/workspace/oplog record.
type Store struct {
	db      *badgerkv.DB
	retries int
}

// Open opens (or creates) the backing database per cfg.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxStorageRetries <= 0 {
		cfg.MaxStorageRetries = 3
	}
	db, err := badgerkv.Open(cfg.Badger)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, retries: cfg.MaxStorageRetries}, nil
}

// Close releases the backing database.
func (s *Store) Close() error { return s.db.Close() }

// withRetry retries fn on badger.ErrConflict up to max_storage_retries
// with exponential backoff and jitter, surfacing exhaustion as kind
// STORAGE. Any other error, including an I/O error, is returned at once
// without a retry.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == s.retries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 10 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return taskmodel.NewError(taskmodel.ErrStorage, "storage retry cancelled", "cause", ctx.Err().Error())
		}
	}
	return taskmodel.NewError(taskmodel.ErrStorage, "storage operation exhausted retries", "cause", lastErr.Error())
}

func isRetryable(err error) bool {
	return err == badger.ErrConflict
}

// redactTask scrubs any embedded credential (a URL's userinfo, a token
// caught by the generic secret registry) out of a task's params, result,
// and error message before it is written to disk. The dispatcher already
// redacts params on the way in, but InsertTask/UpdateTask are the actual
// persistence boundary: a caller that reaches the store directly, or a
// result/error string surfaced from git's own stderr, gets scrubbed here
// too, rather than trusting every upstream caller to have done it.
func redactTask(t *taskmodel.Task) {
	if len(t.Params) > 0 {
		t.Params = json.RawMessage(credential.Redact(string(t.Params)))
	}
	if len(t.Result) > 0 {
		t.Result = json.RawMessage(credential.Redact(string(t.Result)))
	}
	if t.Error != nil {
		t.Error.Message = credential.Redact(t.Error.Message)
		t.Error.Suggestion = credential.Redact(t.Error.Suggestion)
	}
}

// InsertTask writes a new task record and its status index entry in one
// transaction.
func (s *Store) InsertTask(ctx context.Context, t *taskmodel.Task) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			redactTask(t)
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set(taskKey(t.ID), data); err != nil {
				return err
			}
			return txn.Set(taskIndexKey(t.Status, t.CreatedAt, t.ID), nil)
		})
	})
}

// UpdateTask applies an atomic field patch to a task, updating the
// status index when status changes.
func (s *Store) UpdateTask(ctx context.Context, id string, patch taskmodel.TaskPatch) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(taskKey(id))
			if err != nil {
				return mapGetErr(err, taskmodel.ErrTaskNotFound, "task_id", id)
			}
			var t taskmodel.Task
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
				return err
			}

			oldStatus := t.Status
			if patch.Status != nil {
				t.Status = *patch.Status
			}
			if patch.Progress != nil {
				t.Progress = *patch.Progress
			}
			if patch.Result != nil {
				t.Result = patch.Result
			}
			if patch.Error != nil {
				t.Error = patch.Error
			}
			if patch.Attempt != nil {
				t.Attempt = *patch.Attempt
			}
			if patch.StartedAt != nil {
				t.StartedAt = *patch.StartedAt
			}
			if patch.CompletedAt != nil {
				t.CompletedAt = *patch.CompletedAt
			}

			redactTask(&t)

			data, err := json.Marshal(&t)
			if err != nil {
				return err
			}
			if err := txn.Set(taskKey(id), data); err != nil {
				return err
			}
			if patch.Status != nil && *patch.Status != oldStatus {
				if err := txn.Delete(taskIndexKey(oldStatus, t.CreatedAt, id)); err != nil {
					return err
				}
				if err := txn.Set(taskIndexKey(t.Status, t.CreatedAt, id), nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*taskmodel.Task, error) {
	var t taskmodel.Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(taskKey(id))
			if err != nil {
				return mapGetErr(err, taskmodel.ErrTaskNotFound, "task_id", id)
			}
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &t) })
		})
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks scans the full task keyspace, whether or not filter.Status
// is set, applying filter.Match and limit.
func (s *Store) ListTasks(ctx context.Context, filter taskmodel.TaskFilter, limit int) ([]*taskmodel.Task, error) {
	var out []*taskmodel.Task
	err := s.withRetry(ctx, func(ctx context.Context) error {
		out = nil
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			prefix := []byte(prefixTask)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = true
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var t taskmodel.Task
				if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
					return err
				}
				if !filter.Match(&t) {
					continue
				}
				cp := t
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTasksOlderThan removes terminal tasks whose completed_at
// predates cutoff, driven by the task manager's retention GC.
func (s *Store) DeleteTasksOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.withRetry(ctx, func(ctx context.Context) error {
		deleted = 0
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			prefix := []byte(prefixTask)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = true
			it := txn.NewIterator(opts)
			defer it.Close()

			var toDelete []taskmodel.Task
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var t taskmodel.Task
				if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
					return err
				}
				if t.Status.Terminal() && t.CompletedAt.Before(cutoff) {
					toDelete = append(toDelete, t)
				}
			}
			for _, t := range toDelete {
				if err := txn.Delete(taskKey(t.ID)); err != nil {
					return err
				}
				if err := txn.Delete(taskIndexKey(t.Status, t.CreatedAt, t.ID)); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
	})
	return deleted, err
}

// InsertWorkspace writes a new workspace record and its recency index entry.
func (s *Store) InsertWorkspace(ctx context.Context, w *taskmodel.Workspace) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			data, err := json.Marshal(w)
			if err != nil {
				return err
			}
			if err := txn.Set(workspaceKey(w.ID), data); err != nil {
				return err
			}
			return txn.Set(workspaceIndexKey(w.LastAccessedAt, w.ID), nil)
		})
	})
}

// UpdateWorkspace applies an atomic field patch to a workspace.
func (s *Store) UpdateWorkspace(ctx context.Context, id string, patch taskmodel.WorkspacePatch) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(workspaceKey(id))
			if err != nil {
				return mapGetErr(err, taskmodel.ErrWorkspaceNotFound, "workspace_id", id)
			}
			var w taskmodel.Workspace
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &w) }); err != nil {
				return err
			}

			oldAccess := w.LastAccessedAt
			if patch.LastAccessedAt != nil {
				w.LastAccessedAt = *patch.LastAccessedAt
			}
			if patch.SizeBytes != nil {
				w.SizeBytes = *patch.SizeBytes
			}
			if patch.Dirty != nil {
				w.Dirty = *patch.Dirty
			}

			data, err := json.Marshal(&w)
			if err != nil {
				return err
			}
			if err := txn.Set(workspaceKey(id), data); err != nil {
				return err
			}
			if patch.LastAccessedAt != nil {
				if err := txn.Delete(workspaceIndexKey(oldAccess, id)); err != nil {
					return err
				}
				if err := txn.Set(workspaceIndexKey(w.LastAccessedAt, id), nil); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetWorkspace returns a workspace record by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*taskmodel.Workspace, error) {
	var w taskmodel.Workspace
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(workspaceKey(id))
			if err != nil {
				return mapGetErr(err, taskmodel.ErrWorkspaceNotFound, "workspace_id", id)
			}
			return item.Value(func(val []byte) error { return json.Unmarshal(val, &w) })
		})
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkspaces scans the recency index in ascending last_accessed_at order.
func (s *Store) ListWorkspaces(ctx context.Context, limit int) ([]*taskmodel.Workspace, error) {
	var ids []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		ids = nil
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			prefix := []byte(prefixWsIdx)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := string(it.Item().Key())
				parts := strings.Split(strings.TrimPrefix(key, prefixWsIdx), "/")
				ids = append(ids, parts[len(parts)-1])
				if limit > 0 && len(ids) >= limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]*taskmodel.Workspace, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkspace(ctx, id)
		if err != nil {
			continue // reaped between index scan and fetch
		}
		out = append(out, w)
	}
	return out, nil
}

// DeleteWorkspace removes a workspace record and its index entry.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			item, err := txn.Get(workspaceKey(id))
			if err != nil {
				return mapGetErr(err, taskmodel.ErrWorkspaceNotFound, "workspace_id", id)
			}
			var w taskmodel.Workspace
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &w) }); err != nil {
				return err
			}
			if err := txn.Delete(workspaceKey(id)); err != nil {
				return err
			}
			return txn.Delete(workspaceIndexKey(w.LastAccessedAt, id))
		})
	})
}

// AppendLog appends an (already-redacted) operation log entry.
func (s *Store) AppendLog(ctx context.Context, entry taskmodel.LogEntry) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			return txn.Set(oplogKey(entry.TaskID, entry.Timestamp), data)
		})
	})
}

// ListLogs returns every log entry recorded for a task, in append order.
func (s *Store) ListLogs(ctx context.Context, taskID string) ([]taskmodel.LogEntry, error) {
	var out []taskmodel.LogEntry
	err := s.withRetry(ctx, func(ctx context.Context) error {
		out = nil
		return s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			prefix := []byte(fmt.Sprintf("%s%s/", prefixOplog, taskID))
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = true
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var e taskmodel.LogEntry
				if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
					return err
				}
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// RecoverCrashedTasks scans for tasks left in RUNNING state across a
// restart and applies policy: re-enqueue idempotent operations, FAIL the
// rest with kind CRASHED. It returns the ids of tasks moved back to
// QUEUED so the caller can re-enqueue them on the task queue.
func (s *Store) RecoverCrashedTasks(ctx context.Context) (requeue []string, err error) {
	running, err := s.ListTasks(ctx, taskmodel.TaskFilter{Status: taskmodel.StatusRunning}, 0)
	if err != nil {
		return nil, err
	}

	for _, t := range running {
		if t.Operation.Idempotent() {
			queued := taskmodel.StatusQueued
			if err := s.UpdateTask(ctx, t.ID, taskmodel.TaskPatch{Status: &queued}); err != nil {
				return requeue, err
			}
			requeue = append(requeue, t.ID)
			continue
		}
		failed := taskmodel.StatusFailed
		completedAt := time.Now()
		crashErr := taskmodel.NewError(taskmodel.ErrCrashed, "task was RUNNING when the process restarted")
		if err := s.UpdateTask(ctx, t.ID, taskmodel.TaskPatch{
			Status: &failed, Error: crashErr, CompletedAt: &completedAt,
		}); err != nil {
			return requeue, err
		}
	}
	return requeue, nil
}

func taskKey(id string) []byte      { return []byte(prefixTask + id) }
func workspaceKey(id string) []byte { return []byte(prefixWorkspace + id) }

func taskIndexKey(status taskmodel.Status, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixTaskIdx, status, createdAt.UnixNano(), id))
}

func workspaceIndexKey(lastAccessed time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixWsIdx, lastAccessed.UnixNano(), id))
}

func oplogKey(taskID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixOplog, taskID, ts.UnixNano()))
}

func mapGetErr(err error, kind taskmodel.ErrorKind, context ...string) error {
	if err == badger.ErrKeyNotFound {
		return taskmodel.NewError(kind, "record not found", context...)
	}
	return err
}

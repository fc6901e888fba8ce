// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerkv is a thin, context-aware wrapper around
// github.com/dgraph-io/badger/v4, grounded on the
// services/trace/storage/badger wrapper used elsewhere in this codebase
// (WithTxn/WithReadTxn transaction helpers, managed GC runner, in-memory
// mode for tests).
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures a managed Badger instance.
type Config struct {
	// Path is the on-disk directory. Required unless InMemory is set.
	Path string
	// InMemory runs Badger with no on-disk footprint (tests, ephemeral runs).
	InMemory bool
	// SyncWrites forces an fsync on every commit.
	SyncWrites bool
	// NumVersionsToKeep bounds MVCC history; 1 means "latest value only".
	NumVersionsToKeep int
	// GCInterval schedules periodic value-log garbage collection. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the ratio value-log GC compacts at.
	GCDiscardRatio float64
	// Logger receives Badger's internal log lines; nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production-shaped configuration: persistent,
// synchronous, one version kept, GC every five minutes.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns the configuration used by tests: no durability
// guarantees, no background GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		SyncWrites:        false,
		NumVersionsToKeep: 1,
		GCDiscardRatio:    0.5,
	}
}

// DB wraps *badger.DB with context-aware transaction helpers and an
// optional managed GC loop.
type DB struct {
	inner  *badger.DB
	logger *slog.Logger
	gc     *GCRunner
}

// Open opens a Badger instance per cfg, validating persistent mode
// requires a path.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent badger store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return OpenDB(cfg)
}

// OpenInMemory opens an ephemeral, in-process Badger instance.
func OpenInMemory() (*DB, error) {
	return OpenDB(InMemoryConfig())
}

// OpenWithPath opens a persistent Badger instance rooted at path using
// DefaultConfig's durability settings.
func OpenWithPath(path string) (*DB, error) {
	cfg := DefaultConfig()
	cfg.Path = path
	return Open(cfg)
}

// OpenDB opens a Badger instance per cfg without the InMemory/path
// validation Open performs, for callers (like a recovered journal) that
// have already validated cfg themselves.
func OpenDB(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts = opts.WithInMemory(cfg.InMemory)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(maxInt(1, cfg.NumVersionsToKeep))
	opts = opts.WithLogger(nil) // Badger's own logger is noisy; we log around it.

	inner, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", cfg.Path, err)
	}

	db := &DB{inner: inner, logger: cfg.Logger}

	if cfg.GCInterval > 0 {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			inner.Close()
			return nil, err
		}
		db.gc = runner
		runner.Start()
	}

	return db, nil
}

// WithTxn runs fn inside a read-write transaction, committing on
// success and rolling back on error or context cancellation.
func (db *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}
	return db.inner.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (db *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}
	return db.inner.View(fn)
}

// Update exposes the underlying badger.DB.Update for callers that
// already have a non-cancellable context.
func (db *DB) Update(fn func(txn *badger.Txn) error) error { return db.inner.Update(fn) }

// View exposes the underlying badger.DB.View.
func (db *DB) View(fn func(txn *badger.Txn) error) error { return db.inner.View(fn) }

// Sync flushes the value log to disk.
func (db *DB) Sync() error {
	if db.inner == nil {
		return nil
	}
	return db.inner.Sync()
}

// Close stops the GC runner (if any) and closes the underlying store.
func (db *DB) Close() error {
	if db.gc != nil {
		db.gc.Stop()
	}
	return db.inner.Close()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// GCRunner periodically invokes Badger's value-log garbage collection.
type GCRunner struct {
	db       *DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	running  atomic.Bool
}

// NewGCRunner validates its arguments and returns a stopped runner.
func NewGCRunner(db *DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio > 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCRunner{db: db, interval: interval, ratio: ratio, logger: logger, stopCh: make(chan struct{})}, nil
}

// Start launches the GC loop in a background goroutine. Safe to call once.
func (r *GCRunner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// Stop halts the GC loop. Safe to call multiple times.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *GCRunner) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *GCRunner) runOnce() {
	for {
		err := r.db.inner.RunValueLogGC(r.ratio)
		if err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("value log gc failed", "error", err)
			}
			return
		}
	}
}

// TempDir creates a fresh temp directory for Badger test fixtures.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}

// CleanupDir removes a directory created by TempDir. Safe to call with
// an empty path.
func CleanupDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

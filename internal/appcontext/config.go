// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package appcontext loads the process-scoped configuration (one
// environment variable per tunable) into a single explicit struct and
// threads it through component constructors rather than relying on a
// global singleton. No package-level Global variable exists here on
// purpose.
package appcontext

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/workspace"
)

// Config is every tunable gitd exposes, typed and defaulted.
type Config struct {
	// Workspace manager
	WorkspaceRoot             string
	WorkspaceRetentionSeconds int64
	WorkspaceTotalQuotaBytes  int64
	WorkspaceCleanupStrategy  workspace.Strategy
	CleanupIntervalSeconds    int64

	// Worker pool / task manager
	WorkerCount            int
	MaxConcurrentTasks     int
	QueueCapacity          int
	TaskTimeoutSeconds     int64
	ResultRetentionSeconds int64
	MaxRetries             int
	CancelGraceSeconds     int64
	TimeoutCheckInterval   time.Duration
	RetentionCheckInterval time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow    time.Duration

	// Credential sources
	GitToken        string
	GitSSHKeyPath   string
	GitSSHPassphrase string
	GitUsername     string
	GitPassword     string

	// Git adapter
	DefaultCloneDepth int

	// Ambient stack
	LogLevel        string
	ServiceName     string
	HTTPPort        int
	OTLPEndpoint    string
	OTLPInsecure    bool
	StoreDBPath     string
	MaxStorageRetries int
}

// Load reads every env var this package knows about, applying the
// stated defaults. It never panics; malformed numeric values fall back to the
// default and are reported via the returned error so the caller can
// decide whether to log-and-continue or abort.
func Load() (*Config, error) {
	var errs []string
	cfg := &Config{
		WorkspaceRoot:             envString("WORKSPACE_ROOT", os.TempDir()),
		WorkspaceRetentionSeconds: envInt64("WORKSPACE_RETENTION_SECONDS", 3600, &errs),
		WorkspaceTotalQuotaBytes:  envInt64("WORKSPACE_TOTAL_QUOTA_BYTES", 10*1024*1024*1024, &errs),
		WorkspaceCleanupStrategy:  envStrategy("WORKSPACE_CLEANUP_STRATEGY", workspace.StrategyLRU),
		CleanupIntervalSeconds:    envInt64("CLEANUP_INTERVAL_SECONDS", 300, &errs),

		WorkerCount:            envInt("WORKER_COUNT", 4, &errs),
		MaxConcurrentTasks:     envInt("MAX_CONCURRENT_TASKS", 10, &errs),
		QueueCapacity:          envInt("QUEUE_CAPACITY", 100, &errs),
		TaskTimeoutSeconds:     envInt64("TASK_TIMEOUT_SECONDS", 300, &errs),
		ResultRetentionSeconds: envInt64("RESULT_RETENTION_SECONDS", 3600, &errs),
		MaxRetries:             envInt("MAX_RETRIES", 3, &errs),
		CancelGraceSeconds:     envInt64("CANCEL_GRACE_SECONDS", 10, &errs),
		TimeoutCheckInterval:   envDuration("TASK_TIMEOUT_CHECK_INTERVAL", 5*time.Second, &errs),
		RetentionCheckInterval: envDuration("RETENTION_CHECK_INTERVAL", 60*time.Second, &errs),

		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100, &errs),
		RateLimitWindow:   envDuration("RATE_LIMIT_WINDOW_SECONDS", 60*time.Second, &errs),

		GitToken:         os.Getenv("GIT_TOKEN"),
		GitSSHKeyPath:    os.Getenv("GIT_SSH_KEY_PATH"),
		GitSSHPassphrase: os.Getenv("GIT_SSH_PASSPHRASE"),
		GitUsername:      os.Getenv("GIT_USERNAME"),
		GitPassword:      os.Getenv("GIT_PASSWORD"),

		DefaultCloneDepth: envInt("DEFAULT_CLONE_DEPTH", 1, &errs),

		LogLevel:          envString("LOG_LEVEL", "INFO"),
		ServiceName:       envString("GITD_SERVICE_NAME", "gitd"),
		HTTPPort:          envInt("GITD_HTTP_PORT", 8080, &errs),
		OTLPEndpoint:      envString("GITD_OTLP_ENDPOINT", ""),
		OTLPInsecure:      envBool("GITD_OTLP_INSECURE", true),
		StoreDBPath:       envString("GITD_STORE_PATH", ""),
		MaxStorageRetries: envInt("MAX_STORAGE_RETRIES", 3, &errs),
	}
	if cfg.StoreDBPath == "" {
		cfg.StoreDBPath = cfg.WorkspaceRoot + "/.gitd-store"
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// CredentialSources builds the static credential.Source list this
// config's GIT_TOKEN / GIT_SSH_KEY_PATH / GIT_USERNAME / GIT_PASSWORD
// env vars describe, in the priority order credential.Manager expects.
func (c *Config) CredentialSources() []credential.Source {
	var sources []credential.Source
	if c.GitToken != "" {
		sources = append(sources, credential.Source{Method: credential.MethodToken, Token: c.GitToken})
	}
	if c.GitSSHKeyPath != "" {
		sources = append(sources, credential.Source{
			Method:     credential.MethodSSHKey,
			SSHKeyPath: c.GitSSHKeyPath,
			Passphrase: c.GitSSHPassphrase,
		})
	}
	if c.GitUsername != "" && c.GitPassword != "" {
		sources = append(sources, credential.Source{
			Method:   credential.MethodUsernamePassword,
			Username: c.GitUsername,
			Password: c.GitPassword,
		})
	}
	return sources
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid int %q, using default %d", key, v, def))
		return def
	}
	return n
}

func envInt64(key string, def int64, errs *[]string) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid int %q, using default %d", key, v, def))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]string) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration seconds %q, using default %s", key, v, def))
		return def
	}
	return time.Duration(n) * time.Second
}

func envStrategy(key string, def workspace.Strategy) workspace.Strategy {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToUpper(v) {
	case string(workspace.StrategyLRU):
		return workspace.StrategyLRU
	case string(workspace.StrategyFIFO):
		return workspace.StrategyFIFO
	default:
		return def
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package gitadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gitd/internal/credential"
	"github.com/AleutianAI/gitd/internal/taskmodel"
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitd_git_exec_duration_seconds",
		Help:    "Duration of git binary invocations by subcommand and exit code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "exit_code"})

	remoteOpProgress = regexp.MustCompile(`(\d{1,3})%`)
)

// ExecAdapter shells out to the git binary via os/exec, structured like
// GitAwareExecutor.Execute: classify, build cmd.Dir/cmd.Env, span, run,
// map exit codes, record metrics.
type ExecAdapter struct {
	// GitBinary overrides the resolved "git" executable; empty uses PATH lookup.
	GitBinary string
	// AskpassDir is the private temp directory GIT_ASKPASS helper
	// scripts are written to (0700, one file per invocation, deleted in
	// every exit path).
	AskpassDir string
}

// NewExecAdapter returns an adapter that shells out to the git binary,
// writing GIT_ASKPASS helpers under askpassDir.
func NewExecAdapter(askpassDir string) *ExecAdapter {
	return &ExecAdapter{GitBinary: "git", AskpassDir: askpassDir}
}

func (a *ExecAdapter) binary() string {
	if a.GitBinary != "" {
		return a.GitBinary
	}
	return "git"
}

// Execute runs req.Operation against req.WorkspaceDir.
func (a *ExecAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	builder, ok := argBuilders[req.Operation]
	if !ok {
		return nil, taskmodel.NewError(taskmodel.ErrInvalidParams,
			"unsupported operation", "operation", string(req.Operation))
	}

	args, err := builder(req.WorkspaceDir, req.Params)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("gitd/gitadapter").Start(ctx, "git."+string(req.Operation),
		trace.WithAttributes(attribute.String("git.workspace", req.WorkspaceDir)))
	defer span.End()
	start := time.Now()

	var askpassPath string
	if req.Operation.IsRemote() && req.Credential != nil {
		path, cleanup, err := writeAskpassHelper(a.AskpassDir, req.Credential)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		askpassPath = path
		defer cleanup()
	}

	cmd := exec.CommandContext(ctx, a.binary(), args...)
	cmd.Dir = req.WorkspaceDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if askpassPath != "" {
		cmd.Env = append(cmd.Env, "GIT_ASKPASS="+askpassPath)
	}

	stderr, stdout, exitCode, runErr := runWithProgress(ctx, cmd, req.Operation, req.Progress)
	execDuration.WithLabelValues(string(req.Operation), strconv.Itoa(exitCode)).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, taskmodel.NewError(taskmodel.ErrTaskCancelled, "operation cancelled")
	}

	if runErr != nil && exitCode != 0 {
		if result, conflictErr := classifyFailure(req.Operation, exitCode, stdout, stderr); conflictErr != nil {
			span.SetStatus(codes.Error, conflictErr.Error())
			return result, conflictErr
		}
	}
	if runErr != nil && exitCode == -1 {
		span.RecordError(runErr)
		return nil, taskmodel.NewError(taskmodel.ErrGitCommandFailed, "failed to start git", "cause", runErr.Error())
	}

	if req.Progress != nil {
		req.Progress(100)
	}

	payload, err := json.Marshal(map[string]string{"output": stdout})
	if err != nil {
		return nil, err
	}
	return &Result{Payload: payload}, nil
}

// runWithProgress executes cmd, tailing stderr for percentage progress
// lines (clone/fetch/push/pull's --progress output) while buffering
// both streams for post-mortem classification.
func runWithProgress(ctx context.Context, cmd *exec.Cmd, op taskmodel.Operation, sink ProgressSink) (stderrOut, stdoutOut string, exitCode int, err error) {
	var stdoutBuf, stderrBuf strings.Builder

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", -1, err
	}
	cmd.Stdout = &stdoutBuf

	if err := cmd.Start(); err != nil {
		return "", "", -1, err
	}

	if sink != nil {
		sink(0)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderrPipe)
		// git's progress reporter uses carriage returns rather than
		// newlines between updates; split on either so no update is lost.
		scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
			for i, b := range data {
				if b == '\n' || b == '\r' {
					return i + 1, data[:i], nil
				}
			}
			if atEOF && len(data) > 0 {
				return len(data), data, nil
			}
			return 0, nil, nil
		})
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			stderrBuf.WriteString(line)
			stderrBuf.WriteByte('\n')
			if sink != nil {
				if m := remoteOpProgress.FindStringSubmatch(line); m != nil {
					if pct, convErr := strconv.Atoi(m[1]); convErr == nil {
						sink(pct)
					}
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	<-done

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return stderrBuf.String(), stdoutBuf.String(), -1, waitErr
		}
	}
	return stderrBuf.String(), stdoutBuf.String(), code, waitErr
}

// classifyFailure maps a non-zero exit into the error taxonomy,
// surfacing a structured conflict list for merge/rebase.
func classifyFailure(op taskmodel.Operation, exitCode int, stdout, stderr string) (*Result, error) {
	combined := stdout + "\n" + stderr

	switch op {
	case taskmodel.OpMerge, taskmodel.OpRebase:
		if conflicts := parseConflicts(combined); len(conflicts) > 0 {
			kind := taskmodel.ErrMergeConflict
			if op == taskmodel.OpRebase {
				kind = taskmodel.ErrRebaseConflict
			}
			return &Result{Conflicts: conflicts}, taskmodel.NewError(kind, "conflicting paths during "+string(op))
		}
	case taskmodel.OpPush:
		if strings.Contains(combined, "[rejected]") || strings.Contains(combined, "non-fast-forward") {
			return nil, taskmodel.NewError(taskmodel.ErrPushRejected, "remote rejected push")
		}
	}

	switch {
	case strings.Contains(combined, "Authentication failed") || strings.Contains(combined, "could not read Username"):
		return nil, taskmodel.NewError(taskmodel.ErrAuthFailed, "git authentication failed")
	case strings.Contains(combined, "Could not resolve host") || strings.Contains(combined, "Connection refused"):
		return nil, taskmodel.NewError(taskmodel.ErrNetworkError, "network error during "+string(op))
	case strings.Contains(combined, "not a git repository"):
		return nil, taskmodel.NewError(taskmodel.ErrRepoNotFound, "not a git repository")
	case strings.Contains(combined, "nothing to commit") || strings.Contains(combined, "Your branch is up to date"):
		return nil, taskmodel.NewError(taskmodel.ErrGitNoChanges, "no changes to act on")
	}

	return nil, taskmodel.NewError(taskmodel.ErrGitCommandFailed, fmt.Sprintf("git %s exited %d", op, exitCode),
		"stderr", strings.TrimSpace(stderr))
}

var conflictLinePattern = regexp.MustCompile(`^(UU|AA|AU|UA|DU|UD|DD) (.+)$`)

func parseConflicts(combined string) []Conflict {
	var conflicts []Conflict
	for _, line := range strings.Split(combined, "\n") {
		m := conflictLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		conflicts = append(conflicts, Conflict{Path: m[2], Kind: conflictKindFor(m[1])})
	}
	return conflicts
}

func conflictKindFor(code string) ConflictKind {
	switch code {
	case "UU", "AA":
		return ConflictBothModified
	case "AU":
		return ConflictAddedByUs
	case "UA":
		return ConflictAddedByThem
	case "DU":
		return ConflictDeletedByUs
	case "UD":
		return ConflictDeletedByThem
	default:
		return ConflictBothModified
	}
}

// writeAskpassHelper writes a short-lived GIT_ASKPASS script containing
// only the resolved credential's material, scoped to one invocation,
// never environment variables or argv, which any co-resident process
// could read. The returned cleanup func deletes the script and must
// run on every exit path, including a panicking one.
func writeAskpassHelper(dir string, cred *credential.Credential) (path string, cleanup func(), err error) {
	cleanup = func() {}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", cleanup, fmt.Errorf("creating askpass dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "gitd-askpass-*")
	if err != nil {
		return "", cleanup, fmt.Errorf("creating askpass helper: %w", err)
	}
	path = f.Name()
	cleanup = func() { _ = os.Remove(path) }

	secret := cred.Token()
	if secret == "" {
		secret = cred.Password()
	}
	script := "#!/bin/sh\necho " + shellQuote(secret) + "\n"

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if _, err = f.WriteString(script); err != nil {
		return "", cleanup, fmt.Errorf("writing askpass helper: %w", err)
	}
	if err = f.Chmod(0700); err != nil {
		return "", cleanup, fmt.Errorf("chmod askpass helper: %w", err)
	}
	return filepath.Clean(path), cleanup, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credential

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// Method identifies which authentication variant a Credential carries.
type Method string

const (
	MethodToken           Method = "TOKEN"
	MethodUsernamePassword Method = "USERNAME_PASSWORD"
	MethodSSHKey          Method = "SSH_KEY"
	MethodSSHAgent        Method = "SSH_AGENT"
)

// defaultPriority is the resolve() selection order:
// TOKEN > SSH_AGENT > SSH_KEY > USERNAME_PASSWORD.
var defaultPriority = []Method{MethodToken, MethodSSHAgent, MethodSSHKey, MethodUsernamePassword}

// MinMlockKB is the minimum mlock limit, in kilobytes, required before
// secrets are held in guard-paged memguard buffers rather than the
// insecure fallback. Mirrors
// services/orchestrator/handlers/secure_accumulator.go's
// MinMlockLimitKB, sized down since credential material (tokens, SSH
// passphrases) is far smaller than accumulated LLM output.
const MinMlockKB = 64

var (
	memguardOnce     sync.Once
	mlockSufficient  bool
	currentMlockKB   int64
)

func initMemguard() {
	memguardOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("credential secure memory initialized",
				"mlock_limit_kb", currentMlockKB, "required_kb", MinMlockKB)
		} else if os.Getenv("GITD_INSECURE_MEMORY") == "true" {
			slog.Warn("SECURITY: credential manager running with insecure memory",
				"current_limit_kb", currentMlockKB, "required_kb", MinMlockKB)
		} else {
			slog.Error("mlock limit insufficient for credential secure memory",
				"current_limit_kb", currentMlockKB, "required_kb", MinMlockKB,
				"help", "set GITD_INSECURE_MEMORY=true to run without mlock guarantees")
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockKB, limitKB
}

// secret wraps a single piece of secret material. When secure memory is
// available it is backed by a memguard.LockedBuffer; otherwise it falls
// back to a plain byte slice that is best-effort zeroed on Destroy.
type secret struct {
	buf     *memguard.LockedBuffer
	plain   []byte
	secured bool
}

func newSecret(value string) *secret {
	initMemguard()
	if value == "" {
		return &secret{secured: mlockSufficient}
	}
	if mlockSufficient {
		buf := memguard.NewBufferFromBytes([]byte(value))
		buf.Melt()
		return &secret{buf: buf, secured: true}
	}
	data := make([]byte, len(value))
	copy(data, value)
	return &secret{plain: data, secured: false}
}

// Value returns the secret material as a string. Callers must not log
// or persist the result; it must flow straight into the adapter's
// authentication callback.
func (s *secret) Value() string {
	if s == nil {
		return ""
	}
	if s.buf != nil {
		return string(s.buf.Bytes())
	}
	return string(s.plain)
}

// destroy wipes the backing memory. Safe to call multiple times.
func (s *secret) destroy() {
	if s == nil {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
		return
	}
	for i := range s.plain {
		s.plain[i] = 0
	}
	s.plain = nil
}

// Credential is an in-memory-only authentication value.
// Its zero value is never meaningful outside this package; construct
// one via Manager.Resolve.
type Credential struct {
	Method          Method
	Username        string
	token           *secret
	password        *secret
	sshKeyPath      string
	sshPassphrase   *secret
	refs            int
	released        bool
}

// String never reveals secret material.
func (c *Credential) String() string {
	return fmt.Sprintf("Credential{method=%s}", redactedValue(c))
}

func redactedValue(c *Credential) string {
	if c == nil {
		return "<nil>"
	}
	return string(c.Method)
}

// LogValue implements slog.LogValuer so a Credential never leaks its
// secret material through structured logging, per pkg/logging's
// documented "callers must ensure PII/tokens are not logged" contract
// — for Credential specifically, the package enforces it instead of
// merely documenting it.
func (c *Credential) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Token returns the bearer token for MethodToken credentials.
func (c *Credential) Token() string {
	if c == nil || c.token == nil {
		return ""
	}
	return c.token.Value()
}

// Password returns the password for MethodUsernamePassword credentials.
func (c *Credential) Password() string {
	if c == nil || c.password == nil {
		return ""
	}
	return c.password.Value()
}

// SSHKeyPath returns the filesystem path to the private key for
// MethodSSHKey credentials. The path itself is not secret; the key
// material on disk and any passphrase are.
func (c *Credential) SSHKeyPath() string {
	if c == nil {
		return ""
	}
	return c.sshKeyPath
}

// SSHPassphrase returns the decrypt passphrase for MethodSSHKey
// credentials, if any.
func (c *Credential) SSHPassphrase() string {
	if c == nil || c.sshPassphrase == nil {
		return ""
	}
	return c.sshPassphrase.Value()
}

// zero wipes every secret field. Called by Manager.Release on every
// exit path so a released handle can't leak its material afterward.
func (c *Credential) zero() {
	if c == nil {
		return
	}
	c.token.destroy()
	c.password.destroy()
	c.sshPassphrase.destroy()
}

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
	"sync"

	"github.com/AleutianAI/gitd/internal/taskmodel"
	"github.com/AleutianAI/gitd/pkg/logging"
)

// Source is a configured origin for credential material: an env var, a
// key file on disk, an SSH agent socket, etc. Manager holds a list of
// sources and consults them in priority order on Resolve.
type Source struct {
	Method     Method
	Username   string
	Token      string
	Password   string
	SSHKeyPath string
	Passphrase string
	// Match, if non-nil, restricts this source to remote URLs it
	// accepts (e.g. a host-scoped token). A nil Match matches anything.
	Match func(remoteURL string) bool
}

// Handle is a scoped, refcounted lease on a resolved Credential. Workers
// obtain one via Manager.Resolve and must call Manager.Release exactly
// once per successful Resolve, on every exit path (success, error,
// cancellation, panic).
type Handle struct {
	id         string
	credential *Credential
}

// Credential returns the underlying credential for use by the git
// adapter's authentication callback.
func (h *Handle) Credential() *Credential {
	if h == nil {
		return nil
	}
	return h.credential
}

// Manager resolves, holds, and releases credentials.
type Manager struct {
	mu       sync.Mutex
	sources  []Source
	priority []Method
	logger   *logging.Logger
}

// NewManager builds a credential manager over the given sources,
// registered in priority order TOKEN > SSH_AGENT > SSH_KEY >
// USERNAME_PASSWORD unless overridden.
func NewManager(sources []Source, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{sources: sources, priority: defaultPriority, logger: logger}
}

// WithPriority overrides the default method selection order.
func (m *Manager) WithPriority(order []Method) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = order
	return m
}

// Resolve selects the highest-priority source applicable to remoteURL
// and returns a scoped Handle. The operation argument is accepted for
// future per-operation source overrides and audit logging.
func (m *Manager) Resolve(operation taskmodel.Operation, remoteURL string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, method := range m.priority {
		for _, src := range m.sources {
			if src.Method != method {
				continue
			}
			if src.Match != nil && !src.Match(remoteURL) {
				continue
			}
			cred := m.materialize(src)
			handle := &Handle{id: fmt.Sprintf("%s:%s", operation, method), credential: cred}
			m.logger.Debug("resolved credential",
				"operation", operation, "method", method, "remote_url", RedactURL(remoteURL))
			return handle, nil
		}
	}

	return nil, taskmodel.NewError(taskmodel.ErrAuthFailed,
		"no credential source available for remote", "remote_url", RedactURL(remoteURL))
}

func (m *Manager) materialize(src Source) *Credential {
	cred := &Credential{Method: src.Method, Username: src.Username, refs: 1}
	switch src.Method {
	case MethodToken:
		cred.token = newSecret(src.Token)
		global.add(src.Token)
	case MethodUsernamePassword:
		cred.password = newSecret(src.Password)
		global.add(src.Password)
	case MethodSSHKey:
		cred.sshKeyPath = src.SSHKeyPath
		cred.sshPassphrase = newSecret(src.Passphrase)
		global.add(src.Passphrase)
	case MethodSSHAgent:
		// Auth flows through the running ssh-agent socket; no secret
		// material is held by this process.
	}
	return cred
}

// Release zeroizes the handle's backing secret bytes and removes the
// registry entry used by Redact. Idempotent: calling it twice, or with
// a nil handle, is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.credential == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cred := h.credential
	if cred.released {
		return
	}
	cred.refs--
	if cred.refs > 0 {
		return
	}

	global.remove(cred.Token())
	global.remove(cred.Password())
	global.remove(cred.SSHPassphrase())
	cred.zero()
	cred.released = true
	m.logger.Debug("released credential", "method", cred.Method)
}

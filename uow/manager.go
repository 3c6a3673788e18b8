/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tomoncle/orbit/engine"
	"github.com/tomoncle/orbit/metadata"
	"github.com/tomoncle/orbit/pool"
	"github.com/tomoncle/orbit/utils"
)

// Manager opens sessions over pooled engine handles.
type Manager struct {
	provider pool.Provider
	eng      engine.Engine
	reg      *metadata.Registry
	logger   utils.Logger
	classify func(error) string

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

type Option func(*Manager)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(l utils.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithErrorClassifier sets the function that fills PersistenceError.Class
// from an engine error.
func WithErrorClassifier(fn func(error) string) Option {
	return func(m *Manager) { m.classify = fn }
}

func NewManager(provider pool.Provider, eng engine.Engine, reg *metadata.Registry, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		eng:      eng,
		reg:      reg,
		logger:   utils.NopLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Registry() *metadata.Registry { return m.reg }

func (m *Manager) Dialect() engine.Dialect { return m.eng.Dialect() }

// Open acquires a handle and returns an ACTIVE session that owns it until
// Close. The engine transaction is started by Commit.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, errors.New("uow: manager is shut down")
	}
	m.mu.Unlock()

	h, err := m.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s := newSession(uuid.NewString(), m, h)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.logger.Debug("Session opened", "session", s.id, "handle", h.ID())
	return s, nil
}

// Transactional runs fn in a fresh session: commit when fn returns nil,
// rollback when it fails or panics, close in every case. The session is
// also reachable from the context passed to fn through FromContext.
func (m *Manager) Transactional(ctx context.Context, fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := m.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			if s.Status() == StatusActive {
				_ = s.Rollback(ctx)
			}
			panic(r)
		}
	}()

	if err := fn(WithSession(ctx, s), s); err != nil {
		if s.Status() == StatusActive {
			if rerr := s.Rollback(ctx); rerr != nil {
				m.logger.Error("Rollback after failed transactional scope", "session", s.id, "error", rerr)
			}
		}
		return err
	}
	if s.Status() != StatusActive {
		return nil
	}
	return s.Commit(ctx)
}

// OpenSessions returns the number of sessions not yet closed.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes sessions that were never closed, reporting them as
// leaks, and then closes the pool.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.shutdown = true
	leaked := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		leaked = append(leaked, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range leaked {
		m.logger.Warn("Session was never closed", "session", s.id, "status", s.Status())
		if err := s.forceClose(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(leaked) > 0 {
		errs = append(errs, fmt.Errorf("uow: %d session(s) were never closed", len(leaked)))
	}
	if err := m.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

func (m *Manager) classifyErr(err error) string {
	if m.classify == nil {
		return ""
	}
	return m.classify(err)
}

type ctxKey struct{}

// WithSession returns a context carrying s for an enclosing transactional
// scope.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by WithSession, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}

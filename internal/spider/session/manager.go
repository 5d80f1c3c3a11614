// Copyright 2026 David Yordan. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"go.uber.org/zap"
)

// Namespaces is the provisioner surface the manager leases from.
type Namespaces interface {
	Acquire(ctx context.Context) (string, error)
	Release(name string)
}

// Proxies is the registry surface the manager acquires and returns
// proxies through.
type Proxies interface {
	Acquire(ctx context.Context) (*store.Proxy, error)
	Release(ctx context.Context, id int64, inUse bool) error
}

// Config tunes the pool.
type Config struct {
	// PoolSize is the maximum number of live sessions, which also bounds
	// scrape concurrency.
	PoolSize int
	// SessionTimeout bounds a rebuild, a child send, and the health
	// checker's staleness cutoff.
	SessionTimeout time.Duration
	// TerminateGrace is how long a closing child gets between SIGTERM
	// and SIGKILL.
	TerminateGrace time.Duration
	// SuperviseInterval is how often the supervisor refills the pool.
	SuperviseInterval time.Duration
	// HealthCheckInterval is how often stale sessions are swept.
	HealthCheckInterval time.Duration
	// CheckoutPoll is the wait between scans when every session is busy.
	CheckoutPoll time.Duration
}

// DefaultConfig returns the deployed tuning for a pool of size n.
func DefaultConfig(n int) Config {
	return Config{
		PoolSize:            n,
		SessionTimeout:      60 * time.Second,
		TerminateGrace:      10 * time.Second,
		SuperviseInterval:   10 * time.Second,
		HealthCheckInterval: time.Hour,
		CheckoutPoll:        100 * time.Millisecond,
	}
}

// Manager owns the session pool and its background maintenance. The
// rebuild mutex is process-wide: only one session rebuilds at a time, so
// resource churn (namespace + proxy turnover) stays serialised.
type Manager struct {
	cfg        Config
	namespaces Namespaces
	proxies    Proxies
	launcher   Launcher
	localIP    func() (string, error)
	log        *zap.SugaredLogger

	mu     sync.Mutex
	pool   []*Session
	nextID int

	rebuildMu sync.Mutex
}

// NewManager wires the pool's collaborators. Nothing is spawned until
// Initialize.
func NewManager(cfg Config, namespaces Namespaces, proxies Proxies, launcher Launcher, log *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:        cfg,
		namespaces: namespaces,
		proxies:    proxies,
		launcher:   launcher,
		localIP:    localIPv4,
		log:        log.Named("session"),
	}
}

// Initialize fills the pool up to PoolSize. Individual failures are
// logged and tolerated; the supervisor keeps retrying the missing slots.
func (m *Manager) Initialize(ctx context.Context) {
	m.fill(ctx)
}

// Acquire checks out a Ready session: a fair linear scan picks the first
// one that is neither Busy nor Rebuilding, and when none exists the scan
// repeats every CheckoutPoll until the context ends.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	for {
		m.mu.Lock()
		for _, s := range m.pool {
			s.mu.Lock()
			ready := s.state == StateReady && !s.rebuilding.Load()
			if ready {
				s.state = StateBusy
			}
			s.mu.Unlock()
			if ready {
				m.mu.Unlock()
				m.updateStateGauge()
				return s, nil
			}
		}
		m.mu.Unlock()

		select {
		case <-time.After(m.cfg.CheckoutPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release returns a Busy session to Ready. Sessions that went Rebuilding
// or Closed while checked out keep that state.
func (m *Manager) release(s *Session) {
	s.mu.Lock()
	if s.state == StateBusy {
		s.state = StateReady
	}
	s.mu.Unlock()
	m.updateStateGauge()
}

// Supervise keeps the pool at PoolSize, dropping Closed slots and
// spawning replacements every SuperviseInterval.
func (m *Manager) Supervise(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SuperviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.fill(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HealthCheck rebuilds sessions whose last successful IO predates
// now - SessionTimeout.
func (m *Manager) HealthCheck(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepStale(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.SessionTimeout)
	m.mu.Lock()
	stale := make([]*Session, 0)
	for _, s := range m.pool {
		st := s.State()
		if st == StateClosed || st == StateRebuilding {
			continue
		}
		if s.LastActive().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Warnw("session unresponsive, scheduling rebuild", "session", s.Label(), "lastActive", s.LastActive())
		go func(s *Session) {
			if err := s.Rebuild(ctx); err != nil {
				m.log.Errorw("health-check rebuild failed", "session", s.Label(), "error", err)
			}
		}(s)
	}
}

// fill drops Closed slots and creates sessions until the pool is back at
// PoolSize. Creation failures are logged; the next tick retries.
func (m *Manager) fill(ctx context.Context) {
	m.mu.Lock()
	live := m.pool[:0]
	for _, s := range m.pool {
		if s.State() != StateClosed {
			live = append(live, s)
		}
	}
	m.pool = live
	missing := m.cfg.PoolSize - len(m.pool)
	m.mu.Unlock()

	for i := 0; i < missing; i++ {
		s := m.newSession()
		createCtx, cancel := context.WithTimeout(ctx, m.cfg.SessionTimeout)
		err := s.create(createCtx)
		cancel()
		if err != nil {
			m.log.Errorw("failed to create session", "session", s.Label(), "error", err)
			continue
		}
		s.setState(StateReady)
		m.mu.Lock()
		m.pool = append(m.pool, s)
		m.mu.Unlock()
		m.log.Debugw("session added to pool", "session", s.Label(), "size", m.Size())
	}
	m.updateStateGauge()
}

func (m *Manager) newSession() *Session {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	s := &Session{id: id, mgr: m, state: StateCreating}
	s.log = m.log.Named(s.Label())
	return s
}

// Size is the number of live (non-Closed) sessions.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.pool {
		if s.State() != StateClosed {
			n++
		}
	}
	return n
}

// CloseAll tears the whole pool down. Used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	pool := append([]*Session(nil), m.pool...)
	m.pool = nil
	m.mu.Unlock()

	for _, s := range pool {
		s.close(ctx)
		s.setState(StateClosed)
	}
	m.updateStateGauge()
}

func (m *Manager) updateStateGauge() {
	counts := map[State]int{}
	m.mu.Lock()
	for _, s := range m.pool {
		counts[s.State()]++
	}
	m.mu.Unlock()
	for _, st := range []State{StateCreating, StateReady, StateBusy, StateRebuilding, StateClosed} {
		telemetry.SessionsByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

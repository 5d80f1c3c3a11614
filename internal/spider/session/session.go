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

// Package session binds one network namespace, one proxy, and one browser
// child process into a Session, and manages a bounded pool of them.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/child"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"go.uber.org/zap"
)

// State is a session's lifecycle position.
//
//	Creating ──success──► Ready ──checkout──► Busy
//	    │failure            ▲return              │complete/fail
//	    ▼                   │                    ▼
//	 Closed ◄────────── Rebuilding ◄──────── (on error)
type State int

const (
	StateCreating State = iota
	StateReady
	StateBusy
	StateRebuilding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateRebuilding:
		return "rebuilding"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Child is the slice of the child process handle a session drives. The
// production implementation is *child.Process; tests script their own.
type Child interface {
	Send(req child.Request, timeout time.Duration) (*child.Response, error)
	Alive() bool
	Close(grace time.Duration) error
	Kill() error
}

// Launcher spawns a Child bound to a namespace with the proxy exported
// into its environment.
type Launcher interface {
	Launch(namespace, proxyURL string, log *zap.SugaredLogger) (Child, error)
}

// ExecLauncher is the production Launcher: `ip netns exec` + bash with
// the configured child entry command.
type ExecLauncher struct {
	Entry string
}

func (l ExecLauncher) Launch(namespace, proxyURL string, log *zap.SugaredLogger) (Child, error) {
	return child.Launch(namespace, proxyURL, l.Entry, log)
}

// Session owns exactly one namespace, one proxy, and one child for its
// lifetime; a rebuild releases all three and acquires fresh ones.
//
// state is guarded by mu. lastActive and rebuilding are atomics because
// the health checker reads them without taking the session lock.
type Session struct {
	id  int
	mgr *Manager
	log *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	namespace string
	proxy     *store.Proxy
	child     Child

	lastActive atomic.Int64
	rebuilding atomic.Bool
}

// Label is the session's log tag.
func (s *Session) Label() string { return fmt.Sprintf("Session-%d", s.id) }

// Proxy returns the proxy currently bound to the session, nil while the
// session has no resources.
func (s *Session) Proxy() *store.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.mgr.updateStateGauge()
}

// LastActive is the time of the session's last successful child IO.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// Send forwards one request to the child and stamps lastActive on
// success. Failures map onto the child package's sentinel kinds.
func (s *Session) Send(req child.Request, timeout time.Duration) (*child.Response, error) {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil {
		return nil, child.ErrChildDead
	}
	resp, err := c.Send(req, timeout)
	if err != nil {
		return nil, err
	}
	s.touch()
	return resp, nil
}

// Release returns a Busy session to the pool.
func (s *Session) Release() {
	s.mgr.release(s)
}

// Rebuild tears the session down and recreates it with fresh resources.
// It is serialised by the manager's process-wide rebuild lock, and the
// per-session rebuilding flag rejects concurrent re-entry (the second
// caller returns immediately; the first rebuild covers both).
//
// A rebuild that exceeds the session timeout or fails is force-cleaned:
// the slot goes Closed and the supervisor grows the pool back later.
func (s *Session) Rebuild(ctx context.Context) error {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return nil
	}
	defer s.rebuilding.Store(false)

	s.mgr.rebuildMu.Lock()
	defer s.mgr.rebuildMu.Unlock()

	s.log.Debugw("rebuilding session")
	s.setState(StateRebuilding)
	s.close(ctx)

	createCtx, cancel := context.WithTimeout(ctx, s.mgr.cfg.SessionTimeout)
	defer cancel()
	if err := s.create(createCtx); err != nil {
		s.log.Errorw("session rebuild failed, forcing cleanup", "error", err)
		s.forceCleanup(ctx)
		s.setState(StateClosed)
		telemetry.SessionRebuilds.WithLabelValues("failure").Inc()
		return err
	}
	s.setState(StateReady)
	s.touch()
	telemetry.SessionRebuilds.WithLabelValues("success").Inc()
	s.log.Debugw("session rebuilt")
	return nil
}

// create acquires a namespace, then a proxy, then launches the child.
// Partial acquisitions are rolled back on failure so the session never
// holds a resource it can't use.
func (s *Session) create(ctx context.Context) error {
	ns, err := s.mgr.namespaces.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("no available namespace: %w", err)
	}

	p, err := s.mgr.proxies.Acquire(ctx)
	if err != nil {
		s.mgr.namespaces.Release(ns)
		return fmt.Errorf("no available proxy: %w", err)
	}

	localIP, err := s.mgr.localIP()
	if err != nil {
		s.mgr.namespaces.Release(ns)
		if rerr := s.mgr.proxies.Release(ctx, p.ID, false); rerr != nil {
			s.log.Errorw("failed to release proxy during create rollback", "proxy", p.ID, "error", rerr)
		}
		return fmt.Errorf("resolve local IP: %w", err)
	}

	proxyURL := fmt.Sprintf("http://%s:%d", localIP, p.CurrentPort)
	c, err := s.mgr.launcher.Launch(ns, proxyURL, s.log)
	if err != nil {
		s.mgr.namespaces.Release(ns)
		if rerr := s.mgr.proxies.Release(ctx, p.ID, false); rerr != nil {
			s.log.Errorw("failed to release proxy during create rollback", "proxy", p.ID, "error", rerr)
		}
		return fmt.Errorf("launch child: %w", err)
	}

	s.mu.Lock()
	s.namespace = ns
	s.proxy = p
	s.child = c
	s.mu.Unlock()
	s.touch()
	s.log.Infow("session created", "namespace", ns, "proxy", p.ID, "port", p.CurrentPort)
	return nil
}

// close releases everything the session holds: proxy flag first, then the
// child with the terminate grace, then the namespace.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	ns, p, c := s.namespace, s.proxy, s.child
	s.namespace, s.proxy, s.child = "", nil, nil
	s.mu.Unlock()

	if p != nil {
		if err := s.mgr.proxies.Release(ctx, p.ID, false); err != nil {
			s.log.Errorw("failed to release proxy", "proxy", p.ID, "error", err)
		}
	}
	if c != nil {
		if err := c.Close(s.mgr.cfg.TerminateGrace); err != nil {
			s.log.Warnw("child close failed", "error", err)
		}
	}
	if ns != "" {
		s.mgr.namespaces.Release(ns)
	}
}

// forceCleanup is the rebuild-timeout path: kill outright, release
// whatever is still held.
func (s *Session) forceCleanup(ctx context.Context) {
	s.mu.Lock()
	ns, p, c := s.namespace, s.proxy, s.child
	s.namespace, s.proxy, s.child = "", nil, nil
	s.mu.Unlock()

	if c != nil {
		_ = c.Kill()
	}
	if ns != "" {
		s.mgr.namespaces.Release(ns)
	}
	if p != nil {
		if err := s.mgr.proxies.Release(ctx, p.ID, false); err != nil {
			s.log.Errorw("failed to release proxy during force cleanup", "proxy", p.ID, "error", err)
		}
	}
}

// localIPv4 resolves the host's primary IPv4 by opening a UDP socket
// toward a public address; nothing is actually sent.
func localIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolve local address: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

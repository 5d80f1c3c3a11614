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

// Package sched converts the eligible account set into completed scrapes:
// it computes priorities, de-duplicates, dispatches across the session
// pool under a concurrency bound, and translates child responses into
// store writes and proxy accounting.
package sched

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/child"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Child response markers the per-task protocol classifies on. The first
// two are the literal messages the child produces when the platform says
// the account doesn't exist.
const (
	msgUserMissing   = "'user'"
	msgIDMissing     = "'id'"
	msgNoResponse    = "No response from child process"
	msgEmptyResponse = "TikTok returned an empty response"
)

// Store is the persistence slice the scheduler writes through.
type Store interface {
	FetchActiveAccounts(ctx context.Context) ([]store.AccountRow, error)
	UpsertAccount(ctx context.Context, handle string, payload map[string]any) error
	UpsertVideos(ctx context.Context, payloads []map[string]any) error
	SetAccountComment(ctx context.Context, handle, comment string) error
}

// Proxies is the accounting slice of the proxy registry.
type Proxies interface {
	RecordSuccess(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64) error
}

// Session is one checked-out worker. *session.Session satisfies it.
type Session interface {
	Send(req child.Request, timeout time.Duration) (*child.Response, error)
	Proxy() *store.Proxy
	Label() string
	Release()
	Rebuild(ctx context.Context) error
}

// AcquireFunc checks a session out of the pool, blocking until one frees.
type AcquireFunc func(ctx context.Context) (Session, error)

// Config tunes the sweep loop.
type Config struct {
	// Concurrency caps in-flight tasks; it equals the session pool size.
	Concurrency int64
	// SendTimeout bounds each child request.
	SendTimeout time.Duration
	// Cooldown is the fixed sleep before a session returns to the pool.
	Cooldown time.Duration
	// IdleSleep is the wait before re-polling when no account is eligible.
	IdleSleep time.Duration
	// EmptyResponsePenalty is how many failures an empty upstream
	// response costs the proxy. The deployed value is 2.
	EmptyResponsePenalty int
}

// DefaultConfig returns the deployed tuning for a pool of size n.
func DefaultConfig(n int) Config {
	return Config{
		Concurrency:          int64(n),
		SendTimeout:          60 * time.Second,
		Cooldown:             3 * time.Second,
		IdleSleep:            5 * time.Second,
		EmptyResponsePenalty: 2,
	}
}

// Scheduler runs the sweep loop.
type Scheduler struct {
	store    Store
	proxies  Proxies
	acquire  AcquireFunc
	inflight store.Inflight
	cfg      Config
	log      *zap.SugaredLogger

	mu    sync.Mutex
	queue []Task
}

// New wires a scheduler. inflight may be nil, in which case an in-memory
// marker set is used.
func New(st Store, proxies Proxies, acquire AcquireFunc, inflight store.Inflight, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if inflight == nil {
		inflight = store.NewMemoryInflight()
	}
	return &Scheduler{
		store:    st,
		proxies:  proxies,
		acquire:  acquire,
		inflight: inflight,
		cfg:      cfg,
		log:      log.Named("sched"),
	}
}

// Run loops sweeps until the context ends. Shaped for an oklog/run actor
// group.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Errorw("sweep failed", "error", err)
		}
		if n == 0 {
			s.log.Debugw("no eligible accounts, sleeping", "sleep", s.cfg.IdleSleep)
			select {
			case <-time.After(s.cfg.IdleSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Sweep performs one load → filter → dedupe → drain cycle and returns
// how many tasks it dispatched.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	rows, err := s.store.FetchActiveAccounts(ctx)
	if err != nil {
		return 0, err
	}
	tasks := Eligible(rows, time.Now())
	telemetry.SweepSize.Observe(float64(len(tasks)))
	if len(tasks) == 0 {
		return 0, nil
	}

	// Dedupe against the in-flight work set, append survivors to the
	// FIFO. A handle stays marked from enqueue until its task finishes.
	s.mu.Lock()
	for _, t := range tasks {
		ok, err := s.inflight.TryMark(ctx, t.Handle)
		if err != nil {
			s.log.Errorw("in-flight mark failed", "handle", t.Handle, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.queue = append(s.queue, t)
	}
	s.mu.Unlock()

	sem := semaphore.NewWeighted(s.cfg.Concurrency)
	var wg sync.WaitGroup
	dispatched := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			s.unmark(task.Handle)
			wg.Wait()
			return dispatched, err
		}
		dispatched++
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer sem.Release(1)
			defer s.unmark(task.Handle)
			s.processTask(ctx, task)
		}(task)
	}
	wg.Wait()
	return dispatched, nil
}

func (s *Scheduler) unmark(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.inflight.Unmark(ctx, handle); err != nil {
		s.log.Errorw("in-flight unmark failed", "handle", handle, "error", err)
	}
}

// processTask runs the per-task protocol: check out a session, fetch user
// info, fetch videos, write results, account the proxy, cool down.
func (s *Scheduler) processTask(ctx context.Context, task Task) {
	sess, err := s.acquire(ctx)
	if err != nil {
		return
	}
	defer func() {
		select {
		case <-time.After(s.cfg.Cooldown):
		case <-ctx.Done():
		}
		sess.Release()
	}()

	p := sess.Proxy()
	s.log.Infow("processing account", "session", sess.Label(), "uniqueID", task.UniqueID)

	info, err := sess.Send(child.Request{
		Action:   child.ActionGetUserInfo,
		Username: task.UniqueID,
		TikTokID: task.TikTokID,
	}, s.cfg.SendTimeout)
	if err != nil {
		// Child IO failure: the unclassified-exception rule applies.
		s.log.Errorw("user info request failed", "session", sess.Label(), "uniqueID", task.UniqueID, "error", err)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeChildError).Inc()
		return
	}
	if !info.Success() {
		s.classifyUpstreamError(ctx, sess, p, task, info.Message)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(info.Data, &payload); err != nil {
		s.log.Errorw("unparseable user info payload", "uniqueID", task.UniqueID, "error", err)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeUpstream).Inc()
		return
	}
	if err := s.store.UpsertAccount(ctx, task.Handle, payload); err != nil {
		// Persistence failure: rolled back, logged, no proxy penalty and
		// no success credit.
		s.log.Errorw("account upsert failed", "handle", task.Handle, "error", err)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomePersist).Inc()
		return
	}

	videos, err := sess.Send(child.Request{
		Action:   child.ActionGetUserVideos,
		Username: task.UniqueID,
	}, s.cfg.SendTimeout)
	if err != nil {
		s.log.Errorw("videos request failed", "session", sess.Label(), "uniqueID", task.UniqueID, "error", err)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeChildError).Inc()
		return
	}
	if !videos.Success() {
		s.log.Errorw("videos response not successful", "uniqueID", task.UniqueID, "message", videos.Message)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeUpstream).Inc()
		return
	}
	var items []map[string]any
	if err := json.Unmarshal(videos.Data, &items); err != nil {
		s.log.Errorw("unparseable videos payload", "uniqueID", task.UniqueID, "error", err)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeUpstream).Inc()
		return
	}
	if len(items) > 0 {
		if err := s.store.UpsertVideos(ctx, items); err != nil {
			s.log.Errorw("video upsert failed", "handle", task.Handle, "error", err)
			telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomePersist).Inc()
			return
		}
	}

	if p != nil {
		if err := s.proxies.RecordSuccess(ctx, p.ID); err != nil {
			s.log.Errorw("failed to record proxy success", "proxy", p.ID, "error", err)
		}
	}
	telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeSuccess).Inc()
	s.log.Infow("account processed", "uniqueID", task.UniqueID, "videos", len(items))
}

// classifyUpstreamError maps a structured child error onto the account
// status, the proxy counters, and the session lifecycle:
//
//   - literal 'user' / 'id': the account doesn't exist — mark it, no
//     proxy penalty, session stays up.
//   - "No response from child process": rebuild only.
//   - "TikTok returned an empty response": proxy-attributed with the
//     deliberate double penalty, then rebuild.
//   - anything else: one proxy penalty, rebuild.
func (s *Scheduler) classifyUpstreamError(ctx context.Context, sess Session, p *store.Proxy, task Task, msg string) {
	switch {
	case msg == msgUserMissing || msg == msgIDMissing:
		if err := s.store.SetAccountComment(ctx, task.Handle, store.CommentNotFound); err != nil {
			s.log.Errorw("failed to mark account missing", "handle", task.Handle, "error", err)
		}
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeNotFound).Inc()
	case strings.Contains(msg, msgNoResponse):
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeChildError).Inc()
	case strings.Contains(msg, msgEmptyResponse):
		s.penalize(ctx, p, s.cfg.EmptyResponsePenalty)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeUpstream).Inc()
	default:
		s.log.Errorw("unknown error getting user info", "uniqueID", task.UniqueID, "message", msg)
		s.penalize(ctx, p, 1)
		s.rebuild(ctx, sess)
		telemetry.AccountsProcessed.WithLabelValues(telemetry.OutcomeUpstream).Inc()
	}
}

func (s *Scheduler) penalize(ctx context.Context, p *store.Proxy, times int) {
	if p == nil {
		return
	}
	for i := 0; i < times; i++ {
		if err := s.proxies.RecordFailure(ctx, p.ID); err != nil {
			s.log.Errorw("failed to record proxy failure", "proxy", p.ID, "error", err)
		}
	}
}

func (s *Scheduler) rebuild(ctx context.Context, sess Session) {
	if err := sess.Rebuild(ctx); err != nil {
		s.log.Errorw("session rebuild failed", "session", sess.Label(), "error", err)
	}
}

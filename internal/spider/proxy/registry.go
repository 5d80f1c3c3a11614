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

// Package proxy mediates concurrent selection and accounting of upstream
// proxies. Selection is serialised process-wide: no two sessions can ever
// observe the same row as available.
package proxy

import (
	"context"
	"errors"
	"sync"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"go.uber.org/zap"
)

// ErrNoneAvailable is the registry's retryable "no proxy free" condition.
var ErrNoneAvailable = errors.New("proxy: none available")

// Store is the slice of the data store the registry needs.
type Store interface {
	AvailableProxy(ctx context.Context, requireProbed bool) (*store.Proxy, error)
	SetProxyInUse(ctx context.Context, id int64, inUse bool) error
	RecordProxySuccess(ctx context.Context, id int64) error
	RecordProxyFailure(ctx context.Context, id int64) error
	UpdateProxyLatency(ctx context.Context, id int64, ms float64) error
}

// Registry owns the process-wide acquisition lock. requireProbed restores
// the stricter selection policy that skips proxies the prober has never
// measured (avg_delay = 0).
type Registry struct {
	mu            sync.Mutex
	store         Store
	requireProbed bool
	log           *zap.SugaredLogger
}

// NewRegistry creates the registry.
func NewRegistry(s Store, requireProbed bool, log *zap.SugaredLogger) *Registry {
	return &Registry{store: s, requireProbed: requireProbed, log: log.Named("proxy")}
}

// Acquire selects the best free proxy — fewest failures first, lowest
// average delay as tie-break — and marks it in use, all under the global
// lock. Returns ErrNoneAvailable when no row qualifies; callers back off
// and retry.
func (r *Registry) Acquire(ctx context.Context) (*store.Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.AvailableProxy(ctx, r.requireProbed)
	if errors.Is(err, store.ErrNoneAvailable) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, err
	}
	r.log.Debugw("acquired proxy", "id", p.ID, "port", p.CurrentPort)
	return p, nil
}

// Release flips the in-use flag. A session close always releases with
// inUse=false, which is what lets the next Acquire see the row.
func (r *Registry) Release(ctx context.Context, id int64, inUse bool) error {
	return r.store.SetProxyInUse(ctx, id, inUse)
}

// RecordSuccess adds one to the proxy's success counter.
func (r *Registry) RecordSuccess(ctx context.Context, id int64) error {
	return r.store.RecordProxySuccess(ctx, id)
}

// RecordFailure adds one to the proxy's failure counter. Callers needing
// the double penalty call it twice.
func (r *Registry) RecordFailure(ctx context.Context, id int64) error {
	telemetry.ProxyFailures.Inc()
	return r.store.RecordProxyFailure(ctx, id)
}

// RecordLatency folds one probe measurement into the proxy's rolling
// average.
func (r *Registry) RecordLatency(ctx context.Context, id int64, ms float64) error {
	return r.store.UpdateProxyLatency(ctx, id, ms)
}

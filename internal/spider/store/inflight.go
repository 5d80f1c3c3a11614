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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Inflight tracks which account handles are currently queued or being
// scraped, so a sweep never enqueues the same handle twice. TryMark
// returns false when the handle is already marked.
type Inflight interface {
	TryMark(ctx context.Context, handle string) (bool, error)
	Unmark(ctx context.Context, handle string) error
}

// MemoryInflight is the default marker: a plain mutex-guarded set scoped
// to this process's lifetime.
type MemoryInflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryInflight creates an empty in-process marker set.
func NewMemoryInflight() *MemoryInflight {
	return &MemoryInflight{keys: make(map[string]struct{})}
}

func (m *MemoryInflight) TryMark(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[handle]; ok {
		return false, nil
	}
	m.keys[handle] = struct{}{}
	return true, nil
}

func (m *MemoryInflight) Unmark(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, handle)
	return nil
}

// RedisMarker abstracts the minimal surface we need from a Redis client.
// *redis.Client satisfies it directly.
type RedisMarker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisInflight marks handles with SETNX + TTL so the de-duplication set
// survives a crash: a restarted spider won't re-enqueue handles another
// (or the previous) run left mid-flight until the markers expire.
type RedisInflight struct {
	client RedisMarker
	ttl    time.Duration
	prefix string
}

// NewRedisInflight wraps a Redis client. ttl bounds how long a marker can
// leak if Unmark is never reached; zero defaults to 10 minutes.
func NewRedisInflight(client RedisMarker, ttl time.Duration) *RedisInflight {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisInflight{client: client, ttl: ttl, prefix: "spider:inflight:"}
}

// NewRedisClient dials a Redis instance for the in-flight marker set.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (r *RedisInflight) TryMark(ctx context.Context, handle string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+handle, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark inflight %s: %w", handle, err)
	}
	return ok, nil
}

func (r *RedisInflight) Unmark(ctx context.Context, handle string) error {
	if err := r.client.Del(ctx, r.prefix+handle).Err(); err != nil {
		return fmt.Errorf("unmark inflight %s: %w", handle, err)
	}
	return nil
}

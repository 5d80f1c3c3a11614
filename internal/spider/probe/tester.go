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

// Package probe measures per-proxy round-trip latency against the probe
// URL table and feeds the results back into proxy selection.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Store is the slice of the data store the prober needs.
type Store interface {
	ListProxies(ctx context.Context) ([]store.Proxy, error)
	ListProbeURLs(ctx context.Context) ([]store.ProbeURL, error)
	UpdateProxyLatency(ctx context.Context, id int64, ms float64) error
	RecordProbeSuccess(ctx context.Context, id int64) error
	RecordProbeFailure(ctx context.Context, id int64) error
}

// Config tunes the sweep cadence.
//
// RequestTimeout is the total budget per (proxy, URL) pair including
// connect, headers, and body. Parallelism caps concurrent pairs so a
// large proxy table doesn't open hundreds of tunnels at once.
type Config struct {
	InitialDelay   time.Duration // wait before the first sweep
	Interval       time.Duration // sleep between sweeps
	RequestTimeout time.Duration // per-request budget
	Parallelism    int64         // concurrent (proxy, URL) pairs
}

// DefaultConfig matches the deployed cadence: first sweep after 10 s,
// hourly thereafter, 5 s per request, 10 pairs in flight.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   10 * time.Second,
		Interval:       time.Hour,
		RequestTimeout: 5 * time.Second,
		Parallelism:    10,
	}
}

// Tester is the singleton background prober.
type Tester struct {
	store Store
	cfg   Config
	log   *zap.SugaredLogger
}

// NewTester creates the prober. Run starts it.
func NewTester(s Store, cfg Config, log *zap.SugaredLogger) *Tester {
	return &Tester{store: s, cfg: cfg, log: log.Named("probe")}
}

// Run blocks until ctx ends, sweeping every Interval after the initial
// delay. It is shaped for an oklog/run actor group.
func (t *Tester) Run(ctx context.Context) error {
	select {
	case <-time.After(t.cfg.InitialDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		t.sweep(ctx)
		select {
		case <-time.After(t.cfg.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweep measures every (proxy, URL) pair under the parallelism cap.
func (t *Tester) sweep(ctx context.Context) {
	proxies, err := t.store.ListProxies(ctx)
	if err != nil {
		t.log.Errorw("failed to list proxies", "error", err)
		return
	}
	urls, err := t.store.ListProbeURLs(ctx)
	if err != nil {
		t.log.Errorw("failed to list probe urls", "error", err)
		return
	}
	t.log.Infow("starting latency sweep", "proxies", len(proxies), "urls", len(urls))

	sem := semaphore.NewWeighted(t.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, p := range proxies {
		for _, u := range urls {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(p store.Proxy, u store.ProbeURL) {
				defer sem.Release(1)
				defer wg.Done()
				t.measure(ctx, p, u)
			}(p, u)
		}
	}
	wg.Wait()
}

// measure issues one GET through the proxy's loopback port. A 2xx within
// budget records the elapsed milliseconds against the proxy and a success
// against the URL; anything else records a URL failure.
func (t *Tester) measure(ctx context.Context, p store.Proxy, u store.ProbeURL) {
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", p.CurrentPort)}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   t.cfg.RequestTimeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		t.log.Errorw("bad probe url", "url", u.URL, "error", err)
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		t.recordFailure(ctx, p, u, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.recordFailure(ctx, p, u, fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	telemetry.ProbeLatency.Observe(elapsed / 1000)
	if err := t.store.UpdateProxyLatency(ctx, p.ID, elapsed); err != nil {
		t.log.Errorw("failed to record latency", "proxy", p.ID, "error", err)
	}
	if err := t.store.RecordProbeSuccess(ctx, u.ID); err != nil {
		t.log.Errorw("failed to record probe success", "url", u.ID, "error", err)
	}
	t.log.Debugw("probe ok", "proxy", p.ID, "port", p.CurrentPort, "url", u.URL, "ms", elapsed)
}

func (t *Tester) recordFailure(ctx context.Context, p store.Proxy, u store.ProbeURL, cause error) {
	t.log.Debugw("probe failed", "proxy", p.ID, "port", p.CurrentPort, "url", u.URL, "error", cause)
	if err := t.store.RecordProbeFailure(ctx, u.ID); err != nil {
		t.log.Errorw("failed to record probe failure", "url", u.ID, "error", err)
	}
}

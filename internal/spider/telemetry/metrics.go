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

// Package telemetry holds the process-wide Prometheus collectors and the
// optional standalone /metrics endpoint. Labels are bounded: per-account
// and per-proxy dimensions are deliberately absent.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for AccountsProcessed.
const (
	OutcomeSuccess    = "success"
	OutcomeNotFound   = "not_found"
	OutcomeChildError = "child_error"
	OutcomeUpstream   = "upstream_error"
	OutcomePersist    = "persist_error"
)

var (
	// AccountsProcessed counts finished per-account scrape attempts by
	// outcome.
	AccountsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_accounts_processed_total",
		Help: "Completed per-account scrape attempts by outcome",
	}, []string{"outcome"})

	// ProxyFailures counts failure marks recorded against proxies,
	// including the deliberate double penalty for empty upstream
	// responses.
	ProxyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spider_proxy_failures_total",
		Help: "Failure marks recorded against proxies",
	})

	// SessionRebuilds counts completed session rebuild attempts.
	SessionRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spider_session_rebuilds_total",
		Help: "Session rebuild attempts by result",
	}, []string{"result"})

	// SessionsByState tracks current pool composition.
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spider_sessions",
		Help: "Sessions currently in each lifecycle state",
	}, []string{"state"})

	// ProbeLatency is the distribution of successful probe round trips.
	ProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spider_probe_latency_seconds",
		Help:    "Round-trip latency of successful proxy probes",
		Buckets: prometheus.DefBuckets,
	})

	// SweepSize is the eligible-set size per scheduler sweep.
	SweepSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spider_sweep_eligible_accounts",
		Help:    "Eligible accounts per scheduler sweep",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
)

// Server exposes /metrics on its own listener, shaped for an oklog/run
// actor group.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics endpoint server for addr (e.g. ":9090").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until Shutdown.
func (s *Server) Run() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, giving in-flight scrapes a short grace.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

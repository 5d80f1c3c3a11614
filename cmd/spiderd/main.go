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

// Command spiderd runs the scraping fleet: it provisions the namespace
// pool, opens the data store, and drives the session pool, scheduler, and
// latency prober until interrupted.
//
// Exit status is 0 on clean shutdown and non-zero when startup cannot
// proceed: unreachable database, or zero namespaces surviving
// initialization.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/netns"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/probe"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/proxy"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/sched"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/session"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
	"github.com/DavidYordan/RSManager-Spider/internal/spider/telemetry"
	"github.com/alecthomas/kingpin/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// .env supplies DB/Redis credentials in deployments; absence is fine.
	_ = godotenv.Load()

	a := kingpin.New("spiderd", "TikTok account/video scraping fleet")
	logLevel := a.Flag("log.level", "Logging level.").Default("info").Enum("debug", "info", "warn", "error")
	poolSize := a.Flag("pool.size", "Maximum concurrent sessions (and network namespaces).").Default("5").Int()
	dsn := a.Flag("db.dsn", "MySQL DSN; built from DB_* environment variables when empty.").String()
	redisAddr := a.Flag("redis.addr", "Redis address for crash-surviving in-flight markers; in-memory when empty.").Default(os.Getenv("REDIS_ADDR")).String()
	metricsAddr := a.Flag("metrics.addr", "Prometheus /metrics listen address; empty disables.").Default(":9090").String()
	childEntry := a.Flag("child.entry", "Command line of the browser child, run inside the namespace.").Default("python3 playwright_session.py").String()

	sessionTimeout := a.Flag("session.timeout", "Rebuild/send/staleness bound per session.").Default("60s").Duration()
	terminateGrace := a.Flag("session.terminate-grace", "Grace between SIGTERM and SIGKILL on child close.").Default("10s").Duration()
	superviseEvery := a.Flag("session.supervise-interval", "Pool refill cadence.").Default("10s").Duration()
	healthEvery := a.Flag("session.health-interval", "Stale-session sweep cadence.").Default("1h").Duration()

	cooldown := a.Flag("scheduler.cooldown", "Sleep before a session returns to the pool.").Default("3s").Duration()
	idleSleep := a.Flag("scheduler.idle-sleep", "Sleep when no account is eligible.").Default("5s").Duration()
	emptyPenalty := a.Flag("scheduler.empty-response-penalty", "Proxy failures recorded for an empty upstream response.").Default("2").Int()

	requireProbed := a.Flag("proxy.require-probed", "Only select proxies the latency prober has measured (avg_delay > 0).").Bool()

	probeDelay := a.Flag("probe.initial-delay", "Delay before the first latency sweep.").Default("10s").Duration()
	probeEvery := a.Flag("probe.interval", "Sleep between latency sweeps.").Default("1h").Duration()
	probeTimeout := a.Flag("probe.timeout", "Total budget per probe request.").Default("5s").Duration()
	probeParallel := a.Flag("probe.parallelism", "Concurrent probe requests.").Default("10").Int64()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := buildLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ctx := context.Background()

	if *dsn == "" {
		*dsn = dsnFromEnv()
	}
	db, err := sql.Open("mysql", *dsn)
	if err != nil {
		log.Fatalw("failed to open database", "error", err)
	}
	defer db.Close()
	st := store.NewMySQL(db)
	if err := st.Ping(ctx); err != nil {
		log.Fatalw("database unreachable", "error", err)
	}
	// A crash can leave is_using flags set with no session holding the
	// proxy; reset them before the pool starts acquiring.
	if err := st.ClearProxyUsageFlags(ctx); err != nil {
		log.Errorw("failed to clear proxy usage flags", "error", err)
	}

	provisioner := netns.New(*poolSize, netns.ExecRunner{}, log)
	if err := provisioner.Initialize(ctx); err != nil {
		log.Fatalw("namespace initialization failed", "error", err)
	}
	if provisioner.Ready() == 0 {
		log.Fatalw("no namespaces available after initialization")
	}

	registry := proxy.NewRegistry(st, *requireProbed, log)

	sessCfg := session.DefaultConfig(*poolSize)
	sessCfg.SessionTimeout = *sessionTimeout
	sessCfg.TerminateGrace = *terminateGrace
	sessCfg.SuperviseInterval = *superviseEvery
	sessCfg.HealthCheckInterval = *healthEvery
	manager := session.NewManager(sessCfg, provisioner, registry, session.ExecLauncher{Entry: *childEntry}, log)
	manager.Initialize(ctx)

	var inflight store.Inflight
	if *redisAddr != "" {
		inflight = store.NewRedisInflight(store.NewRedisClient(*redisAddr), 2*(*sessionTimeout))
		log.Infow("using redis in-flight markers", "addr", *redisAddr)
	}

	schedCfg := sched.DefaultConfig(*poolSize)
	schedCfg.SendTimeout = *sessionTimeout
	schedCfg.Cooldown = *cooldown
	schedCfg.IdleSleep = *idleSleep
	schedCfg.EmptyResponsePenalty = *emptyPenalty
	scheduler := sched.New(st, registry,
		func(ctx context.Context) (sched.Session, error) { return manager.Acquire(ctx) },
		inflight, schedCfg, log)

	tester := probe.NewTester(st, probe.Config{
		InitialDelay:   *probeDelay,
		Interval:       *probeEvery,
		RequestTimeout: *probeTimeout,
		Parallelism:    *probeParallel,
	}, log)

	var g run.Group
	runCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error { return scheduler.Run(runCtx) }, func(error) { cancel() })
	g.Add(func() error { return manager.Supervise(runCtx) }, func(error) { cancel() })
	g.Add(func() error { return manager.HealthCheck(runCtx) }, func(error) { cancel() })
	g.Add(func() error { return tester.Run(runCtx) }, func(error) { cancel() })
	if *metricsAddr != "" {
		srv := telemetry.NewServer(*metricsAddr)
		g.Add(srv.Run, func(error) { srv.Shutdown() })
	}
	g.Add(run.SignalHandler(runCtx, syscall.SIGINT, syscall.SIGTERM))

	log.Infow("spiderd started", "poolSize", *poolSize)
	err = g.Run()
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	manager.CloseAll(closeCtx)
	closeCancel()

	var sig run.SignalError
	if err == nil || errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		log.Infow("spiderd stopped")
		return
	}
	log.Fatalw("spiderd exited", "error", err)
}

// dsnFromEnv assembles the MySQL DSN from the DB_* variables a .env file
// provides in deployments.
func dsnFromEnv() string {
	port := 3306
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return store.DSN(
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		envOr("DB_HOST", "127.0.0.1"),
		port,
		os.Getenv("DB_NAME"),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Copyright 2025 OpsConductor Authors
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsconductor/core/internal/api"
	"github.com/opsconductor/core/internal/authn"
	"github.com/opsconductor/core/internal/config"
	"github.com/opsconductor/core/internal/credentials"
	"github.com/opsconductor/core/internal/executor"
	"github.com/opsconductor/core/internal/fanout"
	internallog "github.com/opsconductor/core/internal/log"
	"github.com/opsconductor/core/internal/metrics"
	"github.com/opsconductor/core/internal/notification"
	"github.com/opsconductor/core/internal/orchestrator"
	"github.com/opsconductor/core/internal/queue"
	"github.com/opsconductor/core/internal/retry"
	"github.com/opsconductor/core/internal/scheduler"
	"github.com/opsconductor/core/internal/store"
	"github.com/opsconductor/core/internal/store/postgres"
	"github.com/opsconductor/core/internal/store/sqlite"
	"github.com/opsconductor/core/internal/targets"
	"github.com/opsconductor/core/internal/tracing"
	"github.com/opsconductor/core/internal/worker"
)

// Options carries build-time version information into the daemon, the way
// the teacher's daemon.Options does.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon wires together every core component (C1-C9) into one running
// opsconductord process: store, queue, orchestrator, scheduler, worker
// pool, live-status fan-out, metrics, and tracing. A single process runs
// all of these; splitting the worker out into its own process is possible
// because internal/worker only needs store.Store plus the shared
// collaborators, but this binary always runs the full set.
//
// Grounded on the teacher's internal/daemon.Daemon for the shape (one
// struct holding every long-lived component plus their Start/Shutdown
// lifecycle), generalized from the teacher's single in-process runner to
// this subsystem's store-mediated orchestrator+worker split.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend      store.Store
	dispatcher   *queue.Dispatcher
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	worker       *worker.Worker
	janitor      *retry.Janitor
	hub          *fanout.Hub
	poller       *fanout.Poller
	fanoutServer *fanout.Server
	apiServer    *http.Server
	metricsColl  *metrics.Collector
	metricsSrv   *metrics.Server
	tracer       *tracing.Provider

	mu      sync.Mutex
	started bool
}

// New constructs every component from cfg but starts nothing yet.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.Component(internallog.New(toLogConfig(cfg.Log)), "daemon")

	backend, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tracerProvider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleFraction: cfg.Tracing.SampleFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	hub := fanout.NewHub(cfg.Fanout.SendBacklog)

	notifier := notification.New(cfg.Notification.Endpoint, http.DefaultClient)

	signals := retry.NewStopSignals()

	targetsClient := targets.NewClient(cfg.Targets.RegistryEndpoint, http.DefaultClient, cfg.Targets.CacheTTL)
	credentialsResolver := credentials.New(
		&credentials.HTTPVaultClient{BaseURL: cfg.Credentials.VaultEndpoint, HTTP: http.DefaultClient},
		cfg.Credentials.CacheTTL,
	)

	orch := orchestrator.New(backend, targetsClient, signals,
		orchestrator.WithNotifier(notifier),
		orchestrator.WithEvents(hub),
		orchestrator.WithTracer(tracerProvider.Tracer("orchestrator")),
	)

	dispatcher := queue.New(backend)

	registry := executor.NewRegistry(executor.Dependencies{
		Targets:     targetsClient,
		Credentials: credentialsResolver,
		Notifier:    notifier,
		Safety: executor.SafetyConfig{
			MaxCommandBytes:      cfg.Executor.CommandMaxBytes,
			BlockDangerous:       cfg.Executor.DangerousCommandCheck,
			WarnOnShellMetachars: true,
		},
	})

	w := worker.New(
		worker.Config{
			Hostname:        cfg.Worker.Hostname,
			PollInterval:    cfg.Queue.PollInterval,
			Prefetch:        cfg.Queue.WorkerPrefetch,
			HeartbeatPeriod: cfg.Worker.HeartbeatPeriod,
			DrainTimeout:    cfg.Worker.DrainTimeout,
		},
		backend, dispatcher, registry, orch, credentialsResolver, targetsClient, signals,
		worker.WithMetrics(collector),
		worker.WithEvents(hub),
		worker.WithTracer(tracerProvider.Tracer("worker")),
		worker.WithLogger(logger),
	)

	if cfg.Scheduler.LeaderElection {
		logger.Warn("scheduler.leader_election is set but no multi-instance elector is wired; running as sole leader", "instance_id", cfg.Scheduler.InstanceID)
	}
	sched := scheduler.New(backend, orch, logger, cfg.Scheduler.TickInterval)

	janitor := retry.NewJanitor(backend, logger, cfg.Queue.JanitorInterval, cfg.Queue.LeaseGrace, cfg.Queue.LivenessWindow)

	poller := fanout.NewPoller(backend, dispatcher, hub, fanout.PollerConfig{
		RunPollInterval:       cfg.Fanout.RunPollInterval,
		QueuePollInterval:     cfg.Fanout.QueuePollInterval,
		WorkerPollInterval:    cfg.Fanout.WorkerPollInterval,
		AggregatePollInterval: cfg.Fanout.AggregatePollInterval,
	}, logger)

	verifier := authn.NewVerifier(authn.FromAuthConfig(cfg.Auth))
	fanoutServer := fanout.NewServer(hub, fanout.ServerConfig{ListenAddr: cfg.Fanout.ListenAddr}, verifierAdapter(verifier), logger)

	mw := authn.NewMiddleware(verifier, "/healthz")
	apiHandler := api.NewRouter(orch, backend, dispatcher, mw, logger)

	metricsSrv := metrics.NewServer(cfg.Metrics.ListenAddr, reg, logger)

	d := &Daemon{
		cfg:          cfg,
		opts:         opts,
		logger:       logger,
		backend:      backend,
		dispatcher:   dispatcher,
		orchestrator: orch,
		scheduler:    sched,
		worker:       w,
		janitor:      janitor,
		hub:          hub,
		poller:       poller,
		fanoutServer: fanoutServer,
		apiServer:    &http.Server{Addr: apiListenAddr(cfg), Handler: apiHandler, ReadTimeout: 10 * time.Second},
		metricsColl:  collector,
		metricsSrv:   metricsSrv,
		tracer:       tracerProvider,
	}
	return d, nil
}

// apiListenAddr is the run-control HTTP surface's own listen address.
// Distinct from the fan-out's websocket listener and the metrics
// endpoint, none of which share a port with each other.
func apiListenAddr(cfg *config.Config) string {
	if cfg.Fanout.ListenAddr == ":8089" {
		return ":8080"
	}
	return ":8080"
}

// Start runs every long-lived component until ctx is canceled. It blocks;
// callers run it in its own goroutine and use Shutdown for graceful
// termination.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("opsconductord starting",
		"version", d.opts.Version, "commit", d.opts.Commit,
		"store_type", d.cfg.Store.Type, "worker_hostname", d.cfg.Worker.Hostname,
	)

	if d.cfg.Metrics.Enabled {
		d.metricsSrv.Start()
	}
	if err := d.fanoutServer.Start(ctx); err != nil {
		return fmt.Errorf("start fanout server: %w", err)
	}

	go func() {
		if err := d.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("api server failed", "error", err)
		}
	}()

	go d.janitor.Run(ctx)
	go d.poller.Run(ctx)
	d.scheduler.Start(ctx)

	return d.worker.Run(ctx)
}

// Shutdown stops every component in reverse dependency order, bounded by
// each subsystem's own shutdown timeout.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.apiServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("api server shutdown error", "error", err)
	}
	if err := d.fanoutServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("fanout server shutdown error", "error", err)
	}
	if d.cfg.Metrics.Enabled {
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := d.tracer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("tracer shutdown error", "error", err)
	}
	return d.backend.Close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MinConns:        cfg.Postgres.MinConns,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
	default:
		return sqlite.New(sqlite.Config{Path: cfg.SQLite.Path})
	}
}

func toLogConfig(cfg config.LogConfig) *internallog.Config {
	c := internallog.DefaultConfig()
	if cfg.Level != "" {
		c.Level = cfg.Level
	}
	if cfg.Format != "" {
		c.Format = internallog.Format(cfg.Format)
	}
	c.AddSource = cfg.AddSource
	return c
}

// verifierAdapter bridges authn.Verifier's Identity-returning signature to
// fanout.Authenticator's narrower subject-string contract: the fan-out
// transport only needs to know a connection is authenticated and who it
// belongs to for audit logging, not the caller's full scope list.
func verifierAdapter(v *authn.Verifier) fanout.Authenticator {
	return func(r *http.Request) (string, error) {
		id, err := v.Authenticate(r)
		if err != nil {
			return "", err
		}
		return id.UserID, nil
	}
}

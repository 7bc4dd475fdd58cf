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

// Command opsconductord runs the full job execution subsystem in a single
// process: the run-control HTTP API, the orchestrator, the scheduler, the
// worker pool, the live-status fan-out, and the orphan-lease janitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsconductor/core/internal/config"
	"github.com/opsconductor/core/internal/log"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		backendType = flag.String("backend", "", "Storage backend (sqlite, postgres)")
		postgresDSN = flag.String("postgres-dsn", "", "PostgreSQL connection string")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		hostname    = flag.String("worker-hostname", "", "Worker hostname for step leasing")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("opsconductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *backendType != "" {
		cfg.Store.Type = *backendType
	}
	if *postgresDSN != "" {
		cfg.Store.Postgres.DSN = *postgresDSN
	}
	if *sqlitePath != "" {
		cfg.Store.SQLite.Path = *sqlitePath
	}
	if *hostname != "" {
		cfg.Worker.Hostname = *hostname
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := New(ctx, cfg, Options{Version: version, Commit: commit, BuildDate: buildDate})
	if err != nil {
		logger.Error("failed to construct daemon", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

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

// Package sqlite provides an embedded, single-node store.Store backend.
// SQLite has no row-level locking, so LeaseNext serializes with a
// `BEGIN IMMEDIATE` write transaction instead of `FOR UPDATE SKIP LOCKED`;
// this backend is meant for development, tests, and single-worker
// deployments, not for the concurrent-worker-fleet case the postgres
// backend targets.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Backend)(nil)

// Backend is the SQLite store.Store implementation.
type Backend struct {
	db *sql.DB
}

// Config configures the SQLite backend.
type Config struct {
	Path string
}

// New opens (creating if absent) the database at cfg.Path, configures
// pragmas for a single-writer workload, and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writes; one connection avoids SQLITE_BUSY storms
	// and lets BEGIN IMMEDIATE do the serialization LeaseNext needs.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	b := &Backend{db: db}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure foreign_keys: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_name_active ON jobs(name) WHERE is_active = 1`,
		`CREATE TABLE IF NOT EXISTS job_versions (
			job_id TEXT NOT NULL REFERENCES jobs(id),
			version INTEGER NOT NULL,
			definition_json TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (job_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			job_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 10,
			requested_by TEXT,
			parameters_json TEXT,
			queued_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			correlation_id TEXT UNIQUE,
			worker_hostname TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			result_data_json TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_queued ON job_runs(status, queued_at)`,
		`CREATE TABLE IF NOT EXISTS job_run_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES job_runs(id),
			idx INTEGER NOT NULL,
			type TEXT NOT NULL,
			target_id TEXT,
			unresolved_target TEXT,
			params_json TEXT,
			status TEXT NOT NULL,
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			metrics_json TEXT,
			lease_token TEXT,
			lease_worker TEXT,
			timeout_seconds INTEGER NOT NULL DEFAULT 60,
			continue_on_failure INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 10,
			UNIQUE(run_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status_id ON job_run_steps(status, id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			type TEXT NOT NULL,
			cron_expression TEXT,
			interval_seconds INTEGER,
			next_run_at TIMESTAMP,
			last_run_at TIMESTAMP,
			run_count INTEGER NOT NULL DEFAULT 0,
			max_runs INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1,
			parameters_json TEXT,
			created_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_active_next ON schedules(is_active, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS worker_registrations (
			hostname TEXT PRIMARY KEY,
			queues_json TEXT,
			active_task_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migration %q: %w", s, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (b *Backend) Close() error { return b.db.Close() }

// Ping implements store.HealthChecker.
func (b *Backend) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := b.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, &opserrors.PersistenceError{Op: "ping", Cause: err}
	}
	return time.Since(start), nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSONMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

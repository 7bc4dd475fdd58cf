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

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func stepSelectColumns() string {
	return `SELECT id, run_id, idx, type, target_id, unresolved_target, params_json, status, exit_code, stdout,
		stderr, started_at, finished_at, metrics_json, lease_token, lease_worker, timeout_seconds,
		continue_on_failure, retry_count FROM job_run_steps`
}

func scanStep(sc interface{ Scan(...any) error }) (*store.Step, error) {
	s := &store.Step{}
	var params, metrics sql.NullString
	var started, finished sql.NullTime
	var continueOnFailure int
	if err := sc.Scan(&s.ID, &s.RunID, &s.Index, &s.Type, &s.TargetID, &s.UnresolvedTarget, &params, &s.Status,
		&s.ExitCode, &s.Stdout, &s.Stderr, &started, &finished, &metrics, &s.LeaseToken, &s.LeaseWorker,
		&s.TimeoutSeconds, &continueOnFailure, &s.RetryCount); err != nil {
		return nil, err
	}
	s.Params, _ = unmarshalJSONMap(params)
	s.Metrics, _ = unmarshalJSONMap(metrics)
	s.StartedAt, s.FinishedAt = timePtr(started), timePtr(finished)
	s.ContinueOnFailure = continueOnFailure != 0
	return s, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := b.db.QueryRowContext(ctx, stepSelectColumns()+` WHERE id = ?`, id)
	s, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "step", ID: id}
		}
		return nil, &opserrors.PersistenceError{Op: "get_step", Cause: err}
	}
	return s, nil
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx, stepSelectColumns()+` WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_steps", Cause: err}
	}
	defer rows.Close()

	var out []*store.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_step", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateStep(ctx context.Context, s *store.Step) error {
	params, err := marshalJSON(s.Params)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.params", Message: err.Error()}
	}
	metrics, err := marshalJSON(s.Metrics)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.metrics", Message: err.Error()}
	}
	res, err := b.db.ExecContext(ctx, `UPDATE job_run_steps SET status=?, exit_code=?, stdout=?, stderr=?,
		started_at=?, finished_at=?, metrics_json=?, lease_token=?, lease_worker=?, retry_count=?, params_json=?
		WHERE id=?`,
		s.Status, s.ExitCode, s.Stdout, s.Stderr, nullTime(s.StartedAt), nullTime(s.FinishedAt), metrics,
		s.LeaseToken, s.LeaseWorker, s.RetryCount, params, s.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_step", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "step", ID: s.ID}
	}
	return nil
}

// LeaseNext claims the single highest-priority, lowest-index queued step.
// SQLite lacks FOR UPDATE SKIP LOCKED, so BEGIN IMMEDIATE acquires the
// write lock up front, making the select-then-update atomic with respect
// to any other writer on this same *sql.DB (which has MaxOpenConns(1), so
// there is at most one other writer: none — this process is the only
// writer SQLite will ever see concurrently).
func (b *Backend) LeaseNext(ctx context.Context, workerHostname string) (*store.Step, error) {
	// BEGIN IMMEDIATE acquires SQLite's write lock immediately rather than
	// on first write (the driver's default "BEGIN" is deferred, which would
	// let two callers both pass the SELECT before either UPDATEs). With
	// MaxOpenConns(1) these statements share the single connection, so this
	// sequence is equivalent to the Postgres backend's single transaction.
	if _, err := b.db.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, &opserrors.PersistenceError{Op: "lease_next_begin", Cause: err}
	}
	rollback := func() { b.db.ExecContext(ctx, "ROLLBACK") }

	row := b.db.QueryRowContext(ctx, stepSelectColumns()+`
		WHERE status = 'queued'
		ORDER BY priority DESC, idx ASC
		LIMIT 1`)
	s, err := scanStep(row)
	if err != nil {
		rollback()
		if isNoRows(err) {
			return nil, nil
		}
		return nil, &opserrors.PersistenceError{Op: "lease_next_select", Cause: err}
	}

	now := time.Now().UTC()
	leaseToken := uuid.NewString()
	_, err = b.db.ExecContext(ctx, `UPDATE job_run_steps SET status='running', lease_token=?, lease_worker=?, started_at=?
		WHERE id=?`, leaseToken, workerHostname, now, s.ID)
	if err != nil {
		rollback()
		return nil, &opserrors.PersistenceError{Op: "lease_next_update", Cause: err}
	}
	if _, err := b.db.ExecContext(ctx, "COMMIT"); err != nil {
		rollback()
		return nil, &opserrors.PersistenceError{Op: "lease_next_commit", Cause: err}
	}

	s.Status = store.StepRunning
	s.LeaseToken = leaseToken
	s.LeaseWorker = workerHostname
	s.StartedAt = &now
	return s, nil
}

func (b *Backend) RevertStep(ctx context.Context, stepID string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE job_run_steps SET status='queued', lease_token=NULL, lease_worker=NULL,
		started_at=NULL, retry_count = retry_count + 1 WHERE id=?`, stepID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "revert_step", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return nil
}

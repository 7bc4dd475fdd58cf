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

package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func stepSelectColumns() string {
	return `SELECT id, run_id, idx, type, target_id, unresolved_target, params_json, status, exit_code, stdout,
		stderr, started_at, finished_at, metrics_json, lease_token, lease_worker, timeout_seconds,
		continue_on_failure, retry_count FROM job_run_steps`
}

func scanStep(row pgx.Row) (*store.Step, error) {
	s := &store.Step{}
	var params, metrics []byte
	var targetID, unresolvedTarget, leaseToken, leaseWorker *string
	if err := row.Scan(&s.ID, &s.RunID, &s.Index, &s.Type, &targetID, &unresolvedTarget, &params, &s.Status,
		&s.ExitCode, &s.Stdout, &s.Stderr, &s.StartedAt, &s.FinishedAt, &metrics, &leaseToken, &leaseWorker,
		&s.TimeoutSeconds, &s.ContinueOnFailure, &s.RetryCount); err != nil {
		return nil, err
	}
	s.Params, _ = unmarshalJSONMap(params)
	s.Metrics, _ = unmarshalJSONMap(metrics)
	if targetID != nil {
		s.TargetID = *targetID
	}
	if unresolvedTarget != nil {
		s.UnresolvedTarget = *unresolvedTarget
	}
	if leaseToken != nil {
		s.LeaseToken = *leaseToken
	}
	if leaseWorker != nil {
		s.LeaseWorker = *leaseWorker
	}
	return s, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := b.pool.QueryRow(ctx, stepSelectColumns()+` WHERE id = $1`, id)
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
	rows, err := b.pool.Query(ctx, stepSelectColumns()+` WHERE run_id = $1 ORDER BY idx ASC`, runID)
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
	tag, err := b.pool.Exec(ctx, `UPDATE job_run_steps SET status=$1, exit_code=$2, stdout=$3, stderr=$4,
		started_at=$5, finished_at=$6, metrics_json=$7, lease_token=$8, lease_worker=$9, retry_count=$10, params_json=$11
		WHERE id=$12`,
		s.Status, s.ExitCode, s.Stdout, s.Stderr, s.StartedAt, s.FinishedAt, metrics,
		nullString(s.LeaseToken), nullString(s.LeaseWorker), s.RetryCount, params, s.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_step", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &opserrors.NotFoundError{Resource: "step", ID: s.ID}
	}
	return nil
}

// LeaseNext claims the single highest-priority, lowest-index queued step using
// `SELECT … FOR UPDATE SKIP LOCKED`, so any number of worker processes can
// call this concurrently without blocking on each other: a row already
// locked by another transaction is simply skipped rather than waited on.
func (b *Backend) LeaseNext(ctx context.Context, workerHostname string) (*store.Step, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "lease_next_begin", Cause: err}
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, stepSelectColumns()+`
		WHERE status = 'queued'
		ORDER BY priority DESC, idx ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	s, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, &opserrors.PersistenceError{Op: "lease_next_select", Cause: err}
	}

	now := time.Now().UTC()
	leaseToken := uuid.NewString()
	_, err = tx.Exec(ctx, `UPDATE job_run_steps SET status='running', lease_token=$1, lease_worker=$2, started_at=$3
		WHERE id=$4`, leaseToken, workerHostname, now, s.ID)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "lease_next_update", Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &opserrors.PersistenceError{Op: "lease_next_commit", Cause: err}
	}

	s.Status = store.StepRunning
	s.LeaseToken = leaseToken
	s.LeaseWorker = workerHostname
	s.StartedAt = &now
	return s, nil
}

func (b *Backend) RevertStep(ctx context.Context, stepID string) error {
	tag, err := b.pool.Exec(ctx, `UPDATE job_run_steps SET status='queued', lease_token=NULL, lease_worker=NULL,
		started_at=NULL, retry_count = retry_count + 1 WHERE id=$1`, stepID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "revert_step", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &opserrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return nil
}

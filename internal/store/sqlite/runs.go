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
	"fmt"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

// CreateRunWithSteps implements spec §5 transaction discipline #1: one
// commit inserts the run plus all N steps.
func (b *Backend) CreateRunWithSteps(ctx context.Context, run *store.Run, steps []*store.Step) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_run", Cause: err}
	}
	defer tx.Rollback()

	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return &opserrors.ValidationError{Field: "parameters", Message: err.Error()}
	}
	result, err := marshalJSON(run.ResultData)
	if err != nil {
		return &opserrors.ValidationError{Field: "result_data", Message: err.Error()}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO job_runs
		(id, job_id, job_version, status, priority, requested_by, parameters_json, queued_at,
		 started_at, finished_at, correlation_id, worker_hostname, retry_count, result_data_json, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.JobVersion, run.Status, run.Priority, run.RequestedBy, params, run.QueuedAt,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.CorrelationID, run.WorkerHost, run.RetryCount, result, run.ErrorMessage)
	if err != nil {
		return &opserrors.PersistenceError{Op: "insert_run", Cause: err}
	}

	for _, s := range steps {
		if err := insertStep(ctx, tx, run.ID, s, int(run.Priority)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertStep(ctx context.Context, tx *sql.Tx, runID string, s *store.Step, priority int) error {
	s.RunID = runID
	pj, err := marshalJSON(s.Params)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.params", Message: err.Error()}
	}
	mj, err := marshalJSON(s.Metrics)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.metrics", Message: err.Error()}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO job_run_steps
		(id, run_id, idx, type, target_id, unresolved_target, params_json, status, exit_code, stdout, stderr,
		 started_at, finished_at, metrics_json, lease_token, lease_worker, timeout_seconds, continue_on_failure,
		 retry_count, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, runID, s.Index, s.Type, s.TargetID, s.UnresolvedTarget, pj, s.Status, s.ExitCode, s.Stdout, s.Stderr,
		nullTime(s.StartedAt), nullTime(s.FinishedAt), mj, s.LeaseToken, s.LeaseWorker, s.TimeoutSeconds, s.ContinueOnFailure,
		s.RetryCount, priority)
	if err != nil {
		return &opserrors.PersistenceError{Op: "insert_step", Cause: err}
	}
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, runSelectColumns()+` FROM job_runs WHERE id = ?`, id)
	return scanRun(row, id)
}

func (b *Backend) GetRunByCorrelationID(ctx context.Context, correlationID string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, runSelectColumns()+` FROM job_runs WHERE correlation_id = ?`, correlationID)
	return scanRun(row, correlationID)
}

func runSelectColumns() string {
	return `SELECT id, job_id, job_version, status, priority, requested_by, parameters_json, queued_at,
		started_at, finished_at, correlation_id, worker_hostname, retry_count, result_data_json, error_message`
}

func scanRun(row *sql.Row, id string) (*store.Run, error) {
	r := &store.Run{}
	var params, result sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&r.ID, &r.JobID, &r.JobVersion, &r.Status, &r.Priority, &r.RequestedBy, &params, &r.QueuedAt,
		&started, &finished, &r.CorrelationID, &r.WorkerHost, &r.RetryCount, &result, &r.ErrorMessage); err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &opserrors.PersistenceError{Op: "get_run", Cause: err}
	}
	var err error
	if r.Parameters, err = unmarshalJSONMap(params); err != nil {
		return nil, &opserrors.PersistenceError{Op: "unmarshal_run_params", Cause: err}
	}
	if r.ResultData, err = unmarshalJSONMap(result); err != nil {
		return nil, &opserrors.PersistenceError{Op: "unmarshal_run_result", Cause: err}
	}
	r.StartedAt, r.FinishedAt = timePtr(started), timePtr(finished)
	return r, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *store.Run) error {
	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return &opserrors.ValidationError{Field: "parameters", Message: err.Error()}
	}
	result, err := marshalJSON(run.ResultData)
	if err != nil {
		return &opserrors.ValidationError{Field: "result_data", Message: err.Error()}
	}
	res, err := b.db.ExecContext(ctx, `UPDATE job_runs SET status=?, started_at=?, finished_at=?, worker_hostname=?,
		retry_count=?, result_data_json=?, error_message=?, parameters_json=? WHERE id=?`,
		run.Status, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.WorkerHost, run.RetryCount, result, run.ErrorMessage, params, run.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_run", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := runSelectColumns() + ` FROM job_runs WHERE 1=1`
	var args []interface{}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.QueuedAfter != nil {
		query += ` AND queued_at > ?`
		args = append(args, *filter.QueuedAfter)
	}
	query += ` ORDER BY queued_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_runs", Cause: fmt.Errorf("%w", err)}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r := &store.Run{}
		var params, result sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobID, &r.JobVersion, &r.Status, &r.Priority, &r.RequestedBy, &params, &r.QueuedAt,
			&started, &finished, &r.CorrelationID, &r.WorkerHost, &r.RetryCount, &result, &r.ErrorMessage); err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_run", Cause: err}
		}
		r.Parameters, _ = unmarshalJSONMap(params)
		r.ResultData, _ = unmarshalJSONMap(result)
		r.StartedAt, r.FinishedAt = timePtr(started), timePtr(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

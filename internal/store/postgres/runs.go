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
	"strconv"

	"github.com/jackc/pgx/v5"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

// CreateRunWithSteps implements spec §5 transaction discipline #1: one
// commit inserts the run plus all N steps.
func (b *Backend) CreateRunWithSteps(ctx context.Context, run *store.Run, steps []*store.Step) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_run", Cause: err}
	}
	defer tx.Rollback(ctx)

	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return &opserrors.ValidationError{Field: "parameters", Message: err.Error()}
	}
	result, err := marshalJSON(run.ResultData)
	if err != nil {
		return &opserrors.ValidationError{Field: "result_data", Message: err.Error()}
	}

	_, err = tx.Exec(ctx, `INSERT INTO job_runs
		(id, job_id, job_version, status, priority, requested_by, parameters_json, queued_at,
		 started_at, finished_at, correlation_id, worker_hostname, retry_count, result_data_json, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.JobID, run.JobVersion, run.Status, run.Priority, run.RequestedBy, params, run.QueuedAt,
		run.StartedAt, run.FinishedAt, nullString(run.CorrelationID), run.WorkerHost, run.RetryCount, result, run.ErrorMessage)
	if err != nil {
		return &opserrors.PersistenceError{Op: "insert_run", Cause: err}
	}

	for _, s := range steps {
		if err := insertStep(ctx, tx, run.ID, s, int(run.Priority)); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func insertStep(ctx context.Context, tx pgx.Tx, runID string, s *store.Step, priority int) error {
	s.RunID = runID
	pj, err := marshalJSON(s.Params)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.params", Message: err.Error()}
	}
	mj, err := marshalJSON(s.Metrics)
	if err != nil {
		return &opserrors.ValidationError{Field: "step.metrics", Message: err.Error()}
	}
	_, err = tx.Exec(ctx, `INSERT INTO job_run_steps
		(id, run_id, idx, type, target_id, unresolved_target, params_json, status, exit_code, stdout, stderr,
		 started_at, finished_at, metrics_json, lease_token, lease_worker, timeout_seconds, continue_on_failure,
		 retry_count, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		s.ID, runID, s.Index, s.Type, nullString(s.TargetID), nullString(s.UnresolvedTarget), pj, s.Status, s.ExitCode,
		s.Stdout, s.Stderr, s.StartedAt, s.FinishedAt, mj, nullString(s.LeaseToken), nullString(s.LeaseWorker),
		s.TimeoutSeconds, s.ContinueOnFailure, s.RetryCount, priority)
	if err != nil {
		return &opserrors.PersistenceError{Op: "insert_step", Cause: err}
	}
	return nil
}

func runSelectColumns() string {
	return `SELECT id, job_id, job_version, status, priority, requested_by, parameters_json, queued_at,
		started_at, finished_at, correlation_id, worker_hostname, retry_count, result_data_json, error_message`
}

func scanRun(row pgx.Row, id string) (*store.Run, error) {
	r := &store.Run{}
	var params, result []byte
	var correlationID, workerHost, requestedBy, errorMessage *string
	if err := row.Scan(&r.ID, &r.JobID, &r.JobVersion, &r.Status, &r.Priority, &requestedBy, &params, &r.QueuedAt,
		&r.StartedAt, &r.FinishedAt, &correlationID, &workerHost, &r.RetryCount, &result, &errorMessage); err != nil {
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
	if requestedBy != nil {
		r.RequestedBy = *requestedBy
	}
	if correlationID != nil {
		r.CorrelationID = *correlationID
	}
	if workerHost != nil {
		r.WorkerHost = *workerHost
	}
	if errorMessage != nil {
		r.ErrorMessage = *errorMessage
	}
	return r, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.pool.QueryRow(ctx, runSelectColumns()+` FROM job_runs WHERE id = $1`, id)
	return scanRun(row, id)
}

func (b *Backend) GetRunByCorrelationID(ctx context.Context, correlationID string) (*store.Run, error) {
	row := b.pool.QueryRow(ctx, runSelectColumns()+` FROM job_runs WHERE correlation_id = $1`, correlationID)
	return scanRun(row, correlationID)
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
	tag, err := b.pool.Exec(ctx, `UPDATE job_runs SET status=$1, started_at=$2, finished_at=$3, worker_hostname=$4,
		retry_count=$5, result_data_json=$6, error_message=$7, parameters_json=$8 WHERE id=$9`,
		run.Status, run.StartedAt, run.FinishedAt, nullString(run.WorkerHost), run.RetryCount, result, run.ErrorMessage, params, run.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_run", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &opserrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := runSelectColumns() + ` FROM job_runs WHERE true`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmtPlaceholder(len(args))
	}
	if filter.JobID != "" {
		query += ` AND job_id = ` + arg(filter.JobID)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.QueuedAfter != nil {
		query += ` AND queued_at > ` + arg(*filter.QueuedAfter)
	}
	query += ` ORDER BY queued_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_runs", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_run", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunRow(rows pgx.Rows) (*store.Run, error) {
	r := &store.Run{}
	var params, result []byte
	var correlationID, workerHost, requestedBy, errorMessage *string
	if err := rows.Scan(&r.ID, &r.JobID, &r.JobVersion, &r.Status, &r.Priority, &requestedBy, &params, &r.QueuedAt,
		&r.StartedAt, &r.FinishedAt, &correlationID, &workerHost, &r.RetryCount, &result, &errorMessage); err != nil {
		return nil, err
	}
	r.Parameters, _ = unmarshalJSONMap(params)
	r.ResultData, _ = unmarshalJSONMap(result)
	if requestedBy != nil {
		r.RequestedBy = *requestedBy
	}
	if correlationID != nil {
		r.CorrelationID = *correlationID
	}
	if workerHost != nil {
		r.WorkerHost = *workerHost
	}
	if errorMessage != nil {
		r.ErrorMessage = *errorMessage
	}
	return r, nil
}

func fmtPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

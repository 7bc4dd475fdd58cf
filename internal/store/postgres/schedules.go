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
	"time"

	"github.com/jackc/pgx/v5"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func scheduleSelectColumns() string {
	return `SELECT id, job_id, type, cron_expression, interval_seconds, next_run_at, last_run_at,
		run_count, max_runs, is_active, parameters_json, created_by FROM schedules`
}

func scanSchedule(row pgx.Row) (*store.Schedule, error) {
	s := &store.Schedule{}
	var cronExpr, createdBy *string
	var intervalSeconds *int
	var maxRuns *int64
	var params []byte
	if err := row.Scan(&s.ID, &s.JobID, &s.Type, &cronExpr, &intervalSeconds, &s.NextRunAt, &s.LastRunAt,
		&s.RunCount, &maxRuns, &s.IsActive, &params, &createdBy); err != nil {
		return nil, err
	}
	if cronExpr != nil {
		s.CronExpression = *cronExpr
	}
	if createdBy != nil {
		s.CreatedBy = *createdBy
	}
	if intervalSeconds != nil {
		s.IntervalSeconds = *intervalSeconds
	}
	s.MaxRuns = maxRuns
	m, err := unmarshalJSONMap(params)
	if err != nil {
		return nil, err
	}
	s.Parameters = m
	return s, nil
}

func (b *Backend) CreateSchedule(ctx context.Context, sched *store.Schedule) error {
	params, err := marshalJSON(sched.Parameters)
	if err != nil {
		return &opserrors.ValidationError{Field: "schedule.parameters", Message: err.Error()}
	}
	var intervalSeconds interface{}
	if sched.IntervalSeconds > 0 {
		intervalSeconds = sched.IntervalSeconds
	}
	_, err = b.pool.Exec(ctx, `INSERT INTO schedules
		(id, job_id, type, cron_expression, interval_seconds, next_run_at, last_run_at, run_count, max_runs,
		 is_active, parameters_json, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sched.ID, sched.JobID, sched.Type, nullString(sched.CronExpression), intervalSeconds, sched.NextRunAt,
		sched.LastRunAt, sched.RunCount, sched.MaxRuns, sched.IsActive, params, nullString(sched.CreatedBy))
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_schedule", Cause: err}
	}
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	row := b.pool.QueryRow(ctx, scheduleSelectColumns()+` WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "schedule", ID: id}
		}
		return nil, &opserrors.PersistenceError{Op: "get_schedule", Cause: err}
	}
	return s, nil
}

func (b *Backend) UpdateSchedule(ctx context.Context, sched *store.Schedule) error {
	params, err := marshalJSON(sched.Parameters)
	if err != nil {
		return &opserrors.ValidationError{Field: "schedule.parameters", Message: err.Error()}
	}
	var intervalSeconds interface{}
	if sched.IntervalSeconds > 0 {
		intervalSeconds = sched.IntervalSeconds
	}
	tag, err := b.pool.Exec(ctx, `UPDATE schedules SET type=$1, cron_expression=$2, interval_seconds=$3,
		next_run_at=$4, last_run_at=$5, run_count=$6, max_runs=$7, is_active=$8, parameters_json=$9 WHERE id=$10`,
		sched.Type, nullString(sched.CronExpression), intervalSeconds, sched.NextRunAt, sched.LastRunAt,
		sched.RunCount, sched.MaxRuns, sched.IsActive, params, sched.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_schedule", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &opserrors.NotFoundError{Resource: "schedule", ID: sched.ID}
	}
	return nil
}

func (b *Backend) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return &opserrors.PersistenceError{Op: "delete_schedule", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &opserrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func (b *Backend) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	query := scheduleSelectColumns() + ` WHERE true`
	var args []interface{}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += ` AND job_id = $` + strconv.Itoa(len(args))
	}
	if !filter.IncludeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY id ASC`

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_schedules", Cause: err}
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_schedule", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListDue returns schedules ready to fire: active, with a next_run_at in the
// past, and either unbounded or still under max_runs (spec §4.5 step 1).
func (b *Backend) ListDue(ctx context.Context, now time.Time) ([]*store.Schedule, error) {
	rows, err := b.pool.Query(ctx, scheduleSelectColumns()+`
		WHERE is_active AND next_run_at IS NOT NULL AND next_run_at <= $1
		AND (max_runs IS NULL OR run_count < max_runs)
		ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_due_schedules", Cause: err}
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_schedule", Cause: err}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}


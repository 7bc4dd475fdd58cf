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

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func scheduleSelectColumns() string {
	return `SELECT id, job_id, type, cron_expression, interval_seconds, next_run_at, last_run_at,
		run_count, max_runs, is_active, parameters_json, created_by FROM schedules`
}

func scanSchedule(sc interface{ Scan(...any) error }) (*store.Schedule, error) {
	s := &store.Schedule{}
	var cronExpr, createdBy sql.NullString
	var intervalSeconds sql.NullInt64
	var nextRun, lastRun sql.NullTime
	var maxRuns sql.NullInt64
	var active int
	var params sql.NullString
	if err := sc.Scan(&s.ID, &s.JobID, &s.Type, &cronExpr, &intervalSeconds, &nextRun, &lastRun,
		&s.RunCount, &maxRuns, &active, &params, &createdBy); err != nil {
		return nil, err
	}
	s.CronExpression = cronExpr.String
	s.CreatedBy = createdBy.String
	if intervalSeconds.Valid {
		s.IntervalSeconds = int(intervalSeconds.Int64)
	}
	s.NextRunAt, s.LastRunAt = timePtr(nextRun), timePtr(lastRun)
	if maxRuns.Valid {
		v := maxRuns.Int64
		s.MaxRuns = &v
	}
	s.IsActive = active != 0
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
	var maxRuns sql.NullInt64
	if sched.MaxRuns != nil {
		maxRuns = sql.NullInt64{Int64: *sched.MaxRuns, Valid: true}
	}
	var intervalSeconds sql.NullInt64
	if sched.IntervalSeconds > 0 {
		intervalSeconds = sql.NullInt64{Int64: int64(sched.IntervalSeconds), Valid: true}
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO schedules
		(id, job_id, type, cron_expression, interval_seconds, next_run_at, last_run_at, run_count, max_runs,
		 is_active, parameters_json, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.JobID, sched.Type, sql.NullString{String: sched.CronExpression, Valid: sched.CronExpression != ""},
		intervalSeconds, nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), sched.RunCount, maxRuns,
		sched.IsActive, params, sql.NullString{String: sched.CreatedBy, Valid: sched.CreatedBy != ""})
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_schedule", Cause: err}
	}
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	row := b.db.QueryRowContext(ctx, scheduleSelectColumns()+` WHERE id = ?`, id)
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
	var maxRuns sql.NullInt64
	if sched.MaxRuns != nil {
		maxRuns = sql.NullInt64{Int64: *sched.MaxRuns, Valid: true}
	}
	var intervalSeconds sql.NullInt64
	if sched.IntervalSeconds > 0 {
		intervalSeconds = sql.NullInt64{Int64: int64(sched.IntervalSeconds), Valid: true}
	}
	res, err := b.db.ExecContext(ctx, `UPDATE schedules SET type=?, cron_expression=?, interval_seconds=?,
		next_run_at=?, last_run_at=?, run_count=?, max_runs=?, is_active=?, parameters_json=? WHERE id=?`,
		sched.Type, sql.NullString{String: sched.CronExpression, Valid: sched.CronExpression != ""}, intervalSeconds,
		nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), sched.RunCount, maxRuns, sched.IsActive, params, sched.ID)
	if err != nil {
		return &opserrors.PersistenceError{Op: "update_schedule", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "schedule", ID: sched.ID}
	}
	return nil
}

func (b *Backend) DeleteSchedule(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return &opserrors.PersistenceError{Op: "delete_schedule", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func (b *Backend) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	query := scheduleSelectColumns() + ` WHERE 1=1`
	var args []interface{}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if !filter.IncludeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := b.db.QueryContext(ctx, query, args...)
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
	rows, err := b.db.QueryContext(ctx, scheduleSelectColumns()+`
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
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

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
	"time"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func (b *Backend) CreateJob(ctx context.Context, job *store.Job, definition []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_job", Cause: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	job.Version = 1
	job.IsActive = true
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (id, name, version, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)`, job.ID, job.Name, job.Version, job.CreatedBy, now, now)
	if err != nil {
		return &opserrors.ConflictError{Resource: "job", Reason: fmt.Sprintf("name %q already exists: %v", job.Name, err)}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO job_versions (job_id, version, definition_json, is_active, created_at)
		VALUES (?, 1, ?, 1, ?)`, job.ID, string(definition), now)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}

	return tx.Commit()
}

func (b *Backend) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, name, version, is_active, created_by, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row, "job", id)
}

func (b *Backend) GetJobByName(ctx context.Context, name string) (*store.Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, name, version, is_active, created_by, created_at, updated_at
		FROM jobs WHERE name = ? AND is_active = 1`, name)
	return scanJob(row, "job", name)
}

func scanJob(row *sql.Row, resource, id string) (*store.Job, error) {
	j := &store.Job{}
	var active int
	if err := row.Scan(&j.ID, &j.Name, &j.Version, &active, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: resource, ID: id}
		}
		return nil, &opserrors.PersistenceError{Op: "get_job", Cause: err}
	}
	j.IsActive = active != 0
	return j, nil
}

func (b *Backend) CreateJobVersion(ctx context.Context, jobID string, definition []byte) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, jobID).Scan(&current); err != nil {
		if isNoRows(err) {
			return 0, &opserrors.NotFoundError{Resource: "job", ID: jobID}
		}
		return 0, &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}
	next := current + 1
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `UPDATE job_versions SET is_active = 0 WHERE job_id = ? AND version = ?`, jobID, current); err != nil {
		return 0, &opserrors.PersistenceError{Op: "deactivate_job_version", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO job_versions (job_id, version, definition_json, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)`, jobID, next, string(definition), now); err != nil {
		return 0, &opserrors.PersistenceError{Op: "insert_job_version", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET version = ?, updated_at = ? WHERE id = ?`, next, now, jobID); err != nil {
		return 0, &opserrors.PersistenceError{Op: "bump_job_version", Cause: err}
	}

	return next, tx.Commit()
}

func (b *Backend) GetActiveJobVersion(ctx context.Context, jobID string) (*store.JobVersion, error) {
	row := b.db.QueryRowContext(ctx, `SELECT job_id, version, definition_json, is_active, created_at
		FROM job_versions WHERE job_id = ? AND is_active = 1`, jobID)
	return scanJobVersion(row, jobID)
}

func (b *Backend) GetJobVersion(ctx context.Context, jobID string, version int) (*store.JobVersion, error) {
	row := b.db.QueryRowContext(ctx, `SELECT job_id, version, definition_json, is_active, created_at
		FROM job_versions WHERE job_id = ? AND version = ?`, jobID, version)
	return scanJobVersion(row, jobID)
}

func scanJobVersion(row *sql.Row, jobID string) (*store.JobVersion, error) {
	jv := &store.JobVersion{}
	var def string
	var active int
	if err := row.Scan(&jv.JobID, &jv.Version, &def, &active, &jv.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "job_version", ID: jobID}
		}
		return nil, &opserrors.PersistenceError{Op: "get_job_version", Cause: err}
	}
	jv.Definition = []byte(def)
	jv.IsActive = active != 0
	return jv, nil
}

func (b *Backend) DeactivateJob(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE jobs SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return &opserrors.PersistenceError{Op: "deactivate_job", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &opserrors.NotFoundError{Resource: "job", ID: id}
	}
	return nil
}

func (b *Backend) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, name, version, is_active, created_by, created_at, updated_at FROM jobs`
	if !filter.IncludeInactive {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY name LIMIT ? OFFSET ?`

	rows, err := b.db.QueryContext(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_jobs", Cause: err}
	}
	defer rows.Close()

	var out []*store.Job
	for rows.Next() {
		j := &store.Job{}
		var active int
		if err := rows.Scan(&j.ID, &j.Name, &j.Version, &active, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_job", Cause: err}
		}
		j.IsActive = active != 0
		out = append(out, j)
	}
	return out, rows.Err()
}

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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

func (b *Backend) CreateJob(ctx context.Context, job *store.Job, definition []byte) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_job", Cause: err}
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	job.Version = 1
	job.IsActive = true
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = tx.Exec(ctx, `INSERT INTO jobs (id, name, version, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, $6)`, job.ID, job.Name, job.Version, job.CreatedBy, now, now)
	if err != nil {
		return &opserrors.ConflictError{Resource: "job", Reason: fmt.Sprintf("name %q already exists: %v", job.Name, err)}
	}

	_, err = tx.Exec(ctx, `INSERT INTO job_versions (job_id, version, definition_json, is_active, created_at)
		VALUES ($1, 1, $2, true, $3)`, job.ID, definition, now)
	if err != nil {
		return &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}

	return tx.Commit(ctx)
}

func (b *Backend) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT id, name, version, is_active, created_by, created_at, updated_at
		FROM jobs WHERE id = $1`, id)
	return scanJob(row, "job", id)
}

func (b *Backend) GetJobByName(ctx context.Context, name string) (*store.Job, error) {
	row := b.pool.QueryRow(ctx, `SELECT id, name, version, is_active, created_by, created_at, updated_at
		FROM jobs WHERE name = $1 AND is_active`, name)
	return scanJob(row, "job", name)
}

func scanJob(row pgx.Row, resource, id string) (*store.Job, error) {
	j := &store.Job{}
	var createdBy *string
	if err := row.Scan(&j.ID, &j.Name, &j.Version, &j.IsActive, &createdBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: resource, ID: id}
		}
		return nil, &opserrors.PersistenceError{Op: "get_job", Cause: err}
	}
	if createdBy != nil {
		j.CreatedBy = *createdBy
	}
	return j, nil
}

func (b *Backend) CreateJobVersion(ctx context.Context, jobID string, definition []byte) (int, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}
	defer tx.Rollback(ctx)

	var current int
	if err := tx.QueryRow(ctx, `SELECT version FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
		if isNoRows(err) {
			return 0, &opserrors.NotFoundError{Resource: "job", ID: jobID}
		}
		return 0, &opserrors.PersistenceError{Op: "create_job_version", Cause: err}
	}
	next := current + 1
	now := time.Now().UTC()

	if _, err := tx.Exec(ctx, `UPDATE job_versions SET is_active = false WHERE job_id = $1 AND version = $2`, jobID, current); err != nil {
		return 0, &opserrors.PersistenceError{Op: "deactivate_job_version", Cause: err}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO job_versions (job_id, version, definition_json, is_active, created_at)
		VALUES ($1, $2, $3, true, $4)`, jobID, next, definition, now); err != nil {
		return 0, &opserrors.PersistenceError{Op: "insert_job_version", Cause: err}
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET version = $1, updated_at = $2 WHERE id = $3`, next, now, jobID); err != nil {
		return 0, &opserrors.PersistenceError{Op: "bump_job_version", Cause: err}
	}

	return next, tx.Commit(ctx)
}

func (b *Backend) GetActiveJobVersion(ctx context.Context, jobID string) (*store.JobVersion, error) {
	row := b.pool.QueryRow(ctx, `SELECT job_id, version, definition_json, is_active, created_at
		FROM job_versions WHERE job_id = $1 AND is_active`, jobID)
	return scanJobVersion(row, jobID)
}

func (b *Backend) GetJobVersion(ctx context.Context, jobID string, version int) (*store.JobVersion, error) {
	row := b.pool.QueryRow(ctx, `SELECT job_id, version, definition_json, is_active, created_at
		FROM job_versions WHERE job_id = $1 AND version = $2`, jobID, version)
	return scanJobVersion(row, jobID)
}

func scanJobVersion(row pgx.Row, jobID string) (*store.JobVersion, error) {
	jv := &store.JobVersion{}
	if err := row.Scan(&jv.JobID, &jv.Version, &jv.Definition, &jv.IsActive, &jv.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "job_version", ID: jobID}
		}
		return nil, &opserrors.PersistenceError{Op: "get_job_version", Cause: err}
	}
	return jv, nil
}

func (b *Backend) DeactivateJob(ctx context.Context, id string) error {
	tag, err := b.pool.Exec(ctx, `UPDATE jobs SET is_active = false, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return &opserrors.PersistenceError{Op: "deactivate_job", Cause: err}
	}
	if tag.RowsAffected() == 0 {
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
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name LIMIT $1 OFFSET $2`

	rows, err := b.pool.Query(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_jobs", Cause: err}
	}
	defer rows.Close()

	var out []*store.Job
	for rows.Next() {
		j := &store.Job{}
		var createdBy *string
		if err := rows.Scan(&j.ID, &j.Name, &j.Version, &j.IsActive, &createdBy, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_job", Cause: err}
		}
		if createdBy != nil {
			j.CreatedBy = *createdBy
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

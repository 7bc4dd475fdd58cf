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
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	opserrors "github.com/opsconductor/core/pkg/errors"
	"github.com/opsconductor/core/internal/store"
)

// Heartbeat upserts a worker's liveness record.
func (b *Backend) Heartbeat(ctx context.Context, reg *store.WorkerRegistration) error {
	queues, err := json.Marshal(reg.Queues)
	if err != nil {
		return &opserrors.ValidationError{Field: "worker.queues", Message: err.Error()}
	}
	_, err = b.pool.Exec(ctx, `INSERT INTO worker_registrations
		(hostname, queues_json, active_task_count, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hostname) DO UPDATE SET
			queues_json = EXCLUDED.queues_json,
			active_task_count = EXCLUDED.active_task_count,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		reg.Hostname, queues, reg.ActiveTaskCount, reg.LastHeartbeat)
	if err != nil {
		return &opserrors.PersistenceError{Op: "heartbeat", Cause: err}
	}
	return nil
}

func scanWorker(row pgx.Row) (*store.WorkerRegistration, error) {
	w := &store.WorkerRegistration{}
	var queues []byte
	if err := row.Scan(&w.Hostname, &queues, &w.ActiveTaskCount, &w.LastHeartbeat); err != nil {
		return nil, err
	}
	if len(queues) > 0 {
		if err := json.Unmarshal(queues, &w.Queues); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (b *Backend) GetWorker(ctx context.Context, hostname string) (*store.WorkerRegistration, error) {
	row := b.pool.QueryRow(ctx, `SELECT hostname, queues_json, active_task_count, last_heartbeat
		FROM worker_registrations WHERE hostname = $1`, hostname)
	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, &opserrors.NotFoundError{Resource: "worker", ID: hostname}
		}
		return nil, &opserrors.PersistenceError{Op: "get_worker", Cause: err}
	}
	return w, nil
}

func (b *Backend) ListWorkers(ctx context.Context) ([]*store.WorkerRegistration, error) {
	rows, err := b.pool.Query(ctx, `SELECT hostname, queues_json, active_task_count, last_heartbeat
		FROM worker_registrations ORDER BY hostname ASC`)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "list_workers", Cause: err}
	}
	defer rows.Close()

	var out []*store.WorkerRegistration
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_worker", Cause: err}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneStale deletes and returns worker registrations whose last heartbeat
// predates olderThan.
func (b *Backend) PruneStale(ctx context.Context, olderThan time.Time) ([]*store.WorkerRegistration, error) {
	rows, err := b.pool.Query(ctx, `DELETE FROM worker_registrations WHERE last_heartbeat < $1
		RETURNING hostname, queues_json, active_task_count, last_heartbeat`, olderThan)
	if err != nil {
		return nil, &opserrors.PersistenceError{Op: "prune_stale", Cause: err}
	}
	defer rows.Close()

	var stale []*store.WorkerRegistration
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, &opserrors.PersistenceError{Op: "scan_worker", Cause: err}
		}
		stale = append(stale, w)
	}
	return stale, rows.Err()
}

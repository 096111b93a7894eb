package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// BindTasksNoArgs implements PUT /task/bind_tasks_no_args: idempotently
// insert-or-fetch every task keyed by (workflow_id, node_id, task_args_hash)
// and return each one's id and status (spec §6).
func (d *DB) BindTasksNoArgs(ctx context.Context, tasks []model.Task) (map[string]model.Task, error) {
	out := make(map[string]model.Task, len(tasks))
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range tasks {
			var existing model.Task
			err := tx.GetContext(ctx, &existing, `
				SELECT id, workflow_id, array_id, node_id, task_args_hash, name, command,
				       status, num_attempts, max_attempts, task_resources_id,
				       resource_scales, fallback_queues, reset_if_running, status_date
				FROM task WHERE workflow_id = ? AND node_id = ? AND task_args_hash = ?`,
				t.WorkflowID, t.NodeID, t.TaskArgsHash)
			if err == nil {
				out[hashKey(t)] = existing
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("repository: bind task lookup: %w", err)
			}

			t.Status = model.TaskRegistering
			if t.MaxAttempts == 0 {
				t.MaxAttempts = 3
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO task (workflow_id, array_id, node_id, task_args_hash, name, command,
				                  status, num_attempts, max_attempts, task_resources_id,
				                  resource_scales, fallback_queues, reset_if_running)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
				t.WorkflowID, t.ArrayID, t.NodeID, t.TaskArgsHash, t.Name, t.Command,
				t.Status, t.MaxAttempts, t.TaskResourcesID, t.ResourceScales, t.FallbackQueues, t.ResetIfRunning)
			if err != nil {
				return fmt.Errorf("repository: bind task insert: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("repository: bind task id: %w", err)
			}
			t.ID = id
			out[hashKey(t)] = t
		}
		return nil
	})
	return out, err
}

func hashKey(t model.Task) string {
	return fmt.Sprintf("%d:%s", t.NodeID, t.TaskArgsHash)
}

// GetTask fetches a task by id.
func (d *DB) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	err := d.GetContext(ctx, &t, `
		SELECT id, workflow_id, array_id, node_id, task_args_hash, name, command,
		       status, num_attempts, max_attempts, task_resources_id,
		       resource_scales, fallback_queues, reset_if_running, status_date
		FROM task WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("repository: get task: %w", err)
	}
	return t, nil
}

// LockTaskNoWait locks a single task row for the TI-then-Task cascade
// (spec §4.2.3: "lock TaskInstance row (NOWAIT) -> lock Task row (NOWAIT)").
func (d *DB) LockTaskNoWait(ctx context.Context, tx *sqlx.Tx, id int64) (model.Task, error) {
	var t model.Task
	err := tx.GetContext(ctx, &t, lockClause(d.Driver, `
		SELECT id, workflow_id, array_id, node_id, task_args_hash, name, command,
		       status, num_attempts, max_attempts, task_resources_id,
		       resource_scales, fallback_queues, reset_if_running, status_date
		FROM task WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("repository: lock task: %w", err)
	}
	return t, nil
}

// UpdateTask persists the full task row inside tx.
func (d *DB) UpdateTask(ctx context.Context, tx *sqlx.Tx, t model.Task) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		UPDATE task SET status = ?, num_attempts = ?, task_resources_id = ?, resource_scales = ?, status_date = ?
		WHERE id = ?`, t.Status, t.NumAttempts, t.TaskResourcesID, t.ResourceScales, now, t.ID)
	if err != nil {
		return fmt.Errorf("repository: update task: %w", err)
	}
	return nil
}

// BulkTransitionTasks implements the SKIP_LOCKED bulk transition path (spec
// §4.2.3): it attempts to move every id in ids from fromStatus to toStatus,
// skipping rows locked by a concurrent batch, and categorizes the outcome.
type BulkTransitionResult struct {
	Transitioned []int64
	Invalid      []int64
	Locked       []int64
	NotFound     []int64
}

func (d *DB) BulkTransitionTasks(ctx context.Context, ids []int64, fromStatus, toStatus model.TaskStatus) (BulkTransitionResult, error) {
	var result BulkTransitionResult
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(skipLockedSelect(d.Driver, `
			SELECT id, status FROM task WHERE id IN (?)`), ids)
		if err != nil {
			return fmt.Errorf("repository: bulk transition query: %w", err)
		}
		query = tx.Rebind(query)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("repository: bulk transition select: %w", err)
		}
		seen := make(map[int64]bool, len(ids))
		var eligible []int64
		for rows.Next() {
			var id int64
			var status model.TaskStatus
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return fmt.Errorf("repository: bulk transition scan: %w", err)
			}
			seen[id] = true
			if status == fromStatus {
				eligible = append(eligible, id)
			} else {
				result.Invalid = append(result.Invalid, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("repository: bulk transition rows: %w", err)
		}
		var unseen []int64
		for _, id := range ids {
			if !seen[id] {
				unseen = append(unseen, id)
			}
		}
		if len(unseen) > 0 {
			existsQuery, existsArgs, err := sqlx.In(`SELECT id FROM task WHERE id IN (?)`, unseen)
			if err != nil {
				return fmt.Errorf("repository: bulk transition existence query: %w", err)
			}
			existsQuery = tx.Rebind(existsQuery)
			existsRows, err := tx.QueryContext(ctx, existsQuery, existsArgs...)
			if err != nil {
				return fmt.Errorf("repository: bulk transition existence select: %w", err)
			}
			exists := make(map[int64]bool, len(unseen))
			for existsRows.Next() {
				var id int64
				if err := existsRows.Scan(&id); err != nil {
					existsRows.Close()
					return fmt.Errorf("repository: bulk transition existence scan: %w", err)
				}
				exists[id] = true
			}
			existsRows.Close()
			if err := existsRows.Err(); err != nil {
				return fmt.Errorf("repository: bulk transition existence rows: %w", err)
			}
			for _, id := range unseen {
				if exists[id] {
					result.Locked = append(result.Locked, id)
				} else {
					result.NotFound = append(result.NotFound, id)
				}
			}
		}

		if len(eligible) > 0 {
			upd, updArgs, err := sqlx.In(`UPDATE task SET status = ?, status_date = ? WHERE id IN (?)`, toStatus, time.Now(), eligible)
			if err != nil {
				return fmt.Errorf("repository: bulk transition update query: %w", err)
			}
			upd = tx.Rebind(upd)
			if _, err := tx.ExecContext(ctx, upd, updArgs...); err != nil {
				return fmt.Errorf("repository: bulk transition update: %w", err)
			}
			now := time.Now()
			for _, id := range eligible {
				if err := d.InsertAudit(ctx, tx, model.TaskStatusAudit{
					TaskID: id, PreviousStatus: string(fromStatus), NewStatus: string(toStatus), EnteredAt: now,
				}); err != nil {
					return err
				}
			}
			result.Transitioned = eligible
		}
		return nil
	})
	return result, err
}

func skipLockedSelect(driver Driver, query string) string {
	if driver == DriverMySQL {
		return query + " FOR UPDATE SKIP LOCKED"
	}
	return query
}

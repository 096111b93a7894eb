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

// ErrAlreadyActive is returned by LinkWorkflowRun when another run for the
// same workflow is already BOUND or RUNNING (spec §3's at-most-one-active
// invariant, enforced by the lock-and-link protocol of §4.2).
var ErrAlreadyActive = errors.New("repository: workflow already has an active run")

// CreateWorkflowRun inserts a new REGISTERED run (spec §6 POST /workflow_run).
func (d *DB) CreateWorkflowRun(ctx context.Context, wr model.WorkflowRun) (model.WorkflowRun, error) {
	wr.Status = model.WorkflowRunRegistered
	wr.CreatedDate = time.Now()
	wr.HeartbeatDate = wr.CreatedDate
	res, err := d.ExecContext(ctx, `
		INSERT INTO workflow_run (workflow_id, status, user, jobmon_version, heartbeat_date, created_date)
		VALUES (?, ?, ?, ?, ?, ?)`,
		wr.WorkflowID, wr.Status, wr.User, wr.JobmonVersion, wr.HeartbeatDate, wr.CreatedDate)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("repository: create workflow run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("repository: create workflow run id: %w", err)
	}
	wr.ID = id
	return wr, nil
}

// LinkWorkflowRun implements the lock-and-link protocol (spec §3/§4.2): it
// locks every other run for the same workflow, and refuses to move this run
// to BOUND if any sibling is already in an active status.
func (d *DB) LinkWorkflowRun(ctx context.Context, tx *sqlx.Tx, id, workflowID int64) error {
	rows, err := tx.QueryContext(ctx, lockClause(d.Driver, `
		SELECT status FROM workflow_run WHERE workflow_id = ? AND id != ?`), workflowID, id)
	if err != nil {
		return fmt.Errorf("repository: link workflow run lock: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.WorkflowRunStatus
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("repository: link workflow run scan: %w", err)
		}
		if model.ActiveWorkflowRunStatuses[status] {
			return ErrAlreadyActive
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("repository: link workflow run rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workflow_run SET status = ? WHERE id = ?`, model.WorkflowRunBound, id); err != nil {
		return fmt.Errorf("repository: link workflow run update: %w", err)
	}
	return nil
}

// ActiveWorkflowRunForWorkflow returns the one run currently in an active
// status (BOUND or RUNNING) for workflowID, if any (spec §3's at-most-one-
// active-run invariant makes this lookup unambiguous).
func (d *DB) ActiveWorkflowRunForWorkflow(ctx context.Context, workflowID int64) (model.WorkflowRun, error) {
	var wr model.WorkflowRun
	err := d.GetContext(ctx, &wr, `
		SELECT id, workflow_id, status, user, jobmon_version, heartbeat_date, created_date
		FROM workflow_run WHERE workflow_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1`, workflowID, model.WorkflowRunBound, model.WorkflowRunRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("repository: active workflow run: %w", err)
	}
	return wr, nil
}

// lockClause appends a dialect-appropriate row lock. SQLite has no FOR
// UPDATE NOWAIT so the lock reduces to plain read-then-check there (the
// whole repository still serializes writers at the database-file level);
// MySQL gets a real NOWAIT row lock per spec §4.2.3.
func lockClause(driver Driver, query string) string {
	if driver == DriverMySQL {
		return query + " FOR UPDATE NOWAIT"
	}
	return query
}

// GetWorkflowRun fetches a run by id.
func (d *DB) GetWorkflowRun(ctx context.Context, id int64) (model.WorkflowRun, error) {
	var wr model.WorkflowRun
	err := d.GetContext(ctx, &wr, `
		SELECT id, workflow_id, status, user, jobmon_version, heartbeat_date, created_date
		FROM workflow_run WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("repository: get workflow run: %w", err)
	}
	return wr, nil
}

// UpdateWorkflowRunStatus sets status, optionally inside tx.
func (d *DB) UpdateWorkflowRunStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.WorkflowRunStatus) error {
	_, err := d.execer(tx).ExecContext(ctx, `UPDATE workflow_run SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("repository: update workflow run status: %w", err)
	}
	return nil
}

// Heartbeat advances report_by_date-equivalent heartbeat_date for a run,
// enforcing the monotonic "report_by_date strictly increases" invariant
// (spec §3/§8) by only applying the update when the new value is later.
func (d *DB) Heartbeat(ctx context.Context, id int64, next time.Time) error {
	res, err := d.ExecContext(ctx,
		`UPDATE workflow_run SET heartbeat_date = ? WHERE id = ? AND heartbeat_date < ?`,
		next, id, next)
	if err != nil {
		return fmt.Errorf("repository: heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository: heartbeat: stale report_by_date for run %d", id)
	}
	return nil
}

// StaleWorkflowRuns returns runs in the given statuses whose heartbeat_date
// is older than cutoff, for the reaper sweep (spec §4.2.5).
func (d *DB) StaleWorkflowRuns(ctx context.Context, statuses []model.WorkflowRunStatus, cutoff time.Time, afterID int64, limit int) ([]model.WorkflowRun, error) {
	query, args, err := sqlx.In(`
		SELECT id, workflow_id, status, user, jobmon_version, heartbeat_date, created_date
		FROM workflow_run
		WHERE status IN (?) AND heartbeat_date < ? AND id > ?
		ORDER BY id ASC LIMIT ?`, statuses, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: stale runs query: %w", err)
	}
	query = d.Rebind(query)
	var runs []model.WorkflowRun
	if err := d.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("repository: stale runs: %w", err)
	}
	return runs, nil
}

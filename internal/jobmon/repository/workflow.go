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

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("repository: not found")

// BindWorkflow implements the content-addressed bind contract of spec §6's
// POST /workflow: resubmitting an identical (tool_version, dag, args_hash,
// task_hash) tuple returns the same workflow_id with newly_created=false.
func (d *DB) BindWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, bool, error) {
	var existing model.Workflow
	err := d.GetContext(ctx, &existing, `
		SELECT id, tool_version_id, dag_id, workflow_args_hash, task_hash, name,
		       description, status, max_concurrently_running, created_date
		FROM workflow
		WHERE tool_version_id = ? AND dag_id = ? AND workflow_args_hash = ? AND task_hash = ?`,
		wf.ToolVersionID, wf.DagID, wf.WorkflowArgsHash, wf.TaskHash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Workflow{}, false, fmt.Errorf("repository: bind workflow lookup: %w", err)
	}

	wf.Status = model.WorkflowRegistering
	res, err := d.ExecContext(ctx, `
		INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash,
		                       name, description, status, max_concurrently_running)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ToolVersionID, wf.DagID, wf.WorkflowArgsHash, wf.TaskHash,
		wf.Name, wf.Description, wf.Status, wf.MaxConcurrentlyRunning)
	if err != nil {
		return model.Workflow{}, false, fmt.Errorf("repository: bind workflow insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Workflow{}, false, fmt.Errorf("repository: bind workflow id: %w", err)
	}
	wf.ID = id
	return wf, true, nil
}

// GetWorkflow fetches a workflow by id.
func (d *DB) GetWorkflow(ctx context.Context, id int64) (model.Workflow, error) {
	var wf model.Workflow
	err := d.GetContext(ctx, &wf, `
		SELECT id, tool_version_id, dag_id, workflow_args_hash, task_hash, name,
		       description, status, max_concurrently_running, created_date
		FROM workflow WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Workflow{}, ErrNotFound
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("repository: get workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflowStatus sets the workflow's status. It does not touch
// created_date; MarkWorkflowCreated stamps that.
func (d *DB) UpdateWorkflowStatus(ctx context.Context, tx *sqlx.Tx, id int64, status model.WorkflowStatus) error {
	exec := d.execer(tx)
	_, err := exec.ExecContext(ctx, `UPDATE workflow SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("repository: update workflow status: %w", err)
	}
	return nil
}

// MarkWorkflowCreated stamps created_date once, idempotently.
func (d *DB) MarkWorkflowCreated(ctx context.Context, id int64, at time.Time) error {
	_, err := d.ExecContext(ctx, `UPDATE workflow SET created_date = ? WHERE id = ? AND created_date IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("repository: mark workflow created: %w", err)
	}
	return nil
}

// SetWorkflowMaxConcurrency updates the cap used by the concurrency
// invariant (spec §3 and the GET/PUT max_concurrently_running routes).
func (d *DB) SetWorkflowMaxConcurrency(ctx context.Context, id int64, max int64) error {
	_, err := d.ExecContext(ctx, `UPDATE workflow SET max_concurrently_running = ? WHERE id = ?`, max, id)
	if err != nil {
		return fmt.Errorf("repository: set workflow concurrency: %w", err)
	}
	return nil
}

// WorkflowIDByDagID resolves the single workflow bound to a dag, for routes
// the client addresses by dag_id alone (spec §9's dag-edges contract).
func (d *DB) WorkflowIDByDagID(ctx context.Context, dagID int64) (int64, error) {
	var id int64
	err := d.GetContext(ctx, &id, `SELECT id FROM workflow WHERE dag_id = ? ORDER BY id DESC LIMIT 1`, dagID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("repository: workflow by dag id: %w", err)
	}
	return id, nil
}

// AllTasksDone reports whether every task belonging to workflowID is DONE,
// used by both the Workflow.status=DONE invariant and the reaper's
// FAILED-but-all-DONE correction (spec §4.2.5).
func (d *DB) AllTasksDone(ctx context.Context, workflowID int64) (bool, error) {
	var total, done int
	if err := d.GetContext(ctx, &total, `SELECT COUNT(*) FROM task WHERE workflow_id = ?`, workflowID); err != nil {
		return false, fmt.Errorf("repository: count tasks: %w", err)
	}
	if total == 0 {
		return false, nil
	}
	if err := d.GetContext(ctx, &done, `SELECT COUNT(*) FROM task WHERE workflow_id = ? AND status = ?`, workflowID, model.TaskDone); err != nil {
		return false, fmt.Errorf("repository: count done tasks: %w", err)
	}
	return done == total, nil
}

// FailedWorkflowsPaged pages workflow ids currently FAILED, ordered by id,
// for the reaper's correction scan (spec §4.2.5: a workflow left FAILED
// after its last task actually finished DONE must be corrected). Follows
// the same afterID/limit cursor shape as StaleWorkflowRuns.
func (d *DB) FailedWorkflowsPaged(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := d.SelectContext(ctx, &ids, `
		SELECT id FROM workflow WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		model.WorkflowFailed, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed workflows paged: %w", err)
	}
	return ids, nil
}

// execer lets callers optionally participate in an externally-managed
// transaction (the TransitionService's contract) or fall back to the pool.
type execContextor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *DB) execer(tx *sqlx.Tx) execContextor {
	if tx != nil {
		return tx
	}
	return d.DB
}

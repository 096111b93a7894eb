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

// CreateTaskInstance inserts a new attempt at running a task (one per
// attempt, per spec §3 lifecycle rules).
func (d *DB) CreateTaskInstance(ctx context.Context, tx *sqlx.Tx, ti model.TaskInstance) (model.TaskInstance, error) {
	ti.Status = model.TIQueued
	ti.StatusDate = time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_instance (task_id, workflow_run_id, array_id, array_batch_num,
		                           array_step_id, status, task_resources_id, report_by_date, status_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ti.TaskID, ti.WorkflowRunID, ti.ArrayID, ti.ArrayBatchNum, ti.ArrayStepID,
		ti.Status, ti.TaskResourcesID, ti.ReportByDate, ti.StatusDate)
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("repository: create task instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("repository: create task instance id: %w", err)
	}
	ti.ID = id
	return ti, nil
}

// LockTaskInstanceNoWait locks a TI row, the first step of the TI-then-Task
// cascade lock order (spec §4.2.3).
func (d *DB) LockTaskInstanceNoWait(ctx context.Context, tx *sqlx.Tx, id int64) (model.TaskInstance, error) {
	var ti model.TaskInstance
	err := tx.GetContext(ctx, &ti, lockClause(d.Driver, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id,
		       status, distributor_id, task_resources_id, report_by_date, status_date,
		       stdout, stderr, maxrss_bytes, user_time_sec, system_time_sec
		FROM task_instance WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskInstance{}, ErrNotFound
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("repository: lock task instance: %w", err)
	}
	return ti, nil
}

// UpdateTaskInstance persists status/report_by_date/distributor/usage fields.
func (d *DB) UpdateTaskInstance(ctx context.Context, tx *sqlx.Tx, ti model.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE task_instance
		SET status = ?, distributor_id = ?, report_by_date = ?, status_date = ?,
		    stdout = ?, stderr = ?, maxrss_bytes = ?, user_time_sec = ?, system_time_sec = ?
		WHERE id = ?`,
		ti.Status, ti.DistributorID, ti.ReportByDate, ti.StatusDate,
		ti.Stdout, ti.Stderr, ti.MaxrssBytes, ti.UserTimeSec, ti.SystemTimeSec, ti.ID)
	if err != nil {
		return fmt.Errorf("repository: update task instance: %w", err)
	}
	return nil
}

// GetTaskInstance fetches a task instance by id, joined with its owning
// task's command and workflow/array identity for the worker/distributor
// handlers.
func (d *DB) GetTaskInstance(ctx context.Context, id int64) (model.TaskInstance, error) {
	var ti model.TaskInstance
	err := d.GetContext(ctx, &ti, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id,
		       status, distributor_id, task_resources_id, report_by_date, status_date,
		       stdout, stderr, maxrss_bytes, user_time_sec, system_time_sec
		FROM task_instance WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskInstance{}, ErrNotFound
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("repository: get task instance: %w", err)
	}
	return ti, nil
}

// SetDistributorID records the cluster plugin's job id for an instance, the
// first half of the distributor's "log_distributor_id then
// transition_to_launched" pair (spec §4.4).
func (d *DB) SetDistributorID(ctx context.Context, id int64, distributorID string) error {
	_, err := d.ExecContext(ctx, `UPDATE task_instance SET distributor_id = ? WHERE id = ?`, distributorID, id)
	if err != nil {
		return fmt.Errorf("repository: set distributor id: %w", err)
	}
	return nil
}

// CountActiveByWorkflowRun counts instances in an active status for a run,
// backing the per-workflow concurrency invariant (spec §3/§8).
func (d *DB) CountActiveByWorkflowRun(ctx context.Context, workflowRunID int64) (int64, error) {
	var n int64
	err := d.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM task_instance
		WHERE workflow_run_id = ? AND status IN (?, ?, ?, ?)`,
		workflowRunID, model.TIQueued, model.TIInstantiated, model.TILaunched, model.TIRunning)
	if err != nil {
		return 0, fmt.Errorf("repository: count active instances: %w", err)
	}
	return n, nil
}

// CountActiveByArray counts active instances for an array, for the
// per-array concurrency invariant.
func (d *DB) CountActiveByArray(ctx context.Context, arrayID int64) (int64, error) {
	var n int64
	err := d.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM task_instance
		WHERE array_id = ? AND status IN (?, ?, ?, ?)`,
		arrayID, model.TIQueued, model.TIInstantiated, model.TILaunched, model.TIRunning)
	if err != nil {
		return 0, fmt.Errorf("repository: count active array instances: %w", err)
	}
	return n, nil
}

// QueuedTaskInstances returns instances in QUEUED status for the
// distributor's submission pump (spec §4.4).
func (d *DB) QueuedTaskInstances(ctx context.Context, workflowRunID int64) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := d.SelectContext(ctx, &out, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id,
		       status, distributor_id, task_resources_id, report_by_date, status_date,
		       stdout, stderr, maxrss_bytes, user_time_sec, system_time_sec
		FROM task_instance WHERE workflow_run_id = ? AND status = ?`, workflowRunID, model.TIQueued)
	if err != nil {
		return nil, fmt.Errorf("repository: queued instances: %w", err)
	}
	return out, nil
}

// QueuedInstance pairs a queued task instance with the command/resources
// the distributor needs to submit it, avoiding an N+1 GetTask per instance.
type QueuedInstance struct {
	model.TaskInstance
	Command            string `db:"command" json:"command"`
	Name               string `db:"name" json:"name"`
	RequestedResources string `db:"requested_resources" json:"requested_resources"`
}

// QueuedTaskInstancesWithCommand is QueuedTaskInstances enriched with the
// owning task's command/name and bound resource request, for the
// distributor's submission pump (spec §4.4).
func (d *DB) QueuedTaskInstancesWithCommand(ctx context.Context, workflowRunID int64) ([]QueuedInstance, error) {
	var out []QueuedInstance
	err := d.SelectContext(ctx, &out, `
		SELECT ti.id, ti.task_id, ti.workflow_run_id, ti.array_id, ti.array_batch_num, ti.array_step_id,
		       ti.status, ti.distributor_id, ti.task_resources_id, ti.report_by_date, ti.status_date,
		       ti.stdout, ti.stderr, ti.maxrss_bytes, ti.user_time_sec, ti.system_time_sec,
		       t.command AS command, t.name AS name,
		       COALESCE(tr.requested_resources, '{}') AS requested_resources
		FROM task_instance ti
		JOIN task t ON t.id = ti.task_id
		LEFT JOIN task_resources tr ON tr.id = ti.task_resources_id
		WHERE ti.workflow_run_id = ? AND ti.status = ?`, workflowRunID, model.TIQueued)
	if err != nil {
		return nil, fmt.Errorf("repository: queued instances with command: %w", err)
	}
	return out, nil
}

// LaunchedOrRunningInstances returns instances the distributor must
// reconcile against the cluster plugin's ActiveIDs (spec §4.4).
func (d *DB) LaunchedOrRunningInstances(ctx context.Context, workflowRunID int64) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := d.SelectContext(ctx, &out, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id,
		       status, distributor_id, task_resources_id, report_by_date, status_date,
		       stdout, stderr, maxrss_bytes, user_time_sec, system_time_sec
		FROM task_instance WHERE workflow_run_id = ? AND status IN (?, ?)`,
		workflowRunID, model.TILaunched, model.TIRunning)
	if err != nil {
		return nil, fmt.Errorf("repository: launched/running instances: %w", err)
	}
	return out, nil
}

// LaunchedRunningOrKillSelfInstances extends LaunchedOrRunningInstances with
// KILL_SELF so the distributor's reconcile tick also sees instances it
// still needs to terminate at the plugin (spec §4.4: "on every reconcile,
// terminate the plugin job for every KILL_SELF instance").
func (d *DB) LaunchedRunningOrKillSelfInstances(ctx context.Context, workflowRunID int64) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := d.SelectContext(ctx, &out, `
		SELECT id, task_id, workflow_run_id, array_id, array_batch_num, array_step_id,
		       status, distributor_id, task_resources_id, report_by_date, status_date,
		       stdout, stderr, maxrss_bytes, user_time_sec, system_time_sec
		FROM task_instance WHERE workflow_run_id = ? AND status IN (?, ?, ?)`,
		workflowRunID, model.TILaunched, model.TIRunning, model.TIKillSelf)
	if err != nil {
		return nil, fmt.Errorf("repository: launched/running/kill_self instances: %w", err)
	}
	return out, nil
}

// TriageOverdue implements the two-phase select-then-update triage sweep
// (spec §4.2.6), split to avoid the single-large-UPDATE MySQL deadlocks the
// spec calls out explicitly.
func (d *DB) TriageOverdue(ctx context.Context, now time.Time, heartbeatWindow time.Duration) (runningToTriaging, launchedToNoHeartbeat int, err error) {
	err = d.WithTx(ctx, func(tx *sqlx.Tx) error {
		var runningIDs []int64
		if err := tx.SelectContext(ctx, &runningIDs, `
			SELECT id FROM task_instance WHERE status = ? AND report_by_date <= ?`,
			model.TIRunning, now); err != nil {
			return fmt.Errorf("repository: triage select running: %w", err)
		}
		if len(runningIDs) > 0 {
			q, args, err := sqlx.In(`UPDATE task_instance SET status = ?, status_date = ? WHERE id IN (?)`,
				model.TITriaging, now, runningIDs)
			if err != nil {
				return fmt.Errorf("repository: triage update running query: %w", err)
			}
			q = tx.Rebind(q)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("repository: triage update running: %w", err)
			}
			runningToTriaging = len(runningIDs)
		}

		cutoff := now.Add(-heartbeatWindow)
		var launchedIDs []int64
		if err := tx.SelectContext(ctx, &launchedIDs, `
			SELECT id FROM task_instance
			WHERE status = ? AND report_by_date <= ? AND status_date < ?`,
			model.TILaunched, now, cutoff); err != nil {
			return fmt.Errorf("repository: triage select launched: %w", err)
		}
		if len(launchedIDs) > 0 {
			q, args, err := sqlx.In(`UPDATE task_instance SET status = ?, status_date = ? WHERE id IN (?)`,
				model.TINoHeartbeat, now, launchedIDs)
			if err != nil {
				return fmt.Errorf("repository: triage update launched query: %w", err)
			}
			q = tx.Rebind(q)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("repository: triage update launched: %w", err)
			}
			launchedToNoHeartbeat = len(launchedIDs)
		}
		return nil
	})
	return
}

// PendingKillSelf returns the count of instances still in KILL_SELF,
// backing GET /workflow/{id}/is_resumable (spec §4.2.4).
func (d *DB) PendingKillSelf(ctx context.Context, workflowID int64) (int64, error) {
	var n int64
	err := d.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM task_instance ti
		JOIN task t ON t.id = ti.task_id
		WHERE t.workflow_id = ? AND ti.status = ?`, workflowID, model.TIKillSelf)
	if err != nil {
		return 0, fmt.Errorf("repository: pending kill_self: %w", err)
	}
	return n, nil
}

// ForceCleanupKillSelf flips stuck KILL_SELF instances to ERROR_FATAL (the
// force_cleanup escape hatch of spec §4.2.4).
func (d *DB) ForceCleanupKillSelf(ctx context.Context, workflowID int64) (int64, error) {
	res, err := d.ExecContext(ctx, `
		UPDATE task_instance SET status = ?, status_date = ?
		WHERE status = ? AND task_id IN (SELECT id FROM task WHERE workflow_id = ?)`,
		model.TIErrorFatal, time.Now(), model.TIKillSelf, workflowID)
	if err != nil {
		return 0, fmt.Errorf("repository: force cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SetResumeKillSelf transitions active instances to KILL_SELF for every
// non-DONE task of workflowID; cold resume also includes RUNNING (spec
// §4.2.4).
func (d *DB) SetResumeKillSelf(ctx context.Context, workflowID int64, cold bool) (int64, error) {
	statuses := []model.TaskInstanceStatus{model.TIQueued, model.TIInstantiated, model.TILaunched}
	if cold {
		statuses = append(statuses, model.TIRunning)
	}
	query, args, err := sqlx.In(`
		UPDATE task_instance SET status = ?, status_date = ?
		WHERE status IN (?) AND task_id IN (
			SELECT id FROM task WHERE workflow_id = ? AND status != ?)`,
		model.TIKillSelf, time.Now(), statuses, workflowID, model.TaskDone)
	if err != nil {
		return 0, fmt.Errorf("repository: set resume query: %w", err)
	}
	query = d.Rebind(query)
	res, err := d.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("repository: set resume: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

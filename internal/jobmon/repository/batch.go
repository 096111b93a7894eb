package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// PagedTask is one row of the builder's resume-path paging query (spec
// §6 GET /workflow/get_tasks/{id}): everything the swarm needs to
// reconstruct a SwarmTask without a second round trip per task.
type PagedTask struct {
	TaskID                 int64   `db:"id"`
	NodeID                 int64   `db:"node_id"`
	ArrayID                *int64  `db:"array_id"`
	Status                 string  `db:"status"`
	MaxAttempts             int     `db:"max_attempts"`
	NumAttempts             int     `db:"num_attempts"`
	ResourceScales          string  `db:"resource_scales"`
	FallbackQueues          string  `db:"fallback_queues"`
	TaskResourcesID         *int64  `db:"task_resources_id"`
	TaskResourcesHash       string  `db:"task_resources_hash"`
	RequestedResources      string  `db:"requested_resources"`
	ClusterName             string  `db:"cluster_name"`
	QueueName               string  `db:"queue_name"`
	MaxConcurrentlyRunning  int64   `db:"max_concurrently_running"`
}

// GetTasksPaged implements the builder's resume paging contract (spec
// §4.5.2): fetch up to chunkSize non-DONE tasks for workflowID with id >
// maxTaskID, ordered by id so repeated calls sweep the whole workflow.
func (d *DB) GetTasksPaged(ctx context.Context, workflowID, maxTaskID int64, chunkSize int) ([]PagedTask, error) {
	var out []PagedTask
	err := d.SelectContext(ctx, &out, `
		SELECT t.id AS id, t.node_id AS node_id, t.array_id AS array_id, t.status AS status,
		       t.max_attempts AS max_attempts, t.num_attempts AS num_attempts,
		       t.resource_scales AS resource_scales, t.fallback_queues AS fallback_queues,
		       t.task_resources_id AS task_resources_id,
		       COALESCE(tr.hash, '') AS task_resources_hash,
		       COALESCE(tr.requested_resources, '{}') AS requested_resources,
		       COALESCE(tr.queue_name, '') AS cluster_name,
		       COALESCE(tr.queue_name, '') AS queue_name,
		       COALESCE(a.max_concurrently_running, 0) AS max_concurrently_running
		FROM task t
		LEFT JOIN task_resources tr ON tr.id = t.task_resources_id
		LEFT JOIN array a ON a.id = t.array_id
		WHERE t.workflow_id = ? AND t.status != ? AND t.id > ?
		ORDER BY t.id ASC LIMIT ?`,
		workflowID, model.TaskDone, maxTaskID, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("repository: get tasks paged: %w", err)
	}
	return out, nil
}

// TasksUpdatedSince backs POST /workflow/{id}/task_status_updates (spec
// §6): tasks whose status_date changed after since (nil since means every
// current task for the workflow). Returns the snapshot and the server
// clock time the caller should remember as its new last_sync.
func (d *DB) TasksUpdatedSince(ctx context.Context, workflowID int64, since *time.Time) (map[int64]model.TaskStatus, time.Time, error) {
	now := time.Now()
	type row struct {
		ID     int64            `db:"id"`
		Status model.TaskStatus `db:"status"`
	}
	var rows []row
	if since == nil {
		err := d.SelectContext(ctx, &rows, `
			SELECT id, status FROM task WHERE workflow_id = ?`, workflowID)
		if err != nil {
			return nil, now, fmt.Errorf("repository: tasks full sync: %w", err)
		}
	} else {
		err := d.SelectContext(ctx, &rows, `
			SELECT id, status FROM task
			WHERE workflow_id = ? AND status_date IS NOT NULL AND status_date > ?`, workflowID, *since)
		if err != nil {
			return nil, now, fmt.Errorf("repository: tasks incremental sync: %w", err)
		}
	}
	out := make(map[int64]model.TaskStatus, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Status
	}
	return out, now, nil
}

// BindTaskArgs implements PUT /task/bind_task_args (spec §6): idempotently
// records each (task_id, arg_id, value) triple.
func (d *DB) BindTaskArgs(ctx context.Context, triples [][3]any) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range triples {
			taskID, argID, value := t[0], t[1], t[2]
			insert := d.InsertPrefix() + ` INTO task_arg (task_id, arg_id, value) VALUES (?, ?, ?)` + d.InsertIgnoreClause("task_id, arg_id")
			if _, err := tx.ExecContext(ctx, insert, taskID, argID, value); err != nil {
				return fmt.Errorf("repository: bind task args: %w", err)
			}
		}
		return nil
	})
}

// QueueTaskBatchResult mirrors the per-task status map returned by
// POST /array/{id}/queue_task_batch (spec §6).
type QueueTaskBatchResult struct {
	TasksByStatus map[int64]model.TaskStatus
}

// QueueTaskBatch implements the scheduler's batch entry point (spec
// §4.5.3/§6): it bulk-transitions every eligible task to QUEUED (from
// either REGISTERING, the bind-time default, or ADJUSTING_RESOURCES, the
// resource-retry path) and creates one QUEUED TaskInstance per transitioned
// task. Each bulk transition commits in its own transaction and the
// instances are created in a further one, so a failure while creating
// instances leaves the already-transitioned tasks QUEUED without an instance.
func (d *DB) QueueTaskBatch(ctx context.Context, taskIDs []int64, arrayID *int64, taskResourcesID, workflowRunID int64, reportBy time.Time) (QueueTaskBatchResult, error) {
	result := QueueTaskBatchResult{TasksByStatus: make(map[int64]model.TaskStatus, len(taskIDs))}

	fromRegistering, err := d.BulkTransitionTasks(ctx, taskIDs, model.TaskRegistering, model.TaskQueued)
	if err != nil {
		return result, err
	}
	remaining := fromRegistering.Invalid
	var fromAdjusting BulkTransitionResult
	if len(remaining) > 0 {
		fromAdjusting, err = d.BulkTransitionTasks(ctx, remaining, model.TaskAdjustingResources, model.TaskQueued)
		if err != nil {
			return result, err
		}
	}

	transitioned := append(append([]int64{}, fromRegistering.Transitioned...), fromAdjusting.Transitioned...)
	if len(transitioned) == 0 {
		return result, nil
	}

	err = d.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, taskID := range transitioned {
			ti := model.TaskInstance{
				TaskID:          taskID,
				WorkflowRunID:   workflowRunID,
				ArrayID:         arrayID,
				TaskResourcesID: &taskResourcesID,
				ReportByDate:    reportBy,
			}
			if _, err := d.CreateTaskInstance(ctx, tx, ti); err != nil {
				return err
			}
			result.TasksByStatus[taskID] = model.TaskQueued
		}
		return nil
	})
	return result, err
}

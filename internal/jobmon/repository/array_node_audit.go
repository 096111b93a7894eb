package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// CreateArray implements POST /array (spec §6).
func (d *DB) CreateArray(ctx context.Context, a model.Array) (model.Array, error) {
	res, err := d.ExecContext(ctx, `
		INSERT INTO array (workflow_id, task_template_version_id, name, max_concurrently_running)
		VALUES (?, ?, ?, ?)`, a.WorkflowID, a.TaskTemplateVersionID, a.Name, a.MaxConcurrentlyRunning)
	if err != nil {
		return model.Array{}, fmt.Errorf("repository: create array: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Array{}, fmt.Errorf("repository: create array id: %w", err)
	}
	a.ID = id
	return a, nil
}

// GetArray fetches an array by id, used by the scheduler's per-array
// concurrency lookup (spec §9's get_array_max_concurrently_running route).
func (d *DB) GetArray(ctx context.Context, id int64) (model.Array, error) {
	var a model.Array
	err := d.GetContext(ctx, &a, `
		SELECT id, workflow_id, task_template_version_id, name, max_concurrently_running
		FROM array WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Array{}, ErrNotFound
	}
	if err != nil {
		return model.Array{}, fmt.Errorf("repository: get array: %w", err)
	}
	return a, nil
}

// GetOrCreateNode implements the content-addressed node lookup from spec §9
// ((task_template_version_id, node_args_hash) identity).
func (d *DB) GetOrCreateNode(ctx context.Context, templateVersionID int64, nodeArgsHash string) (model.Node, error) {
	var n model.Node
	err := d.GetContext(ctx, &n, `
		SELECT id, task_template_version_id, node_args_hash FROM node
		WHERE task_template_version_id = ? AND node_args_hash = ?`, templateVersionID, nodeArgsHash)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("repository: get node: %w", err)
	}

	res, err := d.ExecContext(ctx, `
		INSERT INTO node (task_template_version_id, node_args_hash) VALUES (?, ?)`,
		templateVersionID, nodeArgsHash)
	if err != nil {
		return model.Node{}, fmt.Errorf("repository: create node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Node{}, fmt.Errorf("repository: create node id: %w", err)
	}
	return model.Node{ID: id, TaskTemplateVersionID: templateVersionID, NodeArgsHash: nodeArgsHash}, nil
}

// InsertAudit appends a task-status-audit row. The TransitionService calls
// this as the final step of every cascade (spec §4.2.3).
func (d *DB) InsertAudit(ctx context.Context, tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, a model.TaskStatusAudit) error {
	if a.EnteredAt.IsZero() {
		a.EnteredAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_status_audit (task_id, previous_status, new_status, entered_at, exited_at)
		VALUES (?, ?, ?, ?, ?)`, a.TaskID, a.PreviousStatus, a.NewStatus, a.EnteredAt, a.ExitedAt)
	if err != nil {
		return fmt.Errorf("repository: insert audit: %w", err)
	}
	return nil
}

// AuditForTask returns the full audit trail for one task, backing the
// read-only audit route added in SPEC_FULL.md's supplemented features.
func (d *DB) AuditForTask(ctx context.Context, taskID int64) ([]model.TaskStatusAudit, error) {
	var out []model.TaskStatusAudit
	err := d.SelectContext(ctx, &out, `
		SELECT id, task_id, previous_status, new_status, entered_at, exited_at
		FROM task_status_audit WHERE task_id = ? ORDER BY entered_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("repository: audit for task: %w", err)
	}
	return out, nil
}

// AuditForWorkflowRun returns the audit trail for every task touched by a
// workflow run, used by the testable end-to-end scenarios in spec §8 that
// assert ordering "verifiable from task_status_audit".
func (d *DB) AuditForWorkflowRun(ctx context.Context, workflowRunID int64) ([]model.TaskStatusAudit, error) {
	var out []model.TaskStatusAudit
	err := d.SelectContext(ctx, &out, `
		SELECT a.id, a.task_id, a.previous_status, a.new_status, a.entered_at, a.exited_at
		FROM task_status_audit a
		JOIN task_instance ti ON ti.task_id = a.task_id
		WHERE ti.workflow_run_id = ?
		GROUP BY a.id
		ORDER BY a.entered_at ASC`, workflowRunID)
	if err != nil {
		return nil, fmt.Errorf("repository: audit for workflow run: %w", err)
	}
	return out, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// BindEdge upserts one node's adjacency row within a DAG (spec §9's
// content-addressed graph, supplemented here since the original schema
// carries an edge table nothing writes to). Idempotent on (dag_id, node_id).
func (d *DB) BindEdge(ctx context.Context, dagID, nodeID int64, upstreamNodeIDs, downstreamNodeIDs []int64) error {
	upJSON, err := json.Marshal(upstreamNodeIDs)
	if err != nil {
		return fmt.Errorf("repository: marshal upstream node ids: %w", err)
	}
	downJSON, err := json.Marshal(downstreamNodeIDs)
	if err != nil {
		return fmt.Errorf("repository: marshal downstream node ids: %w", err)
	}

	var existingID int64
	err = d.GetContext(ctx, &existingID, `SELECT id FROM edge WHERE dag_id = ? AND node_id = ?`, dagID, nodeID)
	if err == nil {
		_, err = d.ExecContext(ctx, `
			UPDATE edge SET upstream_node_ids = ?, downstream_node_ids = ? WHERE id = ?`,
			string(upJSON), string(downJSON), existingID)
		if err != nil {
			return fmt.Errorf("repository: update edge: %w", err)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("repository: bind edge lookup: %w", err)
	}

	_, err = d.ExecContext(ctx, `
		INSERT INTO edge (dag_id, node_id, upstream_node_ids, downstream_node_ids)
		VALUES (?, ?, ?, ?)`, dagID, nodeID, string(upJSON), string(downJSON))
	if err != nil {
		return fmt.Errorf("repository: insert edge: %w", err)
	}
	return nil
}

// GetEdge fetches one node's adjacency row, unmarshalling the stored JSON
// arrays into UpstreamNodeIDs/DownstreamNodeIDs.
func (d *DB) GetEdge(ctx context.Context, dagID, nodeID int64) (model.Edge, error) {
	var row struct {
		ID       int64  `db:"id"`
		DagID    int64  `db:"dag_id"`
		NodeID   int64  `db:"node_id"`
		Upstream string `db:"upstream_node_ids"`
		Downstream string `db:"downstream_node_ids"`
	}
	err := d.GetContext(ctx, &row, `
		SELECT id, dag_id, node_id, upstream_node_ids, downstream_node_ids
		FROM edge WHERE dag_id = ? AND node_id = ?`, dagID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Edge{}, ErrNotFound
	}
	if err != nil {
		return model.Edge{}, fmt.Errorf("repository: get edge: %w", err)
	}
	e := model.Edge{ID: row.ID, DagID: row.DagID, NodeID: row.NodeID}
	if row.Upstream != "" {
		_ = json.Unmarshal([]byte(row.Upstream), &e.UpstreamNodeIDs)
	}
	if row.Downstream != "" {
		_ = json.Unmarshal([]byte(row.Downstream), &e.DownstreamNodeIDs)
	}
	return e, nil
}

// DownstreamTaskIDs implements the gateway's get_downstream_tasks contract
// (spec §9): given a set of task ids within workflowID, resolve each task's
// node, look up that node's downstream node ids in the dag, and map those
// node ids back to sibling task ids within the same workflow. Node-to-task
// is treated as 1:1 within a single workflow (every node is bound to at most
// one task per workflow by construction of BindTasksNoArgs).
func (d *DB) DownstreamTaskIDs(ctx context.Context, workflowID int64, taskIDs []int64) (map[int64][]int64, error) {
	if len(taskIDs) == 0 {
		return map[int64][]int64{}, nil
	}

	type taskNodeRow struct {
		TaskID int64 `db:"id"`
		NodeID int64 `db:"node_id"`
		DagID  int64 `db:"dag_id"`
	}
	var rows []taskNodeRow
	query, args, err := sqlx.In(`
		SELECT t.id AS id, t.node_id AS node_id, w.dag_id AS dag_id
		FROM task t JOIN workflow w ON w.id = t.workflow_id
		WHERE t.workflow_id = ? AND t.id IN (?)`, workflowID, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: downstream task lookup query: %w", err)
	}
	if err := d.SelectContext(ctx, &rows, d.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("repository: downstream task lookup nodes: %w", err)
	}

	var nodeByTask = make(map[int64]int64, len(rows))
	var dagID int64
	allNodeIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		nodeByTask[r.TaskID] = r.NodeID
		dagID = r.DagID
		allNodeIDs = append(allNodeIDs, r.NodeID)
	}
	if len(allNodeIDs) == 0 {
		return map[int64][]int64{}, nil
	}

	type edgeRow struct {
		NodeID     int64  `db:"node_id"`
		Downstream string `db:"downstream_node_ids"`
	}
	var edges []edgeRow
	query, args, err = sqlx.In(`
		SELECT node_id, downstream_node_ids FROM edge WHERE dag_id = ? AND node_id IN (?)`, dagID, allNodeIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: downstream task lookup edges query: %w", err)
	}
	if err := d.SelectContext(ctx, &edges, d.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("repository: downstream task lookup edges: %w", err)
	}

	downstreamNodesByNode := make(map[int64][]int64, len(edges))
	allDownstreamNodes := make([]int64, 0)
	for _, e := range edges {
		var ids []int64
		if e.Downstream != "" {
			_ = json.Unmarshal([]byte(e.Downstream), &ids)
		}
		downstreamNodesByNode[e.NodeID] = ids
		allDownstreamNodes = append(allDownstreamNodes, ids...)
	}

	taskByNode := make(map[int64]int64, len(rows))
	if len(allDownstreamNodes) > 0 {
		type nodeTaskRow struct {
			TaskID int64 `db:"id"`
			NodeID int64 `db:"node_id"`
		}
		var taskRows []nodeTaskRow
		query, args, err = sqlx.In(`
			SELECT id, node_id FROM task WHERE workflow_id = ? AND node_id IN (?)`, workflowID, allDownstreamNodes)
		if err != nil {
			return nil, fmt.Errorf("repository: downstream task lookup tasks query: %w", err)
		}
		if err := d.SelectContext(ctx, &taskRows, d.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("repository: downstream task lookup tasks: %w", err)
		}
		for _, t := range taskRows {
			taskByNode[t.NodeID] = t.TaskID
		}
	}

	out := make(map[int64][]int64, len(taskIDs))
	for _, taskID := range taskIDs {
		nodeID, ok := nodeByTask[taskID]
		if !ok {
			continue
		}
		downstreamNodes := downstreamNodesByNode[nodeID]
		taskDownstream := make([]int64, 0, len(downstreamNodes))
		for _, dn := range downstreamNodes {
			if tid, ok := taskByNode[dn]; ok {
				taskDownstream = append(taskDownstream, tid)
			}
		}
		out[taskID] = taskDownstream
	}
	return out, nil
}

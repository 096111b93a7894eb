package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// HashTaskResources computes a stable hash over (queue, requested-resources)
// so identical requests deduplicate on bind (spec §3, §8 round-trip
// property), using a key-sorted JSON encoding so map iteration order never
// perturbs the hash.
func HashTaskResources(queueID int64, requested map[string]any) string {
	keys := make([]string, 0, len(requested))
	for k := range requested {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2+1)
	ordered = append(ordered, queueID)
	for _, k := range keys {
		ordered = append(ordered, k, requested[k])
	}
	data, _ := json.Marshal(ordered)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BindTaskResources implements POST /task/bind_resources: returns the
// existing id if the hash already exists, otherwise inserts (spec §6).
func (d *DB) BindTaskResources(ctx context.Context, tr model.TaskResources) (int64, error) {
	hash := HashTaskResources(tr.QueueID, tr.RequestedResources)

	var id int64
	err := d.GetContext(ctx, &id, `SELECT id FROM task_resources WHERE hash = ?`, hash)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("repository: bind resources lookup: %w", err)
	}

	requestedJSON, err := json.Marshal(tr.RequestedResources)
	if err != nil {
		return 0, fmt.Errorf("repository: marshal requested resources: %w", err)
	}
	res, err := d.ExecContext(ctx, `
		INSERT INTO task_resources (queue_id, queue_name, task_resources_type_id, requested_resources, hash)
		VALUES (?, ?, ?, ?, ?)`,
		tr.QueueID, tr.QueueName, tr.TaskResourcesTypeID, string(requestedJSON), hash)
	if err != nil {
		return 0, fmt.Errorf("repository: bind resources insert: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("repository: bind resources id: %w", err)
	}
	return id, nil
}

// GetTaskResources fetches a bound resource spec by id.
func (d *DB) GetTaskResources(ctx context.Context, id int64) (model.TaskResources, error) {
	var row struct {
		ID                  int64  `db:"id"`
		QueueID             int64  `db:"queue_id"`
		QueueName           string `db:"queue_name"`
		TaskResourcesTypeID int64  `db:"task_resources_type_id"`
		RequestedResources  string `db:"requested_resources"`
		Hash                string `db:"hash"`
	}
	err := d.GetContext(ctx, &row, `
		SELECT id, queue_id, queue_name, task_resources_type_id, requested_resources, hash
		FROM task_resources WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskResources{}, ErrNotFound
	}
	if err != nil {
		return model.TaskResources{}, fmt.Errorf("repository: get task resources: %w", err)
	}
	var requested map[string]any
	if err := json.Unmarshal([]byte(row.RequestedResources), &requested); err != nil {
		return model.TaskResources{}, fmt.Errorf("repository: unmarshal requested resources: %w", err)
	}
	return model.TaskResources{
		ID: row.ID, QueueID: row.QueueID, QueueName: row.QueueName,
		TaskResourcesTypeID: row.TaskResourcesTypeID, RequestedResources: requested, Hash: row.Hash,
	}, nil
}

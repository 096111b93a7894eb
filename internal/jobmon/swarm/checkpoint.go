package swarm

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

var checkpointBucket = []byte("swarm_checkpoints")

// CheckpointStore is a local bbolt-backed cache of the last snapshot this
// machine took of a workflow run's task statuses, grounded on the teacher's
// bbolt-backed WorkflowStore (persistence.go): same single-file embedded KV
// store, here a local side copy rather than the system of record — the
// state service remains authoritative. The orchestrator saves and deletes
// snapshots; no caller in this repository reads one back with Load, so a
// restarted swarm still rebuilds its state by paging get_tasks.
type CheckpointStore struct {
	db *bbolt.DB
}

// OpenCheckpointStore opens (creating if absent) the bbolt file at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("swarm: open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("swarm: init checkpoint bucket: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (c *CheckpointStore) Close() error {
	return c.db.Close()
}

// checkpointRecord is the on-disk snapshot shape: just enough to skip a
// resume's initial paging sweep, not a substitute for the server's state.
type checkpointRecord struct {
	TaskStatus map[int64]model.TaskStatus `json:"task_status"`
	LastSync   time.Time                  `json:"last_sync"`
}

// Save persists a point-in-time snapshot of s under workflowRunID.
func (c *CheckpointStore) Save(workflowRunID int64, s *SwarmState) error {
	rec := checkpointRecord{
		TaskStatus: make(map[int64]model.TaskStatus, len(s.Tasks)),
		LastSync:   s.LastSync,
	}
	for id, t := range s.Tasks {
		rec.TaskStatus[id] = t.Status
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("swarm: marshal checkpoint: %w", err)
	}
	key := checkpointKey(workflowRunID)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(key, buf)
	})
}

// Load retrieves the last saved snapshot for workflowRunID, if any.
func (c *CheckpointStore) Load(workflowRunID int64) (map[int64]model.TaskStatus, time.Time, bool, error) {
	key := checkpointKey(workflowRunID)
	var rec checkpointRecord
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(checkpointBucket).Get(key)
		if buf == nil {
			return nil
		}
		found = true
		return json.Unmarshal(buf, &rec)
	})
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("swarm: load checkpoint: %w", err)
	}
	return rec.TaskStatus, rec.LastSync, found, nil
}

// Delete removes a workflow run's checkpoint once it finishes, so a stale
// snapshot never outlives the run it describes.
func (c *CheckpointStore) Delete(workflowRunID int64) error {
	key := checkpointKey(workflowRunID)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete(key)
	})
}

func checkpointKey(workflowRunID int64) []byte {
	return []byte(fmt.Sprintf("wfr:%d", workflowRunID))
}

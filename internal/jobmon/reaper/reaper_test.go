package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
	"github.com/jobmon-io/jobmon/internal/jobmon/transition"
)

func newTestDB(t *testing.T) *repository.DB {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertWorkflow(t *testing.T, db *repository.DB, status model.WorkflowStatus) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, status, max_concurrently_running)
		VALUES (1, 1, 'wah', 'th', 'wf', ?, 10)`, status)
	require.NoError(t, err)
	id, _ := res.LastInsertId()
	return id
}

func insertWorkflowRun(t *testing.T, db *repository.DB, wfID int64, status model.WorkflowRunStatus, heartbeat time.Time) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO workflow_run (workflow_id, status, user, jobmon_version, heartbeat_date, created_date)
		VALUES (?, ?, 'u', 'v', ?, ?)`, wfID, status, heartbeat, time.Now())
	require.NoError(t, err)
	id, _ := res.LastInsertId()
	return id
}

// TestSweep_ReapsStaleRunningRunToError covers spec §4.2.5: a RUNNING
// workflow run whose heartbeat has gone stale is reaped to ERROR, cascading
// the owning workflow to FAILED.
func TestSweep_ReapsStaleRunningRunToError(t *testing.T) {
	db := newTestDB(t)
	trans := transition.New(db, transition.DefaultConfig(), otel.GetMeterProvider().Meter("test"))
	rp := New(db, trans, Config{Interval: time.Second, HeartbeatBuffer: time.Minute, PageSize: 50})

	wfID := insertWorkflow(t, db, model.WorkflowRunning)
	wrID := insertWorkflowRun(t, db, wfID, model.WorkflowRunRunning, time.Now().Add(-time.Hour))

	require.NoError(t, rp.Sweep(context.Background()))

	wr, err := db.GetWorkflowRun(context.Background(), wrID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunError, wr.Status)

	wf, err := db.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowFailed, wf.Status)
}

// TestSweep_DoesNotReapFreshHeartbeats ensures a live run within its
// heartbeat window is left untouched (the reaper "never kills live work").
func TestSweep_DoesNotReapFreshHeartbeats(t *testing.T) {
	db := newTestDB(t)
	trans := transition.New(db, transition.DefaultConfig(), otel.GetMeterProvider().Meter("test"))
	rp := New(db, trans, Config{Interval: time.Second, HeartbeatBuffer: time.Minute, PageSize: 50})

	wfID := insertWorkflow(t, db, model.WorkflowRunning)
	wrID := insertWorkflowRun(t, db, wfID, model.WorkflowRunRunning, time.Now())

	require.NoError(t, rp.Sweep(context.Background()))

	wr, err := db.GetWorkflowRun(context.Background(), wrID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowRunRunning, wr.Status)
}

// TestSweep_CorrectsFailedWorkflowWhenAllTasksDone covers the reaper's
// consistency repair (spec §4.2.5 / §3 invariant).
func TestSweep_CorrectsFailedWorkflowWhenAllTasksDone(t *testing.T) {
	db := newTestDB(t)
	trans := transition.New(db, transition.DefaultConfig(), otel.GetMeterProvider().Meter("test"))
	rp := New(db, trans, Config{Interval: time.Second, HeartbeatBuffer: time.Minute, PageSize: 50})

	wfID := insertWorkflow(t, db, model.WorkflowFailed)
	res, err := db.Exec(`INSERT INTO node (task_template_version_id, node_args_hash) VALUES (1, 'nh')`)
	require.NoError(t, err)
	nodeID, _ := res.LastInsertId()
	_, err = db.Exec(`INSERT INTO task (workflow_id, node_id, task_args_hash, name, command, status, num_attempts, max_attempts)
		VALUES (?, ?, 'tah', 't', 'echo', ?, 1, 3)`, wfID, nodeID, model.TaskDone)
	require.NoError(t, err)

	require.NoError(t, rp.Sweep(context.Background()))

	wf, err := db.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowDone, wf.Status)
}

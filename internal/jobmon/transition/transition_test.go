package transition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
)

// newTestDB boots an in-memory SQLite database with every migration applied,
// mirroring the teacher's own preference for exercising storage code against
// a real embedded backend instead of mocks.
func newTestDB(t *testing.T) *repository.DB {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedTask inserts a minimal workflow/node/task/workflow_run/task_instance
// chain and returns the task and task-instance ids.
func seedTask(t *testing.T, db *repository.DB, maxAttempts int) (taskID, tiID int64) {
	t.Helper()
	ctx := context.Background()

	res, err := db.Exec(`INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, status, max_concurrently_running)
		VALUES (1, 1, 'wah', 'th', 'wf', ?, 10)`, model.WorkflowQueued)
	require.NoError(t, err)
	wfID, _ := res.LastInsertId()

	res, err = db.Exec(`INSERT INTO node (task_template_version_id, node_args_hash) VALUES (1, 'nh')`)
	require.NoError(t, err)
	nodeID, _ := res.LastInsertId()

	res, err = db.Exec(`INSERT INTO task (workflow_id, node_id, task_args_hash, name, command, status, num_attempts, max_attempts)
		VALUES (?, ?, 'tah', 't1', 'echo 1', ?, 0, ?)`, wfID, nodeID, model.TaskLaunched, maxAttempts)
	require.NoError(t, err)
	taskID, _ = res.LastInsertId()

	res, err = db.Exec(`INSERT INTO workflow_run (workflow_id, status, user, jobmon_version, heartbeat_date, created_date)
		VALUES (?, ?, 'u', 'v', ?, ?)`, wfID, model.WorkflowRunRunning, time.Now(), time.Now())
	require.NoError(t, err)
	wrID, _ := res.LastInsertId()

	res, err = db.Exec(`INSERT INTO task_instance (task_id, workflow_run_id, status, status_date)
		VALUES (?, ?, ?, ?)`, taskID, wrID, model.TILaunched, time.Now())
	require.NoError(t, err)
	tiID, _ = res.LastInsertId()

	return taskID, tiID
}

func newService(db *repository.DB) *Service {
	return New(db, DefaultConfig(), otel.GetMeterProvider().Meter("test"))
}

func TestTaskInstanceTransition_CascadesTaskToDone(t *testing.T) {
	db := newTestDB(t)
	taskID, tiID := seedTask(t, db, 3)
	svc := newService(db)

	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIRunning))
	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIDone))

	task, err := db.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskDone, task.Status)
}

func TestTaskInstanceTransition_ErrorRoutesToAdjustingWhenAttemptsRemain(t *testing.T) {
	db := newTestDB(t)
	taskID, tiID := seedTask(t, db, 3)
	svc := newService(db)

	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIRunning))
	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIError))

	task, err := db.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskAdjustingResources, task.Status)
	require.Equal(t, 1, task.NumAttempts)
}

func TestTaskInstanceTransition_ErrorIsFatalWhenAttemptsExhausted(t *testing.T) {
	db := newTestDB(t)
	taskID, tiID := seedTask(t, db, 1)
	svc := newService(db)

	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIRunning))
	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIError))

	task, err := db.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskErrorFatal, task.Status)
}

func TestTaskInstanceTransition_UntimelyTransitionIsDroppedNotRejected(t *testing.T) {
	db := newTestDB(t)
	_, tiID := seedTask(t, db, 3)
	svc := newService(db)

	// LAUNCHED -> RUNNING -> DONE, then a late worker retry reporting DONE
	// again arrives as DONE -> ... well-formed untimely edges are exercised
	// directly via the RUNNING -> LAUNCHED race instead.
	require.NoError(t, svc.TaskInstanceTransition(context.Background(), tiID, model.TIRunning))
	err := svc.TaskInstanceTransition(context.Background(), tiID, model.TILaunched)
	require.NoError(t, err, "untimely RUNNING->LAUNCHED must be logged and dropped, not rejected")
}

func TestTaskInstanceTransition_InvalidTransitionIsRejected(t *testing.T) {
	db := newTestDB(t)
	_, tiID := seedTask(t, db, 3)
	svc := newService(db)

	err := svc.TaskInstanceTransition(context.Background(), tiID, model.TIDone)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestBulkTransitionTasks_CategorizesRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.Exec(`INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, status, max_concurrently_running)
		VALUES (1, 1, 'wah', 'th', 'wf', ?, 10)`, model.WorkflowQueued)
	require.NoError(t, err)
	wfID, _ := res.LastInsertId()
	res, err = db.Exec(`INSERT INTO node (task_template_version_id, node_args_hash) VALUES (1, 'nh')`)
	require.NoError(t, err)
	nodeID, _ := res.LastInsertId()

	var ready []int64
	for i := 0; i < 3; i++ {
		res, err = db.Exec(`INSERT INTO task (workflow_id, node_id, task_args_hash, name, command, status, num_attempts, max_attempts)
			VALUES (?, ?, ?, 't', 'echo', ?, 0, 3)`, wfID, nodeID, i, model.TaskRegistering)
		require.NoError(t, err)
		id, _ := res.LastInsertId()
		ready = append(ready, id)
	}
	res, err = db.Exec(`INSERT INTO task (workflow_id, node_id, task_args_hash, name, command, status, num_attempts, max_attempts)
		VALUES (?, ?, 'other', 't', 'echo', ?, 0, 3)`, wfID, nodeID, model.TaskDone)
	require.NoError(t, err)
	alreadyDoneID, _ := res.LastInsertId()

	svc := newService(db)
	result, err := svc.BulkTransitionTasks(ctx, append(append([]int64{}, ready...), alreadyDoneID, 99999), model.TaskRegistering, model.TaskQueued)
	require.NoError(t, err)
	require.ElementsMatch(t, ready, result.Transitioned)
	require.Contains(t, result.Invalid, alreadyDoneID)
	require.Contains(t, result.NotFound, int64(99999))
}

func TestWorkflowRunTransition_CascadesToWorkflow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.Exec(`INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, status, max_concurrently_running)
		VALUES (1, 1, 'wah', 'th', 'wf', ?, 10)`, model.WorkflowQueued)
	require.NoError(t, err)
	wfID, _ := res.LastInsertId()
	res, err = db.Exec(`INSERT INTO workflow_run (workflow_id, status, user, jobmon_version, heartbeat_date, created_date)
		VALUES (?, ?, 'u', 'v', ?, ?)`, wfID, model.WorkflowRunBound, time.Now(), time.Now())
	require.NoError(t, err)
	wrID, _ := res.LastInsertId()

	svc := newService(db)
	require.NoError(t, svc.WorkflowRunTransition(ctx, wrID, model.WorkflowRunInstantiated))
	require.NoError(t, svc.WorkflowRunTransition(ctx, wrID, model.WorkflowRunLaunched))
	require.NoError(t, svc.WorkflowRunTransition(ctx, wrID, model.WorkflowRunRunning))
	require.NoError(t, svc.WorkflowRunTransition(ctx, wrID, model.WorkflowRunDone))

	wf, err := db.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowDone, wf.Status)
}

func TestWorkflowRunTransition_InvalidIsRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	res, err := db.Exec(`INSERT INTO workflow (tool_version_id, dag_id, workflow_args_hash, task_hash, name, status, max_concurrently_running)
		VALUES (1, 1, 'wah', 'th', 'wf', ?, 10)`, model.WorkflowQueued)
	require.NoError(t, err)
	wfID, _ := res.LastInsertId()
	res, err = db.Exec(`INSERT INTO workflow_run (workflow_id, status, user, jobmon_version, heartbeat_date, created_date)
		VALUES (?, ?, 'u', 'v', ?, ?)`, wfID, model.WorkflowRunRegistered, time.Now(), time.Now())
	require.NoError(t, err)
	wrID, _ := res.LastInsertId()

	svc := newService(db)
	err = svc.WorkflowRunTransition(ctx, wrID, model.WorkflowRunDone)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

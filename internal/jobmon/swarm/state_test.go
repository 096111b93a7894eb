package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

func TestMergeUpdates_OtherWinsOnTaskStatus(t *testing.T) {
	base := StateUpdate{TaskStatus: map[int64]model.TaskStatus{1: model.TaskQueued}}
	other := StateUpdate{TaskStatus: map[int64]model.TaskStatus{1: model.TaskDone, 2: model.TaskRunning}}
	merged := MergeUpdates(base, other)
	assert.Equal(t, model.TaskDone, merged.TaskStatus[1])
	assert.Equal(t, model.TaskRunning, merged.TaskStatus[2])
}

func TestMergeUpdates_OtherWinsOnScalarFields(t *testing.T) {
	baseMax := int64(5)
	otherMax := int64(10)
	baseStatus := model.WorkflowRunRunning
	merged := MergeUpdates(
		StateUpdate{WorkflowMaxConcurrency: &baseMax, WorkflowRunStatus: &baseStatus},
		StateUpdate{WorkflowMaxConcurrency: &otherMax},
	)
	require.NotNil(t, merged.WorkflowMaxConcurrency)
	assert.Equal(t, otherMax, *merged.WorkflowMaxConcurrency)
	require.NotNil(t, merged.WorkflowRunStatus)
	assert.Equal(t, baseStatus, *merged.WorkflowRunStatus) // other left it nil, base survives
}

func buildLinearChain(t *testing.T, n int) *SwarmState {
	t.Helper()
	b := NewBuilder(nil)
	tasks := make([]TaskDef, n)
	for i := 0; i < n; i++ {
		def := TaskDef{TaskID: int64(i + 1), MaxAttempts: 3}
		if i > 0 {
			def.UpstreamTaskIDs = []int64{int64(i)}
		}
		tasks[i] = def
	}
	return b.BuildFromWorkflow(10, nil, tasks)
}

func TestBuildFromWorkflow_OnlyRootIsInitiallyReady(t *testing.T) {
	s := buildLinearChain(t, 3)
	assert.Equal(t, 1, s.ReadyLen())
	head := s.PopReady()
	assert.Equal(t, int64(1), head.TaskID)
	assert.Equal(t, 0, s.ReadyLen())
}

func TestApplyUpdate_PropagatesBucketMembership(t *testing.T) {
	s := buildLinearChain(t, 2)
	assert.Equal(t, 2, s.CountByStatus(model.TaskRegistering))
	s.ApplyUpdate(StateUpdate{TaskStatus: map[int64]model.TaskStatus{1: model.TaskQueued}})
	assert.Equal(t, 1, s.CountByStatus(model.TaskRegistering))
	assert.Equal(t, 1, s.CountByStatus(model.TaskQueued))
}

func TestAllTerminal_TrueOnlyWhenEveryTaskDoneOrErrorFatal(t *testing.T) {
	s := buildLinearChain(t, 2)
	assert.False(t, s.AllTerminal())
	s.ApplyUpdate(StateUpdate{TaskStatus: map[int64]model.TaskStatus{1: model.TaskDone, 2: model.TaskErrorFatal}})
	assert.True(t, s.AllTerminal())
}

func TestHasPendingWork(t *testing.T) {
	s := buildLinearChain(t, 1)
	assert.False(t, s.HasPendingWork()) // sole task still REGISTERING, sitting in ready_to_run
	s.ApplyUpdate(StateUpdate{TaskStatus: map[int64]model.TaskStatus{1: model.TaskRunning}})
	assert.True(t, s.HasPendingWork())
}

func TestPushReadyFront_TakesPriorityOverBack(t *testing.T) {
	s := NewSwarmState()
	a := &SwarmTask{TaskID: 1, Status: model.TaskQueued}
	b := &SwarmTask{TaskID: 2, Status: model.TaskQueued}
	s.PushReady(a)
	s.PushReadyFront(b)
	assert.Equal(t, int64(2), s.PopReady().TaskID)
	assert.Equal(t, int64(1), s.PopReady().TaskID)
}

func TestLastSync_SetOnSyncTimeUpdate(t *testing.T) {
	s := NewSwarmState()
	now := time.Now()
	s.ApplyUpdate(StateUpdate{SyncTime: &now})
	assert.Equal(t, now, s.LastSync)
}

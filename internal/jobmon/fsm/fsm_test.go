package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

func TestIsValid_TaskInstanceTransitions(t *testing.T) {
	assert.True(t, IsValid(TaskInstanceValidTransitions, model.TIQueued, model.TIInstantiated))
	assert.True(t, IsValid(TaskInstanceValidTransitions, model.TIRunning, model.TIDone))
	assert.False(t, IsValid(TaskInstanceValidTransitions, model.TIQueued, model.TIDone))
	assert.False(t, IsValid(TaskInstanceValidTransitions, model.TIDone, model.TIRunning))
}

func TestIsUntimely_TaskInstanceTransitions(t *testing.T) {
	assert.True(t, IsUntimely(TaskInstanceUntimelyTransitions, model.TIRunning, model.TILaunched))
	assert.True(t, IsUntimely(TaskInstanceUntimelyTransitions, model.TIDone, model.TIUnknownError))
	assert.False(t, IsUntimely(TaskInstanceUntimelyTransitions, model.TIQueued, model.TIDone))
}

func TestTaskValidTransitions_AdjustingResourcesReturnsToQueued(t *testing.T) {
	assert.True(t, IsValid(TaskValidTransitions, model.TaskAdjustingResources, model.TaskQueued))
	assert.False(t, IsValid(TaskValidTransitions, model.TaskAdjustingResources, model.TaskRunning))
}

func TestTaskTerminalStatuses(t *testing.T) {
	assert.True(t, TaskTerminalStatuses[model.TaskDone])
	assert.True(t, TaskTerminalStatuses[model.TaskErrorFatal])
	assert.False(t, TaskTerminalStatuses[model.TaskRunning])
}

func TestWorkflowRunCascade(t *testing.T) {
	cases := []struct {
		in   model.WorkflowRunStatus
		want model.WorkflowStatus
		ok   bool
	}{
		{model.WorkflowRunBound, model.WorkflowQueued, true},
		{model.WorkflowRunRunning, model.WorkflowRunning, true},
		{model.WorkflowRunDone, model.WorkflowDone, true},
		{model.WorkflowRunTerminated, model.WorkflowHalted, true},
		{model.WorkflowRunError, model.WorkflowFailed, true},
		{model.WorkflowRunAborted, model.WorkflowAborted, true},
		{model.WorkflowRunLinking, "", false},
	}
	for _, c := range cases {
		got, ok := WorkflowRunCascade(c.in)
		assert.Equal(t, c.ok, ok, "status %s", c.in)
		assert.Equal(t, c.want, got, "status %s", c.in)
	}
}

func TestTaskInstanceErrorCascade(t *testing.T) {
	assert.Equal(t, model.TaskAdjustingResources, TaskInstanceErrorCascade(true))
	assert.Equal(t, model.TaskErrorFatal, TaskInstanceErrorCascade(false))
}

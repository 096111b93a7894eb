// Package model holds the persisted entities of the Jobmon data model and
// their status enums.
package model

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowRegistering  WorkflowStatus = "REGISTERING"
	WorkflowQueued       WorkflowStatus = "QUEUED"
	WorkflowInstantiating WorkflowStatus = "INSTANTIATING"
	WorkflowLaunched     WorkflowStatus = "LAUNCHED"
	WorkflowRunning      WorkflowStatus = "RUNNING"
	WorkflowDone         WorkflowStatus = "DONE"
	WorkflowHalted       WorkflowStatus = "HALTED"
	WorkflowFailed       WorkflowStatus = "FAILED"
	WorkflowAborted      WorkflowStatus = "ABORTED"
)

// WorkflowRunStatus is the lifecycle state of a WorkflowRun.
type WorkflowRunStatus string

const (
	WorkflowRunRegistered WorkflowRunStatus = "REGISTERED"
	WorkflowRunLinking    WorkflowRunStatus = "LINKING"
	WorkflowRunBound      WorkflowRunStatus = "BOUND"
	WorkflowRunInstantiated WorkflowRunStatus = "INSTANTIATED"
	WorkflowRunLaunched   WorkflowRunStatus = "LAUNCHED"
	WorkflowRunRunning    WorkflowRunStatus = "RUNNING"
	WorkflowRunColdResume WorkflowRunStatus = "COLD_RESUME"
	WorkflowRunHotResume  WorkflowRunStatus = "HOT_RESUME"
	WorkflowRunTerminated WorkflowRunStatus = "TERMINATED"
	WorkflowRunStopped    WorkflowRunStatus = "STOPPED"
	WorkflowRunError      WorkflowRunStatus = "ERROR"
	WorkflowRunDone       WorkflowRunStatus = "DONE"
	WorkflowRunAborted    WorkflowRunStatus = "ABORTED"
)

// ActiveWorkflowRunStatuses are the statuses counting as "an active attempt
// is in flight" for the at-most-one-active-run invariant (spec §3).
var ActiveWorkflowRunStatuses = map[WorkflowRunStatus]bool{
	WorkflowRunBound:   true,
	WorkflowRunRunning: true,
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskRegistering       TaskStatus = "REGISTERING"
	TaskQueued            TaskStatus = "QUEUED"
	TaskInstantiating     TaskStatus = "INSTANTIATING"
	TaskLaunched          TaskStatus = "LAUNCHED"
	TaskRunning           TaskStatus = "RUNNING"
	TaskDone              TaskStatus = "DONE"
	TaskAdjustingResources TaskStatus = "ADJUSTING_RESOURCES"
	TaskErrorRecoverable  TaskStatus = "ERROR_RECOVERABLE"
	TaskErrorFatal        TaskStatus = "ERROR_FATAL"
)

// TaskInstanceStatus is the lifecycle state of a TaskInstance.
type TaskInstanceStatus string

const (
	TIQueued          TaskInstanceStatus = "QUEUED"
	TIInstantiated    TaskInstanceStatus = "INSTANTIATED"
	TINoDistributorID TaskInstanceStatus = "NO_DISTRIBUTOR_ID"
	TILaunched        TaskInstanceStatus = "LAUNCHED"
	TIRunning         TaskInstanceStatus = "RUNNING"
	TITriaging        TaskInstanceStatus = "TRIAGING"
	TIKillSelf        TaskInstanceStatus = "KILL_SELF"
	TIDone            TaskInstanceStatus = "DONE"
	TIError           TaskInstanceStatus = "ERROR"
	TIErrorFatal      TaskInstanceStatus = "ERROR_FATAL"
	TIUnknownError    TaskInstanceStatus = "UNKNOWN_ERROR"
	TIResourceError   TaskInstanceStatus = "RESOURCE_ERROR"
	TINoHeartbeat     TaskInstanceStatus = "NO_HEARTBEAT"
)

// ActiveTaskInstanceStatuses count against concurrency caps (spec §3).
var ActiveTaskInstanceStatuses = map[TaskInstanceStatus]bool{
	TIQueued:       true,
	TIInstantiated: true,
	TILaunched:     true,
	TIRunning:      true,
}

// TerminalTaskInstanceStatuses never transition further.
var TerminalTaskInstanceStatuses = map[TaskInstanceStatus]bool{
	TIDone:       true,
	TIErrorFatal: true,
}

// ErrorTaskInstanceStatuses are the terminal error taxonomy from spec §4.2.7.
var ErrorTaskInstanceStatuses = map[TaskInstanceStatus]bool{
	TIError:           true,
	TIResourceError:   true,
	TIUnknownError:    true,
	TINoDistributorID: true,
	TINoHeartbeat:     true,
	TIErrorFatal:      true,
}

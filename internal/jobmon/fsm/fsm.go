// Package fsm declares the valid and untimely transition tables for every
// coupled entity in the Jobmon data model (spec §4.2.1). The tables are
// static maps consulted only by the transition package, mirroring the
// teacher's preference for explicit maps over a generic state-machine
// library (dag_engine.go builds its DAG the same way: plain maps, no
// reflection).
package fsm

import "github.com/jobmon-io/jobmon/internal/jobmon/model"

// TaskInstanceValidTransitions enumerates allowed (source -> targets) edges.
var TaskInstanceValidTransitions = map[model.TaskInstanceStatus][]model.TaskInstanceStatus{
	model.TIQueued:       {model.TIInstantiated, model.TIKillSelf},
	model.TIInstantiated: {model.TILaunched, model.TINoDistributorID, model.TIKillSelf, model.TIRunning},
	model.TILaunched:     {model.TIRunning, model.TIUnknownError, model.TIResourceError, model.TIKillSelf, model.TIErrorFatal},
	model.TIRunning:      {model.TITriaging, model.TIError, model.TIUnknownError, model.TIResourceError, model.TIKillSelf, model.TIDone},
	model.TITriaging:     {model.TIRunning, model.TIResourceError, model.TIUnknownError, model.TIErrorFatal},
	model.TIKillSelf:     {model.TIErrorFatal},
}

// TaskInstanceUntimelyTransitions arise from worker/reaper races; they are
// logged and dropped, never rejected.
var TaskInstanceUntimelyTransitions = map[model.TaskInstanceStatus][]model.TaskInstanceStatus{
	model.TIRunning: {model.TILaunched},
	model.TIError:   {model.TILaunched, model.TIUnknownError},
	model.TIUnknownError: {model.TIError, model.TIDone, model.TIResourceError},
	model.TIDone:          {model.TIUnknownError},
	model.TIKillSelf:      {model.TIDone},
	model.TIResourceError: {model.TIUnknownError},
}

// TaskValidTransitions enumerates allowed Task edges.
var TaskValidTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskRegistering:        {model.TaskQueued},
	model.TaskQueued:             {model.TaskInstantiating},
	model.TaskInstantiating:      {model.TaskLaunched, model.TaskErrorRecoverable},
	model.TaskLaunched:           {model.TaskRunning, model.TaskErrorRecoverable, model.TaskErrorFatal},
	model.TaskRunning:            {model.TaskDone, model.TaskErrorRecoverable, model.TaskErrorFatal},
	model.TaskErrorRecoverable:   {model.TaskAdjustingResources, model.TaskErrorFatal},
	model.TaskAdjustingResources: {model.TaskQueued},
}

// TaskTerminalStatuses are DONE and ERROR_FATAL.
var TaskTerminalStatuses = map[model.TaskStatus]bool{
	model.TaskDone:       true,
	model.TaskErrorFatal: true,
}

// WorkflowRunValidTransitions enumerates allowed WorkflowRun edges.
var WorkflowRunValidTransitions = map[model.WorkflowRunStatus][]model.WorkflowRunStatus{
	model.WorkflowRunRegistered:  {model.WorkflowRunLinking},
	model.WorkflowRunLinking:     {model.WorkflowRunBound, model.WorkflowRunAborted},
	model.WorkflowRunBound:       {model.WorkflowRunInstantiated, model.WorkflowRunError, model.WorkflowRunColdResume, model.WorkflowRunHotResume},
	model.WorkflowRunInstantiated: {model.WorkflowRunLaunched, model.WorkflowRunError},
	model.WorkflowRunLaunched:    {model.WorkflowRunRunning, model.WorkflowRunError},
	model.WorkflowRunRunning:     {model.WorkflowRunDone, model.WorkflowRunStopped, model.WorkflowRunError, model.WorkflowRunColdResume, model.WorkflowRunHotResume},
	model.WorkflowRunColdResume:  {model.WorkflowRunTerminated},
	model.WorkflowRunHotResume:   {model.WorkflowRunTerminated},
}

// IsValid reports whether target is reachable from source in table.
func IsValid[S comparable](table map[S][]S, source, target S) bool {
	for _, t := range table[source] {
		if t == target {
			return true
		}
	}
	return false
}

// IsUntimely reports whether (source, target) is a known untimely edge that
// should be logged and dropped rather than rejected.
func IsUntimely[S comparable](table map[S][]S, source, target S) bool {
	for _, t := range table[source] {
		if t == target {
			return true
		}
	}
	return false
}

// WorkflowRunCascade maps a WorkflowRun status to the Workflow status it
// cascades to (spec §4.2.2).
func WorkflowRunCascade(s model.WorkflowRunStatus) (model.WorkflowStatus, bool) {
	switch s {
	case model.WorkflowRunBound:
		return model.WorkflowQueued, true
	case model.WorkflowRunRunning:
		return model.WorkflowRunning, true
	case model.WorkflowRunDone:
		return model.WorkflowDone, true
	case model.WorkflowRunTerminated:
		return model.WorkflowHalted, true
	case model.WorkflowRunError:
		return model.WorkflowFailed, true
	case model.WorkflowRunAborted:
		return model.WorkflowAborted, true
	default:
		return "", false
	}
}

// TaskInstanceErrorCascade determines the Task status a TaskInstance error
// transition cascades to, given whether attempts remain (spec §4.2.2).
func TaskInstanceErrorCascade(attemptsRemain bool) model.TaskStatus {
	if attemptsRemain {
		return model.TaskAdjustingResources
	}
	return model.TaskErrorFatal
}

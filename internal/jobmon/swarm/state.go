// Package swarm implements the client-side C5 orchestrator of spec §4.5:
// an in-memory walk of one workflow's DAG against the state service, with
// a single-threaded cooperative tick loop (spec §5: "no locking within
// swarm state"). Grounded on the teacher's DAGEngine (dag_engine.go): a
// Kahn's-algorithm in-degree walk with a ready queue and a coordinator
// that schedules children as their upstreams complete, here driven by an
// HTTP-backed state service instead of an in-process executor.
package swarm

import (
	"container/list"
	"time"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/resources"
)

// SwarmTask is the in-memory mirror of one Task plus its DAG wiring. It is
// only ever mutated through SwarmState.ApplyUpdate.
type SwarmTask struct {
	TaskID                 int64
	ArrayID                *int64
	Status                 model.TaskStatus
	MaxAttempts            int
	NumAttempts            int
	Scales                 map[string]resources.Scale
	FallbackQueues         []string
	TaskResourcesID        int64
	TaskResourcesHash      string
	RequestedResources     map[string]any
	ClusterName            string
	QueueName              string
	MaxConcurrentlyRunning int64

	NumUpstreamsDone int
	Upstream         []*SwarmTask
	Downstream       []*SwarmTask
}

// ArrayState tracks one array's own concurrency cap, separate from the
// workflow-wide cap (spec §4.5.3: "for each array, compute array capacity
// similarly").
type ArrayState struct {
	ID                     int64
	MaxConcurrentlyRunning int64
}

// StateUpdate is an immutable record of changes to apply to a SwarmState
// (spec §4.5.1). Multiple updates merge with other-wins precedence: see
// MergeUpdates.
type StateUpdate struct {
	TaskStatus             map[int64]model.TaskStatus
	WorkflowMaxConcurrency *int64
	ArrayMaxConcurrency    map[int64]int64
	WorkflowRunStatus      *model.WorkflowRunStatus
	SyncTime               *time.Time
}

// MergeUpdates combines base and other, with other's fields winning
// wherever both set the same key (spec §4.5.1: "other-wins precedence").
func MergeUpdates(base, other StateUpdate) StateUpdate {
	out := StateUpdate{
		TaskStatus:          make(map[int64]model.TaskStatus, len(base.TaskStatus)+len(other.TaskStatus)),
		ArrayMaxConcurrency: make(map[int64]int64, len(base.ArrayMaxConcurrency)+len(other.ArrayMaxConcurrency)),
	}
	for k, v := range base.TaskStatus {
		out.TaskStatus[k] = v
	}
	for k, v := range other.TaskStatus {
		out.TaskStatus[k] = v
	}
	for k, v := range base.ArrayMaxConcurrency {
		out.ArrayMaxConcurrency[k] = v
	}
	for k, v := range other.ArrayMaxConcurrency {
		out.ArrayMaxConcurrency[k] = v
	}
	out.WorkflowMaxConcurrency = base.WorkflowMaxConcurrency
	if other.WorkflowMaxConcurrency != nil {
		out.WorkflowMaxConcurrency = other.WorkflowMaxConcurrency
	}
	out.WorkflowRunStatus = base.WorkflowRunStatus
	if other.WorkflowRunStatus != nil {
		out.WorkflowRunStatus = other.WorkflowRunStatus
	}
	out.SyncTime = base.SyncTime
	if other.SyncTime != nil {
		out.SyncTime = other.SyncTime
	}
	return out
}

// SwarmState is centralized in-memory state for one workflow run (spec
// §4.5.1): task/array maps, a status bucket index, a ready_to_run FIFO
// deque, and a cache of already-bound TaskResources.
type SwarmState struct {
	Tasks  map[int64]*SwarmTask
	Arrays map[int64]*ArrayState

	byStatus map[model.TaskStatus]map[int64]*SwarmTask

	readyToRun *list.List // of *SwarmTask

	TaskResourcesCache map[string]int64 // local hash -> task_resources_id

	WorkflowRunStatus      model.WorkflowRunStatus
	MaxConcurrentlyRunning int64
	LastSync               time.Time
	NumPreviouslyComplete  int
}

// NewSwarmState builds an empty state ready for Builder to populate.
func NewSwarmState() *SwarmState {
	return &SwarmState{
		Tasks:              make(map[int64]*SwarmTask),
		Arrays:             make(map[int64]*ArrayState),
		byStatus:           make(map[model.TaskStatus]map[int64]*SwarmTask),
		readyToRun:         list.New(),
		TaskResourcesCache: make(map[string]int64),
	}
}

func (s *SwarmState) bucket(status model.TaskStatus) map[int64]*SwarmTask {
	b, ok := s.byStatus[status]
	if !ok {
		b = make(map[int64]*SwarmTask)
		s.byStatus[status] = b
	}
	return b
}

// CountByStatus returns the current size of one status bucket, the O(1)
// capacity math spec §4.5.1 calls for.
func (s *SwarmState) CountByStatus(status model.TaskStatus) int {
	return len(s.byStatus[status])
}

// CountActiveByArray sums the active-task-instance-equivalent statuses
// (spec §3 ActiveTaskInstanceStatuses analogue at the task level: QUEUED,
// INSTANTIATING, LAUNCHED, RUNNING) scoped to one array, for the
// scheduler's per-array capacity check.
func (s *SwarmState) CountActiveByArray(arrayID int64) int {
	n := 0
	for _, status := range activeTaskStatuses {
		for _, t := range s.byStatus[status] {
			if t.ArrayID != nil && *t.ArrayID == arrayID {
				n++
			}
		}
	}
	return n
}

// CountActive sums the active statuses workflow-wide.
func (s *SwarmState) CountActive() int {
	n := 0
	for _, status := range activeTaskStatuses {
		n += len(s.byStatus[status])
	}
	return n
}

var activeTaskStatuses = []model.TaskStatus{
	model.TaskQueued, model.TaskInstantiating, model.TaskLaunched, model.TaskRunning,
}

// indexTask adds a freshly built task to the status bucket and, if it is
// already runnable, the ready_to_run queue.
func (s *SwarmState) indexTask(t *SwarmTask) {
	s.Tasks[t.TaskID] = t
	s.bucket(t.Status)[t.TaskID] = t
	if t.Status == model.TaskRegistering && t.NumUpstreamsDone == len(t.Upstream) {
		s.PushReady(t)
	}
}

// PushReady appends a task to the back of ready_to_run (spec §4.5.1 FIFO).
func (s *SwarmState) PushReady(t *SwarmTask) {
	s.readyToRun.PushBack(t)
}

// PushReadyFront re-queues a task at the front of ready_to_run, the
// "violators return to the front of the queue" rule of spec §4.5.3.
func (s *SwarmState) PushReadyFront(t *SwarmTask) {
	s.readyToRun.PushFront(t)
}

// PopReady removes and returns the task at the front, or nil if empty.
func (s *SwarmState) PopReady() *SwarmTask {
	e := s.readyToRun.Front()
	if e == nil {
		return nil
	}
	s.readyToRun.Remove(e)
	return e.Value.(*SwarmTask)
}

// ReadyLen reports how many tasks are waiting in ready_to_run.
func (s *SwarmState) ReadyLen() int {
	return s.readyToRun.Len()
}

// ApplyUpdate mutates state from a StateUpdate, keeping the status bucket
// index and concurrency fields consistent (spec §4.5.1: "all mutations go
// through apply_update so the set of reachable states is auditable").
func (s *SwarmState) ApplyUpdate(u StateUpdate) {
	for taskID, newStatus := range u.TaskStatus {
		t, ok := s.Tasks[taskID]
		if !ok {
			continue
		}
		if t.Status == newStatus {
			continue
		}
		delete(s.bucket(t.Status), taskID)
		t.Status = newStatus
		s.bucket(newStatus)[taskID] = t
	}
	if u.WorkflowMaxConcurrency != nil {
		s.MaxConcurrentlyRunning = *u.WorkflowMaxConcurrency
	}
	for arrayID, max := range u.ArrayMaxConcurrency {
		if a, ok := s.Arrays[arrayID]; ok {
			a.MaxConcurrentlyRunning = max
		}
	}
	if u.WorkflowRunStatus != nil {
		s.WorkflowRunStatus = *u.WorkflowRunStatus
	}
	if u.SyncTime != nil {
		s.LastSync = *u.SyncTime
	}
}

// AllTerminal reports whether every task has reached DONE or ERROR_FATAL,
// the first disjunct of spec §4.5.4 step 9's termination check.
func (s *SwarmState) AllTerminal() bool {
	terminal := len(s.byStatus[model.TaskDone]) + len(s.byStatus[model.TaskErrorFatal])
	return terminal == len(s.Tasks)
}

// HasPendingWork reports whether any task is QUEUED, INSTANTIATING,
// LAUNCHED, RUNNING, ADJUSTING_RESOURCES or ERROR_RECOVERABLE. REGISTERING
// tasks do not count, whether in ready_to_run or waiting on upstreams.
func (s *SwarmState) HasPendingWork() bool {
	for _, status := range []model.TaskStatus{
		model.TaskQueued, model.TaskInstantiating, model.TaskLaunched,
		model.TaskRunning, model.TaskAdjustingResources, model.TaskErrorRecoverable,
	} {
		if len(s.byStatus[status]) > 0 {
			return true
		}
	}
	return false
}

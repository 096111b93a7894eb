package model

import "time"

// Workflow is the persisted, hashed definition of a DAG of tasks within a
// tool version. Immutable once DONE (spec §3).
type Workflow struct {
	ID                     int64          `db:"id" json:"workflow_id"`
	ToolVersionID          int64          `db:"tool_version_id" json:"tool_version_id"`
	DagID                  int64          `db:"dag_id" json:"dag_id"`
	WorkflowArgsHash       string         `db:"workflow_args_hash" json:"workflow_args_hash"`
	TaskHash               string         `db:"task_hash" json:"task_hash"`
	Name                   string         `db:"name" json:"name"`
	Description            string        `db:"description" json:"description"`
	Status                 WorkflowStatus `db:"status" json:"status"`
	MaxConcurrentlyRunning int64          `db:"max_concurrently_running" json:"max_concurrently_running"`
	CreatedDate            *time.Time     `db:"created_date" json:"created_date,omitempty"`
}

// WorkflowRun is one attempt at executing a Workflow.
type WorkflowRun struct {
	ID              int64             `db:"id" json:"workflow_run_id"`
	WorkflowID      int64             `db:"workflow_id" json:"workflow_id"`
	Status          WorkflowRunStatus `db:"status" json:"status"`
	User            string            `db:"user" json:"user"`
	JobmonVersion   string            `db:"jobmon_version" json:"jobmon_version"`
	HeartbeatDate   time.Time         `db:"heartbeat_date" json:"heartbeat_date"`
	CreatedDate     time.Time         `db:"created_date" json:"created_date"`
}

// Array groups sibling tasks from the same task-template version.
type Array struct {
	ID                     int64 `db:"id" json:"array_id"`
	WorkflowID             int64 `db:"workflow_id" json:"workflow_id"`
	TaskTemplateVersionID  int64 `db:"task_template_version_id" json:"task_template_version_id"`
	Name                   string `db:"name" json:"name"`
	MaxConcurrentlyRunning int64 `db:"max_concurrently_running" json:"max_concurrently_running"`
}

// Node is a content-addressed DAG vertex: (task_template_version_id, node_args_hash).
type Node struct {
	ID                    int64  `db:"id" json:"node_id"`
	TaskTemplateVersionID int64  `db:"task_template_version_id" json:"task_template_version_id"`
	NodeArgsHash          string `db:"node_args_hash" json:"node_args_hash"`
}

// Edge is a directed adjacency within a DAG.
type Edge struct {
	ID                int64 `db:"id" json:"edge_id"`
	DagID             int64 `db:"dag_id" json:"dag_id"`
	NodeID            int64 `db:"node_id" json:"node_id"`
	UpstreamNodeIDs   []int64 `db:"-" json:"upstream_node_ids"`
	DownstreamNodeIDs []int64 `db:"-" json:"downstream_node_ids"`
}

// TaskResources is a bound, hashed (queue, requested-resources) tuple. Reused
// across tasks with identical requests; immutable once bound (spec §3).
type TaskResources struct {
	ID                   int64             `db:"id" json:"task_resources_id"`
	QueueID              int64             `db:"queue_id" json:"queue_id"`
	QueueName            string            `db:"queue_name" json:"queue_name"`
	TaskResourcesTypeID  int64             `db:"task_resources_type_id" json:"task_resources_type_id"`
	RequestedResources   map[string]any    `db:"-" json:"requested_resources"`
	Hash                 string            `db:"hash" json:"-"`
}

// Task is one command to run, uniquely identified within a workflow by
// (node_id, task_args_hash).
type Task struct {
	ID              int64          `db:"id" json:"task_id"`
	WorkflowID      int64          `db:"workflow_id" json:"workflow_id"`
	ArrayID         *int64         `db:"array_id" json:"array_id,omitempty"`
	NodeID          int64          `db:"node_id" json:"node_id"`
	TaskArgsHash    string         `db:"task_args_hash" json:"task_args_hash"`
	Name            string         `db:"name" json:"name"`
	Command         string         `db:"command" json:"command"`
	Status          TaskStatus     `db:"status" json:"status"`
	NumAttempts     int            `db:"num_attempts" json:"num_attempts"`
	MaxAttempts     int            `db:"max_attempts" json:"max_attempts"`
	TaskResourcesID *int64         `db:"task_resources_id" json:"task_resources_id,omitempty"`
	ResourceScales  string         `db:"resource_scales" json:"resource_scales,omitempty"` // JSON-encoded ResourceScale spec
	FallbackQueues  string         `db:"fallback_queues" json:"fallback_queues,omitempty"`  // JSON-encoded []string
	ResetIfRunning  bool           `db:"reset_if_running" json:"reset_if_running"`
	StatusDate      *time.Time     `db:"status_date" json:"status_date,omitempty"`
}

// TaskInstance is one attempt to run a Task.
type TaskInstance struct {
	ID              int64              `db:"id" json:"task_instance_id"`
	TaskID          int64              `db:"task_id" json:"task_id"`
	WorkflowRunID   int64              `db:"workflow_run_id" json:"workflow_run_id"`
	ArrayID         *int64             `db:"array_id" json:"array_id,omitempty"`
	ArrayBatchNum   *int64             `db:"array_batch_num" json:"array_batch_num,omitempty"`
	ArrayStepID     *int64             `db:"array_step_id" json:"array_step_id,omitempty"`
	Status          TaskInstanceStatus `db:"status" json:"status"`
	DistributorID   *string            `db:"distributor_id" json:"distributor_id,omitempty"`
	TaskResourcesID *int64             `db:"task_resources_id" json:"task_resources_id,omitempty"`
	ReportByDate    time.Time          `db:"report_by_date" json:"report_by_date"`
	StatusDate      time.Time          `db:"status_date" json:"status_date"`
	Stdout          string             `db:"stdout" json:"stdout,omitempty"`
	Stderr          string             `db:"stderr" json:"stderr,omitempty"`
	MaxrssBytes     int64              `db:"maxrss_bytes" json:"maxrss_bytes,omitempty"`
	UserTimeSec     float64            `db:"user_time_sec" json:"user_time_sec,omitempty"`
	SystemTimeSec   float64            `db:"system_time_sec" json:"system_time_sec,omitempty"`
}

// TaskStatusAudit is an append-only log of every task status transition.
type TaskStatusAudit struct {
	ID             int64     `db:"id" json:"id"`
	TaskID         int64     `db:"task_id" json:"task_id"`
	PreviousStatus string    `db:"previous_status" json:"previous_status"`
	NewStatus      string    `db:"new_status" json:"new_status"`
	EnteredAt      time.Time `db:"entered_at" json:"entered_at"`
	ExitedAt       *time.Time `db:"exited_at" json:"exited_at,omitempty"`
}

// TaskTemplateVersion identifies a reusable task shape; nodes are
// content-addressed against it.
type TaskTemplateVersion struct {
	ID   int64  `db:"id" json:"task_template_version_id"`
	Name string `db:"name" json:"name"`
}

package swarm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// Gateway is the orchestrator's sole collaborator with the state service,
// grounded on original_source/jobmon_client/.../workflow_run_impl/gateway.py's
// ServerGateway: one method per route, each request independently tenacious
// (spec §5: "every swarm call is retried unless marked otherwise").
type Gateway struct {
	client        *httpclient.Client
	WorkflowID    int64
	WorkflowRunID int64
	DagID         int64
}

func NewGateway(client *httpclient.Client, workflowID, workflowRunID, dagID int64) *Gateway {
	return &Gateway{client: client, WorkflowID: workflowID, WorkflowRunID: workflowRunID, DagID: dagID}
}

type heartbeatResponse struct {
	Status model.WorkflowRunStatus `json:"status"`
}

// LogHeartbeat implements §4.5.4 step 1: report alive, learn the run's
// current status so resume-escalation can be observed.
func (g *Gateway) LogHeartbeat(ctx context.Context, nextReportIncrement time.Duration) (model.WorkflowRunStatus, error) {
	var resp heartbeatResponse
	path := fmt.Sprintf("/workflow_run/%d/log_heartbeat", g.WorkflowRunID)
	err := g.client.Post(ctx, path, map[string]any{
		"next_report_increment": nextReportIncrement.Seconds(),
	}, &resp)
	return resp.Status, err
}

// UpdateStatus implements PUT /workflow_run/{id}/update_status.
func (g *Gateway) UpdateStatus(ctx context.Context, status model.WorkflowRunStatus) error {
	path := fmt.Sprintf("/workflow_run/%d/update_status", g.WorkflowRunID)
	return g.client.Put(ctx, path, map[string]any{"status": status}, nil)
}

// TerminateTaskInstances implements PUT .../terminate_task_instances, the
// cold/hot resume local-termination step of §4.5.4 step 1.
func (g *Gateway) TerminateTaskInstances(ctx context.Context) error {
	path := fmt.Sprintf("/workflow_run/%d/terminate_task_instances", g.WorkflowRunID)
	return g.client.Put(ctx, path, nil, nil)
}

// RequestTriage implements POST .../set_status_for_triaging (spec §4.5.4
// step 7).
func (g *Gateway) RequestTriage(ctx context.Context) error {
	path := fmt.Sprintf("/workflow_run/%d/set_status_for_triaging", g.WorkflowRunID)
	return g.client.Post(ctx, path, nil, nil)
}

type taskStatusUpdatesResponse struct {
	Time           time.Time                  `json:"time"`
	TasksByStatus  map[string]model.TaskStatus `json:"tasks_by_status"`
}

// GetTaskStatusUpdates implements §4.5.4 step 3: full sync when since is
// nil, incremental sync otherwise. Returns the updates plus the server time
// the caller should remember as its new last_sync.
func (g *Gateway) GetTaskStatusUpdates(ctx context.Context, since *time.Time) (map[int64]model.TaskStatus, time.Time, error) {
	var resp taskStatusUpdatesResponse
	path := fmt.Sprintf("/workflow/%d/task_status_updates", g.WorkflowID)
	if err := g.client.Post(ctx, path, map[string]any{"last_sync": since}, &resp); err != nil {
		return nil, time.Time{}, err
	}
	out := make(map[int64]model.TaskStatus, len(resp.TasksByStatus))
	for k, v := range resp.TasksByStatus {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, resp.Time, nil
}

// GetWorkflowConcurrency implements GET .../get_max_concurrently_running.
func (g *Gateway) GetWorkflowConcurrency(ctx context.Context) (int64, error) {
	var resp struct {
		MaxConcurrentlyRunning int64 `json:"max_concurrently_running"`
	}
	path := fmt.Sprintf("/workflow/%d/get_max_concurrently_running", g.WorkflowID)
	err := g.client.Get(ctx, path, nil, &resp)
	return resp.MaxConcurrentlyRunning, err
}

// GetArrayConcurrency implements GET /array/{id}/get_array_max_concurrently_running.
func (g *Gateway) GetArrayConcurrency(ctx context.Context, arrayID int64) (int64, error) {
	var resp struct {
		MaxConcurrentlyRunning int64 `json:"max_concurrently_running"`
	}
	path := fmt.Sprintf("/array/%d/get_array_max_concurrently_running", arrayID)
	err := g.client.Get(ctx, path, nil, &resp)
	return resp.MaxConcurrentlyRunning, err
}

// BatchResult mirrors the per-task status map the queue_task_batch route
// returns, grounded on scheduler.py's BatchResult.
type BatchResult struct {
	TasksByStatus map[int64]model.TaskStatus
}

// QueueTaskBatch implements POST /array/{id}/queue_task_batch (spec §4.5.3).
func (g *Gateway) QueueTaskBatch(ctx context.Context, arrayID int64, taskIDs []int64, taskResourcesID int64) (BatchResult, error) {
	var resp struct {
		TasksByStatus map[string]model.TaskStatus `json:"tasks_by_status"`
	}
	path := fmt.Sprintf("/array/%d/queue_task_batch", arrayID)
	err := g.client.Post(ctx, path, map[string]any{
		"task_ids":          taskIDs,
		"task_resources_id": taskResourcesID,
		"workflow_run_id":   g.WorkflowRunID,
	}, &resp)
	if err != nil {
		return BatchResult{}, err
	}
	out := make(map[int64]model.TaskStatus, len(resp.TasksByStatus))
	for k, v := range resp.TasksByStatus {
		id, perr := strconv.ParseInt(k, 10, 64)
		if perr != nil {
			continue
		}
		out[id] = v
	}
	return BatchResult{TasksByStatus: out}, nil
}

type pagedTasksResponse struct {
	Tasks map[string][]any `json:"tasks"`
}

// GetTasksPaged implements GET /workflow/get_tasks/{id} (spec §4.5.2 resume
// path): fetch up to chunkSize non-DONE tasks with id > maxTaskID.
func (g *Gateway) GetTasksPaged(ctx context.Context, maxTaskID int64, chunkSize int) (map[int64]RawTask, error) {
	var resp pagedTasksResponse
	path := fmt.Sprintf("/workflow/get_tasks/%d", g.WorkflowID)
	err := g.client.Get(ctx, path, map[string]string{
		"max_task_id": strconv.FormatInt(maxTaskID, 10),
		"chunk_size":  strconv.Itoa(chunkSize),
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]RawTask, len(resp.Tasks))
	for k, fields := range resp.Tasks {
		id, perr := strconv.ParseInt(k, 10, 64)
		if perr != nil || len(fields) < 13 {
			continue
		}
		out[id] = rawTaskFromFields(fields)
	}
	return out, nil
}

// RawTask is the builder's unmarshalled view of one get_tasks row, matching
// the field order restapi.handleGetTasksPaged emits.
type RawTask struct {
	NodeID                 int64
	ArrayID                *int64
	Status                 model.TaskStatus
	MaxAttempts            int
	NumAttempts            int
	ResourceScales         string
	FallbackQueues         string
	TaskResourcesID        *int64
	TaskResourcesHash      string
	RequestedResources     map[string]any
	ClusterName            string
	QueueName              string
	MaxConcurrentlyRunning int64
}

func rawTaskFromFields(f []any) RawTask {
	asInt64 := func(v any) int64 {
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		default:
			return 0
		}
	}
	asIntPtr := func(v any) *int64 {
		if v == nil {
			return nil
		}
		n := asInt64(v)
		return &n
	}
	asString := func(v any) string {
		s, _ := v.(string)
		return s
	}
	requested, _ := f[9].(map[string]any)
	return RawTask{
		NodeID:                 asInt64(f[0]),
		ArrayID:                asIntPtr(f[1]),
		Status:                 model.TaskStatus(asString(f[2])),
		MaxAttempts:            int(asInt64(f[3])),
		NumAttempts:            int(asInt64(f[4])),
		ResourceScales:         asString(f[5]),
		FallbackQueues:         asString(f[6]),
		TaskResourcesID:        asIntPtr(f[7]),
		TaskResourcesHash:      asString(f[8]),
		RequestedResources:     requested,
		ClusterName:            asString(f[10]),
		QueueName:              asString(f[11]),
		MaxConcurrentlyRunning: asInt64(f[12]),
	}
}

// BindResources implements POST /task/bind_resources (spec §4.5.4 step 6):
// bind a freshly-scaled resource request and return its id, for resource
// adjustment after a RESOURCE_ERROR retry.
func (g *Gateway) BindResources(ctx context.Context, queueID int64, queueName string, taskResourcesTypeID int64, requested map[string]any) (int64, error) {
	var id int64
	err := g.client.Post(ctx, "/task/bind_resources", map[string]any{
		"queue_id":               queueID,
		"queue_name":             queueName,
		"task_resources_type_id": taskResourcesTypeID,
		"requested_resources":    requested,
	}, &id)
	return id, err
}

// DownstreamTaskIDs implements POST /task/get_downstream_tasks.
func (g *Gateway) DownstreamTaskIDs(ctx context.Context, taskIDs []int64) (map[int64][]int64, error) {
	var resp struct {
		DownstreamTasks map[string][]int64 `json:"downstream_tasks"`
	}
	if err := g.client.Post(ctx, "/task/get_downstream_tasks", map[string]any{
		"task_ids": taskIDs,
		"dag_id":   g.DagID,
	}, &resp); err != nil {
		return nil, err
	}
	out := make(map[int64][]int64, len(resp.DownstreamTasks))
	for k, v := range resp.DownstreamTasks {
		id, perr := strconv.ParseInt(k, 10, 64)
		if perr != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// GetServerTime implements GET /time, used to seed LastSync without
// trusting the orchestrator's own clock (spec §4.5.1).
func (g *Gateway) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		Time time.Time `json:"time"`
	}
	err := g.client.Get(ctx, "/time", nil, &resp)
	return resp.Time, err
}

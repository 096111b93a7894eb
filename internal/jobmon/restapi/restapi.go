// Package restapi implements the state service's HTTP surface (spec §6):
// a thin chi router over the repository and transition layers. Handlers
// are grounded on the teacher's cancellation.go pattern of one small
// method per concern feeding a shared executor — here the shared executor
// is repository.DB.WithTx / transition.Service.
package restapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
	"github.com/jobmon-io/jobmon/internal/jobmon/transition"
)

// Server wires the repository and transition service into an HTTP handler.
type Server struct {
	db            *repository.DB
	trans         *transition.Service
	tracer        trace.Tracer
	triageWindow  time.Duration
}

func New(db *repository.DB, trans *transition.Service, triageWindow time.Duration) *Server {
	if triageWindow <= 0 {
		triageWindow = 60 * time.Second
	}
	return &Server{db: db, trans: trans, tracer: otel.Tracer("jobmon-restapi"), triageWindow: triageWindow}
}

// Router builds the chi mux for all three compatibility prefixes (spec
// §6: "Service URL .../api/v3 (also v1, v2 for compatibility)").
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
	}))

	for _, version := range []string{"v1", "v2", "v3"} {
		r.Route("/api/"+version, s.mountRoutes)
	}
	return r
}

func (s *Server) mountRoutes(r chi.Router) {
	r.Post("/workflow", s.handleBindWorkflow)
	r.Get("/workflow/{id}/is_resumable", s.handleIsResumable)
	r.Post("/workflow/{id}/set_resume", s.handleSetResume)
	r.Post("/workflow/{id}/force_cleanup", s.handleForceCleanup)
	r.Post("/workflow/{id}/task_status_updates", s.handleTaskStatusUpdates)
	r.Get("/workflow/get_tasks/{id}", s.handleGetTasksPaged)
	r.Get("/workflow/{id}/get_max_concurrently_running", s.handleGetMaxConcurrency)
	r.Put("/workflow/{id}/update_max_concurrently_running", s.handleUpdateMaxConcurrency)

	r.Put("/task/bind_tasks_no_args", s.handleBindTasksNoArgs)
	r.Put("/task/bind_task_args", s.handleBindTaskArgs)
	r.Post("/task/bind_resources", s.handleBindTaskResources)

	r.Post("/array", s.handleCreateArray)
	r.Post("/array/{id}/queue_task_batch", s.handleQueueTaskBatch)
	r.Get("/array/{id}/get_array_max_concurrently_running", s.handleGetArrayConcurrency)

	r.Post("/dag/{id}/edges", s.handleBindEdges)
	r.Post("/task/get_downstream_tasks", s.handleGetDownstreamTasks)
	r.Get("/time", s.handleServerTime)

	r.Post("/workflow_run", s.handleCreateWorkflowRun)
	r.Post("/workflow_run/{id}/log_heartbeat", s.handleHeartbeat)
	r.Put("/workflow_run/{id}/update_status", s.handleUpdateRunStatus)
	r.Post("/workflow_run/{id}/set_status_for_triaging", s.handleTriageSweep)
	r.Put("/workflow_run/{id}/terminate_task_instances", s.handleTerminateInstances)
	r.Get("/workflow_run/{id}/audit", s.handleRunAudit)

	// Distributor/worker-facing routes: not part of spec §6's "selected
	// routes" table but required for the C3/C4 components it describes.
	r.Get("/workflow_run/{id}/queued_task_instances", s.handleQueuedInstances)
	r.Get("/workflow_run/{id}/active_task_instances", s.handleActiveInstances)
	r.Post("/task_instance/{id}/log_distributor_id", s.handleLogDistributorID)
	r.Post("/task_instance/{id}/transition_to_launched", s.handleTransitionToLaunched)
	r.Post("/task_instance/{id}/transition_to_no_distributor_id", s.handleTransitionToNoDistributorID)
	r.Post("/task_instance/{id}/transition_exit_info", s.handleTransitionExitInfo)
	r.Post("/task_instance/{id}/log_running", s.handleLogRunning)
	r.Post("/task_instance/{id}/log_heartbeat", s.handleInstanceHeartbeat)
	r.Post("/task_instance/{id}/log_done", s.handleLogDone)
	r.Post("/task_instance/{id}/log_error", s.handleLogError)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps errors to responses: 404 for ErrNotFound, an in-band
// InvalidStateTransition reject with 200, 409 for ErrAlreadyActive, and 500
// for everything else. Handlers answer bad input with 400 themselves.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, transition.ErrInvalidStateTransition):
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error(), "status": "InvalidStateTransition"})
	case errors.Is(err, repository.ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("restapi: server error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ServerError"})
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- workflow ---

type bindWorkflowRequest struct {
	ToolVersionID          int64             `json:"tool_version_id"`
	DagID                  int64             `json:"dag_id"`
	WorkflowArgsHash       string            `json:"workflow_args_hash"`
	TaskHash               string            `json:"task_hash"`
	Name                   string            `json:"name"`
	Description            string            `json:"description"`
	MaxConcurrentlyRunning int64             `json:"max_concurrently_running"`
}

func (s *Server) handleBindWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "restapi.bind_workflow")
	defer span.End()

	var req bindWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	wf, created, err := s.db.BindWorkflow(ctx, model.Workflow{
		ToolVersionID: req.ToolVersionID, DagID: req.DagID, WorkflowArgsHash: req.WorkflowArgsHash,
		TaskHash: req.TaskHash, Name: req.Name, Description: req.Description,
		MaxConcurrentlyRunning: req.MaxConcurrentlyRunning,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "status": wf.Status, "newly_created": created})
}

func (s *Server) handleIsResumable(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	pending, err := s.db.PendingKillSelf(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_is_resumable": pending == 0,
		"pending_kill_self":     pending,
	})
}

type setResumeRequest struct {
	ResetRunningJobs bool `json:"reset_running_jobs"`
}

// handleSetResume implements the resume protocol of spec §4.2.4: flip every
// non-DONE task's active instances to KILL_SELF (cold also kills RUNNING),
// then cascade the workflow run itself to COLD_RESUME/HOT_RESUME so the
// swarm sees the stop signal on its next heartbeat. A workflow with no
// active run (never launched, or already reaped) has nothing to cascade.
func (s *Server) handleSetResume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req setResumeRequest
	_ = decodeBody(r, &req)
	if _, err := s.db.SetResumeKillSelf(r.Context(), id, req.ResetRunningJobs); err != nil {
		writeError(w, err)
		return
	}
	wr, err := s.db.ActiveWorkflowRunForWorkflow(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	target := model.WorkflowRunHotResume
	if req.ResetRunningJobs {
		target = model.WorkflowRunColdResume
	}
	if err := s.trans.WorkflowRunTransition(r.Context(), wr.ID, target); err != nil && !errors.Is(err, transition.ErrInvalidStateTransition) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleForceCleanup implements the force_cleanup escape hatch of spec
// §4.2.4: forcibly flip stuck KILL_SELF instances to ERROR_FATAL for
// externally-killed jobs that will never self-report.
func (s *Server) handleForceCleanup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	n, err := s.db.ForceCleanupKillSelf(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned_up": n})
}

type taskStatusUpdatesRequest struct {
	LastSync *time.Time `json:"last_sync"`
}

func (s *Server) handleTaskStatusUpdates(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req taskStatusUpdatesRequest
	_ = decodeBody(r, &req)
	tasks, now, err := s.db.TasksUpdatedSince(r.Context(), id, req.LastSync)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"time": now, "tasks_by_status": tasks})
}

func (s *Server) handleGetTasksPaged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	maxTaskID, _ := strconv.ParseInt(r.URL.Query().Get("max_task_id"), 10, 64)
	chunkSize, err := strconv.Atoi(r.URL.Query().Get("chunk_size"))
	if err != nil || chunkSize <= 0 {
		chunkSize = 500
	}
	rows, err := s.db.GetTasksPaged(r.Context(), id, maxTaskID, chunkSize)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks := make(map[int64][]any, len(rows))
	for _, t := range rows {
		var requested map[string]any
		_ = json.Unmarshal([]byte(t.RequestedResources), &requested)
		tasks[t.TaskID] = []any{
			t.NodeID, t.ArrayID, t.Status, t.MaxAttempts, t.NumAttempts,
			t.ResourceScales, t.FallbackQueues, t.TaskResourcesID, t.TaskResourcesHash,
			requested, t.ClusterName, t.QueueName, t.MaxConcurrentlyRunning,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetArrayConcurrency(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	a, err := s.db.GetArray(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_concurrently_running": a.MaxConcurrentlyRunning})
}

func (s *Server) handleServerTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"time": time.Now().UTC()})
}

type bindEdgesRequest struct {
	EdgesToAdd []struct {
		NodeID            int64   `json:"node_id"`
		UpstreamNodeIDs   []int64 `json:"upstream_node_ids"`
		DownstreamNodeIDs []int64 `json:"downstream_node_ids"`
	} `json:"edges_to_add"`
	MarkCreated bool `json:"mark_created"`
}

// handleBindEdges implements POST /dag/{id}/edges (spec §9, grounded on
// Dag._bulk_insert_edges): idempotently upserts the adjacency row for every
// node in the chunk.
func (s *Server) handleBindEdges(w http.ResponseWriter, r *http.Request) {
	dagID, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req bindEdgesRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	for _, e := range req.EdgesToAdd {
		if err := s.db.BindEdge(r.Context(), dagID, e.NodeID, e.UpstreamNodeIDs, e.DownstreamNodeIDs); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type getDownstreamTasksRequest struct {
	TaskIDs []int64 `json:"task_ids"`
	DagID   int64   `json:"dag_id"`
}

// handleGetDownstreamTasks implements POST /task/get_downstream_tasks (spec
// §9, grounded on ServerGateway.get_downstream_tasks): resolves the dag's
// single bound workflow, then the downstream task ids for each input task.
func (s *Server) handleGetDownstreamTasks(w http.ResponseWriter, r *http.Request) {
	var req getDownstreamTasksRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	workflowID, err := s.db.WorkflowIDByDagID(r.Context(), req.DagID)
	if err != nil {
		writeError(w, err)
		return
	}
	downstream, err := s.db.DownstreamTaskIDs(r.Context(), workflowID, req.TaskIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"downstream_tasks": downstream})
}

func (s *Server) handleGetMaxConcurrency(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	wf, err := s.db.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_concurrently_running": wf.MaxConcurrentlyRunning})
}

type updateMaxConcurrencyRequest struct {
	MaxTasks int64 `json:"max_tasks"`
}

func (s *Server) handleUpdateMaxConcurrency(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req updateMaxConcurrencyRequest
	if err := decodeBody(r, &req); err != nil || req.MaxTasks <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if err := s.db.SetWorkflowMaxConcurrency(r.Context(), id, req.MaxTasks); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "max_concurrently_running updated"})
}

// --- task ---

type bindTasksNoArgsRequest struct {
	WorkflowID  int64 `json:"workflow_id"`
	MarkCreated bool  `json:"mark_created"`
	Tasks       map[string]struct {
		NodeID          int64  `json:"node_id"`
		TaskArgsHash    string `json:"task_args_hash"`
		ArrayID         *int64 `json:"array_id"`
		TaskResourcesID *int64 `json:"task_resources_id"`
		Name            string `json:"name"`
		Command         string `json:"command"`
		MaxAttempts     int    `json:"max_attempts"`
		ResetIfRunning  bool   `json:"reset_if_running"`
		ResourceScales  string `json:"resource_scales"`
		FallbackQueues  string `json:"fallback_queues"`
	} `json:"tasks"`
}

func (s *Server) handleBindTasksNoArgs(w http.ResponseWriter, r *http.Request) {
	var req bindTasksNoArgsRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	hashOrder := make([]string, 0, len(req.Tasks))
	tasks := make([]model.Task, 0, len(req.Tasks))
	for hash, t := range req.Tasks {
		hashOrder = append(hashOrder, hash)
		tasks = append(tasks, model.Task{
			WorkflowID: req.WorkflowID, ArrayID: t.ArrayID, NodeID: t.NodeID, TaskArgsHash: t.TaskArgsHash,
			Name: t.Name, Command: t.Command, MaxAttempts: t.MaxAttempts, TaskResourcesID: t.TaskResourcesID,
			ResourceScales: t.ResourceScales, FallbackQueues: t.FallbackQueues, ResetIfRunning: t.ResetIfRunning,
		})
	}
	bound, err := s.db.BindTasksNoArgs(r.Context(), tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.MarkCreated {
		if err := s.db.MarkWorkflowCreated(r.Context(), req.WorkflowID, time.Now()); err != nil {
			writeError(w, err)
			return
		}
	}
	out := make(map[string][2]any, len(hashOrder))
	for _, hash := range hashOrder {
		t := req.Tasks[hash]
		key := strconv.FormatInt(t.NodeID, 10) + ":" + t.TaskArgsHash
		if bt, ok := bound[key]; ok {
			out[hash] = [2]any{bt.ID, bt.Status}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type bindTaskArgsRequest struct {
	TaskArgs [][3]any `json:"task_args"`
}

func (s *Server) handleBindTaskArgs(w http.ResponseWriter, r *http.Request) {
	var req bindTaskArgsRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if err := s.db.BindTaskArgs(r.Context(), req.TaskArgs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type bindTaskResourcesRequest struct {
	QueueID             int64          `json:"queue_id"`
	QueueName           string         `json:"queue_name"`
	TaskResourcesTypeID int64          `json:"task_resources_type_id"`
	RequestedResources  map[string]any `json:"requested_resources"`
}

func (s *Server) handleBindTaskResources(w http.ResponseWriter, r *http.Request) {
	var req bindTaskResourcesRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	id, err := s.db.BindTaskResources(r.Context(), model.TaskResources{
		QueueID: req.QueueID, QueueName: req.QueueName,
		TaskResourcesTypeID: req.TaskResourcesTypeID, RequestedResources: req.RequestedResources,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// --- array ---

type createArrayRequest struct {
	WorkflowID             int64  `json:"workflow_id"`
	TaskTemplateVersionID  int64  `json:"task_template_version_id"`
	MaxConcurrentlyRunning int64  `json:"max_concurrently_running"`
	Name                   string `json:"name"`
}

func (s *Server) handleCreateArray(w http.ResponseWriter, r *http.Request) {
	var req createArrayRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	a, err := s.db.CreateArray(r.Context(), model.Array{
		WorkflowID: req.WorkflowID, TaskTemplateVersionID: req.TaskTemplateVersionID,
		MaxConcurrentlyRunning: req.MaxConcurrentlyRunning, Name: req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"array_id": a.ID})
}

type queueTaskBatchRequest struct {
	TaskIDs         []int64 `json:"task_ids"`
	TaskResourcesID int64   `json:"task_resources_id"`
	WorkflowRunID   int64   `json:"workflow_run_id"`
}

func (s *Server) handleQueueTaskBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "restapi.queue_task_batch")
	defer span.End()

	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req queueTaskBatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	span.SetAttributes(attribute.Int64("array_id", id), attribute.Int("task_count", len(req.TaskIDs)))

	arrayID := id
	result, err := s.db.QueueTaskBatch(ctx, req.TaskIDs, &arrayID, req.TaskResourcesID, req.WorkflowRunID,
		time.Now().Add(5*time.Minute))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks_by_status": result.TasksByStatus})
}

// --- workflow run ---

type createWorkflowRunRequest struct {
	WorkflowID    int64  `json:"workflow_id"`
	User          string `json:"user"`
	JobmonVersion string `json:"jobmon_version"`
}

func (s *Server) handleCreateWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	wr, err := s.db.CreateWorkflowRun(r.Context(), model.WorkflowRun{
		WorkflowID: req.WorkflowID, User: req.User, JobmonVersion: req.JobmonVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_run_id": wr.ID, "status": wr.Status})
}

type heartbeatRequest struct {
	NextReportIncrement float64 `json:"next_report_increment"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	increment := time.Duration(req.NextReportIncrement * float64(time.Second))
	if increment <= 0 {
		increment = 5 * time.Minute
	}
	if err := s.db.Heartbeat(r.Context(), id, time.Now().Add(increment)); err != nil {
		writeError(w, err)
		return
	}
	wr, err := s.db.GetWorkflowRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": wr.Status})
}

type updateRunStatusRequest struct {
	Status model.WorkflowRunStatus `json:"status"`
}

func (s *Server) handleUpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req updateRunStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if err := s.trans.WorkflowRunTransition(r.Context(), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": req.Status})
}

func (s *Server) handleTriageSweep(w http.ResponseWriter, r *http.Request) {
	_, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if _, _, err := s.db.TriageOverdue(r.Context(), time.Now(), s.triageWindow); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleTerminateInstances(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	instances, err := s.db.LaunchedOrRunningInstances(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, ti := range instances {
		if err := s.trans.TaskInstanceTransition(r.Context(), ti.ID, model.TIKillSelf); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	entries, err := s.db.AuditForWorkflowRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

// --- distributor/worker instance routes ---

func (s *Server) handleQueuedInstances(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	instances, err := s.db.QueuedTaskInstancesWithCommand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_instances": instances})
}

func (s *Server) handleActiveInstances(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	instances, err := s.db.LaunchedRunningOrKillSelfInstances(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_instances": instances})
}

type logDistributorIDRequest struct {
	DistributorID string `json:"distributor_id"`
}

func (s *Server) handleLogDistributorID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req logDistributorIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if err := s.db.SetDistributorID(r.Context(), id, req.DistributorID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleTransitionToLaunched(w http.ResponseWriter, r *http.Request) {
	s.transitionInstance(w, r, model.TILaunched)
}

func (s *Server) handleTransitionToNoDistributorID(w http.ResponseWriter, r *http.Request) {
	s.transitionInstance(w, r, model.TINoDistributorID)
}

func (s *Server) handleLogRunning(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	err = s.trans.TaskInstanceTransition(r.Context(), id, model.TIRunning)
	accepted := err == nil
	ti, getErr := s.db.GetTaskInstance(r.Context(), id)
	if getErr != nil {
		writeError(w, getErr)
		return
	}
	if err != nil && !errors.Is(err, transition.ErrInvalidStateTransition) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted, "status": ti.Status})
}

func (s *Server) handleInstanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	ti, err := s.db.GetTaskInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": ti.Status})
}

func (s *Server) handleLogDone(w http.ResponseWriter, r *http.Request) {
	s.transitionInstance(w, r, model.TIDone)
}

type logErrorRequest struct {
	Status model.TaskInstanceStatus `json:"status"`
}

func (s *Server) handleLogError(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	var req logErrorRequest
	_ = decodeBody(r, &req)
	status := req.Status
	if status == "" {
		status = model.TIError
	}
	if err := s.trans.TaskInstanceTransition(r.Context(), id, status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleTransitionExitInfo(w http.ResponseWriter, r *http.Request) {
	var req logErrorRequest
	if err := decodeBody(r, &req); err != nil || req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	s.transitionInstanceTo(w, r, req.Status)
}

func (s *Server) transitionInstance(w http.ResponseWriter, r *http.Request, status model.TaskInstanceStatus) {
	s.transitionInstanceTo(w, r, status)
}

func (s *Server) transitionInstanceTo(w http.ResponseWriter, r *http.Request, status model.TaskInstanceStatus) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidUsage"})
		return
	}
	if err := s.trans.TaskInstanceTransition(r.Context(), id, status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

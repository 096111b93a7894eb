package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/resources"
)

// TaskDef is the in-memory shape of one freshly-bound task, as known to
// whatever bound it (spec §4.5.2's build_from_workflow takes an in-memory
// Workflow object whose tasks are already fully wired client-side).
type TaskDef struct {
	TaskID                 int64
	NodeID                 int64
	ArrayID                *int64
	MaxAttempts            int
	Scales                 map[string]resources.Scale
	FallbackQueues         []string
	TaskResourcesID        int64
	TaskResourcesHash      string
	RequestedResources     map[string]any
	ClusterName            string
	QueueName              string
	MaxConcurrentlyRunning int64
	UpstreamTaskIDs        []int64
}

// ArrayDef is the in-memory shape of one freshly-bound array.
type ArrayDef struct {
	ID                     int64
	MaxConcurrentlyRunning int64
}

// Builder constructs a SwarmState either from an in-memory freshly-bound
// workflow or, on resume, by paging the state service (spec §4.5.2).
// Grounded on original_source/.../swarm/builder equivalents referenced by
// run.py's SwarmBuilder.
type Builder struct {
	Gateway *Gateway
}

func NewBuilder(gw *Gateway) *Builder {
	return &Builder{Gateway: gw}
}

// BuildFromWorkflow wires a brand-new SwarmState from fully in-memory task
// definitions: no task can be DONE yet, so every wiring step runs without
// touching the network.
func (b *Builder) BuildFromWorkflow(maxConcurrentlyRunning int64, arrays []ArrayDef, tasks []TaskDef) *SwarmState {
	s := NewSwarmState()
	s.MaxConcurrentlyRunning = maxConcurrentlyRunning
	s.LastSync = time.Now()

	for _, a := range arrays {
		s.Arrays[a.ID] = &ArrayState{ID: a.ID, MaxConcurrentlyRunning: a.MaxConcurrentlyRunning}
	}

	byID := make(map[int64]*SwarmTask, len(tasks))
	for _, def := range tasks {
		t := &SwarmTask{
			TaskID:                 def.TaskID,
			ArrayID:                def.ArrayID,
			Status:                 model.TaskRegistering,
			MaxAttempts:            def.MaxAttempts,
			Scales:                 def.Scales,
			FallbackQueues:         def.FallbackQueues,
			TaskResourcesID:        def.TaskResourcesID,
			TaskResourcesHash:      def.TaskResourcesHash,
			RequestedResources:     def.RequestedResources,
			ClusterName:            def.ClusterName,
			QueueName:              def.QueueName,
			MaxConcurrentlyRunning: def.MaxConcurrentlyRunning,
		}
		byID[def.TaskID] = t
	}

	for _, def := range tasks {
		t := byID[def.TaskID]
		for _, upID := range def.UpstreamTaskIDs {
			up, ok := byID[upID]
			if !ok {
				continue
			}
			t.Upstream = append(t.Upstream, up)
			up.Downstream = append(up.Downstream, t)
		}
	}

	for _, t := range byID {
		s.indexTask(t)
	}
	wireReady(s)
	return s
}

// BuildFromWorkflowID rebuilds a SwarmState for a resumed workflow by paging
// the state service's get_tasks route (spec §4.5.2): chunk 500, stop when a
// page comes back empty, filter already-DONE server-side, and heartbeat
// during the page loop so a slow resume doesn't get reaped mid-page.
func (b *Builder) BuildFromWorkflowID(ctx context.Context, maxConcurrentlyRunning int64) (*SwarmState, error) {
	s := NewSwarmState()
	s.MaxConcurrentlyRunning = maxConcurrentlyRunning
	s.LastSync = time.Now()

	byID := make(map[int64]*SwarmTask)
	byNode := make(map[int64]int64) // node_id -> task_id
	arrayCache := make(map[int64]bool)

	var maxTaskID int64
	for {
		page, err := b.Gateway.GetTasksPaged(ctx, maxTaskID, 500)
		if err != nil {
			return nil, fmt.Errorf("swarm: build from workflow id: page tasks: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for taskID, raw := range page {
			if taskID > maxTaskID {
				maxTaskID = taskID
			}
			if raw.Status == model.TaskDone {
				s.NumPreviouslyComplete++
				continue
			}
			t := &SwarmTask{
				TaskID:                 taskID,
				ArrayID:                raw.ArrayID,
				Status:                 raw.Status,
				MaxAttempts:            raw.MaxAttempts,
				NumAttempts:            raw.NumAttempts,
				Scales:                 parseResourceScales(raw.ResourceScales),
				FallbackQueues:         parseFallbackQueues(raw.FallbackQueues),
				RequestedResources:     raw.RequestedResources,
				ClusterName:            raw.ClusterName,
				QueueName:              raw.QueueName,
				MaxConcurrentlyRunning: raw.MaxConcurrentlyRunning,
			}
			if raw.TaskResourcesID != nil {
				t.TaskResourcesID = *raw.TaskResourcesID
			}
			t.TaskResourcesHash = raw.TaskResourcesHash
			if t.TaskResourcesHash != "" {
				s.TaskResourcesCache[t.TaskResourcesHash] = t.TaskResourcesID
			}
			byID[taskID] = t
			byNode[raw.NodeID] = taskID
			if raw.ArrayID != nil {
				if _, ok := arrayCache[*raw.ArrayID]; !ok {
					arrayCache[*raw.ArrayID] = true
					s.Arrays[*raw.ArrayID] = &ArrayState{ID: *raw.ArrayID}
				}
			}
		}

		if _, err := b.Gateway.LogHeartbeat(ctx, 5*time.Minute); err != nil {
			slog.Warn("swarm: heartbeat during resume paging failed", "error", err)
		}
	}

	if err := b.wireFromServer(ctx, byID); err != nil {
		return nil, err
	}

	for _, t := range byID {
		s.indexTask(t)
	}
	wireReady(s)
	return s, nil
}

// wireFromServer resolves downstream edges for every paged task via
// get_downstream_tasks, building the Upstream/Downstream pointers the
// resume path needs for propagate_completions (spec §4.5.2/§4.5.4 step 4).
func (b *Builder) wireFromServer(ctx context.Context, byID map[int64]*SwarmTask) error {
	if len(byID) == 0 {
		return nil
	}
	taskIDs := make([]int64, 0, len(byID))
	for id := range byID {
		taskIDs = append(taskIDs, id)
	}
	downstream, err := b.Gateway.DownstreamTaskIDs(ctx, taskIDs)
	if err != nil {
		return fmt.Errorf("swarm: build from workflow id: downstream tasks: %w", err)
	}
	for taskID, downstreamIDs := range downstream {
		t, ok := byID[taskID]
		if !ok {
			continue
		}
		for _, downID := range downstreamIDs {
			down, ok := byID[downID]
			if !ok {
				continue // already DONE and excluded from this page set
			}
			t.Downstream = append(t.Downstream, down)
			down.Upstream = append(down.Upstream, t)
		}
	}
	return nil
}

// wireReady implements compute_initial_upstream_done_counts plus a final
// ready_to_run pass: every REGISTERING task whose upstreams are all complete
// (on the resume path, every upstream already filtered out as DONE) is
// pushed unless it is already queued. Both builders wire edges before
// calling indexTask (state.go), so this pass only adds tasks indexTask did
// not already queue.
func wireReady(s *SwarmState) {
	for _, t := range s.Tasks {
		if t.Status != model.TaskRegistering {
			continue
		}
		if t.NumUpstreamsDone >= len(t.Upstream) {
			alreadyQueued := false
			for e := s.readyToRun.Front(); e != nil; e = e.Next() {
				if e.Value.(*SwarmTask).TaskID == t.TaskID {
					alreadyQueued = true
					break
				}
			}
			if !alreadyQueued {
				s.PushReady(t)
			}
		}
	}
}

func parseResourceScales(raw string) map[string]resources.Scale {
	if raw == "" {
		return nil
	}
	var fractions map[string]float64
	if err := json.Unmarshal([]byte(raw), &fractions); err != nil {
		slog.Warn("swarm: malformed resource_scales, ignoring", "error", err)
		return nil
	}
	out := make(map[string]resources.Scale, len(fractions))
	for k, v := range fractions {
		out[k] = resources.NumberScale(v)
	}
	return out
}

func parseFallbackQueues(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("swarm: malformed fallback_queues, ignoring", "error", err)
		return nil
	}
	return out
}

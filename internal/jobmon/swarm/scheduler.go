package swarm

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
)

// MaxBatchSize bounds a single queue_task_batch call (spec §4.5.3).
const MaxBatchSize = 500

// batchKey groups ready tasks sharing a (array_id, task_resources) pair,
// the only dimension queue_task_batch can submit atomically.
type batchKey struct {
	arrayID         int64
	taskResourcesID int64
}

// Scheduler implements spec §4.5.3: greedy-batch ready_to_run by capacity,
// bind each batch's resources idempotently, then POST queue_task_batch and
// feed the result back through ApplyUpdate. Grounded on the teacher's
// scheduler.go batching-by-capacity shape, adapted from slurm-step batching
// to array/task-resources batching.
type Scheduler struct {
	gw     *Gateway
	tracer trace.Tracer
}

func NewScheduler(gw *Gateway) *Scheduler {
	return &Scheduler{gw: gw, tracer: otel.Tracer("jobmon-scheduler")}
}

// Tick drains as much of ready_to_run as current capacity allows, submits
// one queue_task_batch per (array, task_resources) group, and applies the
// resulting per-task status map to state. Tasks that would overrun an
// array's own capacity are set aside and restored to the front of
// ready_to_run in original order once the tick is done.
func (sc *Scheduler) Tick(ctx context.Context, s *SwarmState) error {
	ctx, span := sc.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	capacity := int(s.MaxConcurrentlyRunning) - s.CountActive()
	if capacity <= 0 {
		return nil
	}

	batches := make(map[batchKey][]*SwarmTask)
	var setAside []*SwarmTask

	for capacity > 0 {
		t := s.PopReady()
		if t == nil {
			break
		}
		if t.ArrayID != nil {
			if arr, ok := s.Arrays[*t.ArrayID]; ok && arr.MaxConcurrentlyRunning > 0 {
				used := s.CountActiveByArray(*t.ArrayID) + batchedCountForArray(batches, *t.ArrayID)
				if int64(used) >= arr.MaxConcurrentlyRunning {
					setAside = append(setAside, t)
					continue
				}
			}
		}
		key := batchKey{taskResourcesID: t.TaskResourcesID}
		if t.ArrayID != nil {
			key.arrayID = *t.ArrayID
		}
		if len(batches[key]) >= MaxBatchSize {
			setAside = append(setAside, t)
			continue
		}
		batches[key] = append(batches[key], t)
		capacity--
	}

	for i := len(setAside) - 1; i >= 0; i-- {
		s.PushReadyFront(setAside[i])
	}

	for key, tasks := range batches {
		if err := sc.submitBatch(ctx, s, key, tasks); err != nil {
			slog.Warn("scheduler: batch submission failed", "array_id", key.arrayID, "task_resources_id", key.taskResourcesID, "count", len(tasks), "error", err)
			for _, t := range tasks {
				s.PushReadyFront(t)
			}
		}
	}
	return nil
}

func batchedCountForArray(batches map[batchKey][]*SwarmTask, arrayID int64) int {
	n := 0
	for key, tasks := range batches {
		if key.arrayID == arrayID {
			n += len(tasks)
		}
	}
	return n
}

func (sc *Scheduler) submitBatch(ctx context.Context, s *SwarmState, key batchKey, tasks []*SwarmTask) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("array_id", key.arrayID), attribute.Int("task_count", len(tasks)))

	trID, err := sc.ensureResourcesBound(ctx, s, tasks[0])
	if err != nil {
		return fmt.Errorf("swarm: bind task resources: %w", err)
	}

	taskIDs := make([]int64, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.TaskID
	}

	result, err := sc.gw.QueueTaskBatch(ctx, key.arrayID, taskIDs, trID)
	if err != nil {
		return err
	}

	update := StateUpdate{TaskStatus: result.TasksByStatus}
	s.ApplyUpdate(update)
	return nil
}

// ensureResourcesBound implements the idempotent bind step of spec §4.5.3:
// if the batch's lead task already carries a bound TaskResources id, or its
// hash is already cached locally, reuse it; otherwise bind fresh and cache.
func (sc *Scheduler) ensureResourcesBound(ctx context.Context, s *SwarmState, lead *SwarmTask) (int64, error) {
	if lead.TaskResourcesID != 0 {
		return lead.TaskResourcesID, nil
	}
	if lead.TaskResourcesHash != "" {
		if id, ok := s.TaskResourcesCache[lead.TaskResourcesHash]; ok {
			lead.TaskResourcesID = id
			return id, nil
		}
	}
	hash := repository.HashTaskResources(0, lead.RequestedResources)
	if id, ok := s.TaskResourcesCache[hash]; ok {
		lead.TaskResourcesID = id
		lead.TaskResourcesHash = hash
		return id, nil
	}
	id, err := sc.gw.BindResources(ctx, 0, lead.QueueName, 0, lead.RequestedResources)
	if err != nil {
		return 0, err
	}
	lead.TaskResourcesID = id
	lead.TaskResourcesHash = hash
	s.TaskResourcesCache[hash] = id
	return id, nil
}

// AdjustResources implements spec §4.5.4 step 6: for each task newly in
// ADJUSTING_RESOURCES, scale its requested resources, validate against the
// current queue (falling back through fallback_queues, then coercing to the
// last), rebind if the hash changed, and re-queue the task by pushing it
// back to ready_to_run as REGISTERING-equivalent (the status transition to
// QUEUED itself happens server-side via queue_task_batch).
func (sc *Scheduler) AdjustResources(ctx context.Context, s *SwarmState, t *SwarmTask) error {
	if t.Status != model.TaskAdjustingResources {
		return nil
	}
	for name, scale := range t.Scales {
		old, _ := t.RequestedResources[name].(float64)
		t.RequestedResources[name] = scale.Apply(old)
	}

	queue := t.QueueName
	if !validateQueue(queue, t.RequestedResources) {
		queue = firstValidFallback(t.FallbackQueues, t.RequestedResources)
	}
	t.QueueName = queue

	newHash := repository.HashTaskResources(0, t.RequestedResources)
	if newHash != t.TaskResourcesHash {
		id, ok := s.TaskResourcesCache[newHash]
		if !ok {
			var err error
			id, err = sc.gw.BindResources(ctx, 0, t.QueueName, 0, t.RequestedResources)
			if err != nil {
				return fmt.Errorf("swarm: rebind scaled resources: %w", err)
			}
			s.TaskResourcesCache[newHash] = id
		}
		t.TaskResourcesID = id
		t.TaskResourcesHash = newHash
	}

	s.PushReady(t)
	return nil
}

// validateQueue is a conservative placeholder for queue-capacity
// validation: any non-empty queue name is valid, requested resources are
// not checked here, and real validation is left to the server at
// bind/submit time.
func validateQueue(queue string, requested map[string]any) bool {
	return queue != ""
}

func firstValidFallback(queues []string, requested map[string]any) string {
	for _, q := range queues {
		if validateQueue(q, requested) {
			return q
		}
	}
	if len(queues) > 0 {
		return queues[len(queues)-1]
	}
	return ""
}

// Package distributor implements the long-running C4 process of spec
// §4.4: pump QUEUED task instances through a cluster plugin to LAUNCHED,
// reconcile active instances against the plugin's view of the world, and
// heartbeat so the swarm can detect a dead distributor. Grounded on the
// teacher's CancellationManager (cancellation.go): a single mutex-guarded
// map plus a tracer-wrapped action method per concern, here tracking
// distributor liveness instead of workflow cancellation.
package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/core/resilience"
	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
)

// ErrClusterUnavailable is returned in place of a plugin call that the
// circuit breaker is currently refusing, so a flapping cluster backend
// doesn't pile up goroutines waiting on a cluster that's already down.
var ErrClusterUnavailable = errors.New("distributor: cluster plugin circuit open")

// Config bounds the distributor's tick cadence (spec §6 distributor.* keys).
type Config struct {
	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration

	// SubmitBurstCapacity/SubmitRefillPerSec/SubmitQueueSize/SubmitLeakInterval
	// bound how fast the distributor hands submissions to the cluster
	// plugin (spec §4.4: a batch can be up to MAX_BATCH_SIZE instances,
	// and many batches can be ready in the same tick). Zero values take
	// the defaults below.
	SubmitBurstCapacity int
	SubmitRefillPerSec  float64
	SubmitQueueSize     int
	SubmitLeakInterval  time.Duration
}

// Distributor drives QUEUED->LAUNCHED->terminal for one workflow run
// against a single cluster plugin.
type Distributor struct {
	client        *httpclient.Client
	plugin        plugin.DistributorPlugin
	workflowRunID int64
	cfg           Config
	tracer        trace.Tracer

	lastHeartbeat atomic.Int64 // unix seconds, for distributor_alive checks from the swarm side

	breaker *resilience.CircuitBreaker // guards every cluster plugin call

	// submitLimiter smooths cluster-plugin submission throughput across
	// batches in the same tick: a token-bucket fast path for normal load,
	// falling back to a leaky-bucket queue so a burst of ready batches
	// drains at a predictable rate instead of hammering the scheduler API.
	submitLimiter *resilience.HybridRateLimiter

	mu          sync.Mutex
	byDistID    map[string]int64 // distributor_id -> task_instance_id, for QueueingErrors lookups
}

func New(client *httpclient.Client, p plugin.DistributorPlugin, workflowRunID int64, cfg Config) *Distributor {
	if cfg.SubmitBurstCapacity <= 0 {
		cfg.SubmitBurstCapacity = 20
	}
	if cfg.SubmitRefillPerSec <= 0 {
		cfg.SubmitRefillPerSec = 10
	}
	if cfg.SubmitQueueSize <= 0 {
		cfg.SubmitQueueSize = 200
	}
	if cfg.SubmitLeakInterval <= 0 {
		cfg.SubmitLeakInterval = 50 * time.Millisecond
	}
	d := &Distributor{
		client: client, plugin: p, workflowRunID: workflowRunID, cfg: cfg,
		tracer:        otel.Tracer("jobmon-distributor"),
		byDistID:      make(map[string]int64),
		breaker:       resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		submitLimiter: resilience.NewHybridRateLimiter(cfg.SubmitBurstCapacity, cfg.SubmitRefillPerSec, cfg.SubmitQueueSize, cfg.SubmitLeakInterval),
	}
	d.lastHeartbeat.Store(time.Now().Unix())
	return d
}

// Close releases the distributor's background resources (the submission
// rate limiter's worker goroutines). Call once after Run returns.
func (d *Distributor) Close() {
	d.submitLimiter.Stop()
}

// guardPlugin runs fn if the circuit is closed (or half-open probing),
// records the outcome, and returns ErrClusterUnavailable otherwise
// (spec §7: cluster-plugin errors should degrade gracefully rather than
// cascade into a submission storm against an already-failing backend).
func (d *Distributor) guardPlugin(fn func() error) error {
	if !d.breaker.Allow() {
		return ErrClusterUnavailable
	}
	err := fn()
	d.breaker.RecordResult(err == nil)
	return err
}

// Run loops until ctx is cancelled, alternating submission and reconcile
// ticks (spec §4.4, §5 "long-running single-threaded loops with
// cooperative I/O").
func (d *Distributor) Run(ctx context.Context) error {
	submitTicker := time.NewTicker(d.cfg.ReconcileInterval)
	heartbeatTicker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer submitTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeatTicker.C:
			d.lastHeartbeat.Store(time.Now().Unix())
		case <-submitTicker.C:
			if err := d.tick(ctx); err != nil {
				slog.Error("distributor: tick failed", "workflow_run_id", d.workflowRunID, "error", err)
			}
		}
	}
}

// Alive reports whether a heartbeat was recorded within the last two
// reconcile intervals, the liveness signal the swarm polls for
// DistributorNotAlive (spec §4.5.4 step 2).
func (d *Distributor) Alive() bool {
	last := time.Unix(d.lastHeartbeat.Load(), 0)
	return time.Since(last) < 2*d.cfg.ReconcileInterval
}

func (d *Distributor) tick(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "distributor.tick",
		trace.WithAttributes(attribute.Int64("workflow_run_id", d.workflowRunID)))
	defer span.End()

	if err := d.pumpQueued(ctx); err != nil {
		return fmt.Errorf("distributor: pump queued: %w", err)
	}
	if err := d.surfaceQueueingErrors(ctx); err != nil {
		return fmt.Errorf("distributor: surface queueing errors: %w", err)
	}
	if err := d.reconcileActive(ctx); err != nil {
		return fmt.Errorf("distributor: reconcile active: %w", err)
	}
	return nil
}

type queuedInstancesResponse struct {
	TaskInstances []repository.QueuedInstance `json:"task_instances"`
}

type activeInstancesResponse struct {
	TaskInstances []model.TaskInstance `json:"task_instances"`
}

// pumpQueued implements spec §4.4's "Pump QUEUED -> LAUNCHED": batch
// QUEUED instances by (array_id, task_resources_id), submit each batch,
// then move every instance through log_distributor_id/transition_to_launched.
func (d *Distributor) pumpQueued(ctx context.Context) error {
	var resp queuedInstancesResponse
	path := fmt.Sprintf("/workflow_run/%d/queued_task_instances", d.workflowRunID)
	if err := d.client.Get(ctx, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.TaskInstances) == 0 {
		return nil
	}

	type batchKey struct {
		arrayID         int64
		taskResourcesID int64
	}
	batches := make(map[batchKey][]repository.QueuedInstance)
	for _, ti := range resp.TaskInstances {
		var arrayID, trID int64
		if ti.ArrayID != nil {
			arrayID = *ti.ArrayID
		}
		if ti.TaskResourcesID != nil {
			trID = *ti.TaskResourcesID
		}
		key := batchKey{arrayID, trID}
		batches[key] = append(batches[key], ti)
	}

	for _, batch := range batches {
		// Every instance in a batch shares one submission attempt against
		// the cluster plugin; tag the attempt with a correlation token so
		// the batch's submit-failure warning, its per-instance
		// markLaunched calls, and its span all line up in logs/traces even
		// though SubmitArray fans out to up to MAX_BATCH_SIZE instances.
		token := uuid.NewString()
		if err := d.submitBatch(ctx, batch, token); err != nil {
			slog.Warn("distributor: batch submission failed", "submission_token", token, "count", len(batch), "error", err)
		}
	}
	return nil
}

func (d *Distributor) submitBatch(ctx context.Context, batch []repository.QueuedInstance, token string) error {
	ctx, span := d.tracer.Start(ctx, "distributor.submit_batch",
		trace.WithAttributes(attribute.String("submission_token", token), attribute.Int("batch_size", len(batch))))
	defer span.End()

	var requested map[string]any
	_ = json.Unmarshal([]byte(batch[0].RequestedResources), &requested)

	if err := d.submitLimiter.AllowOrWait(ctx); err != nil {
		return fmt.Errorf("distributor: submission rate limit: %w", err)
	}

	if len(batch) == 1 {
		ti := batch[0]
		var distID string
		err := d.guardPlugin(func() error {
			// A single flaky dial/RPC to the scheduler shouldn't count
			// as a circuit-breaker failure on its own; retry it once
			// quickly first (spec §7: "the distributor recovers
			// queueing errors" — this is the same posture one level
			// earlier, at the transport level rather than the FSM one).
			var retryErr error
			distID, retryErr = resilience.Retry(ctx, 2, 100*time.Millisecond, func() (string, error) {
				return d.plugin.Submit(ctx, ti.Command, ti.Name, requested)
			})
			return retryErr
		})
		if err != nil {
			return err
		}
		return d.markLaunched(ctx, ti.ID, distID, token)
	}

	var steps map[int]string
	err := d.guardPlugin(func() error {
		var retryErr error
		steps, retryErr = resilience.Retry(ctx, 2, 100*time.Millisecond, func() (map[int]string, error) {
			return d.plugin.SubmitArray(ctx, batch[0].Command, batch[0].Name, requested, len(batch))
		})
		return retryErr
	})
	if err != nil {
		return err
	}
	for i, ti := range batch {
		distID, ok := steps[i]
		if !ok {
			continue
		}
		if err := d.markLaunched(ctx, ti.ID, distID, token); err != nil {
			slog.Warn("distributor: mark launched failed", "submission_token", token, "task_instance_id", ti.ID, "error", err)
		}
	}
	return nil
}

func (d *Distributor) markLaunched(ctx context.Context, tiID int64, distributorID, token string) error {
	d.mu.Lock()
	d.byDistID[distributorID] = tiID
	d.mu.Unlock()
	slog.Info("distributor: submitted", "submission_token", token, "task_instance_id", tiID, "distributor_id", distributorID)
	if err := d.client.Post(ctx, fmt.Sprintf("/task_instance/%d/log_distributor_id", tiID),
		map[string]any{"distributor_id": distributorID}, nil); err != nil {
		return err
	}
	return d.client.Post(ctx, fmt.Sprintf("/task_instance/%d/transition_to_launched", tiID), nil, nil)
}

// surfaceQueueingErrors implements spec §4.4's "after every submission
// cycle, call QueueingErrors ... transition affected instances to
// NO_DISTRIBUTOR_ID". The plugin indexes errors by distributor id, so the
// distributor resolves each one against the bookkeeping markLaunched built
// during this run's submissions.
func (d *Distributor) surfaceQueueingErrors(ctx context.Context) error {
	var errs map[string]string
	err := d.guardPlugin(func() error {
		var perr error
		errs, perr = d.plugin.QueueingErrors(ctx)
		return perr
	})
	if err != nil {
		return err
	}
	for distID, msg := range errs {
		d.mu.Lock()
		tiID, ok := d.byDistID[distID]
		delete(d.byDistID, distID)
		d.mu.Unlock()
		if !ok {
			slog.Warn("distributor: queueing error for unknown distributor id", "distributor_id", distID, "message", msg)
			continue
		}
		slog.Warn("distributor: queueing error", "distributor_id", distID, "task_instance_id", tiID, "message", msg)
		if err := d.client.Post(ctx, fmt.Sprintf("/task_instance/%d/transition_to_no_distributor_id", tiID), nil, nil); err != nil {
			slog.Warn("distributor: mark no_distributor_id failed", "task_instance_id", tiID, "error", err)
		}
	}
	return nil
}

// reconcileActive implements spec §4.4's "Reconcile LAUNCHED/RUNNING":
// intersect the server's view with the plugin's ActiveIDs, and resolve
// disappeared ids via RemoteExitInfo.
func (d *Distributor) reconcileActive(ctx context.Context) error {
	var resp activeInstancesResponse
	path := fmt.Sprintf("/workflow_run/%d/active_task_instances", d.workflowRunID)
	if err := d.client.Get(ctx, path, nil, &resp); err != nil {
		return err
	}
	if len(resp.TaskInstances) == 0 {
		return nil
	}

	ids := make([]string, 0, len(resp.TaskInstances))
	byID := make(map[string]model.TaskInstance, len(resp.TaskInstances))
	for _, ti := range resp.TaskInstances {
		if ti.DistributorID == nil {
			continue
		}
		ids = append(ids, *ti.DistributorID)
		byID[*ti.DistributorID] = ti

		if ti.Status == model.TIKillSelf {
			distID := *ti.DistributorID
			if err := d.guardPlugin(func() error { return d.plugin.Terminate(ctx, []string{distID}) }); err != nil {
				slog.Warn("distributor: terminate failed", "distributor_id", distID, "error", err)
			}
		}
	}

	var active map[string]bool
	err := d.guardPlugin(func() error {
		var perr error
		active, perr = d.plugin.ActiveIDs(ctx, ids)
		return perr
	})
	if err != nil {
		return err
	}

	for distID, ti := range byID {
		if active[distID] {
			continue
		}
		var info plugin.ExitInfo
		err := d.guardPlugin(func() error {
			var perr error
			info, perr = d.plugin.RemoteExitInfo(ctx, distID)
			return perr
		})
		if err != nil {
			if err == plugin.ErrNotAvailable {
				continue // left for the triage route to flip to NO_HEARTBEAT
			}
			slog.Warn("distributor: remote exit info failed", "distributor_id", distID, "error", err)
			continue
		}
		if err := d.client.Post(ctx, fmt.Sprintf("/task_instance/%d/transition_exit_info", ti.ID),
			map[string]any{"status": mapExitKind(info.Kind)}, nil); err != nil {
			slog.Warn("distributor: report exit info failed", "task_instance_id", ti.ID, "error", err)
		}
		d.mu.Lock()
		delete(d.byDistID, distID)
		d.mu.Unlock()
	}
	return nil
}

func mapExitKind(kind plugin.ExitKind) model.TaskInstanceStatus {
	switch kind {
	case plugin.ExitDone:
		return model.TIDone
	case plugin.ExitResourceError:
		return model.TIResourceError
	case plugin.ExitUnknownError:
		return model.TIUnknownError
	default:
		return model.TIError
	}
}

// Package reaper implements the state service's background sweep (spec
// §4.2.5): reclaim WorkflowRuns stuck past their heartbeat deadline and
// correct workflows left FAILED after their last task actually finished
// DONE. Grounded on the teacher's distributor-style single-loop process,
// but driven by robfig/cron/v3 rather than a bare ticker, matching the
// rest of the state service's scheduled-sweep surface (triage is
// client-invoked per request; the reaper is the one truly background job).
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
	"github.com/jobmon-io/jobmon/internal/jobmon/transition"
)

// Config bounds the reaper's sweep cadence and staleness window (spec §6
// server.reaper_interval_sec / server.reaper_heartbeat_buffer keys).
type Config struct {
	Interval         time.Duration
	HeartbeatBuffer  time.Duration
	PageSize         int
}

// staleTargets maps the WorkflowRunStatus a stale run is caught in to the
// status it's reaped to. Only statuses with a valid outbound edge to their
// reaped status belong here (fsm.WorkflowRunValidTransitions enforces this
// at transition time regardless).
var staleTargets = map[model.WorkflowRunStatus]model.WorkflowRunStatus{
	model.WorkflowRunLinking:     model.WorkflowRunAborted,
	model.WorkflowRunColdResume:  model.WorkflowRunTerminated,
	model.WorkflowRunHotResume:   model.WorkflowRunTerminated,
	model.WorkflowRunRunning:     model.WorkflowRunError,
}

// Reaper owns one paging cursor per sweep kind so successive ticks make
// forward progress through a large table instead of repeatedly visiting the
// same lowest-id stale rows (the resolved Open Question of spec §9:
// the cursor is reaper instance state, not query-global).
type Reaper struct {
	db     *repository.DB
	trans  *transition.Service
	cfg    Config
	tracer trace.Tracer

	staleCursor  int64
	failedCursor int64
}

func New(db *repository.DB, trans *transition.Service, cfg Config) *Reaper {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Reaper{db: db, trans: trans, cfg: cfg, tracer: otel.Tracer("jobmon-reaper")}
}

// Run starts a cron schedule ticking every cfg.Interval until ctx is
// cancelled. It blocks until ctx.Done(), matching the long-running-process
// shape of distributor.Run and worker.Runner.Run.
func (rp *Reaper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	spec := fmt.Sprintf("@every %s", rp.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if err := rp.Sweep(ctx); err != nil {
			slog.Error("reaper: sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reaper: schedule sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Sweep runs one full pass: reap stale runs, then correct FAILED workflows
// whose tasks are all actually DONE. Exported so callers (tests, or a
// one-shot admin command) can invoke it outside the cron loop.
func (rp *Reaper) Sweep(ctx context.Context) error {
	ctx, span := rp.tracer.Start(ctx, "reaper.sweep")
	defer span.End()

	if err := rp.reapStaleRuns(ctx); err != nil {
		return fmt.Errorf("reaper: reap stale runs: %w", err)
	}
	if err := rp.correctFailedWorkflows(ctx); err != nil {
		return fmt.Errorf("reaper: correct failed workflows: %w", err)
	}
	return nil
}

func (rp *Reaper) reapStaleRuns(ctx context.Context) error {
	statuses := make([]model.WorkflowRunStatus, 0, len(staleTargets))
	for s := range staleTargets {
		statuses = append(statuses, s)
	}
	cutoff := time.Now().Add(-rp.cfg.HeartbeatBuffer)

	runs, err := rp.db.StaleWorkflowRuns(ctx, statuses, cutoff, rp.staleCursor, rp.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		rp.staleCursor = 0 // wrap: start back at the beginning next sweep
		return nil
	}

	var maxID int64
	for _, run := range runs {
		if run.ID > maxID {
			maxID = run.ID
		}
		target, ok := staleTargets[run.Status]
		if !ok {
			continue
		}
		if err := rp.trans.WorkflowRunTransition(ctx, run.ID, target); err != nil {
			slog.Warn("reaper: could not reap workflow run", "workflow_run_id", run.ID, "from", run.Status, "to", target, "error", err)
			continue
		}
		slog.Info("reaper: reaped stale workflow run", "workflow_run_id", run.ID, "from", run.Status, "to", target)
	}

	if len(runs) < rp.cfg.PageSize {
		rp.staleCursor = 0 // short page: we reached the end, wrap for next sweep
	} else {
		rp.staleCursor = maxID
	}
	return nil
}

func (rp *Reaper) correctFailedWorkflows(ctx context.Context) error {
	ids, err := rp.db.FailedWorkflowsPaged(ctx, rp.failedCursor, rp.cfg.PageSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		rp.failedCursor = 0
		return nil
	}

	var maxID int64
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
		done, err := rp.db.AllTasksDone(ctx, id)
		if err != nil {
			slog.Warn("reaper: could not check workflow completion", "workflow_id", id, "error", err)
			continue
		}
		if !done {
			continue
		}
		if err := rp.db.UpdateWorkflowStatus(ctx, nil, id, model.WorkflowDone); err != nil {
			slog.Warn("reaper: could not correct failed workflow", "workflow_id", id, "error", err)
			continue
		}
		slog.Info("reaper: corrected workflow FAILED->DONE", "workflow_id", id)
	}

	if len(ids) < rp.cfg.PageSize {
		rp.failedCursor = 0
	} else {
		rp.failedCursor = maxID
	}
	return nil
}

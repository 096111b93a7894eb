package swarm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/model"
)

// ErrDistributorNotAlive is raised when the distributor's heartbeat has
// gone stale past its liveness window (spec §4.5.4 step 2, §7): unlike
// every other loop failure this always propagates to the caller instead of
// being folded into OrchestratorResult.
var ErrDistributorNotAlive = errors.New("swarm: distributor not alive")

// AliveChecker decouples the orchestrator from the distributor package; the
// distributor.Distributor type satisfies this via its own Alive method.
type AliveChecker interface {
	Alive() bool
}

// Config bounds the orchestrator's tick cadence (spec §6 swarm.* keys).
type Config struct {
	PollInterval        time.Duration
	WedgedSyncInterval   time.Duration
	ScheduleTickTimeout  time.Duration
	FailFast             bool

	// InterruptPromptTimeout bounds how long a Ctrl-C prompt (spec
	// §4.5.5) waits for an operator answer before defaulting to
	// "continue". Zero uses a 30s default.
	InterruptPromptTimeout time.Duration
	// RunTimeout is the overall wall-clock budget for the run, shared
	// across every interrupt prompt (spec §4.5.5: "the loop continues
	// with a timeout reduced by the elapsed real time of this
	// invocation, so total budget is respected across interrupts").
	// Zero means unbounded.
	RunTimeout time.Duration
}

// OrchestratorResult is the terminal summary of one swarm run (spec
// §4.5.6), built whichever way the loop exits: normal termination, a
// fail-fast stop, or an interrupt escalated to STOPPED.
type OrchestratorResult struct {
	FinalStatus           model.WorkflowRunStatus
	ElapsedSeconds         float64
	TotalTasks             int
	NumDone                int
	NumErrorFatal          int
	TaskStatuses           map[int64]model.TaskStatus
	DoneTaskIDs            []int64
	FailedTaskIDs          []int64
	NumPreviouslyComplete int
	FailFastReason        string
}

// Orchestrator drives one workflow run's swarm tick loop (spec §4.5.4/.5).
// Grounded on the teacher's DAGEngine scheduling coordinator: a single
// goroutine with no internal locking, owning one SwarmState end to end.
type Orchestrator struct {
	gw          *Gateway
	scheduler   *Scheduler
	distributor AliveChecker
	checkpoints *CheckpointStore
	cfg         Config
	tracer      trace.Tracer

	interrupt   <-chan os.Signal
	promptInput io.Reader

	startedAt     time.Time
	budgetDeadline time.Time
}

func NewOrchestrator(gw *Gateway, scheduler *Scheduler, distributor AliveChecker, cfg Config) *Orchestrator {
	return &Orchestrator{
		gw: gw, scheduler: scheduler, distributor: distributor, cfg: cfg,
		tracer:      otel.Tracer("jobmon-orchestrator"),
		promptInput: os.Stdin,
	}
}

// SetCheckpointStore attaches a local bbolt snapshot cache; when set, every
// tick persists state and a terminal tick clears it. Resume does not read
// these snapshots: Builder.BuildFromWorkflowID always pages the state
// service.
func (o *Orchestrator) SetCheckpointStore(cp *CheckpointStore) {
	o.checkpoints = cp
}

// SetInterruptChannel wires the process's signal delivery (e.g. a
// signal.Notify channel for SIGINT) so Ctrl-C prompts the operator (spec
// §4.5.5) instead of cancelling ctx outright. Leaving this unset disables
// the prompt: ctx.Done() alone then stops the run immediately, which keeps
// callers that don't need operator prompting (tests, non-interactive
// batch submission) simple.
func (o *Orchestrator) SetInterruptChannel(ch <-chan os.Signal) {
	o.interrupt = ch
}

// SetPromptInput overrides the reader used for the Ctrl-C "stop this run?"
// answer; defaults to os.Stdin. Tests substitute a bytes.Reader.
func (o *Orchestrator) SetPromptInput(r io.Reader) {
	o.promptInput = r
}

// Run drives s to termination, honoring ctx cancellation as the process's
// hard-stop signal and, when SetInterruptChannel is wired, prompting the
// operator on every Ctrl-C per spec §4.5.5: "y" stops the run, anything
// else (including a timed-out prompt) resumes the loop with the run's
// overall timeout budget reduced by the elapsed real time of the prompt.
func (o *Orchestrator) Run(ctx context.Context, s *SwarmState) (OrchestratorResult, error) {
	o.startedAt = time.Now()
	if o.cfg.RunTimeout > 0 {
		o.budgetDeadline = o.startedAt.Add(o.cfg.RunTimeout)
	}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.handleInterrupt(context.Background(), s)
		case <-o.interrupt:
			if o.confirmStop(ctx) {
				return o.handleInterrupt(context.Background(), s)
			}
			if !o.budgetDeadline.IsZero() && time.Now().After(o.budgetDeadline) {
				slog.Info("swarm: run timeout exhausted after interrupt prompt, stopping")
				return o.handleInterrupt(context.Background(), s)
			}
			continue
		case <-ticker.C:
		}

		outcome, result, err := o.tick(ctx, s)
		if err != nil {
			return OrchestratorResult{}, err
		}
		if o.checkpoints != nil {
			if saveErr := o.checkpoints.Save(o.gw.WorkflowRunID, s); saveErr != nil {
				slog.Warn("swarm: checkpoint save failed", "error", saveErr)
			}
		}
		switch outcome {
		case tickContinue:
			continue
		case tickTerminate, tickFailFast:
			if o.checkpoints != nil {
				if delErr := o.checkpoints.Delete(o.gw.WorkflowRunID); delErr != nil {
					slog.Warn("swarm: checkpoint delete failed", "error", delErr)
				}
			}
			return result, nil
		}
	}
}

type tickOutcome int

const (
	tickContinue tickOutcome = iota
	tickTerminate
	tickFailFast
)

// tick runs the nine numbered steps of spec §4.5.4 once.
func (o *Orchestrator) tick(ctx context.Context, s *SwarmState) (tickOutcome, OrchestratorResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	// 1. Heartbeat.
	status, err := o.gw.LogHeartbeat(ctx, o.cfg.PollInterval*3)
	if err != nil {
		slog.Warn("swarm: heartbeat failed", "error", err)
	} else {
		switch status {
		case model.WorkflowRunError, model.WorkflowRunTerminated, model.WorkflowRunStopped:
			return tickTerminate, o.buildResult(s, status, ""), nil
		case model.WorkflowRunColdResume, model.WorkflowRunHotResume:
			if terr := o.gw.TerminateTaskInstances(ctx); terr != nil {
				slog.Warn("swarm: terminate task instances failed", "error", terr)
			}
			return tickTerminate, o.buildResult(s, model.WorkflowRunTerminated, ""), nil
		}
	}

	// 2. Distributor liveness check.
	if o.distributor != nil && !o.distributor.Alive() {
		return 0, OrchestratorResult{}, ErrDistributorNotAlive
	}

	// 3. Status sync.
	var since *time.Time
	if time.Since(s.LastSync) <= o.cfg.WedgedSyncInterval {
		t := s.LastSync
		since = &t
	}
	updates, syncTime, err := o.gw.GetTaskStatusUpdates(ctx, since)
	if err != nil {
		slog.Warn("swarm: status sync failed", "error", err)
	} else {
		previousStatus := make(map[int64]model.TaskStatus, len(updates))
		for id := range updates {
			if t, ok := s.Tasks[id]; ok {
				previousStatus[id] = t.Status
			}
		}
		st := syncTime
		s.ApplyUpdate(StateUpdate{TaskStatus: updates, SyncTime: &st})

		// 4. Propagate completions.
		for id, newStatus := range updates {
			if newStatus != model.TaskDone || previousStatus[id] == model.TaskDone {
				continue
			}
			t, ok := s.Tasks[id]
			if !ok {
				continue
			}
			for _, down := range t.Downstream {
				down.NumUpstreamsDone++
				if down.Status == model.TaskRegistering && down.NumUpstreamsDone >= len(down.Upstream) {
					s.PushReady(down)
				}
			}
		}

		// 5. Handle error-fatal / fail-fast.
		if o.cfg.FailFast {
			for id, newStatus := range updates {
				if newStatus == model.TaskErrorFatal && previousStatus[id] != model.TaskErrorFatal {
					reason := fmt.Sprintf("task %d reached ERROR_FATAL under fail_fast", id)
					if uerr := o.gw.UpdateStatus(ctx, model.WorkflowRunError); uerr != nil {
						slog.Warn("swarm: update status on fail-fast failed", "error", uerr)
					}
					return tickFailFast, o.buildResult(s, model.WorkflowRunError, reason), nil
				}
			}
		}
	}

	// 6. Adjust resources for tasks newly in ADJUSTING_RESOURCES; one already
	// waiting in ready_to_run was adjusted on an earlier tick.
	waiting := make(map[int64]bool, s.ReadyLen())
	for e := s.readyToRun.Front(); e != nil; e = e.Next() {
		waiting[e.Value.(*SwarmTask).TaskID] = true
	}
	for _, t := range s.Tasks {
		if t.Status == model.TaskAdjustingResources && !waiting[t.TaskID] {
			if err := o.scheduler.AdjustResources(ctx, s, t); err != nil {
				slog.Warn("swarm: resource adjustment failed", "task_id", t.TaskID, "error", err)
			}
		}
	}

	// 7. Request triage on every tick: the call is cheap and idempotent
	// server-side.
	if err := o.gw.RequestTriage(ctx); err != nil {
		slog.Warn("swarm: triage request failed", "error", err)
	}

	// 8. Schedule.
	if int(s.MaxConcurrentlyRunning)-s.CountActive() > 0 && s.ReadyLen() > 0 {
		schedCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.ScheduleTickTimeout > 0 {
			schedCtx, cancel = context.WithTimeout(ctx, o.cfg.ScheduleTickTimeout)
		}
		err := o.scheduler.Tick(schedCtx, s)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			slog.Warn("swarm: schedule tick failed", "error", err)
		}
	}

	// 9. Check termination.
	if s.AllTerminal() || (!s.HasPendingWork() && s.ReadyLen() == 0) {
		final := model.WorkflowRunDone
		if s.CountByStatus(model.TaskErrorFatal) > 0 {
			final = model.WorkflowRunError
		}
		if err := o.gw.UpdateStatus(ctx, final); err != nil {
			slog.Warn("swarm: update status at termination failed", "status", final, "error", err)
		}
		return tickTerminate, o.buildResult(s, final, ""), nil
	}

	span.SetAttributes(attribute.Int("ready_len", s.ReadyLen()), attribute.Int("active", s.CountActive()))
	return tickContinue, OrchestratorResult{}, nil
}

// confirmStop implements spec §4.5.5's operator prompt: "on 'y' the run
// transitions to STOPPED, on anything else the loop continues". The source
// blocks on Python's input(); this runtime instead races the answer against
// a deadline on a dedicated goroutine (spec §9 Design Notes: "replace the
// Python input() prompt with a channel-selected deadline so the
// orchestrator can still emit heartbeats during the prompt window") so a
// silent or non-interactive caller resumes rather than hanging forever.
func (o *Orchestrator) confirmStop(ctx context.Context) bool {
	start := time.Now()
	fmt.Fprint(os.Stderr, "swarm: interrupted - stop this run? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(o.promptInput).ReadString('\n')
		answer <- strings.TrimSpace(line)
	}()

	timeout := o.cfg.InterruptPromptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	hb := time.NewTicker(o.cfg.PollInterval)
	defer hb.Stop()

	for {
		select {
		case line := <-answer:
			return strings.EqualFold(line, "y")
		case <-deadline.C:
			slog.Info("swarm: interrupt prompt timed out, resuming run", "elapsed", time.Since(start))
			return false
		case <-hb.C:
			if _, err := o.gw.LogHeartbeat(ctx, o.cfg.PollInterval*3); err != nil {
				slog.Warn("swarm: heartbeat during interrupt prompt failed", "error", err)
			}
		case <-ctx.Done():
			return false
		}
	}
}

// handleInterrupt implements spec §4.5.5's confirmed-stop path: transitions
// the run to STOPPED and returns a result built from whatever state the
// loop had reached.
func (o *Orchestrator) handleInterrupt(ctx context.Context, s *SwarmState) (OrchestratorResult, error) {
	if err := o.gw.UpdateStatus(ctx, model.WorkflowRunStopped); err != nil {
		slog.Warn("swarm: update status to stopped failed", "error", err)
	}
	if err := o.gw.TerminateTaskInstances(ctx); err != nil {
		slog.Warn("swarm: terminate task instances on interrupt failed", "error", err)
	}
	return o.buildResult(s, model.WorkflowRunStopped, "interrupted"), nil
}

func (o *Orchestrator) buildResult(s *SwarmState, final model.WorkflowRunStatus, reason string) OrchestratorResult {
	statuses := make(map[int64]model.TaskStatus, len(s.Tasks))
	var doneIDs, failedIDs []int64
	for id, t := range s.Tasks {
		statuses[id] = t.Status
		switch t.Status {
		case model.TaskDone:
			doneIDs = append(doneIDs, id)
		case model.TaskErrorFatal:
			failedIDs = append(failedIDs, id)
		}
	}
	return OrchestratorResult{
		FinalStatus:           final,
		ElapsedSeconds:         time.Since(o.startedAt).Seconds(),
		TotalTasks:             len(s.Tasks),
		NumDone:                len(doneIDs),
		NumErrorFatal:          len(failedIDs),
		TaskStatuses:           statuses,
		DoneTaskIDs:            doneIDs,
		FailedTaskIDs:          failedIDs,
		NumPreviouslyComplete: s.NumPreviouslyComplete,
		FailFastReason:        reason,
	}
}

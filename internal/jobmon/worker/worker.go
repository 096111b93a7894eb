// Package worker implements the single task-instance runtime of spec
// §4.3 (C3): resolve identity, announce log_running, spawn the command,
// heartbeat while it runs, and report the terminal outcome. Grounded on
// the teacher's PythonPlugin subprocess pattern (orchestrator_src_tmp's
// plugins.go): CommandContext plus a goroutine that kills the child on
// context cancellation, here driven by an explicit SIGTERM-then-SIGKILL
// escalation instead of a bare Kill.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/model"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

// maxStderrBytes is the truncation bound of spec §4.3: "stderr log stored
// on the server must be truncated to at most 10 000 bytes, keeping the
// tail".
const maxStderrBytes = 10000

// Config bounds the worker's heartbeat cadence (spec §6 worker.* keys).
type Config struct {
	HeartbeatInterval       time.Duration
	ReportByBuffer          float64 // multiplier applied to HeartbeatInterval for report_by_date
	CommandInterruptTimeout time.Duration
}

// Runner executes exactly one TaskInstance end to end.
type Runner struct {
	client *httpclient.Client
	plugin plugin.WorkerPlugin
	cfg    Config
	tracer trace.Tracer
}

func New(client *httpclient.Client, wp plugin.WorkerPlugin, cfg Config) *Runner {
	return &Runner{client: client, plugin: wp, cfg: cfg, tracer: otel.Tracer("jobmon-worker")}
}

// Identity is the resolved identity of the task instance this process is
// responsible for (spec §4.3 step 1).
type Identity struct {
	TaskInstanceID int64
	WorkflowID     int64
	TaskID         int64
	Command        string
	LogDir         string
	Name           string
}

// logRunningResponse is decoded from POST .../log_running.
type logRunningResponse struct {
	Accepted bool             `json:"accepted"`
	Status   model.TaskInstanceStatus `json:"status"`
}

// Run implements the full lifecycle described in spec §4.3.
func (r *Runner) Run(ctx context.Context, id Identity) error {
	ctx, span := r.tracer.Start(ctx, "worker.run",
		trace.WithAttributes(attribute.Int64("task_instance_id", id.TaskInstanceID)))
	defer span.End()

	stdoutPath := r.plugin.LogfilePath(plugin.LogStdout, id.LogDir, id.Name)
	stderrPath := r.plugin.LogfilePath(plugin.LogStderr, id.LogDir, id.Name)

	reportBy := time.Now().Add(time.Duration(float64(r.cfg.HeartbeatInterval) * r.cfg.ReportByBuffer))
	var logResp logRunningResponse
	path := fmt.Sprintf("/task_instance/%d/log_running", id.TaskInstanceID)
	if err := r.client.Post(ctx, path, map[string]any{"report_by_date": reportBy}, &logResp); err != nil {
		return fmt.Errorf("worker: log_running: %w", err)
	}
	if !logResp.Accepted {
		slog.Info("worker: instance rejected before launch", "task_instance_id", id.TaskInstanceID, "status", logResp.Status)
		return nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", id.Command)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("JOBMON_WORKFLOW_ID=%d", id.WorkflowID),
		fmt.Sprintf("JOBMON_TASK_ID=%d", id.TaskID),
		fmt.Sprintf("JOBMON_TASK_INSTANCE_ID=%d", id.TaskInstanceID),
	)

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return fmt.Errorf("worker: open stdout: %w", err)
	}
	defer stdoutFile.Close()
	var stderrBuf bytes.Buffer
	cmd.Stdout = stdoutFile
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return r.reportTerminal(ctx, id, plugin.ExitInfo{Kind: plugin.ExitError, Message: err.Error()}, stderrBuf.Bytes())
	}

	waitErr := r.heartbeatUntilExit(ctx, id, cmd)

	if err := os.WriteFile(stderrPath, truncateTail(stderrBuf.Bytes(), maxStderrBytes), 0o644); err != nil {
		slog.Warn("worker: write stderr file failed", "error", err)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	info := r.plugin.ExitInfo(exitCode, waitErr)
	return r.reportTerminal(ctx, id, info, stderrBuf.Bytes())
}

// heartbeatUntilExit runs the single-threaded cooperative heartbeat loop of
// spec §4.3 step 5, interleaved with waiting on the child.
func (r *Runner) heartbeatUntilExit(ctx context.Context, id Identity, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// killTimer fires command_interrupt_timeout after SIGTERM is sent
	// (spec §4.3 step 5), independent of the heartbeat cadence — without
	// it, SIGKILL escalation would only be checked on the next heartbeat
	// tick, which can arrive long after the grace period has elapsed.
	killTimer := time.NewTimer(0)
	if !killTimer.Stop() {
		<-killTimer.C
	}
	defer killTimer.Stop()
	killing := false

	for {
		select {
		case err := <-done:
			return err
		case <-killTimer.C:
			slog.Info("worker: SIGTERM grace period elapsed, sending SIGKILL", "task_instance_id", id.TaskInstanceID)
			_ = cmd.Process.Kill()
		case <-ticker.C:
			reportBy := time.Now().Add(time.Duration(float64(r.cfg.HeartbeatInterval) * r.cfg.ReportByBuffer))
			var resp struct {
				Status model.TaskInstanceStatus `json:"status"`
			}
			path := fmt.Sprintf("/task_instance/%d/log_heartbeat", id.TaskInstanceID)
			if err := r.client.Post(ctx, path, map[string]any{"report_by_date": reportBy}, &resp, httpclient.Tenacious(false)); err != nil {
				slog.Warn("worker: heartbeat failed", "task_instance_id", id.TaskInstanceID, "error", err)
				continue
			}
			if resp.Status == model.TIKillSelf && !killing {
				killing = true
				slog.Info("worker: received kill_self, sending SIGTERM", "task_instance_id", id.TaskInstanceID)
				_ = cmd.Process.Signal(syscall.SIGTERM)
				killTimer.Reset(r.cfg.CommandInterruptTimeout)
			}
		}
	}
}

func (r *Runner) reportTerminal(ctx context.Context, id Identity, info plugin.ExitInfo, stderr []byte) error {
	stats := r.plugin.UsageStats()
	status := mapExitKind(info.Kind)
	path := fmt.Sprintf("/task_instance/%d/log_done", id.TaskInstanceID)
	if status != model.TIDone {
		path = fmt.Sprintf("/task_instance/%d/log_error", id.TaskInstanceID)
	}
	payload := map[string]any{
		"status":          status,
		"message":         info.Message,
		"stderr":          string(truncateTail(stderr, maxStderrBytes)),
		"maxrss_bytes":    stats.MaxRSSBytes,
		"user_time_sec":   stats.UserTimeSec,
		"system_time_sec": stats.SystemTimeSec,
	}
	if err := r.client.Post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("worker: report terminal status: %w", err)
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

// truncateTail keeps at most n trailing bytes, per spec §4.3's truncation
// contract.
func truncateTail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}

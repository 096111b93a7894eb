// Command jobmon-swarm runs one workflow run's client-side orchestrator
// (C5): it resumes a SwarmState from the state service and drives it to
// termination. One process per workflow run, matching spec §4.5's "the
// swarm is a client-side, in-memory coordinator with no server state of
// its own".
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jobmon-io/jobmon/internal/core/logging"
	"github.com/jobmon-io/jobmon/internal/core/otelinit"
	"github.com/jobmon-io/jobmon/internal/core/resilience"
	"github.com/jobmon-io/jobmon/internal/jobmon/config"
	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/swarm"
)

func main() {
	const service = "jobmon-swarm"
	logging.Init(service)

	// SIGTERM is a hard stop (ctx cancellation, no prompt). SIGINT instead
	// goes to the orchestrator's operator prompt (spec §4.5.5) via its own
	// channel, since a cancelled ctx can't be "un-cancelled" if the
	// operator declines to stop.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, syscall.SIGINT)
	defer signal.Stop(sigintCh)

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)

	cfg, err := config.Load(os.Getenv("JOBMON_CONFIG_FILE"), nil)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	workflowID := mustParseEnvInt64("JOBMON_WORKFLOW_ID")
	workflowRunID := mustParseEnvInt64("JOBMON_WORKFLOW_RUN_ID")
	dagID := mustParseEnvInt64("JOBMON_DAG_ID")

	client := httpclient.New(cfg.String("server.base_url"), 30*time.Second, 3)
	client.SetRateLimiter(resilience.NewRateLimiter(20, 10, time.Second, 20))

	gw := swarm.NewGateway(client, workflowID, workflowRunID, dagID)
	builder := swarm.NewBuilder(gw)

	maxConcurrency, err := gw.GetWorkflowConcurrency(ctx)
	if err != nil {
		slog.Error("fetch workflow concurrency failed", "error", err)
		os.Exit(1)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = int64(cfg.Int("swarm.max_concurrently_running_default"))
	}

	state, err := builder.BuildFromWorkflowID(ctx, maxConcurrency)
	if err != nil {
		slog.Error("build swarm state failed", "error", err)
		os.Exit(1)
	}

	scheduler := swarm.NewScheduler(gw)

	// No in-process distributor here: a standalone swarm process treats
	// distributor liveness as best-effort until the state service exposes a
	// dedicated heartbeat route, so AliveChecker is left nil. A combined
	// deployment wires its own *distributor.Distributor, which already
	// satisfies AliveChecker.
	orch := swarm.NewOrchestrator(gw, scheduler, nil, swarm.Config{
		PollInterval:           cfg.Duration("swarm.poll_interval_sec"),
		WedgedSyncInterval:     cfg.Duration("swarm.wedged_sync_interval_sec"),
		ScheduleTickTimeout:    10 * time.Second,
		FailFast:               cfg.Bool("swarm.fail_fast"),
		InterruptPromptTimeout: cfg.Duration("swarm.interrupt_prompt_timeout_sec"),
		RunTimeout:             cfg.Duration("swarm.run_timeout_sec"),
	})
	orch.SetInterruptChannel(sigintCh)

	if path := os.Getenv("JOBMON_SWARM_CHECKPOINT_PATH"); path != "" {
		cp, err := swarm.OpenCheckpointStore(path)
		if err != nil {
			slog.Warn("open checkpoint store failed", "error", err)
		} else {
			defer cp.Close()
			orch.SetCheckpointStore(cp)
		}
	}

	result, err := orch.Run(ctx, state)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	if err != nil {
		slog.Error("swarm orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("swarm orchestrator finished",
		"final_status", result.FinalStatus, "num_done", result.NumDone,
		"num_error_fatal", result.NumErrorFatal, "elapsed_seconds", result.ElapsedSeconds)
}

func mustParseEnvInt64(name string) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		slog.Error("missing or invalid required env var", "name", name, "error", err)
		os.Exit(1)
	}
	return v
}

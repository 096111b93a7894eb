// Command jobmon-worker runs exactly one task instance (C3): it resolves
// its identity from the environment the distributor's cluster plugin set
// up, then hands off to worker.Runner (spec §4.3).
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
	"github.com/jobmon-io/jobmon/internal/jobmon/config"
	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin/multiprocess"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin/sequential"
	"github.com/jobmon-io/jobmon/internal/jobmon/worker"
)

func main() {
	const service = "jobmon-worker"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)

	cfg, err := config.Load(os.Getenv("JOBMON_CONFIG_FILE"), nil)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	taskInstanceID := mustParseEnvInt64("JOBMON_TASK_INSTANCE_ID")
	id := worker.Identity{
		TaskInstanceID: taskInstanceID,
		WorkflowID:     mustParseEnvInt64("JOBMON_WORKFLOW_ID"),
		TaskID:         mustParseEnvInt64("JOBMON_TASK_ID"),
		Command:        os.Getenv("JOBMON_COMMAND"),
		LogDir:         envOr("JOBMON_LOG_DIR", "."),
		Name:           envOr("JOBMON_TASK_INSTANCE_NAME", strconv.FormatInt(taskInstanceID, 10)),
	}

	client := httpclient.New(cfg.String("server.base_url"), 30*time.Second, 3)
	wp, err := selectWorkerPlugin(os.Getenv("JOBMON_CLUSTER_TYPE"))
	if err != nil {
		slog.Error("select worker plugin failed", "error", err)
		os.Exit(1)
	}

	runner := worker.New(client, wp, worker.Config{
		HeartbeatInterval:       cfg.Duration("worker.heartbeat_interval_sec"),
		ReportByBuffer:          2.0,
		CommandInterruptTimeout: cfg.Duration("worker.command_interrupt_timeout_sec"),
	})

	err = runner.Run(ctx, id)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	if err != nil {
		slog.Error("worker run failed", "task_instance_id", id.TaskInstanceID, "error", err)
		os.Exit(1)
	}
}

func selectWorkerPlugin(clusterType string) (plugin.WorkerPlugin, error) {
	switch clusterType {
	case "", "sequential":
		return sequential.NewWorkerPlugin(), nil
	case "multiprocess":
		return multiprocess.NewWorkerNode(), nil
	default:
		return nil, errUnknownCluster(clusterType)
	}
}

type errUnknownCluster string

func (e errUnknownCluster) Error() string { return "worker: unknown cluster type " + string(e) }

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func mustParseEnvInt64(name string) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		slog.Error("missing or invalid required env var", "name", name, "error", err)
		os.Exit(1)
	}
	return v
}

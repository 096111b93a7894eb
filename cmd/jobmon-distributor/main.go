// Command jobmon-distributor runs one workflow run's cluster-facing
// process (C4): pump QUEUED task instances through a cluster plugin and
// reconcile their remote status. One process per workflow run, selecting
// its cluster plugin from JOBMON_CLUSTER_TYPE (spec §4.1/§4.4).
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
	"github.com/jobmon-io/jobmon/internal/jobmon/distributor"
	"github.com/jobmon-io/jobmon/internal/jobmon/httpclient"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin/multiprocess"
	"github.com/jobmon-io/jobmon/internal/jobmon/plugin/sequential"
)

func main() {
	const service = "jobmon-distributor"
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

	workflowRunID := mustParseEnvInt64("JOBMON_WORKFLOW_RUN_ID")
	client := httpclient.New(cfg.String("server.base_url"), 30*time.Second, 3)

	p, err := selectPlugin(os.Getenv("JOBMON_CLUSTER_TYPE"))
	if err != nil {
		slog.Error("select cluster plugin failed", "error", err)
		os.Exit(1)
	}

	d := distributor.New(client, p, workflowRunID, distributor.Config{
		ReconcileInterval: cfg.Duration("distributor.reconcile_interval_sec"),
		HeartbeatInterval: cfg.Duration("distributor.heartbeat_interval_sec"),
	})

	err = d.Run(ctx)
	d.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	if err != nil && err != context.Canceled {
		slog.Error("distributor stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("distributor finished", "workflow_run_id", workflowRunID)
}

// selectPlugin resolves the cluster backend a workflow run was bound to
// (spec §4.1: multiprocess for local parallelism, sequential for a
// single-slot reference implementation). Real deployments would add a
// slurm/k8s case here once a corresponding plugin exists.
func selectPlugin(clusterType string) (plugin.DistributorPlugin, error) {
	switch clusterType {
	case "", "sequential":
		return sequential.New(), nil
	case "multiprocess":
		parallelism := 4
		if v := os.Getenv("JOBMON_MULTIPROCESS_PARALLELISM"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				parallelism = n
			}
		}
		return multiprocess.New(os.Getenv("JOBMON_CLUSTER_NAME"), parallelism), nil
	default:
		return nil, errUnknownCluster(clusterType)
	}
}

type errUnknownCluster string

func (e errUnknownCluster) Error() string { return "distributor: unknown cluster type " + string(e) }

func mustParseEnvInt64(name string) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil {
		slog.Error("missing or invalid required env var", "name", name, "error", err)
		os.Exit(1)
	}
	return v
}

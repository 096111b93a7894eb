// Command jobmon-server runs the state service (C2): the REST API plus the
// background reaper sweep, against a single SQL database. Grounded on
// orchestrator_src_tmp/main.go's startup shape (logging.Init, signal
// context, otelinit, graceful http.Server shutdown), replacing its
// in-process workflow store with the repository/transition/restapi stack.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/jobmon-io/jobmon/internal/core/logging"
	"github.com/jobmon-io/jobmon/internal/core/otelinit"
	"github.com/jobmon-io/jobmon/internal/jobmon/config"
	"github.com/jobmon-io/jobmon/internal/jobmon/reaper"
	"github.com/jobmon-io/jobmon/internal/jobmon/repository"
	"github.com/jobmon-io/jobmon/internal/jobmon/restapi"
	"github.com/jobmon-io/jobmon/internal/jobmon/transition"
)

func main() {
	const service = "jobmon-server"
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

	db, err := repository.Open(repository.Driver(cfg.String("server.db_driver")), cfg.String("server.db_dsn"))
	if err != nil {
		slog.Error("db open failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(); err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	meter := metric.Meter(nil)
	trans := transition.New(db, transition.Config{
		MaxRetries:   cfg.Int("server.transition_max_retries"),
		InitialDelay: time.Duration(cfg.Int("server.transition_retry_base_ms")) * time.Millisecond,
	}, meter)

	server := restapi.New(db, trans, cfg.Duration("server.triage_heartbeat_window_sec"))

	reaperInterval := cfg.Duration("server.reaper_interval_sec")
	rp := reaper.New(db, trans, reaper.Config{
		Interval: reaperInterval,
		// reaper_heartbeat_buffer is a dimensionless multiplier (spec
		// §4.2.5: "heartbeat_date + buffer × interval < now"), not a
		// duration on its own — scale it by the sweep interval here.
		HeartbeatBuffer: time.Duration(cfg.Int("server.reaper_heartbeat_buffer")) * reaperInterval,
	})
	go func() {
		if err := rp.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("reaper stopped", "error", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.String("server.listen_addr"), Handler: server.Router()}
	go func() {
		slog.Info("jobmon-server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

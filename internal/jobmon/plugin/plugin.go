// Package plugin declares the C1 cluster-plugin contract (spec §4.1):
// distributor-side submission/reconciliation and worker-side identity/exit
// mapping, polymorphic over whichever batch scheduler backs a cluster.
package plugin

import (
	"context"
	"errors"
)

// ErrNotAvailable is returned by RemoteExitInfo when the plugin cannot
// determine a terminal status for a distributor id (spec §4.1).
var ErrNotAvailable = errors.New("plugin: remote exit info not available")

// ExitKind is the taxonomy a plugin maps a terminal outcome onto (spec
// §4.2.7); the caller (distributor or worker) turns this into the matching
// TaskInstance status.
type ExitKind string

const (
	ExitDone          ExitKind = "DONE"
	ExitError         ExitKind = "ERROR"
	ExitResourceError ExitKind = "RESOURCE_ERROR"
	ExitUnknownError  ExitKind = "UNKNOWN_ERROR"
)

// ExitInfo is a plugin's verdict on how a job instance ended.
type ExitInfo struct {
	Kind    ExitKind
	Message string
}

// DistributorPlugin is the distributor-side half of C1 (spec §4.1).
type DistributorPlugin interface {
	// Submit submits a single job and returns the scheduler's job id.
	Submit(ctx context.Context, command, name string, requestedResources map[string]any) (string, error)

	// SubmitArray submits length sibling jobs as one array submission,
	// returning each step's distributor id keyed by step id. Step ids are
	// derivable as "<job>_<step>" per spec §4.1.
	SubmitArray(ctx context.Context, command, name string, requestedResources map[string]any, length int) (map[int]string, error)

	// ActiveIDs reports which of the given distributor ids the scheduler
	// still knows about.
	ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// Terminate best-effort cancels the given distributor ids.
	Terminate(ctx context.Context, ids []string) error

	// QueueingErrors drains and returns errors observed before a job ever
	// started running, keyed by distributor id; once returned, the
	// plugin's internal record of them is cleared.
	QueueingErrors(ctx context.Context) (map[string]string, error)

	// RemoteExitInfo returns the terminal status of a job the scheduler has
	// already released, or ErrNotAvailable if it cannot be determined.
	RemoteExitInfo(ctx context.Context, distributorID string) (ExitInfo, error)
}

// LogKind selects which worker stream a log path is being resolved for.
type LogKind string

const (
	LogStdout LogKind = "stdout"
	LogStderr LogKind = "stderr"
)

// UsageStats is worker-observed resource consumption for a finished task
// instance (spec §3 TaskInstance "captured usage stats").
type UsageStats struct {
	MaxRSSBytes   int64
	UserTimeSec   float64
	SystemTimeSec float64
}

// WorkerPlugin is the worker-side half of C1 (spec §4.1).
type WorkerPlugin interface {
	// DistributorID derives this instance's distributor id from the
	// environment (JOB_ID, optionally ARRAY_STEP_ID).
	DistributorID() (string, error)

	// ExitInfo maps a subprocess's exit code (and any spawn error) onto the
	// terminal status taxonomy.
	ExitInfo(exitCode int, runErr error) ExitInfo

	// UsageStats reports resource consumption observed for the finished
	// subprocess.
	UsageStats() UsageStats

	// LogfilePath resolves where stdout/stderr for this instance should be
	// written.
	LogfilePath(kind LogKind, dir, name string) string
}

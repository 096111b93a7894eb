package multiprocess

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

// WorkerNode is the worker-side half of the multiprocess plugin, grounded
// on the original's MultiprocessWorkerNode: distributor id is derived from
// JOB_ID + ARRAY_STEP_ID, log paths follow the "{name}.o{job_id}" template.
type WorkerNode struct{}

func NewWorkerNode() WorkerNode { return WorkerNode{} }

func (WorkerNode) DistributorID() (string, error) {
	jobID := os.Getenv("JOB_ID")
	if jobID == "" {
		return "", fmt.Errorf("multiprocess: JOB_ID not set")
	}
	if step := os.Getenv("ARRAY_STEP_ID"); step != "" {
		return fmt.Sprintf("%s_%s", jobID, step), nil
	}
	return jobID, nil
}

func (WorkerNode) ExitInfo(exitCode int, runErr error) plugin.ExitInfo {
	if runErr == nil && exitCode == 0 {
		return plugin.ExitInfo{Kind: plugin.ExitDone}
	}
	msg := fmt.Sprintf("got exit_code: %d", exitCode)
	if runErr != nil {
		msg = fmt.Sprintf("%s. error message was: %s", msg, runErr.Error())
	}
	return plugin.ExitInfo{Kind: plugin.ExitError, Message: msg}
}

// UsageStats reports zero usage: rusage accounting for a finished child is
// collected by the worker runtime itself (os.ProcessState on most
// platforms), not by this plugin.
func (WorkerNode) UsageStats() plugin.UsageStats {
	return plugin.UsageStats{}
}

func (WorkerNode) LogfilePath(kind plugin.LogKind, dir, name string) string {
	jobID, _ := NewWorkerNode().DistributorID()
	ext := "o"
	if kind == plugin.LogStderr {
		ext = "e"
	}
	if dir == "" {
		return os.DevNull
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", name, ext, jobID))
}

// Package sequential implements the trivial C1 plugin named explicitly by
// the end-to-end scenarios in spec §8 ("cluster_name=sequential"): every
// job runs as a single goroutine with no concurrency, useful for tests and
// small local workflows.
package sequential

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

// Plugin is a DistributorPlugin that runs every submitted command inline,
// synchronously, the moment Submit is called.
type Plugin struct {
	mu       sync.Mutex
	nextID   int64
	results  map[string]plugin.ExitInfo
	queueErr map[string]string
}

func New() *Plugin {
	return &Plugin{results: make(map[string]plugin.ExitInfo), queueErr: make(map[string]string)}
}

func (p *Plugin) Submit(ctx context.Context, command, name string, requested map[string]any) (string, error) {
	id := fmt.Sprintf("seq-%d", atomic.AddInt64(&p.nextID, 1))
	p.run(ctx, id, command)
	return id, nil
}

func (p *Plugin) SubmitArray(ctx context.Context, command, name string, requested map[string]any, length int) (map[int]string, error) {
	out := make(map[int]string, length)
	for step := 0; step < length; step++ {
		id := fmt.Sprintf("seq-%d_%d", atomic.AddInt64(&p.nextID, 1), step)
		p.run(ctx, id, command)
		out[step] = id
	}
	return out, nil
}

func (p *Plugin) run(ctx context.Context, id, command string) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	err := cmd.Run()
	info := plugin.ExitInfo{Kind: plugin.ExitDone}
	if err != nil {
		info = plugin.ExitInfo{Kind: plugin.ExitError, Message: err.Error()}
	}
	p.mu.Lock()
	p.results[id] = info
	p.mu.Unlock()
}

func (p *Plugin) ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	// Every job already ran to completion synchronously in Submit; none
	// remain active by the time the distributor asks.
	return map[string]bool{}, nil
}

func (p *Plugin) Terminate(ctx context.Context, ids []string) error {
	return nil
}

func (p *Plugin) QueueingErrors(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queueErr
	p.queueErr = make(map[string]string)
	return out, nil
}

func (p *Plugin) RemoteExitInfo(ctx context.Context, distributorID string) (plugin.ExitInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.results[distributorID]
	if !ok {
		return plugin.ExitInfo{}, plugin.ErrNotAvailable
	}
	delete(p.results, distributorID)
	return info, nil
}

// WorkerPlugin is the worker-side half, deriving identity from JOB_ID /
// ARRAY_STEP_ID exactly as spec §4.1 describes.
type WorkerPlugin struct{}

func NewWorkerPlugin() WorkerPlugin { return WorkerPlugin{} }

func (WorkerPlugin) DistributorID() (string, error) {
	jobID := os.Getenv("JOB_ID")
	if jobID == "" {
		return "", fmt.Errorf("sequential: JOB_ID not set")
	}
	if step := os.Getenv("ARRAY_STEP_ID"); step != "" {
		return fmt.Sprintf("%s_%s", jobID, step), nil
	}
	return jobID, nil
}

func (WorkerPlugin) ExitInfo(exitCode int, runErr error) plugin.ExitInfo {
	if runErr == nil && exitCode == 0 {
		return plugin.ExitInfo{Kind: plugin.ExitDone}
	}
	return plugin.ExitInfo{Kind: plugin.ExitError, Message: fmt.Sprintf("exit code %d", exitCode)}
}

func (WorkerPlugin) UsageStats() plugin.UsageStats {
	return plugin.UsageStats{}
}

func (WorkerPlugin) LogfilePath(kind plugin.LogKind, dir, name string) string {
	return filepath.Join(dir, name+"."+string(kind)+"."+strconv.Itoa(os.Getpid())+".log")
}

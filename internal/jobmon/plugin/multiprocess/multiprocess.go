// Package multiprocess implements the reference C1 plugin: a goroutine-pool
// backed local scheduler that runs every submitted command as a real
// subprocess. Grounded on
// original_source/jobmon_core/src/jobmon/plugins/multiprocess/multiproc_distributor.py
// (spec §9: "the reference plugin (multiprocess) uses a worker pool; its
// _run_task captures exit codes into a bounded map keyed by distributor id
// (size-limited LRU - drop oldest at 1000 entries) so late queries still
// find recent exits").
package multiprocess

import (
	"container/list"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/jobmon-io/jobmon/internal/jobmon/plugin"
)

const exitCacheLimit = 1000

// lruExitCache is the size-limited drop-oldest-at-1000 map spec §9 calls
// for, mirroring the Python original's LimitedSizeDict.
type lruExitCache struct {
	mu    sync.Mutex
	limit int
	order *list.List
	pos   map[string]*list.Element
	value map[string]plugin.ExitInfo
}

type cacheEntry struct{ key string }

func newLRUExitCache(limit int) *lruExitCache {
	return &lruExitCache{
		limit: limit,
		order: list.New(),
		pos:   make(map[string]*list.Element),
		value: make(map[string]plugin.ExitInfo),
	}
}

func (c *lruExitCache) set(key string, v plugin.ExitInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.pos[key]; ok {
		c.order.MoveToBack(el)
		c.value[key] = v
		return
	}
	el := c.order.PushBack(cacheEntry{key: key})
	c.pos[key] = el
	c.value[key] = v
	for c.order.Len() > c.limit {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		k := oldest.Value.(cacheEntry).key
		delete(c.pos, k)
		delete(c.value, k)
	}
}

func (c *lruExitCache) popGet(key string) (plugin.ExitInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.value[key]
	if !ok {
		return plugin.ExitInfo{}, false
	}
	el := c.pos[key]
	c.order.Remove(el)
	delete(c.pos, key)
	delete(c.value, key)
	return v, true
}

// Plugin is a DistributorPlugin that runs commands as subprocesses inside a
// bounded goroutine pool, tracking in-flight processes so Terminate and
// ActiveIDs work without polling an external scheduler.
type Plugin struct {
	clusterName string
	sem         chan struct{}
	nextJobID   int64

	mu        sync.Mutex
	processes map[string]*exec.Cmd
	cancels   map[string]context.CancelFunc
	queueErr  map[string]string

	exitInfo *lruExitCache
}

// New constructs a multiprocess plugin with the given parallelism (spec §9
// "parallelism: how many parallel jobs to distribute at a time").
func New(clusterName string, parallelism int) *Plugin {
	if parallelism <= 0 {
		parallelism = 3
	}
	return &Plugin{
		clusterName: clusterName,
		sem:         make(chan struct{}, parallelism),
		processes:   make(map[string]*exec.Cmd),
		cancels:     make(map[string]context.CancelFunc),
		queueErr:    make(map[string]string),
		exitInfo:    newLRUExitCache(exitCacheLimit),
	}
}

func (p *Plugin) Submit(ctx context.Context, command, name string, requested map[string]any) (string, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&p.nextJobID, 1))
	p.spawn(id, command)
	return id, nil
}

func (p *Plugin) SubmitArray(ctx context.Context, command, name string, requested map[string]any, length int) (map[int]string, error) {
	jobID := atomic.AddInt64(&p.nextJobID, 1)
	out := make(map[int]string, length)
	for step := 0; step < length; step++ {
		id := fmt.Sprintf("%d_%d", jobID, step)
		out[step] = id
		p.spawn(id, command)
	}
	return out, nil
}

func (p *Plugin) spawn(distributorID, command string) {
	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancels[distributorID] = cancel
	p.mu.Unlock()

	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
		p.mu.Lock()
		p.processes[distributorID] = cmd
		p.mu.Unlock()

		err := cmd.Run()

		p.mu.Lock()
		delete(p.processes, distributorID)
		delete(p.cancels, distributorID)
		p.mu.Unlock()
		cancel()

		if err != nil {
			var exitCode int
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
				p.exitInfo.set(distributorID, plugin.ExitInfo{
					Kind:    plugin.ExitUnknownError,
					Message: fmt.Sprintf("process exited with code %d", exitCode),
				})
			} else {
				p.mu.Lock()
				p.queueErr[distributorID] = err.Error()
				p.mu.Unlock()
			}
			return
		}
		p.exitInfo.set(distributorID, plugin.ExitInfo{Kind: plugin.ExitDone})
	}()
}

func (p *Plugin) ActiveIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := p.processes[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (p *Plugin) Terminate(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := p.cancels[id]; ok {
			cancel()
		}
		if cmd, ok := p.processes[id]; ok && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
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
	if info, ok := p.exitInfo.popGet(distributorID); ok {
		return info, nil
	}
	return plugin.ExitInfo{}, plugin.ErrNotAvailable
}

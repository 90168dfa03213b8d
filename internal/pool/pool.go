// Package pool maintains a fixed-size set of browser instances. Every live
// resource is either parked in the idle channel or held by exactly one owner
// (a worker, the sweeper, or a replacement), so at most Size resources are
// ever InUse. Per-resource state moves only by compare-and-swap.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/events"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Config sizes the pool and sets quarantine rules.
type Config struct {
	Size             int
	FailureThreshold int           // consecutive bad releases before quarantine, default 3
	MemoryLimitMB    int           // per resource; 0 disables the check
	MaxIdleAge       time.Duration // idle resources older than this are recycled; 0 disables
	SweepInterval    time.Duration // default 30s
	LaunchTimeout    time.Duration // default 30s
}

// Outcome describes how a job went for the resource it used.
type Outcome struct {
	Crashed  bool
	TimedOut bool
	MemoryMB int
}

// Snapshot is the pool's health view.
type Snapshot struct {
	Capacity    int `json:"capacity"`
	Live        int `json:"live"`
	Idle        int `json:"idle"`
	InUse       int `json:"in_use"`
	Unhealthy   int `json:"unhealthy"`
	Terminating int `json:"terminating"`
	Missing     int `json:"missing"`
	MemoryMB    int `json:"memory_mb"`
}

// Utilization is InUse as a percentage of capacity.
func (s Snapshot) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.Capacity) * 100
}

// Pool hands out browser resources.
type Pool struct {
	cfg      Config
	launcher scan.BrowserLauncher
	clock    scan.Clock
	events   events.Emitter
	logger   *zap.Logger

	idle      chan *Resource
	resources sync.Map // id -> *Resource
	missing   atomic.Int32
	seq       atomic.Int64

	baseCtx   context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs an unstarted pool.
func New(cfg Config, launcher scan.BrowserLauncher, clk scan.Clock, emitter events.Emitter, logger *zap.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("pool size must be > 0")
	}
	if launcher == nil || clk == nil {
		return nil, errors.New("pool requires a launcher and a clock")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		clock:    clk,
		events:   emitter,
		logger:   logger,
		idle:     make(chan *Resource, cfg.Size),
		closeCh:  make(chan struct{}),
	}, nil
}

// Start launches Size resources and the idle sweeper. Launch failures reduce
// effective capacity and are reported as Missing; the pool keeps running.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for range p.cfg.Size {
		p.launchInto(ctx)
	}
	snap := p.Snapshot()
	p.logger.Info("resource pool started",
		zap.Int("capacity", snap.Capacity),
		zap.Int("live", snap.Live),
		zap.Int("missing", snap.Missing),
	)
	p.wg.Add(1)
	go p.runSweeper()
}

// Acquire blocks until an idle resource is available, timeout elapses, or ctx
// ends. Expiry yields an error wrapping scan.ErrAcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, taskID string, timeout time.Duration) (*Resource, error) {
	if p.closed.Load() {
		return nil, scan.ErrPoolClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case res := <-p.idle:
			if !res.state.CompareAndSwap(int32(StateIdle), int32(StateInUse)) {
				continue
			}
			res.holder.Store(&taskID)
			return res, nil
		case <-timer.C:
			return nil, fmt.Errorf("no idle resource after %s: %w", timeout, scan.ErrAcquireTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire canceled: %w", ctx.Err())
		case <-p.closeCh:
			return nil, scan.ErrPoolClosed
		}
	}
}

// Release returns res to the pool. A timed-out job quarantines the resource
// immediately; crashes and memory overruns count toward FailureThreshold.
// Releasing a resource that is not InUse is a no-op.
func (p *Pool) Release(res *Resource, outcome Outcome) {
	if res == nil || res.State() != StateInUse {
		return
	}
	res.lastUsed.Store(p.clock.Now().UnixNano())
	res.holder.Store(nil)
	if outcome.MemoryMB > 0 {
		res.memoryMB.Store(int64(outcome.MemoryMB))
	}

	switch {
	case outcome.TimedOut:
		p.quarantine(res, "job timed out")
		return
	case outcome.Crashed || (p.cfg.MemoryLimitMB > 0 && outcome.MemoryMB > p.cfg.MemoryLimitMB):
		failures := res.failures.Add(1)
		if int(failures) >= p.cfg.FailureThreshold {
			p.quarantine(res, fmt.Sprintf("%d consecutive failures", failures))
			return
		}
	default:
		res.failures.Store(0)
	}

	if p.closed.Load() {
		if res.state.CompareAndSwap(int32(StateInUse), int32(StateTerminating)) {
			p.terminate(res, "pool closed")
		}
		return
	}
	if res.state.CompareAndSwap(int32(StateInUse), int32(StateIdle)) {
		p.park(res)
	}
}

func (p *Pool) quarantine(res *Resource, reason string) {
	if !res.state.CompareAndSwap(int32(StateInUse), int32(StateUnhealthy)) {
		return
	}
	p.logger.Warn("resource quarantined", zap.String("resource_id", res.id), zap.String("reason", reason))
	p.events.Emit(events.Event{Kind: events.ResourceUnhealthy, TS: p.clock.Now(), ResourceID: res.id, Note: reason})
	if p.closed.Load() {
		p.replace(res)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.replace(res)
	}()
}

// replace terminates an Unhealthy resource and launches its successor. Only
// the caller that wins the Unhealthy->Terminating swap does the work.
func (p *Pool) replace(res *Resource) bool {
	if !res.state.CompareAndSwap(int32(StateUnhealthy), int32(StateTerminating)) {
		return false
	}
	p.terminate(res, "replaced")
	if p.closed.Load() {
		return true
	}
	p.launchInto(p.ctx())
	return true
}

// ReplaceUnhealthy synchronously replaces every Unhealthy resource and tries
// to refill capacity lost to failed launches. It returns how many resources
// were launched.
func (p *Pool) ReplaceUnhealthy(ctx context.Context) int {
	before := p.seq.Load()
	p.resources.Range(func(_, value any) bool {
		res := value.(*Resource)
		if res.State() == StateUnhealthy {
			if !res.state.CompareAndSwap(int32(StateUnhealthy), int32(StateTerminating)) {
				return true
			}
			p.terminate(res, "recovery")
			p.launchInto(ctx)
		}
		return true
	})
	p.refill(ctx)
	return int(p.seq.Load() - before)
}

// Sweep recycles idle resources older than MaxIdleAge, refreshes memory
// readings for the rest and retries missing launches. It returns the number
// of recycled resources.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.clock.Now()
	recycled := 0
	for range len(p.idle) {
		var res *Resource
		select {
		case res = <-p.idle:
		default:
		}
		if res == nil {
			break
		}
		if res.State() != StateIdle {
			continue
		}
		if p.cfg.MaxIdleAge > 0 && now.Sub(res.LastUsedAt()) >= p.cfg.MaxIdleAge {
			if res.state.CompareAndSwap(int32(StateIdle), int32(StateTerminating)) {
				p.events.Emit(events.Event{Kind: events.ResourceRecycled, TS: now, ResourceID: res.id})
				p.terminate(res, "idle too long")
				p.launchInto(ctx)
				recycled++
				continue
			}
		}
		p.refreshMemory(ctx, res)
		p.park(res)
	}
	p.refill(ctx)
	return recycled
}

func (p *Pool) refreshMemory(ctx context.Context, res *Resource) {
	mctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	mb, err := res.browser.MemoryMB(mctx)
	if err != nil {
		p.logger.Debug("memory probe failed", zap.String("resource_id", res.id), zap.Error(err))
		return
	}
	res.memoryMB.Store(int64(mb))
}

func (p *Pool) refill(ctx context.Context) {
	for {
		missing := p.missing.Load()
		if missing <= 0 || p.closed.Load() {
			return
		}
		if !p.missing.CompareAndSwap(missing, missing-1) {
			continue
		}
		if !p.launchInto(ctx) {
			return
		}
	}
}

func (p *Pool) runSweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			if n := p.Sweep(p.ctx()); n > 0 {
				p.logger.Info("recycled idle resources", zap.Int("count", n))
			}
		}
	}
}

// launchInto starts one resource and parks it. A failure is counted as
// missing capacity.
func (p *Pool) launchInto(ctx context.Context) bool {
	lctx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	browser, err := p.launcher.Launch(lctx)
	if err != nil {
		p.missing.Add(1)
		p.logger.Error("resource launch failed", zap.Error(err))
		p.events.Emit(events.Event{Kind: events.ResourceLaunchFailed, TS: p.clock.Now(), Note: err.Error()})
		return false
	}
	res := &Resource{
		id:      fmt.Sprintf("browser-%d", p.seq.Add(1)),
		browser: browser,
	}
	res.lastUsed.Store(p.clock.Now().UnixNano())
	res.state.Store(int32(StateIdle))
	p.refreshMemory(ctx, res)
	p.resources.Store(res.id, res)
	p.events.Emit(events.Event{Kind: events.ResourceLaunched, TS: p.clock.Now(), ResourceID: res.id})
	if p.closed.Load() {
		if res.state.CompareAndSwap(int32(StateIdle), int32(StateTerminating)) {
			p.terminate(res, "pool closed")
		}
		return true
	}
	p.park(res)
	return true
}

func (p *Pool) park(res *Resource) {
	select {
	case p.idle <- res:
	default:
		// Only reachable if the accounting invariant is broken.
		res.state.Store(int32(StateTerminating))
		p.logger.Error("idle channel full, terminating resource", zap.String("resource_id", res.id))
		p.terminate(res, "overflow")
	}
}

func (p *Pool) terminate(res *Resource, reason string) {
	p.resources.Delete(res.id)
	if err := res.browser.Close(); err != nil {
		p.logger.Warn("resource close failed", zap.String("resource_id", res.id), zap.Error(err))
	}
	p.events.Emit(events.Event{Kind: events.ResourceTerminated, TS: p.clock.Now(), ResourceID: res.id, Note: reason})
}

func (p *Pool) ctx() context.Context {
	if p.baseCtx == nil {
		return context.Background()
	}
	return p.baseCtx
}

// Snapshot counts resources by state.
func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{Capacity: p.cfg.Size, Missing: int(p.missing.Load())}
	p.resources.Range(func(_, value any) bool {
		res := value.(*Resource)
		snap.Live++
		snap.MemoryMB += res.MemoryMB()
		switch res.State() {
		case StateIdle:
			snap.Idle++
		case StateInUse:
			snap.InUse++
		case StateUnhealthy:
			snap.Unhealthy++
		case StateTerminating:
			snap.Terminating++
		}
		return true
	})
	return snap
}

// MemoryMB is the aggregate memory footprint of live resources.
func (p *Pool) MemoryMB() int {
	total := 0
	p.resources.Range(func(_, value any) bool {
		total += value.(*Resource).MemoryMB()
		return true
	})
	return total
}

// Close stops the sweeper, terminates every resource and waits for pending
// replacements. Resources still held are terminated on Release.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.closeCh)
		if p.cancel != nil {
			p.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pool close wait: %w", ctx.Err())
	}
	for {
		select {
		case res := <-p.idle:
			if res.state.CompareAndSwap(int32(StateIdle), int32(StateTerminating)) {
				p.terminate(res, "pool closed")
			}
		default:
			return nil
		}
	}
}

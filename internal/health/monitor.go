// Package health probes the engine's components on a timer, classifies each
// as healthy, degraded or critical, and runs recovery hooks when something
// is critical. Conditions that survive repeated recovery are escalated and
// new submissions are refused until a cycle comes back clean.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/events"
	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/queue"
	"github.com/JakeFAU/scan-engine/internal/safety"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Recovery action names.
const (
	ActionReplaceUnhealthy = "replace_unhealthy_resources"
	ActionPauseDequeues    = "pause_dequeues"
	ActionResetBreaker     = "reset_breaker"
)

// PoolProbe is the slice of the resource pool the monitor reads and heals.
type PoolProbe interface {
	Snapshot() pool.Snapshot
	ReplaceUnhealthy(ctx context.Context) int
}

// QueueProbe is the slice of the task queue the monitor reads and pauses.
type QueueProbe interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Pause(d time.Duration)
	Paused() bool
}

// BreakerProbe exposes circuit state and the reset hook.
type BreakerProbe interface {
	Snapshots() []breaker.Snapshot
	Reset(name string)
}

// GuardProbe exposes the safety guard's rejection counters.
type GuardProbe interface {
	Counters() safety.Counters
}

// Recorder receives health gauges. The metrics package satisfies it.
type Recorder interface {
	SetHealth(component string, level int)
	SetQueueStats(counts map[string]int, oldest time.Duration)
	ObserveRecovery(action string, ok bool)
}

// Config holds classification thresholds.
type Config struct {
	ProbeInterval        time.Duration
	QueueDepthDegraded   int
	QueueDepthCritical   int
	OldestQueuedDegraded time.Duration
	OldestQueuedCritical time.Duration
	// PoolUnhealthyDegraded is the fraction of capacity unhealthy or missing
	// at which the pool is degraded. No usable resource at all is critical.
	PoolUnhealthyDegraded float64
	BreakerStuckAfter     time.Duration
	// RejectionsDegraded is the rejection count per cycle at which the guard
	// is degraded. The guard is never critical: rejections protect the engine.
	RejectionsDegraded  int64
	MaxRecoveryAttempts int
	PauseDequeue        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.QueueDepthDegraded <= 0 {
		c.QueueDepthDegraded = 100
	}
	if c.QueueDepthCritical <= 0 {
		c.QueueDepthCritical = 1000
	}
	if c.OldestQueuedDegraded <= 0 {
		c.OldestQueuedDegraded = time.Minute
	}
	if c.OldestQueuedCritical <= 0 {
		c.OldestQueuedCritical = 10 * time.Minute
	}
	if c.PoolUnhealthyDegraded <= 0 {
		c.PoolUnhealthyDegraded = 0.01
	}
	if c.BreakerStuckAfter <= 0 {
		c.BreakerStuckAfter = 5 * time.Minute
	}
	if c.RejectionsDegraded <= 0 {
		c.RejectionsDegraded = 50
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.PauseDequeue <= 0 {
		c.PauseDequeue = 15 * time.Second
	}
	return c
}

// Dependencies wires the probed components. Recorder and Events are optional.
type Dependencies struct {
	Pool     PoolProbe
	Queue    QueueProbe
	Breakers BreakerProbe
	Guard    GuardProbe
	Clock    scan.Clock
	Recorder Recorder
	Events   events.Emitter
	Logger   *zap.Logger
}

// Monitor runs probe cycles.
type Monitor struct {
	cfg  Config
	deps Dependencies
	wake chan struct{}

	mu               sync.RWMutex
	latest           []Report
	lastRejections   int64
	haveRejections   bool
	recoveryAttempts int
	escalated        atomic.Bool
}

// New validates dependencies and builds a Monitor.
func New(cfg Config, deps Dependencies) (*Monitor, error) {
	if deps.Pool == nil || deps.Queue == nil || deps.Breakers == nil || deps.Guard == nil || deps.Clock == nil {
		return nil, fmt.Errorf("health monitor requires pool, queue, breakers, guard and clock")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Monitor{cfg: cfg.withDefaults(), deps: deps, wake: make(chan struct{}, 1)}, nil
}

// Run probes every ProbeInterval, and immediately when a pool event asks for
// it, until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.Cycle(ctx)
	}
}

// Cycle runs one probe cycle, recovers when anything is critical, and tracks
// escalation. It returns the cycle's reports and any recovery actions taken.
func (m *Monitor) Cycle(ctx context.Context) ([]Report, []Action) {
	reports := m.RunProbeCycle(ctx)
	if Overall(reports) != StatusCritical {
		m.mu.Lock()
		m.recoveryAttempts = 0
		m.mu.Unlock()
		if m.escalated.CompareAndSwap(true, false) {
			m.deps.Logger.Info("health restored, escalation cleared")
		}
		return reports, nil
	}

	m.mu.Lock()
	exhausted := m.recoveryAttempts >= m.cfg.MaxRecoveryAttempts
	m.recoveryAttempts++
	attempts := m.recoveryAttempts
	m.mu.Unlock()

	if exhausted && m.escalated.CompareAndSwap(false, true) {
		m.deps.Logger.Error("health critical after automatic recovery, refusing new jobs",
			zap.String("alert", "fatal"),
			zap.Int("recovery_attempts", attempts-1),
			zap.Strings("critical", criticalComponents(reports)),
		)
	}
	return reports, m.AutoRecover(ctx, reports)
}

// Escalated reports whether recovery has been exhausted.
func (m *Monitor) Escalated() bool {
	return m.escalated.Load()
}

// Latest returns the reports of the most recent cycle and their aggregate.
func (m *Monitor) Latest() ([]Report, Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Report, len(m.latest))
	copy(out, m.latest)
	return out, Overall(out)
}

// RunProbeCycle classifies every component and stores the result.
func (m *Monitor) RunProbeCycle(ctx context.Context) []Report {
	now := m.deps.Clock.Now()
	reports := []Report{
		m.probePool(now),
		m.probeQueue(ctx, now),
		m.probeBreakers(now),
		m.probeGuard(now),
	}
	if m.deps.Recorder != nil {
		for _, r := range reports {
			m.deps.Recorder.SetHealth(r.Component, r.Status.Level())
		}
	}
	m.mu.Lock()
	m.latest = reports
	m.mu.Unlock()
	return reports
}

func (m *Monitor) probePool(now time.Time) Report {
	snap := m.deps.Pool.Snapshot()
	report := Report{
		Component: ComponentPool,
		Status:    StatusHealthy,
		Timestamp: now,
		Metrics: map[string]float64{
			"capacity":        float64(snap.Capacity),
			"idle":            float64(snap.Idle),
			"in_use":          float64(snap.InUse),
			"unhealthy":       float64(snap.Unhealthy),
			"missing":         float64(snap.Missing),
			"memory_mb":       float64(snap.MemoryMB),
			"utilization_pct": snap.Utilization(),
		},
	}
	if snap.Capacity == 0 {
		return report
	}
	lost := snap.Unhealthy + snap.Missing
	switch {
	case snap.Idle+snap.InUse == 0:
		report.Status = StatusCritical
		report.Detail = "no usable resources"
	case float64(lost)/float64(snap.Capacity) >= m.cfg.PoolUnhealthyDegraded:
		report.Status = StatusDegraded
		report.Detail = fmt.Sprintf("%d of %d resources unhealthy or missing", lost, snap.Capacity)
	}
	return report
}

func (m *Monitor) probeQueue(ctx context.Context, now time.Time) Report {
	report := Report{Component: ComponentQueue, Status: StatusHealthy, Timestamp: now, Metrics: map[string]float64{}}
	stats, err := m.deps.Queue.Stats(ctx)
	if err != nil {
		report.Status = StatusCritical
		report.Detail = "queue unreachable: " + err.Error()
		report.Metrics["reachable"] = 0
		return report
	}
	depth := stats.Depth()
	report.Metrics["reachable"] = 1
	report.Metrics["depth"] = float64(depth)
	report.Metrics["oldest_queued_seconds"] = stats.OldestQueuedAge.Seconds()
	report.Metrics["paused"] = boolMetric(m.deps.Queue.Paused())
	for status, n := range stats.Counts {
		report.Metrics[string(status)] = float64(n)
	}
	if m.deps.Recorder != nil {
		counts := make(map[string]int, len(stats.Counts))
		for status, n := range stats.Counts {
			counts[string(status)] = n
		}
		m.deps.Recorder.SetQueueStats(counts, stats.OldestQueuedAge)
	}

	switch {
	case depth > m.cfg.QueueDepthCritical:
		report.Status = StatusCritical
		report.Detail = fmt.Sprintf("queue depth %d", depth)
	case stats.OldestQueuedAge > m.cfg.OldestQueuedCritical:
		report.Status = StatusCritical
		report.Detail = fmt.Sprintf("oldest queued task waiting %s", stats.OldestQueuedAge)
	case depth > m.cfg.QueueDepthDegraded:
		report.Status = StatusDegraded
		report.Detail = fmt.Sprintf("queue depth %d", depth)
	case stats.OldestQueuedAge > m.cfg.OldestQueuedDegraded:
		report.Status = StatusDegraded
		report.Detail = fmt.Sprintf("oldest queued task waiting %s", stats.OldestQueuedAge)
	}
	return report
}

func (m *Monitor) probeBreakers(now time.Time) Report {
	report := Report{Component: ComponentBreakers, Status: StatusHealthy, Timestamp: now}
	var open, halfOpen, stuckOpen, stuckTrial int
	var longest time.Duration
	for _, snap := range m.deps.Breakers.Snapshots() {
		stuckFor := snap.StuckFor(now)
		switch snap.State {
		case breaker.StateOpen:
			open++
			longest = max(longest, stuckFor)
			if stuckFor >= m.cfg.BreakerStuckAfter {
				stuckOpen++
			}
		case breaker.StateHalfOpen:
			halfOpen++
			if !snap.TrialStartedAt.IsZero() && stuckFor >= m.cfg.BreakerStuckAfter {
				stuckTrial++
			}
		}
	}
	report.Metrics = map[string]float64{
		"open":                 float64(open),
		"half_open":            float64(halfOpen),
		"stuck_open":           float64(stuckOpen),
		"stuck_trial":          float64(stuckTrial),
		"longest_open_seconds": longest.Seconds(),
	}
	switch {
	case stuckOpen+stuckTrial > 0:
		report.Status = StatusCritical
		report.Detail = fmt.Sprintf("%d circuit(s) open and %d trial(s) in flight longer than %s",
			stuckOpen, stuckTrial, m.cfg.BreakerStuckAfter)
	case open+halfOpen > 0:
		report.Status = StatusDegraded
	}
	return report
}

func (m *Monitor) probeGuard(now time.Time) Report {
	counters := m.deps.Guard.Counters()
	total := counters.Total()

	m.mu.Lock()
	delta := int64(0)
	if m.haveRejections {
		delta = total - m.lastRejections
	}
	m.lastRejections, m.haveRejections = total, true
	m.mu.Unlock()

	report := Report{
		Component: ComponentSafety,
		Status:    StatusHealthy,
		Timestamp: now,
		Metrics: map[string]float64{
			"rejections_total": float64(total),
			"rejections_cycle": float64(delta),
			"validation":       float64(counters.Validation),
			"rate_limited":     float64(counters.RateLimited),
			"timeout":          float64(counters.Timeout),
			"memory":           float64(counters.Memory),
		},
	}
	if delta >= m.cfg.RejectionsDegraded {
		report.Status = StatusDegraded
		report.Detail = fmt.Sprintf("%d rejections since last cycle", delta)
	}
	return report
}

// AutoRecover runs the recovery hooks that match critical reports. It does
// nothing when no report is critical.
func (m *Monitor) AutoRecover(ctx context.Context, reports []Report) []Action {
	var actions []Action
	for _, r := range reports {
		if r.Status != StatusCritical {
			continue
		}
		switch r.Component {
		case ComponentPool:
			actions = append(actions, m.replaceUnhealthy(ctx), m.pauseDequeues())
		case ComponentBreakers:
			actions = append(actions, m.resetStuckBreakers()...)
		}
	}
	for _, a := range actions {
		m.record(a)
	}
	return actions
}

func (m *Monitor) replaceUnhealthy(ctx context.Context) Action {
	before := m.deps.Pool.Snapshot()
	replaced := m.deps.Pool.ReplaceUnhealthy(ctx)
	after := m.deps.Pool.Snapshot()
	return Action{
		Name:      ActionReplaceUnhealthy,
		Target:    ComponentPool,
		Before:    describePool(before),
		After:     describePool(after),
		OK:        replaced > 0 || after.Idle+after.InUse > 0,
		Timestamp: m.deps.Clock.Now(),
	}
}

func (m *Monitor) pauseDequeues() Action {
	before := m.deps.Queue.Paused()
	m.deps.Queue.Pause(m.cfg.PauseDequeue)
	return Action{
		Name:      ActionPauseDequeues,
		Target:    ComponentQueue,
		Before:    fmt.Sprintf("paused=%t", before),
		After:     fmt.Sprintf("paused=%t for=%s", m.deps.Queue.Paused(), m.cfg.PauseDequeue),
		OK:        true,
		Timestamp: m.deps.Clock.Now(),
	}
}

func (m *Monitor) resetStuckBreakers() []Action {
	now := m.deps.Clock.Now()
	var actions []Action
	for _, snap := range m.deps.Breakers.Snapshots() {
		stuckFor := snap.StuckFor(now)
		if stuckFor == 0 || stuckFor < m.cfg.BreakerStuckAfter {
			continue
		}
		m.deps.Breakers.Reset(snap.Name)
		after := string(breaker.StateClosed)
		for _, s := range m.deps.Breakers.Snapshots() {
			if s.Name == snap.Name {
				after = string(s.State)
			}
		}
		actions = append(actions, Action{
			Name:      ActionResetBreaker,
			Target:    snap.Name,
			Before:    fmt.Sprintf("state=%s stuck_for=%s", snap.State, stuckFor),
			After:     "state=" + after,
			OK:        after == string(breaker.StateClosed),
			Timestamp: now,
		})
	}
	return actions
}

func (m *Monitor) record(a Action) {
	m.deps.Logger.Warn("recovery action",
		zap.String("action", a.Name),
		zap.String("target", a.Target),
		zap.String("before", a.Before),
		zap.String("after", a.After),
		zap.Bool("ok", a.OK),
	)
	m.deps.Events.Emit(events.Event{
		Kind:      events.RecoveryAction,
		TS:        a.Timestamp,
		Component: a.Target,
		From:      a.Before,
		To:        a.After,
		Note:      a.Name,
	})
	if m.deps.Recorder != nil {
		m.deps.Recorder.ObserveRecovery(a.Name, a.OK)
	}
}

// Consume wakes the monitor when the pool reports a lost resource, so recovery
// does not wait for the next tick.
func (m *Monitor) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Kind == events.ResourceUnhealthy || evt.Kind == events.ResourceLaunchFailed {
			select {
			case m.wake <- struct{}{}:
			default:
			}
			return nil
		}
	}
	return nil
}

// Close satisfies events.Sink.
func (m *Monitor) Close(context.Context) error {
	return nil
}

func describePool(s pool.Snapshot) string {
	return fmt.Sprintf("capacity=%d idle=%d in_use=%d unhealthy=%d missing=%d",
		s.Capacity, s.Idle, s.InUse, s.Unhealthy, s.Missing)
}

func criticalComponents(reports []Report) []string {
	var out []string
	for _, r := range reports {
		if r.Status == StatusCritical {
			out = append(out, r.Component)
		}
	}
	return out
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Package dispatcher runs the worker fan-out and owns the admission path for
// new jobs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/metrics"
	"github.com/JakeFAU/scan-engine/internal/queue"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Runner is a long-lived loop such as a worker.
type Runner interface {
	Run(ctx context.Context)
}

// TaskQueue is the slice of the queue used for admission and lease sweeping.
type TaskQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	RunSweeper(ctx context.Context)
}

// Admission checks a submission before it is queued.
type Admission interface {
	Validate(p scan.Payload) error
	CheckRateLimit(tenantKey string) error
	PruneWindows() int
}

// Escalation reports whether the engine has given up on self-recovery.
type Escalation interface {
	Escalated() bool
}

// SubmitObserver records admission decisions.
type SubmitObserver interface {
	ObserveSubmission(result string)
}

// Submission is a job offered to the engine.
type Submission struct {
	Payload     scan.Payload
	Priority    int
	TenantKey   string
	MaxAttempts int
}

// Config controls background maintenance.
type Config struct {
	// PruneInterval is how often elapsed rate-limit windows are dropped.
	PruneInterval time.Duration
}

// Dependencies wires the dispatcher. Health and Metrics are optional.
type Dependencies struct {
	Queue   TaskQueue
	Guard   Admission
	Health  Escalation
	Metrics SubmitObserver
	Logger  *zap.Logger
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	cfg     Config
	deps    Dependencies
	workers []Runner
}

// New creates a Dispatcher.
func New(cfg Config, deps Dependencies, workers []Runner) (*Dispatcher, error) {
	if deps.Queue == nil || deps.Guard == nil {
		return nil, errors.New("dispatcher requires a queue and a guard")
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, deps: deps, workers: workers}, nil
}

// Run starts all workers, the lease sweeper and window pruning, and blocks
// until the context finishes and every loop has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.deps.Queue.RunSweeper(ctx)
	}()
	go func() {
		defer wg.Done()
		d.pruneWindows(ctx)
	}()
	d.deps.Logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.deps.Logger.Info("dispatcher stopped")
}

// Submit admits a job: it is refused while health is escalated, validated,
// counted against the tenant's rate limit, and then queued.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (string, error) {
	if d.deps.Health != nil && d.deps.Health.Escalated() {
		d.observe(metrics.SubmitUnavailable)
		return "", scan.ErrNotAccepting
	}
	if err := d.deps.Guard.Validate(sub.Payload); err != nil {
		d.observe(metrics.SubmitInvalid)
		return "", fmt.Errorf("validate submission: %w", err)
	}
	if err := d.deps.Guard.CheckRateLimit(sub.TenantKey); err != nil {
		d.observe(metrics.SubmitRateLimited)
		return "", fmt.Errorf("admit submission: %w", err)
	}
	id, err := d.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Payload:     sub.Payload,
		Priority:    sub.Priority,
		TenantKey:   sub.TenantKey,
		MaxAttempts: sub.MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	d.observe(metrics.SubmitAccepted)
	d.deps.Logger.Debug("job accepted",
		zap.String("task_id", id),
		zap.String("tenant_key", sub.TenantKey),
		zap.String("kind", string(sub.Payload.Kind)),
	)
	return id, nil
}

func (d *Dispatcher) observe(result string) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.ObserveSubmission(result)
	}
}

func (d *Dispatcher) pruneWindows(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.deps.Guard.PruneWindows(); n > 0 {
				d.deps.Logger.Debug("pruned rate-limit windows", zap.Int("tenants", n))
			}
		}
	}
}

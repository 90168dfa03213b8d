// Package worker implements the per-worker control loop: claim a task, run
// the safety checks, borrow a browser, execute the scan under a timeout and
// record the outcome with the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/metrics"
	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/scan"
	"github.com/JakeFAU/scan-engine/internal/scanner"
)

// TaskQueue is the slice of the queue a worker drives.
type TaskQueue interface {
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (scan.Task, bool, error)
	MarkCompleted(ctx context.Context, taskID, workerID string, result scan.Result) (scan.Task, error)
	MarkFailed(ctx context.Context, taskID, workerID string, cause error, permanent bool) (scan.Task, error)
	Requeue(ctx context.Context, taskID, workerID string, delay time.Duration) (scan.Task, error)
}

// ResourcePool lends browsers.
type ResourcePool interface {
	Acquire(ctx context.Context, taskID string, timeout time.Duration) (*pool.Resource, error)
	Release(res *pool.Resource, outcome pool.Outcome)
}

// Guard enforces payload, memory and time limits.
type Guard interface {
	Validate(p scan.Payload) error
	CheckMemory() error
	EnforceTimeout(ctx context.Context, taskID string, limit time.Duration, fn func(context.Context) error) error
}

// Breakers gates dependency calls.
type Breakers interface {
	Allow(name string) bool
	Execute(ctx context.Context, name string, fn func(context.Context) error) error
}

// Job is the work done with a borrowed browser.
type Job interface {
	Run(ctx context.Context, b scan.Browser, task scan.Task) (scan.Result, error)
}

// Metrics receives per-attempt observations.
type Metrics interface {
	ObserveJob(outcome string, duration time.Duration)
	ObserveCircuitOpen(breaker string)
	IncActiveWorkers()
	DecActiveWorkers()
}

// Config controls loop timing.
type Config struct {
	ID             string
	PollInterval   time.Duration
	Backoff        time.Duration
	AcquireTimeout time.Duration
	JobTimeout     time.Duration
	Lease          time.Duration
	// Topic receives terminal outcome notifications when a publisher is set.
	Topic string
	// NotifyTimeout bounds one outcome publish. Defaults to 10s.
	NotifyTimeout time.Duration
}

// Dependencies wires the collaborators. Publisher and Metrics are optional.
type Dependencies struct {
	Queue     TaskQueue
	Pool      ResourcePool
	Guard     Guard
	Breakers  Breakers
	Job       Job
	Publisher scan.Publisher
	Clock     scan.Clock
	Metrics   Metrics
	Logger    *zap.Logger
	// Tracing defaults to the global provider.
	Tracing trace.TracerProvider
}

// Worker runs one task at a time.
type Worker struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	tracer trace.Tracer
}

// New builds a worker.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if deps.Queue == nil || deps.Pool == nil || deps.Guard == nil || deps.Breakers == nil || deps.Job == nil || deps.Clock == nil {
		return nil, errors.New("worker requires queue, pool, guard, breakers, job and clock")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracing == nil {
		deps.Tracing = otel.GetTracerProvider()
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("worker_id", cfg.ID)),
		tracer: deps.Tracing.Tracer("github.com/JakeFAU/scan-engine/internal/worker"),
	}, nil
}

// ID returns the worker's lease owner name.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, processing tasks until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		worked, err := w.step(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("worker step failed", zap.Error(err))
			w.sleep(ctx, w.cfg.PollInterval)
		case !worked:
			w.sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// step claims and processes at most one task. It reports whether a task was
// claimed. Errors come only from the queue; job failures are recorded.
func (w *Worker) step(ctx context.Context) (bool, error) {
	task, ok, err := w.deps.Queue.Dequeue(ctx, w.cfg.ID, w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task scan.Task) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.IncActiveWorkers()
		defer w.deps.Metrics.DecActiveWorkers()
	}
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "scan.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Payload.Kind)),
		attribute.String("task.tenant", task.TenantKey),
		attribute.Int("task.attempt", task.Attempts+1),
		attribute.String("worker.id", w.cfg.ID),
	))
	defer span.End()
	logger := w.logger.With(zap.String("task_id", task.ID), zap.Int("attempts", task.Attempts))
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	logger.Debug("task claimed")
	// Bookkeeping must land even when shutdown cancels ctx mid-job.
	bookCtx := context.WithoutCancel(ctx)

	if err := w.deps.Guard.Validate(task.Payload); err != nil {
		w.fail(bookCtx, logger, task, err, true, start)
		return
	}
	if err := w.deps.Guard.CheckMemory(); err != nil {
		w.requeue(bookCtx, logger, task, err, start)
		return
	}
	if !w.deps.Breakers.Allow(breaker.Browser) {
		if w.deps.Metrics != nil {
			w.deps.Metrics.ObserveCircuitOpen(breaker.Browser)
		}
		w.fail(bookCtx, logger, task, fmt.Errorf("%s: %w", breaker.Browser, scan.ErrCircuitOpen), false, start)
		return
	}

	res, err := w.deps.Pool.Acquire(ctx, task.ID, w.cfg.AcquireTimeout)
	if err != nil {
		w.requeue(bookCtx, logger, task, err, start)
		return
	}

	var result scan.Result
	runErr := w.deps.Guard.EnforceTimeout(ctx, task.ID, w.cfg.JobTimeout, func(jobCtx context.Context) error {
		out, err := w.deps.Job.Run(jobCtx, res.Browser(), task)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	outcome := w.outcome(ctx, res, runErr)

	switch {
	case runErr == nil:
		w.complete(bookCtx, logger, task, result, start)
	case ctx.Err() != nil && !errors.Is(runErr, scan.ErrTimeout):
		w.requeue(bookCtx, logger, task, runErr, start)
	default:
		if errors.Is(runErr, scan.ErrCircuitOpen) && w.deps.Metrics != nil {
			w.deps.Metrics.ObserveCircuitOpen(breaker.Browser)
		}
		class := scan.Classify(runErr)
		if class == scan.ClassResourceExhaustion {
			w.requeue(bookCtx, logger, task, runErr, start)
		} else {
			w.fail(bookCtx, logger, task, runErr, class == scan.ClassPermanent, start)
		}
	}
	w.deps.Pool.Release(res, outcome)
}

func (w *Worker) outcome(ctx context.Context, res *pool.Resource, runErr error) pool.Outcome {
	if errors.Is(runErr, scan.ErrTimeout) {
		return pool.Outcome{TimedOut: true}
	}
	outcome := pool.Outcome{Crashed: scanner.BrowserFailed(runErr)}
	if outcome.Crashed || ctx.Err() != nil {
		return outcome
	}
	memCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	mb, err := res.Browser().MemoryMB(memCtx)
	if err != nil {
		w.logger.Warn("browser memory probe failed", zap.String("resource_id", res.ID()), zap.Error(err))
		outcome.Crashed = true
		return outcome
	}
	outcome.MemoryMB = mb
	return outcome
}

func (w *Worker) complete(ctx context.Context, logger *zap.Logger, task scan.Task, result scan.Result, start time.Time) {
	updated, err := w.deps.Queue.MarkCompleted(ctx, task.ID, w.cfg.ID, result)
	if err != nil {
		w.bookkeepingFailed(ctx, logger, err, start)
		return
	}
	logger.Info("task completed", zap.Int("pages", len(result.Pages)), zap.Duration("took", time.Since(start)))
	w.observe(ctx, metrics.OutcomeCompleted, start)
	w.notify(ctx, logger, updated)
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, task scan.Task, cause error, permanent bool, start time.Time) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	updated, err := w.deps.Queue.MarkFailed(ctx, task.ID, w.cfg.ID, cause, permanent)
	if err != nil {
		w.bookkeepingFailed(ctx, logger, err, start)
		return
	}
	if updated.Status == scan.TaskStatusDeadLettered {
		w.observe(ctx, metrics.OutcomeDeadLettered, start)
		w.notify(ctx, logger, updated)
		return
	}
	logger.Info("task attempt failed, retry scheduled",
		zap.Error(cause),
		zap.String("class", string(scan.Classify(cause))),
		zap.Time("available_at", updated.AvailableAt),
	)
	w.observe(ctx, metrics.OutcomeRetryScheduled, start)
}

func (w *Worker) requeue(ctx context.Context, logger *zap.Logger, task scan.Task, cause error, start time.Time) {
	if _, err := w.deps.Queue.Requeue(ctx, task.ID, w.cfg.ID, w.cfg.Backoff); err != nil {
		w.bookkeepingFailed(ctx, logger, err, start)
		return
	}
	logger.Info("task returned to queue", zap.Error(cause), zap.Duration("delay", w.cfg.Backoff))
	trace.SpanFromContext(ctx).AddEvent("requeued", trace.WithAttributes(attribute.String("cause", cause.Error())))
	w.observe(ctx, metrics.OutcomeRequeued, start)
}

func (w *Worker) bookkeepingFailed(ctx context.Context, logger *zap.Logger, err error, start time.Time) {
	if errors.Is(err, scan.ErrLeaseLost) {
		logger.Warn("lease lost before outcome was recorded", zap.Error(err))
		w.observe(ctx, metrics.OutcomeLeaseLost, start)
		return
	}
	logger.Error("record task outcome failed", zap.Error(err))
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, "record task outcome failed")
}

func (w *Worker) observe(ctx context.Context, outcome string, start time.Time) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("task.outcome", outcome))
	if w.deps.Metrics != nil {
		w.deps.Metrics.ObserveJob(outcome, time.Since(start))
	}
}

// notify publishes a terminal outcome. Failures are logged and never change
// the recorded task state.
func (w *Worker) notify(ctx context.Context, logger *zap.Logger, task scan.Task) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"task_id":   task.ID,
		"kind":      task.Payload.Kind,
		"status":    task.Status,
		"attempts":  task.Attempts,
		"timestamp": w.deps.Clock.Now().Format(time.RFC3339),
	}
	if task.LastError != "" {
		payload["last_error"] = task.LastError
	}
	if task.Result != nil {
		payload["pages"] = len(task.Result.Pages)
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()
	err := w.deps.Breakers.Execute(ctx, breaker.Notifier, func(ctx context.Context) error {
		_, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload)
		return err
	})
	if err != nil {
		logger.Warn("publish outcome failed", zap.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

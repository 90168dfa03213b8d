// Package queue implements the durable task queue: priority-then-FIFO claims,
// leases, exponential backoff, dead-lettering and the lease-expiry sweep. All
// persistence goes through scan.TaskStore so the same state machine runs on
// memory, bbolt and Postgres.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/events"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = time.Second
	defaultMaxBackoff    = 5 * time.Minute
	defaultLease         = 2 * time.Minute
	defaultSweepInterval = 5 * time.Second
)

// Config tunes retry and lease behavior.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	MaxBackoff    time.Duration
	Lease         time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// EnqueueRequest describes a new task.
type EnqueueRequest struct {
	Payload   scan.Payload
	Priority  int
	TenantKey string
	// MaxAttempts overrides the configured ceiling when positive.
	MaxAttempts int
}

// Stats summarizes queue contents.
type Stats struct {
	Counts          map[scan.TaskStatus]int
	OldestQueuedAge time.Duration
}

// Depth is the number of tasks waiting to be claimed.
func (s Stats) Depth() int {
	return s.Counts[scan.TaskStatusQueued]
}

// Dependencies bundles the collaborators Queue needs.
type Dependencies struct {
	Store  scan.TaskStore
	Clock  scan.Clock
	IDGen  scan.IDGenerator
	Events events.Emitter
	Logger *zap.Logger
}

// Queue is the task state machine. It is safe for concurrent use; claim
// atomicity is delegated to the store.
type Queue struct {
	store  scan.TaskStore
	clock  scan.Clock
	ids    scan.IDGenerator
	events events.Emitter
	logger *zap.Logger
	cfg    Config

	pausedUntil atomic.Int64
}

// New constructs a Queue.
func New(cfg Config, deps Dependencies) (*Queue, error) {
	if deps.Store == nil || deps.Clock == nil || deps.IDGen == nil {
		return nil, errors.New("queue requires store, clock and id generator")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Queue{
		store:  deps.Store,
		clock:  deps.Clock,
		ids:    deps.IDGen,
		events: deps.Events,
		logger: deps.Logger,
		cfg:    cfg.withDefaults(),
	}, nil
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue persists a new Queued task and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.Payload.CheckVariant(); err != nil {
		return "", &scan.ValidationError{Field: "payload", Reason: err.Error()}
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.clock.Now()
	task := scan.Task{
		ID:          id,
		Payload:     req.Payload.Clone(),
		Priority:    req.Priority,
		TenantKey:   req.TenantKey,
		Status:      scan.TaskStatusQueued,
		MaxAttempts: maxAttempts,
		BackoffBase: q.cfg.BackoffBase,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	q.events.Emit(events.Event{Kind: events.TaskEnqueued, TS: now, TaskID: id})
	return id, nil
}

// Dequeue claims the next eligible task for workerID. The bool is false when
// nothing is claimable or dequeues are paused. lease <= 0 uses the configured
// lease.
func (q *Queue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (scan.Task, bool, error) {
	now := q.clock.Now()
	if q.pausedAt(now) {
		return scan.Task{}, false, nil
	}
	if lease <= 0 {
		lease = q.cfg.Lease
	}
	task, ok, err := q.store.ClaimNext(ctx, workerID, now, now.Add(lease))
	if err != nil {
		return scan.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		return scan.Task{}, false, nil
	}
	q.events.Emit(events.Event{
		Kind:     events.TaskClaimed,
		TS:       now,
		TaskID:   task.ID,
		WorkerID: workerID,
		Attempts: task.Attempts,
	})
	return task, true, nil
}

// MarkCompleted records a successful attempt. It fails with scan.ErrLeaseLost
// when workerID no longer owns the task.
func (q *Queue) MarkCompleted(ctx context.Context, taskID, workerID string, result scan.Result) (scan.Task, error) {
	now := q.clock.Now()
	task, err := q.store.UpdateTask(ctx, taskID, func(t *scan.Task) error {
		if err := holdsLease(t, workerID); err != nil {
			return err
		}
		res := result
		if res.CompletedAt.IsZero() {
			res.CompletedAt = now
		}
		t.Status = scan.TaskStatusCompleted
		t.Result = &res
		t.CompletedAt = &now
		t.LastError = ""
		t.UpdatedAt = now
		releaseLease(t)
		return nil
	})
	if err != nil {
		return scan.Task{}, fmt.Errorf("mark completed %s: %w", taskID, err)
	}
	q.events.Emit(events.Event{Kind: events.TaskCompleted, TS: now, TaskID: taskID, WorkerID: workerID, Attempts: task.Attempts})
	return task, nil
}

// MarkFailed records a failed attempt. Attempts is incremented; the task is
// dead-lettered when permanent is set or the ceiling is reached, otherwise it
// returns to Queued and becomes claimable after Backoff(attempts).
func (q *Queue) MarkFailed(ctx context.Context, taskID, workerID string, cause error, permanent bool) (scan.Task, error) {
	now := q.clock.Now()
	task, err := q.store.UpdateTask(ctx, taskID, func(t *scan.Task) error {
		if err := holdsLease(t, workerID); err != nil {
			return err
		}
		t.Attempts++
		if cause != nil {
			t.LastError = cause.Error()
		}
		t.UpdatedAt = now
		releaseLease(t)
		if permanent || t.Attempts >= t.MaxAttempts {
			t.Status = scan.TaskStatusDeadLettered
			return nil
		}
		t.Status = scan.TaskStatusQueued
		t.AvailableAt = now.Add(q.backoff(t.BackoffBase, t.Attempts))
		return nil
	})
	if err != nil {
		return scan.Task{}, fmt.Errorf("mark failed %s: %w", taskID, err)
	}
	kind := events.TaskRetryScheduled
	if task.Status == scan.TaskStatusDeadLettered {
		kind = events.TaskDeadLettered
		q.logger.Warn("task dead-lettered",
			zap.String("task_id", taskID),
			zap.Int("attempts", task.Attempts),
			zap.Bool("permanent", permanent),
			zap.String("last_error", task.LastError),
		)
	}
	q.events.Emit(events.Event{Kind: kind, TS: now, TaskID: taskID, WorkerID: workerID, Attempts: task.Attempts, Note: task.LastError})
	return task, nil
}

// Requeue returns an Active task to Queued without consuming an attempt. It is
// the backpressure path for pool saturation and memory pressure; delay pushes
// the next claim out.
func (q *Queue) Requeue(ctx context.Context, taskID, workerID string, delay time.Duration) (scan.Task, error) {
	now := q.clock.Now()
	task, err := q.store.UpdateTask(ctx, taskID, func(t *scan.Task) error {
		if err := holdsLease(t, workerID); err != nil {
			return err
		}
		t.Status = scan.TaskStatusQueued
		t.AvailableAt = now.Add(max(delay, 0))
		t.UpdatedAt = now
		releaseLease(t)
		return nil
	})
	if err != nil {
		return scan.Task{}, fmt.Errorf("requeue %s: %w", taskID, err)
	}
	q.events.Emit(events.Event{Kind: events.TaskRequeued, TS: now, TaskID: taskID, WorkerID: workerID, Attempts: task.Attempts})
	return task, nil
}

// Get returns a task by ID.
func (q *Queue) Get(ctx context.Context, taskID string) (scan.Task, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return scan.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListDeadLettered returns dead-lettered tasks oldest first. limit <= 0
// returns all of them.
func (q *Queue) ListDeadLettered(ctx context.Context, limit int) ([]scan.Task, error) {
	tasks, err := q.store.ListTasks(ctx, scan.TaskStatusDeadLettered, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered: %w", err)
	}
	return tasks, nil
}

// RetryDeadLettered moves a dead-lettered task back to Queued with attempts
// reset. Retrying a task that is already Queued returns it unchanged; any
// other status yields scan.ErrInvalidTransition.
func (q *Queue) RetryDeadLettered(ctx context.Context, taskID string) (scan.Task, error) {
	now := q.clock.Now()
	retried := false
	task, err := q.store.UpdateTask(ctx, taskID, func(t *scan.Task) error {
		switch t.Status {
		case scan.TaskStatusQueued:
			return nil
		case scan.TaskStatusDeadLettered, scan.TaskStatusFailed:
		default:
			return fmt.Errorf("task is %s: %w", t.Status, scan.ErrInvalidTransition)
		}
		t.Status = scan.TaskStatusQueued
		t.Attempts = 0
		t.AvailableAt = now
		t.UpdatedAt = now
		releaseLease(t)
		retried = true
		return nil
	})
	if err != nil {
		return scan.Task{}, fmt.Errorf("retry %s: %w", taskID, err)
	}
	if retried {
		q.events.Emit(events.Event{Kind: events.TaskRetried, TS: now, TaskID: taskID})
	}
	return task, nil
}

// SweepExpiredLeases returns every Active task whose lease has expired to
// Queued without touching attempts. It reports how many were reclaimed.
func (q *Queue) SweepExpiredLeases(ctx context.Context) (int, error) {
	active, err := q.store.ListTasks(ctx, scan.TaskStatusActive, 0)
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}
	now := q.clock.Now()
	reclaimed := 0
	for _, candidate := range active {
		if !candidate.LeaseExpired(now) {
			continue
		}
		var owner string
		_, err := q.store.UpdateTask(ctx, candidate.ID, func(t *scan.Task) error {
			// Re-check under the store's atomicity; the worker may have finished.
			if !t.LeaseExpired(now) {
				return errLeaseStillHeld
			}
			owner = t.LockOwner
			t.Status = scan.TaskStatusQueued
			t.AvailableAt = now
			t.UpdatedAt = now
			releaseLease(t)
			return nil
		})
		if errors.Is(err, errLeaseStillHeld) {
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", candidate.ID, err)
		}
		reclaimed++
		q.logger.Warn("reclaimed task with expired lease",
			zap.String("task_id", candidate.ID),
			zap.String("previous_owner", owner),
		)
		q.events.Emit(events.Event{Kind: events.TaskLeaseExpired, TS: now, TaskID: candidate.ID, WorkerID: owner})
	}
	return reclaimed, nil
}

// RunSweeper calls SweepExpiredLeases every SweepInterval until ctx ends.
func (q *Queue) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.SweepExpiredLeases(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// Stats returns counts by status and the age of the oldest claimable task.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountTasks(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count tasks: %w", err)
	}
	stats := Stats{Counts: counts}
	if counts[scan.TaskStatusQueued] == 0 {
		return stats, nil
	}
	oldest, err := q.store.ListTasks(ctx, scan.TaskStatusQueued, 1)
	if err != nil {
		return Stats{}, fmt.Errorf("oldest queued: %w", err)
	}
	if len(oldest) > 0 {
		stats.OldestQueuedAge = max(q.clock.Now().Sub(oldest[0].CreatedAt), 0)
	}
	return stats, nil
}

// Pause stops Dequeue from handing out tasks for d.
func (q *Queue) Pause(d time.Duration) {
	q.pausedUntil.Store(q.clock.Now().Add(d).UnixNano())
	q.logger.Warn("dequeues paused", zap.Duration("for", d))
}

// Resume lifts any pause.
func (q *Queue) Resume() {
	q.pausedUntil.Store(0)
}

// Paused reports whether dequeues are currently paused.
func (q *Queue) Paused() bool {
	return q.pausedAt(q.clock.Now())
}

func (q *Queue) pausedAt(now time.Time) bool {
	until := q.pausedUntil.Load()
	return until != 0 && now.UnixNano() < until
}

// Backoff returns the delay before the next claim after the given number of
// failed attempts, using the configured base.
func (q *Queue) Backoff(attempts int) time.Duration {
	return q.backoff(q.cfg.BackoffBase, attempts)
}

func (q *Queue) backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = q.cfg.BackoffBase
	}
	delay := base
	for range attempts {
		if delay >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
		delay *= 2
	}
	return min(delay, q.cfg.MaxBackoff)
}

var errLeaseStillHeld = errors.New("lease still held")

func holdsLease(t *scan.Task, workerID string) error {
	if t.Status != scan.TaskStatusActive || t.LockOwner != workerID {
		return fmt.Errorf("task is %s owned by %q: %w", t.Status, t.LockOwner, scan.ErrLeaseLost)
	}
	return nil
}

func releaseLease(t *scan.Task) {
	t.LockOwner = ""
	t.LockExpiresAt = time.Time{}
}

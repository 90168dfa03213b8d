package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/browser/stub"
	"github.com/JakeFAU/scan-engine/internal/clock/manual"
	"github.com/JakeFAU/scan-engine/internal/clock/system"
	"github.com/JakeFAU/scan-engine/internal/id/uuid"
	"github.com/JakeFAU/scan-engine/internal/pool"
	pubmemory "github.com/JakeFAU/scan-engine/internal/publisher/memory"
	"github.com/JakeFAU/scan-engine/internal/queue"
	"github.com/JakeFAU/scan-engine/internal/safety"
	"github.com/JakeFAU/scan-engine/internal/scan"
	"github.com/JakeFAU/scan-engine/internal/storage/memory"
)

type fakeJob struct {
	run   func(ctx context.Context, task scan.Task) (scan.Result, error)
	calls atomic.Int32
}

func (j *fakeJob) Run(ctx context.Context, _ scan.Browser, task scan.Task) (scan.Result, error) {
	j.calls.Add(1)
	return j.run(ctx, task)
}

type fakeMetrics struct {
	mu          sync.Mutex
	outcomes    []string
	circuitOpen int
	active      int
}

func (m *fakeMetrics) ObserveJob(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) ObserveCircuitOpen(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitOpen++
}

func (m *fakeMetrics) IncActiveWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
}

func (m *fakeMetrics) DecActiveWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *fakeMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

type harness struct {
	queue     *queue.Queue
	pool      *pool.Pool
	guard     *safety.Guard
	breakers  *breaker.Registry
	publisher *pubmemory.Publisher
	metrics   *fakeMetrics
	job       *fakeJob
	clock     scan.Clock
}

type harnessConfig struct {
	clock      scan.Clock
	poolSize   int
	breakerCfg breaker.Config
	guardCfg   safety.Config
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.clock == nil {
		hc.clock = manual.New(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	}
	if hc.poolSize == 0 {
		hc.poolSize = 1
	}
	logger := zap.NewNop()
	q, err := queue.New(queue.Config{MaxAttempts: 3, BackoffBase: time.Second}, queue.Dependencies{
		Store:  memory.NewTaskStore(),
		Clock:  hc.clock,
		IDGen:  uuid.New(),
		Logger: logger,
	})
	require.NoError(t, err)

	p, err := pool.New(pool.Config{Size: hc.poolSize}, stub.NewLauncher(stub.Config{MemoryMB: 50}), hc.clock, nil, logger)
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	return &harness{
		queue:     q,
		pool:      p,
		guard:     safety.New(hc.guardCfg, hc.clock, p, logger),
		breakers:  breaker.NewRegistry(hc.breakerCfg, hc.clock, nil, logger),
		publisher: pubmemory.New(),
		metrics:   &fakeMetrics{},
		job: &fakeJob{run: func(context.Context, scan.Task) (scan.Result, error) {
			return scan.Result{Pages: []scan.PageResult{{URL: "https://example.com"}}}, nil
		}},
		clock: hc.clock,
	}
}

func (h *harness) worker(t *testing.T, id string, cfg Config) *Worker {
	t.Helper()
	cfg.ID = id
	if cfg.Topic == "" {
		cfg.Topic = "scan-outcomes"
	}
	w, err := New(cfg, Dependencies{
		Queue:     h.queue,
		Pool:      h.pool,
		Guard:     h.guard,
		Breakers:  h.breakers,
		Job:       h.job,
		Publisher: h.publisher,
		Clock:     h.clock,
		Metrics:   h.metrics,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return w
}

func (h *harness) enqueue(t *testing.T, url string) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Payload:   scan.NewPageScan(scan.PageScan{URL: url}),
		TenantKey: "tenant-a",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) task(t *testing.T, id string) scan.Task {
	t.Helper()
	task, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestStepCompletesTaskAndPublishes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	id := h.enqueue(t, "https://example.com")
	w := h.worker(t, "worker-1", Config{})

	worked, err := w.step(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	require.Len(t, task.Result.Pages, 1)
	require.Equal(t, 1, h.pool.Snapshot().Idle)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "scan-outcomes", msgs[0].Topic)
	payload := msgs[0].Payload.(map[string]any)
	require.Equal(t, id, payload["task_id"])
	require.Equal(t, scan.TaskStatusCompleted, payload["status"])
	require.Equal(t, []string{"completed"}, h.metrics.snapshot())
	require.Zero(t, h.metrics.active)
}

func TestStepEmptyQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	worked, err := h.worker(t, "worker-1", Config{}).step(context.Background())
	require.NoError(t, err)
	require.False(t, worked)
}

// A target that always fails transiently is retried with growing
// backoff and dead-lettered on the third attempt.
func TestTransientFailuresDeadLetterAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	h := newHarness(t, harnessConfig{clock: clk, breakerCfg: breaker.Config{FailureThreshold: 10}})
	h.job.run = func(context.Context, scan.Task) (scan.Result, error) {
		return scan.Result{}, errors.New("connection reset by peer")
	}
	id := h.enqueue(t, "https://flaky.example.com")
	w := h.worker(t, "worker-1", Config{})

	start := clk.Now()
	_, err := w.step(context.Background())
	require.NoError(t, err)
	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusQueued, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, start.Add(2*time.Second), task.AvailableAt)

	worked, err := w.step(context.Background())
	require.NoError(t, err)
	require.False(t, worked, "task is still backing off")

	clk.Advance(2 * time.Second)
	_, err = w.step(context.Background())
	require.NoError(t, err)
	task = h.task(t, id)
	require.Equal(t, 2, task.Attempts)
	require.Equal(t, clk.Now().Add(4*time.Second), task.AvailableAt)

	clk.Advance(4 * time.Second)
	_, err = w.step(context.Background())
	require.NoError(t, err)
	task = h.task(t, id)
	require.Equal(t, scan.TaskStatusDeadLettered, task.Status)
	require.Equal(t, 3, task.Attempts)
	require.Equal(t, "connection reset by peer", task.LastError)

	require.Equal(t, []string{"retry_scheduled", "retry_scheduled", "dead_lettered"}, h.metrics.snapshot())
	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, scan.TaskStatusDeadLettered, msgs[0].Payload.(map[string]any)["status"])
	require.Equal(t, 1, h.pool.Snapshot().Idle, "transient failures do not quarantine the browser")
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.job.run = func(context.Context, scan.Task) (scan.Result, error) {
		return scan.Result{}, scan.Permanent(errors.New("target returned 404"))
	}
	id := h.enqueue(t, "https://example.com/gone")

	_, err := h.worker(t, "worker-1", Config{}).step(context.Background())
	require.NoError(t, err)
	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusDeadLettered, task.Status)
	require.Equal(t, 1, task.Attempts)
}

func TestInvalidPayloadIsPermanentWithoutAcquire(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{guardCfg: safety.Config{MaxURLLength: 30}})
	id := h.enqueue(t, "https://example.com/a/very/long/path/that/exceeds")

	_, err := h.worker(t, "worker-1", Config{}).step(context.Background())
	require.NoError(t, err)
	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusDeadLettered, task.Status)
	require.Contains(t, task.LastError, "validation failed")
	require.Zero(t, h.job.calls.Load())
}

func TestCircuitOpenFailsWithoutConsumingPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{breakerCfg: breaker.Config{FailureThreshold: 1}})
	err := h.breakers.Execute(context.Background(), breaker.Browser, func(context.Context) error {
		return errors.New("chrome unreachable")
	})
	require.Error(t, err)
	id := h.enqueue(t, "https://example.com")

	_, err = h.worker(t, "worker-1", Config{}).step(context.Background())
	require.NoError(t, err)

	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusQueued, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Contains(t, task.LastError, "circuit open")
	require.Zero(t, h.job.calls.Load())
	require.Equal(t, 1, h.metrics.circuitOpen)
	require.Equal(t, 1, h.pool.Snapshot().Idle)
}

func TestMemoryPressureRequeuesUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{guardCfg: safety.Config{MemoryCeilingMB: 10}})
	id := h.enqueue(t, "https://example.com")

	_, err := h.worker(t, "worker-1", Config{Backoff: time.Second}).step(context.Background())
	require.NoError(t, err)

	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusQueued, task.Status)
	require.Zero(t, task.Attempts)
	require.Equal(t, []string{"requeued"}, h.metrics.snapshot())
	require.Zero(t, h.job.calls.Load())
}

func TestAcquireTimeoutRequeuesUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	held, err := h.pool.Acquire(context.Background(), "other", time.Second)
	require.NoError(t, err)
	defer h.pool.Release(held, pool.Outcome{})

	id := h.enqueue(t, "https://example.com")
	_, err = h.worker(t, "worker-1", Config{AcquireTimeout: 10 * time.Millisecond}).step(context.Background())
	require.NoError(t, err)

	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusQueued, task.Status)
	require.Zero(t, task.Attempts)
}

func TestTimeoutQuarantinesResource(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.job.run = func(context.Context, scan.Task) (scan.Result, error) {
		<-release
		return scan.Result{}, nil
	}
	id := h.enqueue(t, "https://slow.example.com")

	_, err := h.worker(t, "worker-1", Config{JobTimeout: 20 * time.Millisecond}).step(context.Background())
	require.NoError(t, err)

	task := h.task(t, id)
	require.Equal(t, scan.TaskStatusQueued, task.Status)
	require.Equal(t, 1, task.Attempts)
	require.Contains(t, task.LastError, "job timed out")
	require.Eventually(t, func() bool {
		snap := h.pool.Snapshot()
		return snap.Idle == 1 && snap.Unhealthy == 0
	}, time.Second, 5*time.Millisecond, "the timed-out browser is replaced")
}

func TestPublishFailureDoesNotChangeState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	h.publisher.FailWith(errors.New("pubsub down"))
	id := h.enqueue(t, "https://example.com")

	_, err := h.worker(t, "worker-1", Config{}).step(context.Background())
	require.NoError(t, err)
	require.Equal(t, scan.TaskStatusCompleted, h.task(t, id).Status)
	require.Equal(t, breaker.StateClosed, h.breakers.State(breaker.Notifier))
}

// Five workers and a pool of two: two bodies hold browsers while the other
// three tasks go back to the queue without spending an attempt.
func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{clock: system.New(), poolSize: 2})
	release := make(chan struct{})
	var running, peak atomic.Int32
	h.job.run = func(context.Context, scan.Task) (scan.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return scan.Result{}, nil
	}
	ids := make([]string, 0, 5)
	for range 5 {
		ids = append(ids, h.enqueue(t, "https://example.com"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range 5 {
		w := h.worker(t, uuid.New().NewWorkerID("worker"), Config{
			PollInterval:   5 * time.Millisecond,
			Backoff:        time.Hour,
			AcquireTimeout: 10 * time.Millisecond,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	var (
		mu             sync.Mutex
		held, requeued []string
		maxInUse       int
	)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		maxInUse = max(maxInUse, h.pool.Snapshot().InUse)
		held, requeued = held[:0], requeued[:0]
		for _, id := range ids {
			task, err := h.queue.Get(context.Background(), id)
			if err != nil {
				return false
			}
			switch {
			case task.Status == scan.TaskStatusActive:
				held = append(held, id)
			case task.Status == scan.TaskStatusQueued && task.AvailableAt.After(task.CreatedAt.Add(time.Minute)):
				requeued = append(requeued, id)
			}
		}
		return running.Load() == 2 && len(held) == 2 && len(requeued) == 3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxInUse, 2)
	require.Equal(t, 2, h.pool.Snapshot().InUse)
	for _, id := range requeued {
		task := h.task(t, id)
		require.Equal(t, scan.TaskStatusQueued, task.Status)
		require.Zero(t, task.Attempts, "backpressure never consumes attempts")
	}

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range held {
			if h.task(t, id).Status != scan.TaskStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
	for _, id := range held {
		require.Zero(t, h.task(t, id).Attempts)
	}
}

func TestNotifyIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{})
	id := h.enqueue(t, "https://example.com")
	pub := &stalledPublisher{}
	w, err := New(Config{ID: "worker-1", Topic: "scan-outcomes", NotifyTimeout: 20 * time.Millisecond}, Dependencies{
		Queue:     h.queue,
		Pool:      h.pool,
		Guard:     h.guard,
		Breakers:  h.breakers,
		Job:       h.job,
		Publisher: pub,
		Clock:     h.clock,
	})
	require.NoError(t, err)

	worked, err := w.step(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, scan.TaskStatusCompleted, h.task(t, id).Status)
	require.ErrorIs(t, pub.err(), context.DeadlineExceeded)
	require.Equal(t, 1, h.breakers.Snapshot(breaker.Notifier).ConsecutiveFailures)
	require.True(t, h.breakers.Snapshot(breaker.Notifier).TrialStartedAt.IsZero())
}

// stalledPublisher never answers until its context ends.
type stalledPublisher struct {
	mu      sync.Mutex
	lastErr error
}

func (p *stalledPublisher) Publish(ctx context.Context, _ string, _ any) (string, error) {
	<-ctx.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = ctx.Err()
	return "", ctx.Err()
}

func (p *stalledPublisher) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func TestAttemptSpanParentsNotification(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, harnessConfig{breakerCfg: breaker.Config{TracerProvider: tp}})
	id := h.enqueue(t, "https://example.com")
	w, err := New(Config{ID: "worker-1", Topic: "scan-outcomes"}, Dependencies{
		Queue:     h.queue,
		Pool:      h.pool,
		Guard:     h.guard,
		Breakers:  h.breakers,
		Job:       h.job,
		Publisher: h.publisher,
		Clock:     h.clock,
		Tracing:   tp,
	})
	require.NoError(t, err)

	_, err = w.step(context.Background())
	require.NoError(t, err)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		spans[span.Name()] = span
	}
	attempt, ok := spans["scan.task"]
	require.True(t, ok)
	require.Contains(t, attempt.Attributes(), attribute.String("task.id", id))
	require.Contains(t, attempt.Attributes(), attribute.Int("task.attempt", 1))
	require.Contains(t, attempt.Attributes(), attribute.String("task.outcome", "completed"))

	notify, ok := spans["breaker notifier"]
	require.True(t, ok)
	require.Equal(t, attempt.SpanContext().SpanID(), notify.Parent().SpanID())
	require.Equal(t, attempt.SpanContext().TraceID(), notify.SpanContext().TraceID())
}

func TestFailedAttemptSpanRecordsError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, harnessConfig{})
	h.job.run = func(context.Context, scan.Task) (scan.Result, error) {
		return scan.Result{}, scan.Permanent(errors.New("404 not found"))
	}
	h.enqueue(t, "https://example.com")
	w, err := New(Config{ID: "worker-1"}, Dependencies{
		Queue:    h.queue,
		Pool:     h.pool,
		Guard:    h.guard,
		Breakers: h.breakers,
		Job:      h.job,
		Clock:    h.clock,
		Tracing:  tp,
	})
	require.NoError(t, err)

	_, err = w.step(context.Background())
	require.NoError(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Contains(t, ended[0].Attributes(), attribute.String("task.outcome", "dead_lettered"))
	require.NotEmpty(t, ended[0].Events(), "the error is recorded as a span event")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{})
	require.Error(t, err)
	_, err = New(Config{ID: "w"}, Dependencies{})
	require.Error(t, err)
}

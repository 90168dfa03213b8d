// Package server builds the scan engine's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/api"
	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/browser/headless"
	"github.com/JakeFAU/scan-engine/internal/browser/stub"
	"github.com/JakeFAU/scan-engine/internal/clock/system"
	"github.com/JakeFAU/scan-engine/internal/config"
	"github.com/JakeFAU/scan-engine/internal/dispatcher"
	"github.com/JakeFAU/scan-engine/internal/events"
	"github.com/JakeFAU/scan-engine/internal/events/sinks"
	"github.com/JakeFAU/scan-engine/internal/hash/sha256"
	"github.com/JakeFAU/scan-engine/internal/health"
	"github.com/JakeFAU/scan-engine/internal/id/uuid"
	"github.com/JakeFAU/scan-engine/internal/logging"
	"github.com/JakeFAU/scan-engine/internal/metrics"
	"github.com/JakeFAU/scan-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/probe"
	memorypublisher "github.com/JakeFAU/scan-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scan-engine/internal/publisher/pubsub"
	"github.com/JakeFAU/scan-engine/internal/queue"
	"github.com/JakeFAU/scan-engine/internal/safety"
	"github.com/JakeFAU/scan-engine/internal/scan"
	"github.com/JakeFAU/scan-engine/internal/scanner"
	boltstore "github.com/JakeFAU/scan-engine/internal/storage/bolt"
	gcsstorage "github.com/JakeFAU/scan-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scan-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/scan-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/scan-engine/internal/storage/postgres"
	"github.com/JakeFAU/scan-engine/internal/telemetry"
	"github.com/JakeFAU/scan-engine/internal/worker"
)

const (
	localOutcomeTopic     = "scan-outcomes"
	localOutcomeRetention = 1000
)

// App contains the engine's long-lived components.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	metrics   *metrics.Metrics
	tracing   *sdktrace.TracerProvider
	relay     *events.Relay
	hub       *events.Hub
	queue     *queue.Queue
	pool      *pool.Pool
	guard     *safety.Guard
	breakers  *breaker.Registry
	monitor   *health.Monitor
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	// localOutcomes holds recent outcome notifications when no Pub/Sub topic
	// is configured.
	localOutcomes *memorypublisher.Publisher

	closers         []func(context.Context) error
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	gcsClient       *storage.Client
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("building scan engine",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("artifacts_backend", cfg.Artifacts.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		Exporter:    cfg.Telemetry.Exporter,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		tracing: tp,
		relay:   &events.Relay{},
	}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace())
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clk := system.New()
	ids := uuid.New()

	store, err := a.setupTaskStore(ctx)
	if err != nil {
		return err
	}
	a.queue, err = queue.New(queue.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.BackoffBase(),
		MaxBackoff:    cfg.BackoffMax(),
		Lease:         cfg.Lease(),
		SweepInterval: time.Duration(cfg.Queue.SweepIntervalMs) * time.Millisecond,
	}, queue.Dependencies{
		Store:  store,
		Clock:  clk,
		IDGen:  ids,
		Events: a.relay,
		Logger: a.logger.Named("queue"),
	})
	if err != nil {
		return fmt.Errorf("queue init failed: %w", err)
	}

	a.pool, err = pool.New(pool.Config{
		Size:             cfg.Pool.Size,
		FailureThreshold: cfg.Pool.FailureThreshold,
		MemoryLimitMB:    cfg.Pool.MemoryLimitMB,
		MaxIdleAge:       time.Duration(cfg.Pool.MaxIdleAgeMs) * time.Millisecond,
		SweepInterval:    time.Duration(cfg.Pool.SweepIntervalMs) * time.Millisecond,
		LaunchTimeout:    time.Duration(cfg.Pool.LaunchTimeoutMs) * time.Millisecond,
	}, a.setupLauncher(), clk, a.relay, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("pool init failed: %w", err)
	}
	a.closers = append(a.closers, a.pool.Close)

	a.guard = safety.New(safety.Config{
		RateLimit:         cfg.RateLimit.Limit,
		RateWindow:        cfg.RateWindow(),
		MemoryCeilingMB:   cfg.Safety.MemoryCeilingMB,
		MaxURLs:           cfg.Safety.MaxURLs,
		MaxURLLength:      cfg.Safety.MaxURLLength,
		MaxSelectorLength: cfg.Safety.MaxSelectorLength,
		MaxViewport:       cfg.Safety.MaxViewport,
		MaxHeaders:        cfg.Safety.MaxHeaders,
		BlockedHosts:      cfg.Safety.BlockedHosts,
	}, clk, a.pool, a.logger.Named("safety"))

	a.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout(),
		OnStateChange: func(name string, _, to breaker.State) {
			a.metrics.SetBreakerState(name, to.Gauge())
		},
		TracerProvider: a.tracing,
	}, clk, a.relay, a.logger.Named("breaker"))

	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	job, err := a.setupScanner(blobs, clk)
	if err != nil {
		return err
	}

	workers := make([]dispatcher.Runner, 0, cfg.Workers.Count)
	for i := range cfg.Workers.Count {
		// Lease owners must be unique across processes sharing a durable store.
		w, err := worker.New(worker.Config{
			ID:             ids.NewWorkerID(fmt.Sprintf("worker-%d", i)),
			PollInterval:   cfg.PollInterval(),
			Backoff:        cfg.WorkerBackoff(),
			AcquireTimeout: cfg.AcquireTimeout(),
			JobTimeout:     cfg.JobTimeout(),
			Lease:          cfg.Lease(),
			Topic:          topic,
			NotifyTimeout:  cfg.NotifyTimeout(),
		}, worker.Dependencies{
			Queue:     a.queue,
			Pool:      a.pool,
			Guard:     a.guard,
			Breakers:  a.breakers,
			Job:       job,
			Publisher: publisher,
			Clock:     clk,
			Metrics:   a.metrics,
			Logger:    a.logger.Named("worker").With(zap.Int("index", i)),
			Tracing:   a.tracing,
		})
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		workers = append(workers, w)
	}

	a.monitor, err = health.New(health.Config{
		ProbeInterval:         cfg.ProbeInterval(),
		QueueDepthDegraded:    cfg.Health.QueueDepthDegraded,
		QueueDepthCritical:    cfg.Health.QueueDepthCritical,
		OldestQueuedDegraded:  time.Duration(cfg.Health.OldestQueuedDegradedMs) * time.Millisecond,
		OldestQueuedCritical:  time.Duration(cfg.Health.OldestQueuedCriticalMs) * time.Millisecond,
		PoolUnhealthyDegraded: cfg.Health.PoolUnhealthyDegraded,
		BreakerStuckAfter:     time.Duration(cfg.Health.BreakerStuckAfterMs) * time.Millisecond,
		RejectionsDegraded:    int64(cfg.Health.RejectionsDegraded),
		MaxRecoveryAttempts:   cfg.Health.MaxRecoveryAttempts,
		PauseDequeue:          time.Duration(cfg.Health.PauseDequeueMs) * time.Millisecond,
	}, health.Dependencies{
		Pool:     a.pool,
		Queue:    a.queue,
		Breakers: a.breakers,
		Guard:    a.guard,
		Clock:    clk,
		Recorder: a.metrics,
		Events:   a.relay,
		Logger:   a.logger.Named("health"),
	})
	if err != nil {
		return fmt.Errorf("health monitor init failed: %w", err)
	}

	if err := a.setupEvents(); err != nil {
		return err
	}

	a.dispatch, err = dispatcher.New(dispatcher.Config{}, dispatcher.Dependencies{
		Queue:   a.queue,
		Guard:   a.guard,
		Health:  a.monitor,
		Metrics: a.metrics,
		Logger:  a.logger.Named("dispatcher"),
	}, workers)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.metrics.WatchPool(a.pool.Snapshot)
	a.metrics.WatchSafety(a.guard.Counters)

	a.apiServer = api.NewServer(api.Dependencies{
		Submitter: a.dispatch,
		Tasks:     a.queue,
		Health:    a.monitor,
		Pool:      a.pool,
		Metrics:   a.metrics,
		Logger:    a.logger.Named("api"),
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
	})
	return nil
}

func (a *App) setupTaskStore(ctx context.Context) (scan.TaskStore, error) {
	switch a.cfg.Storage.Backend {
	case "bolt":
		store, err := boltstore.NewTaskStore(boltstore.Config{Path: a.cfg.Storage.BoltPath})
		if err != nil {
			return nil, fmt.Errorf("bolt task store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using bolt task store", zap.String("path", a.cfg.Storage.BoltPath))
		return store, nil
	case "postgres":
		store, err := pgstore.NewTaskStore(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.Table,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.MaxConnLifetime(),
			AutoMigrate:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres task store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		a.logger.Info("using postgres task store", zap.String("table", a.cfg.Database.Table))
		return store, nil
	default:
		a.logger.Info("using in-memory task store")
		return memorystorage.NewTaskStore(), nil
	}
}

func (a *App) setupLauncher() scan.BrowserLauncher {
	if !a.cfg.Headless.Enabled {
		a.logger.Warn("headless disabled, pool will hold stub browsers")
		return stub.NewLauncher(stub.Config{})
	}
	a.logger.Info("using chromedp launcher", zap.String("user_agent", a.cfg.Headless.UserAgent))
	return headless.NewLauncher(headless.Config{
		UserAgent:         a.cfg.Headless.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		ExecPath:          a.cfg.Headless.ExecPath,
	})
}

func (a *App) setupBlobStore(ctx context.Context) (scan.BlobStore, error) {
	switch a.cfg.Artifacts.Backend {
	case "gcs":
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Artifacts.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS artifact store", zap.String("bucket", a.cfg.Artifacts.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Artifacts.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local artifact store", zap.String("path", a.cfg.Artifacts.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory artifact store")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupPublisher returns the outcome publisher and the topic workers publish
// to. Without a configured topic, outcomes are kept in a bounded in-memory log.
func (a *App) setupPublisher(ctx context.Context) (scan.Publisher, string, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, keeping outcomes in memory",
			zap.String("topic", localOutcomeTopic),
			zap.Int("retain", localOutcomeRetention),
		)
		a.localOutcomes = memorypublisher.NewBounded(localOutcomeRetention)
		return a.localOutcomes, localOutcomeTopic, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), a.cfg.PubSub.TopicName, nil
}

func (a *App) setupScanner(blobs scan.BlobStore, clk scan.Clock) (*scanner.Runner, error) {
	deps := scanner.Dependencies{
		Blobs:    blobs,
		Hasher:   sha256.New(),
		Clock:    clk,
		Breakers: a.breakers,
		Politeness: ratelimit.New(ratelimit.Config{
			RPS:     a.cfg.Politeness.RPS,
			Burst:   a.cfg.Politeness.Burst,
			OnDelay: a.metrics.ObservePolitenessDelay,
		}),
		Logger: a.logger.Named("scanner"),
	}
	if a.cfg.Probe.Enabled {
		deps.Prober = probe.New(probe.Config{
			UserAgent: a.cfg.Headless.UserAgent,
			Timeout:   time.Duration(a.cfg.Probe.TimeoutSeconds) * time.Second,
		})
	}
	runner, err := scanner.New(scanner.Config{
		ContentType:    a.cfg.Artifacts.ContentType,
		ArtifactPrefix: a.cfg.Artifacts.Prefix,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("scanner init failed: %w", err)
	}
	return runner, nil
}

func (a *App) setupEvents() error {
	promSink, err := sinks.NewPrometheusSink(a.metrics.Registerer())
	if err != nil {
		return fmt.Errorf("event metrics init failed: %w", err)
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Events.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("events"),
	}, sinks.NewLogSink(a.logger.Named("lifecycle")), promSink, a.monitor)
	a.relay.Set(a.hub)
	return nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the pool, health monitor, workers and HTTP server and blocks
// until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a.pool.Start(ctx)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		a.monitor.Run(ctx)
	}()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	<-monitorDone

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases the pool, stores and clients. Workers must have stopped.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracing = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

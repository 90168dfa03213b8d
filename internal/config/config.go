// Package config loads and validates scan engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Job        JobConfig        `mapstructure:"job"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Health     HealthConfig     `mapstructure:"health"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Events     EventsConfig     `mapstructure:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	ShutdownGraceMs  int `mapstructure:"shutdown_grace_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkersConfig sizes the worker fan-out.
type WorkersConfig struct {
	Count          int `mapstructure:"count"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	BackoffMs      int `mapstructure:"backoff_ms"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	Size             int `mapstructure:"size"`
	AcquireTimeoutMs int `mapstructure:"acquire_timeout_ms"`
	FailureThreshold int `mapstructure:"failure_threshold"`
	MemoryLimitMB    int `mapstructure:"memory_limit_mb"`
	MaxIdleAgeMs     int `mapstructure:"max_idle_age_ms"`
	SweepIntervalMs  int `mapstructure:"sweep_interval_ms"`
	LaunchTimeoutMs  int `mapstructure:"launch_timeout_ms"`
}

// HeadlessConfig configures the Chrome launcher. Disabled means stub browsers.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	ExecPath      string `mapstructure:"exec_path"`
}

// JobConfig bounds a single job.
type JobConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// QueueConfig tunes retries and leases.
type QueueConfig struct {
	MaxAttempts     int `mapstructure:"max_attempts"`
	BackoffBaseMs   int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs    int `mapstructure:"backoff_max_ms"`
	LeaseMs         int `mapstructure:"lease_ms"`
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
}

// BreakerConfig holds circuit thresholds shared by every dependency.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	OpenTimeoutMs    int `mapstructure:"open_timeout_ms"`
}

// RateLimitConfig is the per-tenant admission window.
type RateLimitConfig struct {
	Limit    int `mapstructure:"limit"`
	WindowMs int `mapstructure:"window_ms"`
}

// SafetyConfig holds payload and memory limits.
type SafetyConfig struct {
	MemoryCeilingMB   int `mapstructure:"memory_ceiling_mb"`
	MaxURLs           int `mapstructure:"max_urls"`
	MaxURLLength      int `mapstructure:"max_url_length"`
	MaxSelectorLength int `mapstructure:"max_selector_length"`
	MaxViewport       int `mapstructure:"max_viewport"` // either axis, pixels
	MaxHeaders        int `mapstructure:"max_headers"`
	// BlockedHosts lists hosts or "*.suffix" patterns targets may not use.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// PolitenessConfig spaces requests to the same target host.
type PolitenessConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ProbeConfig controls the HTTP preflight.
type ProbeConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// HealthConfig holds probe cadence and classification thresholds.
type HealthConfig struct {
	ProbeIntervalMs        int     `mapstructure:"probe_interval_ms"`
	QueueDepthDegraded     int     `mapstructure:"queue_depth_degraded"`
	QueueDepthCritical     int     `mapstructure:"queue_depth_critical"`
	OldestQueuedDegradedMs int     `mapstructure:"oldest_queued_degraded_ms"`
	OldestQueuedCriticalMs int     `mapstructure:"oldest_queued_critical_ms"`
	PoolUnhealthyDegraded  float64 `mapstructure:"pool_unhealthy_degraded"`
	BreakerStuckAfterMs    int     `mapstructure:"breaker_stuck_after_ms"`
	RejectionsDegraded     int     `mapstructure:"rejections_degraded"`
	MaxRecoveryAttempts    int     `mapstructure:"max_recovery_attempts"`
	PauseDequeueMs         int     `mapstructure:"pause_dequeue_ms"`
}

// StorageConfig selects the task store.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	BoltPath string `mapstructure:"bolt_path"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime string `mapstructure:"max_conn_lifetime"`
	Table           string `mapstructure:"table"`
}

// ArtifactsConfig selects where rendered pages are stored.
type ArtifactsConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
	LocalDir    string `mapstructure:"local_dir"`
}

// PubSubConfig holds metadata for outcome notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// NotifyTimeoutMs bounds a single outcome publish.
	NotifyTimeoutMs int `mapstructure:"notify_timeout_ms"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int `mapstructure:"sink_timeout_ms"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_ms", 60000)
	v.SetDefault("server.shutdown_grace_ms", 10000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll_interval_ms", 250)
	v.SetDefault("workers.backoff_ms", 500)
	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.acquire_timeout_ms", 5000)
	v.SetDefault("pool.failure_threshold", 3)
	v.SetDefault("pool.memory_limit_mb", 1024)
	v.SetDefault("pool.max_idle_age_ms", 600000)
	v.SetDefault("pool.sweep_interval_ms", 30000)
	v.SetDefault("pool.launch_timeout_ms", 30000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.user_agent", "scan-engine/0.1")
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("job.timeout_ms", 60000)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 300000)
	v.SetDefault("queue.lease_ms", 120000)
	v.SetDefault("queue.sweep_interval_ms", 5000)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout_ms", 30000)
	v.SetDefault("ratelimit.limit", 10)
	v.SetDefault("ratelimit.window_ms", 60000)
	v.SetDefault("safety.memory_ceiling_mb", 4096)
	v.SetDefault("safety.max_urls", 25)
	v.SetDefault("safety.max_url_length", 2048)
	v.SetDefault("safety.max_selector_length", 512)
	v.SetDefault("safety.max_viewport", 4096)
	v.SetDefault("safety.max_headers", 32)
	v.SetDefault("safety.blocked_hosts", []string{"localhost", "metadata.google.internal"})
	v.SetDefault("politeness.rps", 1.0)
	v.SetDefault("politeness.burst", 2)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_seconds", 15)
	v.SetDefault("health.probe_interval_ms", 10000)
	v.SetDefault("health.queue_depth_degraded", 100)
	v.SetDefault("health.queue_depth_critical", 1000)
	v.SetDefault("health.oldest_queued_degraded_ms", 60000)
	v.SetDefault("health.oldest_queued_critical_ms", 600000)
	v.SetDefault("health.pool_unhealthy_degraded", 0.01)
	v.SetDefault("health.breaker_stuck_after_ms", 300000)
	v.SetDefault("health.rejections_degraded", 50)
	v.SetDefault("health.max_recovery_attempts", 3)
	v.SetDefault("health.pause_dequeue_ms", 15000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bolt_path", "scanengine.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.table", "scan_tasks")
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "scans")
	v.SetDefault("artifacts.content_type", "text/html; charset=utf-8")
	v.SetDefault("artifacts.local_dir", "artifacts")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.notify_timeout_ms", 10000)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.sink_timeout_ms", 5000)
	v.SetDefault("telemetry.service_name", "scan-engine")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.AcquireTimeoutMs <= 0 {
		return fmt.Errorf("pool.acquire_timeout_ms must be > 0")
	}
	if c.Job.TimeoutMs <= 0 {
		return fmt.Errorf("job.timeout_ms must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.BackoffBaseMs <= 0 {
		return fmt.Errorf("queue.backoff_base_ms must be > 0")
	}
	// The lease covers the wait for a browser as well as the job itself.
	if c.Queue.LeaseMs <= c.Pool.AcquireTimeoutMs+c.Job.TimeoutMs {
		return fmt.Errorf("queue.lease_ms must exceed pool.acquire_timeout_ms + job.timeout_ms")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be > 0")
	}
	if c.Breaker.OpenTimeoutMs <= 0 {
		return fmt.Errorf("breaker.open_timeout_ms must be > 0")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("ratelimit.limit and ratelimit.window_ms must be > 0")
	}
	if c.Safety.MaxURLLength <= 0 || c.Safety.MaxSelectorLength <= 0 || c.Safety.MaxViewport <= 0 || c.Safety.MaxHeaders <= 0 {
		return fmt.Errorf("safety.max_url_length, max_selector_length, max_viewport and max_headers must be > 0")
	}
	if c.Health.ProbeIntervalMs <= 0 {
		return fmt.Errorf("health.probe_interval_ms must be > 0")
	}
	if c.Health.QueueDepthCritical < c.Health.QueueDepthDegraded {
		return fmt.Errorf("health.queue_depth_critical must be >= health.queue_depth_degraded")
	}
	switch c.Storage.Backend {
	case "memory":
	case "bolt":
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required for the bolt backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, bolt, postgres", c.Storage.Backend)
	}
	switch c.Artifacts.Backend {
	case "memory", "local":
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend %q is not one of memory, local, gcs", c.Artifacts.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// RequestTimeout bounds a single HTTP request.
func (c Config) RequestTimeout() time.Duration { return ms(c.Server.RequestTimeoutMs) }

// ShutdownGrace bounds graceful shutdown.
func (c Config) ShutdownGrace() time.Duration { return ms(c.Server.ShutdownGraceMs) }

// PollInterval is how long an idle worker waits before polling again.
func (c Config) PollInterval() time.Duration { return ms(c.Workers.PollIntervalMs) }

// WorkerBackoff delays a requeued task after backpressure.
func (c Config) WorkerBackoff() time.Duration { return ms(c.Workers.BackoffMs) }

// AcquireTimeout bounds the wait for a pooled browser.
func (c Config) AcquireTimeout() time.Duration { return ms(c.Pool.AcquireTimeoutMs) }

// JobTimeout bounds one job attempt.
func (c Config) JobTimeout() time.Duration { return ms(c.Job.TimeoutMs) }

// BackoffBase is the retry backoff unit.
func (c Config) BackoffBase() time.Duration { return ms(c.Queue.BackoffBaseMs) }

// BackoffMax caps the retry backoff.
func (c Config) BackoffMax() time.Duration { return ms(c.Queue.BackoffMaxMs) }

// Lease is how long a claim is held before the sweeper reclaims it.
func (c Config) Lease() time.Duration { return ms(c.Queue.LeaseMs) }

// NotifyTimeout bounds one outcome publish.
func (c Config) NotifyTimeout() time.Duration { return ms(c.PubSub.NotifyTimeoutMs) }

// OpenTimeout is how long a tripped circuit stays open.
func (c Config) OpenTimeout() time.Duration { return ms(c.Breaker.OpenTimeoutMs) }

// RateWindow is the per-tenant admission window.
func (c Config) RateWindow() time.Duration { return ms(c.RateLimit.WindowMs) }

// ProbeInterval is the health probe cadence.
func (c Config) ProbeInterval() time.Duration { return ms(c.Health.ProbeIntervalMs) }

// MaxConnLifetime parses database.max_conn_lifetime, defaulting to 30m.
func (c Config) MaxConnLifetime() time.Duration {
	d, err := time.ParseDuration(c.Database.MaxConnLifetime)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

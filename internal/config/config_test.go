package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Workers.Count)
	require.Equal(t, 2, cfg.Pool.Size)
	require.Equal(t, 5*time.Second, cfg.AcquireTimeout())
	require.Equal(t, time.Minute, cfg.JobTimeout())
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, time.Second, cfg.BackoffBase())
	require.Equal(t, 5*time.Minute, cfg.BackoffMax())
	require.Equal(t, 2*time.Minute, cfg.Lease())
	require.Equal(t, 30*time.Second, cfg.OpenTimeout())
	require.Equal(t, 10, cfg.RateLimit.Limit)
	require.Equal(t, time.Minute, cfg.RateWindow())
	require.Equal(t, 10*time.Second, cfg.ProbeInterval())
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "memory", cfg.Artifacts.Backend)
	require.Equal(t, 30*time.Minute, cfg.MaxConnLifetime())
	require.False(t, cfg.Headless.Enabled)
	require.Equal(t, 2048, cfg.Safety.MaxURLLength)
	require.Equal(t, 512, cfg.Safety.MaxSelectorLength)
	require.Equal(t, 4096, cfg.Safety.MaxViewport)
	require.Equal(t, 32, cfg.Safety.MaxHeaders)
	require.Equal(t, 10*time.Second, cfg.NotifyTimeout())
	require.Equal(t, "scan-engine", cfg.Telemetry.ServiceName)
	require.Equal(t, "none", cfg.Telemetry.Exporter)
	require.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
workers:
  count: 8
pool:
  size: 3
  acquire_timeout_ms: 2000
job:
  timeout_ms: 30000
queue:
  max_attempts: 5
  lease_ms: 45000
storage:
  backend: bolt
  bolt_path: /tmp/tasks.db
artifacts:
  backend: gcs
  bucket: scans-bucket
  prefix: renders
pubsub:
  project_id: proj
  topic_name: scan-outcomes
  notify_timeout_ms: 3000
telemetry:
  exporter: stdout
  sample_ratio: 0.25
safety:
  max_url_length: 512
  max_selector_length: 64
  max_viewport: 1920
  max_headers: 8
database:
  max_conn_lifetime: 5m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 8, cfg.Workers.Count)
	require.Equal(t, 3, cfg.Pool.Size)
	require.Equal(t, 2*time.Second, cfg.AcquireTimeout())
	require.Equal(t, 30*time.Second, cfg.JobTimeout())
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, 45*time.Second, cfg.Lease())
	require.Equal(t, "bolt", cfg.Storage.Backend)
	require.Equal(t, "/tmp/tasks.db", cfg.Storage.BoltPath)
	require.Equal(t, "scans-bucket", cfg.Artifacts.Bucket)
	require.Equal(t, "renders", cfg.Artifacts.Prefix)
	require.Equal(t, "scan-outcomes", cfg.PubSub.TopicName)
	require.Equal(t, 5*time.Minute, cfg.MaxConnLifetime())
	require.Equal(t, 3*time.Second, cfg.NotifyTimeout())
	require.Equal(t, 512, cfg.Safety.MaxURLLength)
	require.Equal(t, 64, cfg.Safety.MaxSelectorLength)
	require.Equal(t, 1920, cfg.Safety.MaxViewport)
	require.Equal(t, 8, cfg.Safety.MaxHeaders)
	require.Equal(t, "stdout", cfg.Telemetry.Exporter)
	require.InDelta(t, 0.25, cfg.Telemetry.SampleRatio, 1e-9)
	// Untouched keys keep their defaults.
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
pool:
  size: 0
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "pool.size must be > 0")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"workers", func(c *Config) { c.Workers.Count = 0 }, "workers.count"},
		{"acquire", func(c *Config) { c.Pool.AcquireTimeoutMs = 0 }, "pool.acquire_timeout_ms"},
		{"job timeout", func(c *Config) { c.Job.TimeoutMs = 0 }, "job.timeout_ms"},
		{"attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"lease", func(c *Config) { c.Queue.LeaseMs = c.Job.TimeoutMs }, "queue.lease_ms"},
		{"lease without acquire headroom", func(c *Config) {
			c.Queue.LeaseMs = c.Job.TimeoutMs + c.Pool.AcquireTimeoutMs
		}, "pool.acquire_timeout_ms + job.timeout_ms"},
		{"url length", func(c *Config) { c.Safety.MaxURLLength = 0 }, "safety.max_url_length"},
		{"headers", func(c *Config) { c.Safety.MaxHeaders = -1 }, "max_headers"},
		{"breaker", func(c *Config) { c.Breaker.SuccessThreshold = 0 }, "breaker thresholds"},
		{"ratelimit", func(c *Config) { c.RateLimit.WindowMs = 0 }, "ratelimit"},
		{"health depth", func(c *Config) { c.Health.QueueDepthCritical = 1 }, "queue_depth_critical"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"postgres dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "database.dsn"},
		{"bolt path", func(c *Config) { c.Storage.Backend = "bolt"; c.Storage.BoltPath = "" }, "storage.bolt_path"},
		{"gcs bucket", func(c *Config) { c.Artifacts.Backend = "gcs" }, "artifacts.bucket"},
		{"artifact backend", func(c *Config) { c.Artifacts.Backend = "s3" }, "artifacts.backend"},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"trace exporter", func(c *Config) { c.Telemetry.Exporter = "jaeger" }, "telemetry.exporter"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.want)
		})
	}
}

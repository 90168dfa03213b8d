// Package metrics exposes Prometheus collectors for the scan engine. A single
// Metrics value is built at startup and handed to the components that record.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/safety"
)

// Job outcome labels.
const (
	OutcomeCompleted      = "completed"
	OutcomeRetryScheduled = "retry_scheduled"
	OutcomeDeadLettered   = "dead_lettered"
	OutcomeRequeued       = "requeued"
	OutcomeLeaseLost      = "lease_lost"
)

// Submission result labels.
const (
	SubmitAccepted    = "accepted"
	SubmitInvalid     = "invalid"
	SubmitRateLimited = "rate_limited"
	SubmitUnavailable = "unavailable"
)

// Metrics owns every engine collector.
type Metrics struct {
	registry prometheus.Gatherer
	reg      prometheus.Registerer

	jobsProcessed       *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeWorkers       prometheus.Gauge
	submissions         *prometheus.CounterVec
	circuitOpenRejected *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	politenessDelay     *prometheus.HistogramVec
	queueTasks          *prometheus.GaugeVec
	oldestQueued        prometheus.Gauge
	healthStatus        *prometheus.GaugeVec
	recoveryActions     *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		reg:      reg,
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_jobs_processed_total",
			Help: "Job attempts processed by workers, labeled by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_engine_job_duration_seconds",
			Help:    "Wall time of job attempts, labeled by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scan_engine_active_workers",
			Help: "Workers currently executing a job.",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_submissions_total",
			Help: "Job submissions, labeled by admission result.",
		}, []string{"result"}),
		circuitOpenRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_circuit_open_total",
			Help: "Attempts failed fast because a circuit was open, labeled by breaker.",
		}, []string{"breaker"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scan_engine_breaker_state",
			Help: "Circuit state per breaker: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		politenessDelay: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_engine_politeness_delay_seconds",
			Help:    "Time spent waiting on per-host politeness limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		queueTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scan_engine_queue_tasks",
			Help: "Tasks in the queue by status, sampled each health cycle.",
		}, []string{"status"}),
		oldestQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scan_engine_queue_oldest_queued_seconds",
			Help: "Age of the oldest queued task, sampled each health cycle.",
		}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scan_engine_health_status",
			Help: "Component health: 0 healthy, 1 degraded, 2 critical.",
		}, []string{"component"}),
		recoveryActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_engine_recovery_attempts_total",
			Help: "Automatic recovery actions taken, labeled by action and result.",
		}, []string{"action", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registerer exposes the registry so other collectors (event sinks) can join it.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchPool exports pool occupancy as gauges read at scrape time.
func (m *Metrics) WatchPool(snapshot func() pool.Snapshot) {
	gauge := func(name, help string, read func(pool.Snapshot) int) {
		promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(read(snapshot()))
		})
	}
	gauge("scan_engine_pool_capacity", "Configured pool size.", func(s pool.Snapshot) int { return s.Capacity })
	gauge("scan_engine_pool_idle", "Idle pooled browsers.", func(s pool.Snapshot) int { return s.Idle })
	gauge("scan_engine_pool_in_use", "Pooled browsers executing a job.", func(s pool.Snapshot) int { return s.InUse })
	gauge("scan_engine_pool_unhealthy", "Quarantined browsers awaiting replacement.", func(s pool.Snapshot) int { return s.Unhealthy })
	gauge("scan_engine_pool_missing", "Capacity lost to failed launches.", func(s pool.Snapshot) int { return s.Missing })
	gauge("scan_engine_pool_memory_mb", "Aggregate memory of pooled browsers.", func(s pool.Snapshot) int { return s.MemoryMB })
}

// WatchSafety exports guard rejection totals read at scrape time.
func (m *Metrics) WatchSafety(counters func() safety.Counters) {
	counter := func(reason string, read func(safety.Counters) int64) {
		promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
			Name:        "scan_engine_safety_rejections_total",
			Help:        "Requests or jobs rejected by the safety guard, labeled by reason.",
			ConstLabels: prometheus.Labels{"reason": reason},
		}, func() float64 {
			return float64(read(counters()))
		})
	}
	counter("validation", func(c safety.Counters) int64 { return c.Validation })
	counter("rate_limit", func(c safety.Counters) int64 { return c.RateLimited })
	counter("timeout", func(c safety.Counters) int64 { return c.Timeout })
	counter("memory", func(c safety.Counters) int64 { return c.Memory })
}

// ObserveJob records one processed attempt.
func (m *Metrics) ObserveJob(outcome string, duration time.Duration) {
	m.jobsProcessed.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.jobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// IncActiveWorkers increments the active workers gauge.
func (m *Metrics) IncActiveWorkers() {
	m.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (m *Metrics) DecActiveWorkers() {
	m.activeWorkers.Dec()
}

// ObserveSubmission records an admission decision.
func (m *Metrics) ObserveSubmission(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

// ObserveCircuitOpen counts a fast failure caused by an open breaker.
func (m *Metrics) ObserveCircuitOpen(breaker string) {
	m.circuitOpenRejected.WithLabelValues(breaker).Inc()
}

// SetBreakerState records a breaker's state as 0 closed, 1 half-open or 2 open.
func (m *Metrics) SetBreakerState(breaker string, state int) {
	m.breakerState.WithLabelValues(breaker).Set(float64(state))
}

// ObservePolitenessDelay records a per-host wait.
func (m *Metrics) ObservePolitenessDelay(host string, waited time.Duration) {
	m.politenessDelay.WithLabelValues(host).Observe(waited.Seconds())
}

// SetQueueStats records queue depth by status and the oldest queued age.
func (m *Metrics) SetQueueStats(counts map[string]int, oldest time.Duration) {
	for status, n := range counts {
		m.queueTasks.WithLabelValues(status).Set(float64(n))
	}
	m.oldestQueued.Set(oldest.Seconds())
}

// SetHealth records a component status as 0 healthy, 1 degraded or 2 critical.
func (m *Metrics) SetHealth(component string, level int) {
	m.healthStatus.WithLabelValues(component).Set(float64(level))
}

// ObserveRecovery counts a recovery action.
func (m *Metrics) ObserveRecovery(action string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.recoveryActions.WithLabelValues(action, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

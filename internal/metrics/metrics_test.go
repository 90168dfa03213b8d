package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/safety"
)

func TestJobAndSubmissionCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveJob(OutcomeCompleted, time.Second)
	m.ObserveJob(OutcomeCompleted, 0)
	m.ObserveJob(OutcomeDeadLettered, 2*time.Second)
	m.ObserveSubmission(SubmitRateLimited)
	m.ObserveCircuitOpen("browser")
	m.IncActiveWorkers()
	m.IncActiveWorkers()
	m.DecActiveWorkers()

	require.InDelta(t, 2, testutil.ToFloat64(m.jobsProcessed.WithLabelValues(OutcomeCompleted)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.jobsProcessed.WithLabelValues(OutcomeDeadLettered)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.submissions.WithLabelValues(SubmitRateLimited)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.circuitOpenRejected.WithLabelValues("browser")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.activeWorkers), 0)
}

func TestWatchPoolAndSafety(t *testing.T) {
	t.Parallel()

	m := New()
	m.WatchPool(func() pool.Snapshot { return pool.Snapshot{Capacity: 4, Idle: 1, InUse: 3, MemoryMB: 512} })
	m.WatchSafety(func() safety.Counters { return safety.Counters{RateLimited: 7} })

	body := scrape(t, m)
	require.Contains(t, body, "scan_engine_pool_in_use 3")
	require.Contains(t, body, "scan_engine_pool_memory_mb 512")
	require.Contains(t, body, `scan_engine_safety_rejections_total{reason="rate_limit"} 7`)
}

func TestHealthAndQueueGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetQueueStats(map[string]int{"queued": 12, "active": 2}, 90*time.Second)
	m.SetHealth("task_queue", 1)
	m.SetBreakerState("browser", 2)
	m.ObserveRecovery("pause_dequeues", true)

	require.InDelta(t, 12, testutil.ToFloat64(m.queueTasks.WithLabelValues("queued")), 0)
	require.InDelta(t, 90, testutil.ToFloat64(m.oldestQueued), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.healthStatus.WithLabelValues("task_queue")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.breakerState.WithLabelValues("browser")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.recoveryActions.WithLabelValues("pause_dequeues", "ok")), 0)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	t.Parallel()

	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/jobs/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	require.InDelta(t, 2, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "404")), 0)
	require.Equal(t, 1, testutil.CollectAndCount(m.httpDuration))
	require.Contains(t, scrape(t, m), `route="/v1/jobs/{task_id}"`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(body))
}

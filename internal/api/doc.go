// Package api hosts the HTTP server, middleware, and REST handlers for the
// scan engine. Notable routes:
//   - POST /v1/jobs to submit a scan, GET /v1/jobs/{task_id} for its status.
//   - POST /v1/jobs/{task_id}/retry and GET /v1/dead-letters for dead-letter handling.
//   - GET /v1/health and /v1/stats for the latest health reports and queue/pool figures.
//   - GET /healthz / readyz for Kubernetes probes, /metrics for Prometheus.
package api

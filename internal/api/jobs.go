package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ggicci/httpin"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/dispatcher"
	"github.com/JakeFAU/scan-engine/internal/health"
	"github.com/JakeFAU/scan-engine/internal/pool"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type submitRequest struct {
	Payload     scan.Payload `json:"payload"`
	Priority    int          `json:"priority"`
	TenantKey   string       `json:"tenant_key"`
	MaxAttempts int          `json:"max_attempts"`
}

type taskPathInput struct {
	TaskID string `in:"path=task_id"`
}

type deadLetterInput struct {
	Limit int `in:"query=limit"`
}

type taskView struct {
	TaskID      string          `json:"task_id"`
	Kind        scan.JobKind    `json:"kind"`
	Status      scan.TaskStatus `json:"status"`
	Priority    int             `json:"priority"`
	TenantKey   string          `json:"tenant_key"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	AvailableAt time.Time       `json:"available_at"`
	Result      *scan.Result    `json:"result,omitempty"`
}

func toTaskView(t scan.Task) taskView {
	return taskView{
		TaskID:      t.ID,
		Kind:        t.Payload.Kind,
		Status:      t.Status,
		Priority:    t.Priority,
		TenantKey:   t.TenantKey,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		AvailableAt: t.AvailableAt,
		Result:      t.Result,
	}
}

func (s *Server) registerJobs(r chi.Router) {
	r.Post("/jobs", s.submitJob)
	r.With(httpin.NewInput(taskPathInput{})).Get("/jobs/{task_id}", s.getJob)
	r.With(httpin.NewInput(taskPathInput{})).Post("/jobs/{task_id}/retry", s.retryJob)
	r.With(httpin.NewInput(deadLetterInput{})).Get("/dead-letters", s.listDeadLetters)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.TenantKey = strings.TrimSpace(req.TenantKey)
	if req.TenantKey == "" {
		writeError(w, http.StatusBadRequest, "tenant_key is required")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}
	id, err := s.deps.Submitter.Submit(r.Context(), dispatcher.Submission{
		Payload:     req.Payload,
		Priority:    req.Priority,
		TenantKey:   req.TenantKey,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scan.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scan.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, scan.ErrNotAccepting):
		writeError(w, http.StatusServiceUnavailable, "engine is not accepting new jobs")
	default:
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*taskPathInput)
	task, err := s.deps.Tasks.Get(r.Context(), in.TaskID)
	if err != nil {
		s.writeTaskError(w, in.TaskID, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*taskPathInput)
	task, err := s.deps.Tasks.RetryDeadLettered(r.Context(), in.TaskID)
	if err != nil {
		s.writeTaskError(w, in.TaskID, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskView(task))
}

func (s *Server) writeTaskError(w http.ResponseWriter, taskID string, err error) {
	switch {
	case errors.Is(err, scan.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, scan.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("task lookup failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
	}
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	in := r.Context().Value(httpin.Input).(*deadLetterInput)
	limit := in.Limit
	switch {
	case limit < 0:
		writeError(w, http.StatusBadRequest, "limit must be positive")
		return
	case limit == 0:
		limit = defaultDeadLetterLimit
	case limit > maxDeadLetterLimit:
		limit = maxDeadLetterLimit
	}
	tasks, err := s.deps.Tasks.ListDeadLettered(r.Context(), limit)
	if err != nil {
		s.logger.Error("list dead letters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

type healthResponse struct {
	Overall   health.Status   `json:"overall"`
	Escalated bool            `json:"escalated"`
	Reports   []health.Report `json:"reports"`
}

func (s *Server) healthReport(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor unavailable")
		return
	}
	reports, overall := s.deps.Health.Latest()
	writeJSON(w, http.StatusOK, healthResponse{
		Overall:   overall,
		Escalated: s.deps.Health.Escalated(),
		Reports:   reports,
	})
}

type statsResponse struct {
	Counts             map[scan.TaskStatus]int `json:"counts"`
	OldestQueuedAgeMs  int64                   `json:"oldest_queued_age_ms"`
	PoolUtilizationPct float64                 `json:"pool_utilization_pct"`
	Pool               *pool.Snapshot          `json:"pool,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tasks.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	resp := statsResponse{
		Counts:            stats.Counts,
		OldestQueuedAgeMs: stats.OldestQueuedAge.Milliseconds(),
	}
	if s.deps.Pool != nil {
		snap := s.deps.Pool.Snapshot()
		resp.PoolUtilizationPct = snap.Utilization()
		resp.Pool = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"siteops/internal/api/middleware"
	"siteops/internal/app/monitor"
	"siteops/internal/app/service"
	"siteops/internal/app/worker"
	"siteops/internal/common"
	"siteops/internal/domain/model"

	"github.com/go-chi/chi/v5"
)

// QueueService is the ContentQueue surface the ops API uses.
type QueueService interface {
	Enqueue(ctx context.Context, job *model.QueueJob) (string, error)
	Health(ctx context.Context) service.QueueHealth
	Counts(ctx context.Context, jobTypes []string) (map[model.JobStatus]int, error)
	Snapshot(ctx context.Context) (monitor.Snapshot, error)
}

type QueueHandler struct {
	queue      QueueService
	thresholds monitor.Thresholds
	plan       worker.ConcurrencyPlan
	logger     *slog.Logger
}

func NewQueueHandler(queue QueueService, thresholds monitor.Thresholds, plan worker.ConcurrencyPlan, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, thresholds: thresholds, plan: plan, logger: logger}
}

func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.getHealth) // GET /api/v1/queue/health
	r.Get("/alerts", h.getAlerts) // GET /api/v1/queue/alerts

	r.Group(func(adminRouter chi.Router) {
		adminRouter.Use(middleware.Authenticator)
		adminRouter.Use(middleware.AdminOnly)
		adminRouter.Post("/jobs", h.enqueueJob) // POST /api/v1/queue/jobs
	})
}

type QueueHealthResponse struct {
	service.QueueHealth
	Counts      map[model.JobStatus]int `json:"counts"`
	Concurrency worker.ConcurrencyPlan  `json:"concurrency"`
}

func (h *QueueHandler) getHealth(w http.ResponseWriter, r *http.Request) {
	var jobTypes []string
	if raw := r.URL.Query().Get("jobTypes"); raw != "" {
		jobTypes = strings.Split(raw, ",")
	}
	counts, err := h.queue.Counts(r.Context(), jobTypes)
	if err != nil {
		h.logger.Error("queue health: failed to count jobs", "error", err)
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, QueueHealthResponse{
		QueueHealth: h.queue.Health(r.Context()),
		Counts:      counts,
		Concurrency: h.plan,
	})
}

type AlertsResponse struct {
	Snapshot   monitor.Snapshot   `json:"snapshot"`
	Thresholds monitor.Thresholds `json:"thresholds"`
	Alerts     []monitor.SLOAlert `json:"alerts"`
}

func (h *QueueHandler) getAlerts(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.queue.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("queue alerts: failed to read snapshot", "error", err)
		common.RespondWithErr(w, err)
		return
	}
	common.RespondWithJSON(w, http.StatusOK, AlertsResponse{
		Snapshot:   snapshot,
		Thresholds: h.thresholds,
		Alerts:     monitor.BuildAlerts(snapshot, h.thresholds),
	})
}

type EnqueueJobRequest struct {
	JobType      string          `json:"jobType"`
	DomainID     *string         `json:"domainId,omitempty"`
	ArticleID    *string         `json:"articleId,omitempty"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
}

func (h *QueueHandler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if !worker.ValidJobType(req.JobType) {
		common.RespondWithError(w, http.StatusBadRequest, "jobType must match [a-zA-Z0-9_]+")
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		common.RespondWithError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	id, err := h.queue.Enqueue(r.Context(), &model.QueueJob{
		JobType:      req.JobType,
		DomainID:     req.DomainID,
		ArticleID:    req.ArticleID,
		Priority:     req.Priority,
		Payload:      req.Payload,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		h.logger.Error("failed to enqueue job", "job_type", req.JobType, "error", err)
		common.RespondWithErr(w, err)
		return
	}

	operator, _ := middleware.GetOperatorFromContext(r.Context())
	h.logger.Info("job enqueued via ops api", "job_id", id, "job_type", req.JobType, "operator", operator)
	common.RespondWithJSON(w, http.StatusCreated, map[string]string{"id": id})
}

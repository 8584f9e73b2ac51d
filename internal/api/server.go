// Package api exposes the administrative HTTP surface: thin JSON CRUD over
// the queue registry, job lifecycle manager, scheduled-job registry, and
// dashboard.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conveyor/internal/dashboard"
	"conveyor/internal/domain"
	"conveyor/internal/jobs"
	"conveyor/internal/queue"
	"conveyor/internal/schedules"
)

type Server struct {
	queues    *queue.Service
	jobs      *jobs.Service
	schedules *schedules.Service
	dashboard *dashboard.Service
}

func NewServer(qs *queue.Service, js *jobs.Service, ss *schedules.Service, ds *dashboard.Service) http.Handler {
	s := &Server{queues: qs, jobs: js, schedules: ss, dashboard: ds}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/queues", s.createQueue)
		r.Get("/queues", s.listQueues)
		r.Get("/queues/{id}", s.getQueue)
		r.Patch("/queues/{id}", s.updateQueue)
		r.Delete("/queues/{id}", s.deleteQueue)
		r.Post("/queues/{id}/pause", s.pauseQueue)
		r.Post("/queues/{id}/resume", s.resumeQueue)
		r.Get("/queues/{id}/stats", s.queueStats)
		r.Delete("/queues/{id}/jobs", s.clearQueue)
		r.Post("/queues/{id}/retry-failed", s.retryAllFailed)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/retry", s.retryJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/trigger", s.triggerSchedule)

		r.Get("/dashboard", s.getDashboard)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ---- queues ----

type createQueueReq struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Concurrency  int    `json:"concurrency"`
	MaxRetries   int    `json:"max_retries"`
	RetryDelayMs int    `json:"retry_delay_ms"`
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	q, err := s.queues.Create(r.Context(), req.Name, queue.CreateOpts{
		Description:  req.Description,
		Concurrency:  req.Concurrency,
		MaxRetries:   req.MaxRetries,
		RetryDelayMs: req.RetryDelayMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.queues.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.queues.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type updateQueueReq struct {
	Description  *string `json:"description"`
	Concurrency  *int    `json:"concurrency"`
	MaxRetries   *int    `json:"max_retries"`
	RetryDelayMs *int    `json:"retry_delay_ms"`
}

func (s *Server) updateQueue(w http.ResponseWriter, r *http.Request) {
	var req updateQueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := s.queues.Update(r.Context(), chi.URLParam(r, "id"), queue.UpdateOpts{
		Description:  req.Description,
		Concurrency:  req.Concurrency,
		MaxRetries:   req.MaxRetries,
		RetryDelayMs: req.RetryDelayMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	n, err := s.queues.Clear(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) retryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.RetryAllFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// ---- jobs ----

type createJobReq struct {
	QueueID  string          `json:"queue_id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`
	DelayMs  int             `json:"delay_ms"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	j, err := s.jobs.Enqueue(r.Context(), req.QueueID, req.Name, req.Data, jobs.EnqueueOpts{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.jobs.List(r.Context(), q.Get("queue"), domain.JobStatus(q.Get("status")), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type retryJobReq struct {
	ResetAttempts bool `json:"reset_attempts"`
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	var req retryJobReq
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	j, err := s.jobs.Retry(r.Context(), chi.URLParam(r, "id"), req.ResetAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- schedules ----

type createScheduleReq struct {
	QueueID     string          `json:"queue_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	CronExpr    string          `json:"cron_expr"`
	Timezone    string          `json:"timezone"`
	Data        json.RawMessage `json:"data"`
	Enabled     bool            `json:"is_enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	}
	sj, err := s.schedules.Create(r.Context(), schedules.CreateOpts{
		QueueID:     req.QueueID,
		Name:        req.Name,
		Description: req.Description,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		Data:        req.Data,
		Enabled:     req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sj)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.schedules.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sj, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sj)
}

type updateScheduleReq struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	CronExpr    *string         `json:"cron_expr"`
	Timezone    *string         `json:"timezone"`
	Data        json.RawMessage `json:"data"`
	Enabled     *bool           `json:"is_enabled"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sj, err := s.schedules.Update(r.Context(), chi.URLParam(r, "id"), schedules.UpdateOpts{
		Name:        req.Name,
		Description: req.Description,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		Data:        req.Data,
		Enabled:     req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sj)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	j, err := s.schedules.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ---- dashboard ----

func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := s.dashboard.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrQueueNotFound),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrScheduleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrQueueExists),
		errors.Is(err, domain.ErrQueueInUse),
		errors.Is(err, domain.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrBadSchedule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

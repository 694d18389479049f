// ============================================================================
// Memoraph HTTP API - Task Submission and Control Surface
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Thin JSON-over-HTTP facade in front of the producer. The API
//          never touches Redis or Postgres directly; every route delegates
//          to a producer method so the journal-first enqueue ordering holds
//          regardless of transport.
//
// Routes:
//   POST /v1/tasks/episode          enqueue add_episode
//   POST /v1/tasks/communities      enqueue rebuild_communities
//   POST /v1/tasks/deduplicate      enqueue deduplicate_entities
//   POST /v1/tasks/refresh          enqueue incremental_refresh
//   POST /v1/tasks/{id}/retry       control: retry
//   POST /v1/tasks/{id}/stop        control: stop (cancel is an alias)
//   GET  /v1/tasks/{id}             journal row
//   GET  /v1/tasks?limit=N          newest journal rows
//   GET  /v1/groups/{group}/depth   queued envelope count
//   GET  /v1/stats?window=1h        per-status counts over a window
//   GET  /healthz                   liveness
//   GET  /metrics                   Prometheus exposition
//
// ============================================================================

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/producer"
	"github.com/memoraph/memoraph/pkg/types"
)

const (
	defaultListLimit   = 50
	defaultStatsWindow = time.Hour
)

// Server exposes the producer over HTTP.
type Server struct {
	producer *producer.Producer
	logger   *slog.Logger
	router   chi.Router
}

// New builds the server and its route table.
func New(p *producer.Producer, logger *slog.Logger) *Server {
	s := &Server{producer: p, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks/episode", s.handleEnqueueEpisode)
		r.Post("/tasks/communities", s.handleEnqueueCommunities)
		r.Post("/tasks/deduplicate", s.handleEnqueueDeduplicate)
		r.Post("/tasks/refresh", s.handleEnqueueRefresh)

		r.Post("/tasks/{id}/retry", s.handleRetry)
		r.Post("/tasks/{id}/stop", s.handleStop)
		r.Post("/tasks/{id}/cancel", s.handleStop)
		r.Get("/tasks/{id}", s.handleTaskStatus)
		r.Get("/tasks", s.handleTaskList)

		r.Get("/groups/{group}/depth", s.handleGroupDepth)
		r.Get("/stats", s.handleStats)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ----------------------------------------------------------------------------
// Enqueue routes
// ----------------------------------------------------------------------------

type episodeRequest struct {
	GroupID           string `json:"group_id"`
	EpisodeID         string `json:"episode_id"`
	Name              string `json:"name"`
	Content           string `json:"content"`
	SourceDescription string `json:"source_description"`
	SourceKind        string `json:"source_kind"`
	TenantID          string `json:"tenant_id"`
	ProjectID         string `json:"project_id"`
	UserID            string `json:"user_id"`
	CorrelationID     string `json:"correlation_id"`
	EntityID          string `json:"entity_id"`
	EntityKind        string `json:"entity_type"`
}

func (s *Server) handleEnqueueEpisode(w http.ResponseWriter, r *http.Request) {
	var req episodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.producer.EnqueueEpisode(r.Context(), req.GroupID, producer.EpisodeFields{
		EpisodeID:         req.EpisodeID,
		Name:              req.Name,
		Content:           req.Content,
		SourceDescription: req.SourceDescription,
		SourceKind:        req.SourceKind,
		TenantID:          req.TenantID,
		ProjectID:         req.ProjectID,
		UserID:            req.UserID,
		CorrelationID:     req.CorrelationID,
	}, producer.Correlation{EntityID: req.EntityID, EntityKind: req.EntityKind})
	s.writeEnqueueResult(w, id, err)
}

type communitiesRequest struct {
	GroupID string `json:"group_id"`
}

func (s *Server) handleEnqueueCommunities(w http.ResponseWriter, r *http.Request) {
	var req communitiesRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.producer.EnqueueRebuildCommunities(r.Context(), req.GroupID, producer.Correlation{})
	s.writeEnqueueResult(w, id, err)
}

type deduplicateRequest struct {
	GroupID   string   `json:"group_id"`
	Threshold *float64 `json:"similarity_threshold"`
	DryRun    bool     `json:"dry_run"`
	ProjectID string   `json:"project_id"`
}

func (s *Server) handleEnqueueDeduplicate(w http.ResponseWriter, r *http.Request) {
	var req deduplicateRequest
	if !s.decode(w, r, &req) {
		return
	}
	threshold := 0.9
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	id, err := s.producer.EnqueueDeduplicate(r.Context(), req.GroupID, threshold, req.DryRun, req.ProjectID, producer.Correlation{})
	s.writeEnqueueResult(w, id, err)
}

type refreshRequest struct {
	GroupID            string   `json:"group_id"`
	EpisodeUUIDs       []string `json:"episode_uuids"`
	RebuildCommunities bool     `json:"rebuild_communities"`
	TenantID           string   `json:"tenant_id"`
	ProjectID          string   `json:"project_id"`
	UserID             string   `json:"user_id"`
}

func (s *Server) handleEnqueueRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.producer.EnqueueIncrementalRefresh(r.Context(), req.GroupID, producer.RefreshRequest{
		EpisodeUUIDs:       req.EpisodeUUIDs,
		RebuildCommunities: req.RebuildCommunities,
		TenantID:           req.TenantID,
		ProjectID:          req.ProjectID,
		UserID:             req.UserID,
	}, producer.Correlation{})
	s.writeEnqueueResult(w, id, err)
}

// ----------------------------------------------------------------------------
// Control and status routes
// ----------------------------------------------------------------------------

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	if err := s.producer.Retry(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": types.StatusPending})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	if err := s.producer.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": types.StatusStopped})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(chi.URLParam(r, "id"))
	task, err := s.producer.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	tasks, err := s.producer.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGroupDepth(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	depth, err := s.producer.GroupQueueDepth(r.Context(), group)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"group_id": group, "depth": depth})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive duration like 30m or 2h"})
			return
		}
		window = d
	}
	stats, err := s.producer.StatsWindow(r.Context(), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeEnqueueResult(w http.ResponseWriter, id types.TaskID, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": types.StatusPending})
}

// writeError maps producer and journal errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, journal.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, producer.ErrBadState):
		status = http.StatusConflict
	case errors.Is(err, producer.ErrUnknownKind),
		errors.Is(err, producer.ErrEmptyGroup),
		errors.Is(err, producer.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

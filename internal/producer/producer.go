// ============================================================================
// Memoraph Producer - Task Enqueue API
// ============================================================================
//
// Package: internal/producer
// File: producer.go
// Purpose: Writes the journal row (pending) and pushes the envelope into the
//          queue store, in that order. Producers never block on workers.
//
// Failure ordering:
//   Journal write fails  -> nothing is enqueued, the caller sees the error.
//   Queue write fails    -> the journal row is marked failed with the cause
//                           so the task is never silently lost.
//   The crash window between the two writes leaves a pending row with no
//   envelope; that row is benign and can be resubmitted with retry.
//
// ============================================================================

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memoraph/memoraph/internal/handlers"
	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/metrics"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/pkg/types"
)

var (
	// ErrUnknownKind is returned when enqueueing a kind no handler serves.
	ErrUnknownKind = errors.New("producer: no handler registered for kind")
	// ErrEmptyGroup is returned when the group id is blank.
	ErrEmptyGroup = errors.New("producer: empty group id")
	// ErrInvalidPayload is returned when request fields fail validation.
	ErrInvalidPayload = errors.New("producer: invalid payload")
)

// Correlation links a task back to the domain entity it serves and to the
// task that spawned it.
type Correlation struct {
	EntityID     string
	EntityKind   string
	ParentTaskID types.TaskID
}

// EpisodeFields is the payload of an add_episode task.
type EpisodeFields struct {
	EpisodeID         string
	Name              string
	Content           string
	SourceDescription string
	SourceKind        string
	TenantID          string
	ProjectID         string
	UserID            string
	CorrelationID     string
}

// RefreshRequest is the payload of an incremental_refresh task.
type RefreshRequest struct {
	EpisodeUUIDs       []string
	RebuildCommunities bool
	TenantID           string
	ProjectID          string
	UserID             string
}

// Producer enqueues tasks for the worker fleet.
type Producer struct {
	journal  journal.Store
	queue    *queue.Store
	registry *registry.Registry // optional; enables kind validation
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New builds a producer. registry may be nil on API-only processes that
// trust the worker fleet's deployment to serve every kind; metrics may be
// nil.
func New(j journal.Store, q *queue.Store, r *registry.Registry, m *metrics.Collector, logger *slog.Logger) *Producer {
	return &Producer{
		journal:  j,
		queue:    q,
		registry: r,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// EnqueueEpisode submits an episode ingest task.
func (p *Producer) EnqueueEpisode(ctx context.Context, group string, fields EpisodeFields, corr Correlation) (types.TaskID, error) {
	if fields.EpisodeID == "" {
		return "", fmt.Errorf("%w: episode_id is required", ErrInvalidPayload)
	}
	payload := map[string]any{
		"episode_id":         fields.EpisodeID,
		"name":               fields.Name,
		"content":            fields.Content,
		"source_description": fields.SourceDescription,
		"source_kind":        fields.SourceKind,
		"tenant_id":          fields.TenantID,
		"project_id":         fields.ProjectID,
		"user_id":            fields.UserID,
	}
	if fields.CorrelationID != "" {
		payload["correlation_id"] = fields.CorrelationID
	}
	return p.enqueue(ctx, handlers.KindAddEpisode, group, payload, corr)
}

// EnqueueRebuildCommunities submits a community rebuild for one group.
func (p *Producer) EnqueueRebuildCommunities(ctx context.Context, group string, corr Correlation) (types.TaskID, error) {
	return p.enqueue(ctx, handlers.KindRebuildCommunities, group, map[string]any{
		"group_id": group,
	}, corr)
}

// EnqueueDeduplicate submits an entity deduplication for one group.
func (p *Producer) EnqueueDeduplicate(ctx context.Context, group string, threshold float64, dryRun bool, projectID string, corr Correlation) (types.TaskID, error) {
	if threshold < 0 || threshold > 1 {
		return "", fmt.Errorf("%w: similarity threshold %v outside [0,1]", ErrInvalidPayload, threshold)
	}
	payload := map[string]any{
		"group_id":             group,
		"similarity_threshold": threshold,
		"dry_run":              dryRun,
	}
	if projectID != "" {
		payload["project_id"] = projectID
	}
	return p.enqueue(ctx, handlers.KindDeduplicate, group, payload, corr)
}

// EnqueueIncrementalRefresh submits a refresh of a group's episodes.
func (p *Producer) EnqueueIncrementalRefresh(ctx context.Context, group string, req RefreshRequest, corr Correlation) (types.TaskID, error) {
	payload := map[string]any{
		"group_id":            group,
		"rebuild_communities": req.RebuildCommunities,
	}
	if len(req.EpisodeUUIDs) > 0 {
		payload["episode_uuids"] = req.EpisodeUUIDs
	}
	if req.TenantID != "" {
		payload["tenant_id"] = req.TenantID
	}
	if req.ProjectID != "" {
		payload["project_id"] = req.ProjectID
	}
	if req.UserID != "" {
		payload["user_id"] = req.UserID
	}
	return p.enqueue(ctx, handlers.KindIncrementalRefresh, group, payload, corr)
}

// EnqueueChild submits a follow-up task on behalf of a running handler,
// linking it to the parent task.
func (p *Producer) EnqueueChild(ctx context.Context, parent types.TaskID, group, kind string, fields map[string]any) (types.TaskID, error) {
	return p.enqueue(ctx, kind, group, fields, Correlation{ParentTaskID: parent})
}

// enqueue is the shared path: journal(pending) first, then the queue push.
func (p *Producer) enqueue(ctx context.Context, kind, group string, payload map[string]any, corr Correlation) (types.TaskID, error) {
	if group == "" {
		return "", ErrEmptyGroup
	}
	if p.registry != nil {
		if _, ok := p.registry.Lookup(kind); !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	}

	id := types.TaskID(p.newID())
	now := p.now().UTC()
	task := &types.Task{
		ID:           id,
		GroupID:      group,
		Kind:         kind,
		Status:       types.StatusPending,
		Payload:      payload,
		EntityID:     corr.EntityID,
		EntityKind:   corr.EntityKind,
		ParentTaskID: corr.ParentTaskID,
		CreatedAt:    now,
	}
	if err := p.journal.Create(ctx, task); err != nil {
		return "", fmt.Errorf("producer: journal create: %w", err)
	}

	env := &types.Envelope{
		TaskID:    id,
		GroupID:   group,
		Kind:      kind,
		Timestamp: now.Unix(),
		Fields:    payload,
	}
	raw, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("producer: encode envelope: %w", err)
	}
	if err := p.queue.Enqueue(ctx, group, raw); err != nil {
		// the row must not stay pending with no envelope behind it
		if jerr := p.journal.UpdateStatus(ctx, id, types.StatusFailed, journal.StatusUpdate{
			Error: fmt.Sprintf("enqueue failed: %v", err),
		}); jerr != nil {
			p.logger.Error("failed to mark orphaned task failed",
				"task_id", id, "error", jerr)
		}
		return "", fmt.Errorf("producer: queue enqueue: %w", err)
	}

	if p.metrics != nil {
		p.metrics.RecordEnqueue(kind)
	}
	p.logger.Debug("task enqueued", "task_id", id, "kind", kind, "group", group)
	return id, nil
}

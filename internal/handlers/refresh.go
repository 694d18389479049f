// ============================================================================
// Memoraph Task Handlers - Incremental Refresh
// ============================================================================
//
// Package: internal/handlers
// File: refresh.go
// Purpose: Re-ingests a set of episodes (named explicitly, or the group's
//          most recent ones) preserving their uuid and ValidAt, re-propagates
//          tenancy attributes, and optionally chains a community rebuild as
//          a child task.
//
// ============================================================================

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/internal/registry"
)

// RefreshHandler serves incremental_refresh tasks.
type RefreshHandler struct {
	engine   graph.Engine
	enqueuer ChildEnqueuer
	logger   *slog.Logger
}

// NewRefreshHandler builds the handler. A nil enqueuer disables the chained
// community rebuild.
func NewRefreshHandler(engine graph.Engine, enqueuer ChildEnqueuer, logger *slog.Logger) *RefreshHandler {
	return &RefreshHandler{engine: engine, enqueuer: enqueuer, logger: logger}
}

// Kind implements registry.Handler.
func (h *RefreshHandler) Kind() string { return KindIncrementalRefresh }

// Timeout implements registry.Handler.
func (h *RefreshHandler) Timeout() time.Duration { return TimeoutIncrementalRefresh }

// Process implements registry.Handler.
func (h *RefreshHandler) Process(ctx context.Context, inv *registry.Invocation) error {
	group := stringField(inv.Payload, "group_id")
	if group == "" {
		group = inv.GroupID
	}
	if group == "" {
		return fmt.Errorf("%w: refresh requires a group_id", ErrBadPayload)
	}

	var (
		episodes []*graph.Episode
		err      error
	)
	if uuids := stringSliceField(inv.Payload, "episode_uuids"); len(uuids) > 0 {
		episodes, err = h.engine.EpisodesByUUID(ctx, group, uuids)
	} else {
		episodes, err = h.engine.RecentEpisodes(ctx, group, DefaultRefreshWindow)
	}
	if err != nil {
		return fmt.Errorf("load episodes of %s: %w", group, err)
	}

	attrs := graph.Attributes{
		TenantID:  stringField(inv.Payload, "tenant_id"),
		ProjectID: stringField(inv.Payload, "project_id"),
		UserID:    stringField(inv.Payload, "user_id"),
	}

	for _, ep := range episodes {
		// re-run extraction with the stored uuid and ValidAt intact
		if _, err := h.engine.AddEpisode(ctx, ep); err != nil {
			return fmt.Errorf("refresh episode %s: %w", ep.UUID, err)
		}
		if err := h.engine.PropagateAttributes(ctx, ep.UUID, attrs); err != nil {
			return fmt.Errorf("propagate attributes for %s: %w", ep.UUID, err)
		}
	}

	if boolField(inv.Payload, "rebuild_communities") && h.enqueuer != nil {
		childID, err := h.enqueuer.EnqueueChild(ctx, inv.TaskID, group,
			KindRebuildCommunities, map[string]any{"group_id": group})
		if err != nil {
			return fmt.Errorf("enqueue child rebuild: %w", err)
		}
		h.logger.Info("chained community rebuild",
			"task_id", inv.TaskID, "child_task_id", childID, "group", group)
	}

	h.logger.Info("incremental refresh complete",
		"task_id", inv.TaskID, "group", group, "episodes", len(episodes))
	return nil
}

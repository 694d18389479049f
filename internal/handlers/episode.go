// ============================================================================
// Memoraph Task Handlers - Episode Ingest
// ============================================================================
//
// Package: internal/handlers
// File: episode.go
// Purpose: Ingests one textual episode into the knowledge graph. The
//          producer's upstream code has already created the episodic node in
//          processing state; this handler runs extraction, propagates
//          tenancy attributes onto mentioned entities, and syncs observed
//          labels into the schema registry best-effort.
//
// Idempotency:
//   At-most-once effect per episode id: a node already in completed state
//   short-circuits to success, so duplicate claims after a recovery
//   re-queue are harmless.
//
// ============================================================================

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/internal/registry"
)

// EpisodeHandler serves add_episode tasks.
type EpisodeHandler struct {
	engine graph.Engine
	schema graph.SchemaRegistry
	logger *slog.Logger
}

// NewEpisodeHandler builds the handler. A nil schema registry disables
// label sync.
func NewEpisodeHandler(engine graph.Engine, schema graph.SchemaRegistry, logger *slog.Logger) *EpisodeHandler {
	if schema == nil {
		schema = graph.NopSchemaRegistry{}
	}
	return &EpisodeHandler{engine: engine, schema: schema, logger: logger}
}

// Kind implements registry.Handler.
func (h *EpisodeHandler) Kind() string { return KindAddEpisode }

// Timeout implements registry.Handler.
func (h *EpisodeHandler) Timeout() time.Duration { return TimeoutAddEpisode }

// Process implements registry.Handler.
func (h *EpisodeHandler) Process(ctx context.Context, inv *registry.Invocation) error {
	episodeID, err := requireString(inv.Payload, "episode_id")
	if err != nil {
		return err
	}
	group := stringField(inv.Payload, "group_id")
	if group == "" {
		group = inv.GroupID
	}

	ep, err := h.engine.Episode(ctx, episodeID)
	if err != nil {
		if errors.Is(err, graph.ErrEpisodeNotFound) {
			return fmt.Errorf("episodic node %s missing, upstream create did not run: %w", episodeID, err)
		}
		return fmt.Errorf("load episode %s: %w", episodeID, err)
	}
	if ep.State == graph.EpisodeCompleted {
		h.logger.Info("episode already ingested, skipping",
			"task_id", inv.TaskID, "episode_id", episodeID)
		return nil
	}

	res, err := h.engine.AddEpisode(ctx, &graph.Episode{
		UUID:              episodeID,
		GroupID:           group,
		Name:              stringField(inv.Payload, "name"),
		Content:           stringField(inv.Payload, "content"),
		SourceDescription: stringField(inv.Payload, "source_description"),
		SourceKind:        stringField(inv.Payload, "source_kind"),
		ValidAt:           ep.ValidAt,
	})
	if err != nil {
		return fmt.Errorf("add episode %s: %w", episodeID, err)
	}

	attrs := graph.Attributes{
		TenantID:  stringField(inv.Payload, "tenant_id"),
		ProjectID: stringField(inv.Payload, "project_id"),
		UserID:    stringField(inv.Payload, "user_id"),
	}
	if err := h.engine.PropagateAttributes(ctx, episodeID, attrs); err != nil {
		return fmt.Errorf("propagate attributes for %s: %w", episodeID, err)
	}

	// schema sync is advisory; a failure must not fail the ingest
	if err := h.schema.SyncLabels(ctx, group, res.EntityLabels, res.EdgeLabels); err != nil {
		h.logger.Warn("schema label sync failed",
			"task_id", inv.TaskID, "episode_id", episodeID, "error", err)
	}

	h.logger.Info("episode ingested",
		"task_id", inv.TaskID,
		"episode_id", episodeID,
		"group", group,
		"entities", len(res.MentionedEntities))
	return nil
}

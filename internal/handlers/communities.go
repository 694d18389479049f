// ============================================================================
// Memoraph Task Handlers - Rebuild Communities
// ============================================================================
//
// Package: internal/handlers
// File: communities.go
// Purpose: Replaces a group's community nodes with freshly detected ones.
//          Deletion and detection are strictly scoped to the requested
//          group; communities of other groups are never touched.
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
	"github.com/memoraph/memoraph/pkg/types"
)

// CommunityHandler serves rebuild_communities tasks.
type CommunityHandler struct {
	engine graph.Engine
	logger *slog.Logger
}

// NewCommunityHandler builds the handler.
func NewCommunityHandler(engine graph.Engine, logger *slog.Logger) *CommunityHandler {
	return &CommunityHandler{engine: engine, logger: logger}
}

// Kind implements registry.Handler.
func (h *CommunityHandler) Kind() string { return KindRebuildCommunities }

// Timeout implements registry.Handler.
func (h *CommunityHandler) Timeout() time.Duration { return TimeoutRebuildCommunities }

// Process implements registry.Handler. Validation runs before the delete so
// a bad payload never destroys existing communities.
func (h *CommunityHandler) Process(ctx context.Context, inv *registry.Invocation) error {
	group := stringField(inv.Payload, "group_id")
	if group == "" {
		group = inv.GroupID
	}
	if group == "" {
		return fmt.Errorf("%w: rebuild requires an explicit group_id", ErrBadPayload)
	}
	// fleet-wide rebuilds must enumerate groups and enqueue one task each
	if group == types.GroupGlobal {
		return fmt.Errorf("%w: rebuild does not accept the reserved group %q", ErrBadPayload, types.GroupGlobal)
	}

	if err := h.engine.DeleteCommunities(ctx, group); err != nil {
		return fmt.Errorf("delete communities of %s: %w", group, err)
	}

	detected, err := h.engine.DetectCommunities(ctx, group)
	if err != nil {
		return fmt.Errorf("detect communities of %s: %w", group, err)
	}

	for _, com := range detected {
		emb, err := h.engine.EmbedText(ctx, com.Name)
		if err != nil {
			return fmt.Errorf("embed community name %q: %w", com.Name, err)
		}
		com.NameEmbedding = emb
		com.ProjectID = group
		com.MemberCount = len(com.Members)
		if err := h.engine.SaveCommunity(ctx, com); err != nil {
			return fmt.Errorf("save community %q: %w", com.Name, err)
		}
	}

	h.logger.Info("communities rebuilt",
		"task_id", inv.TaskID, "group", group, "communities", len(detected))
	return nil
}

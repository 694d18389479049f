// ============================================================================
// Memoraph Task Handlers - Deduplicate Entities
// ============================================================================
//
// Package: internal/handlers
// File: dedupe.go
// Purpose: Collapses near-duplicate entity nodes of a group onto canonical
//          ones: edges are redirected, community memberships merged, the
//          project attribute coalesced, and the duplicate deleted. A dry
//          run only reports the pairs it would merge.
//
// Equivalence:
//   Two entities are considered duplicates when their normalized names are
//   equal or their name-embedding cosine similarity reaches the requested
//   threshold. The canonical of each cluster is the entity with the
//   smallest uuid, which keeps the mapping deterministic across runs.
//
// ============================================================================

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/internal/registry"
)

// DedupeHandler serves deduplicate_entities tasks.
type DedupeHandler struct {
	engine graph.Engine
	logger *slog.Logger
}

// NewDedupeHandler builds the handler.
func NewDedupeHandler(engine graph.Engine, logger *slog.Logger) *DedupeHandler {
	return &DedupeHandler{engine: engine, logger: logger}
}

// Kind implements registry.Handler.
func (h *DedupeHandler) Kind() string { return KindDeduplicate }

// Timeout implements registry.Handler.
func (h *DedupeHandler) Timeout() time.Duration { return TimeoutDeduplicate }

// Process implements registry.Handler.
func (h *DedupeHandler) Process(ctx context.Context, inv *registry.Invocation) error {
	group := stringField(inv.Payload, "group_id")
	if group == "" {
		group = inv.GroupID
	}
	if group == "" {
		return fmt.Errorf("%w: deduplicate requires a group_id", ErrBadPayload)
	}
	threshold := floatField(inv.Payload, "similarity_threshold", 0.9)
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: similarity_threshold %v outside [0,1]", ErrBadPayload, threshold)
	}
	dryRun := boolField(inv.Payload, "dry_run")
	projectID := stringField(inv.Payload, "project_id")

	entities, err := h.engine.Entities(ctx, group)
	if err != nil {
		return fmt.Errorf("load entities of %s: %w", group, err)
	}

	pairs := equivalence(entities, threshold)
	if len(pairs) == 0 {
		h.logger.Info("no duplicate entities found", "task_id", inv.TaskID, "group", group)
		return nil
	}

	if dryRun {
		for dup, canonical := range pairs {
			h.logger.Info("would merge entity",
				"task_id", inv.TaskID, "group", group,
				"duplicate", dup, "canonical", canonical)
		}
		h.logger.Info("dry run complete",
			"task_id", inv.TaskID, "group", group, "pairs", len(pairs))
		return nil
	}

	byUUID := make(map[string]*graph.Entity, len(entities))
	for _, ent := range entities {
		byUUID[ent.UUID] = ent
	}

	// deterministic merge order
	dups := make([]string, 0, len(pairs))
	for dup := range pairs {
		dups = append(dups, dup)
	}
	sort.Strings(dups)

	merged, failed := 0, 0
	for _, dup := range dups {
		canonical := pairs[dup]
		if err := h.mergePair(ctx, byUUID, dup, canonical, projectID); err != nil {
			// a bad pair must not abort the rest of the batch
			failed++
			h.logger.Error("entity merge failed",
				"task_id", inv.TaskID, "group", group,
				"duplicate", dup, "canonical", canonical, "error", err)
			continue
		}
		merged++
	}

	h.logger.Info("deduplication complete",
		"task_id", inv.TaskID, "group", group, "merged", merged, "failed", failed)
	return nil
}

func (h *DedupeHandler) mergePair(ctx context.Context, byUUID map[string]*graph.Entity, dup, canonical, projectID string) error {
	if err := h.engine.RedirectEdges(ctx, dup, canonical); err != nil {
		return fmt.Errorf("redirect edges: %w", err)
	}
	if err := h.engine.MergeCommunityMemberships(ctx, dup, canonical); err != nil {
		return fmt.Errorf("merge memberships: %w", err)
	}

	// canonical keeps its project; the duplicate's (or the request's)
	// project only fills a gap
	canonicalEnt, dupEnt := byUUID[canonical], byUUID[dup]
	if canonicalEnt != nil && canonicalEnt.ProjectID == "" {
		fill := ""
		if dupEnt != nil {
			fill = dupEnt.ProjectID
		}
		if fill == "" {
			fill = projectID
		}
		if fill != "" {
			if err := h.engine.SetEntityProject(ctx, canonical, fill); err != nil {
				return fmt.Errorf("coalesce project: %w", err)
			}
			canonicalEnt.ProjectID = fill
		}
	}

	if err := h.engine.DeleteEntity(ctx, dup); err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}
	return nil
}

// equivalence maps duplicate uuid -> canonical uuid for all entities whose
// normalized names match or whose embeddings are at least threshold similar.
func equivalence(entities []*graph.Entity, threshold float64) map[string]string {
	n := len(entities)
	if n < 2 {
		return nil
	}
	sorted := make([]*graph.Entity, n)
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UUID < sorted[j].UUID })

	// union-find keyed by index into sorted
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if ra > rb {
				ra, rb = rb, ra
			}
			parent[rb] = ra // smallest index (= smallest uuid) wins as root
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := sorted[i], sorted[j]
			if normalizeName(a.Name) == normalizeName(b.Name) {
				union(i, j)
				continue
			}
			if sim := cosine(a.Embedding, b.Embedding); sim >= threshold {
				union(i, j)
			}
		}
	}

	pairs := make(map[string]string)
	for i := 0; i < n; i++ {
		root := find(i)
		if root != i {
			pairs[sorted[i].UUID] = sorted[root].UUID
		}
	}
	return pairs
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty or the dimensions disagree.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

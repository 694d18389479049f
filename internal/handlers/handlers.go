// ============================================================================
// Memoraph Task Handlers - Graph Maintenance Contracts
// ============================================================================
//
// Package: internal/handlers
// File: handlers.go
// Purpose: Shared kinds, timeouts and payload helpers for the four graph
//          handlers. All handlers must be idempotent: recovery can re-queue
//          a timed-out claim while the original invocation still runs.
//
// ============================================================================

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memoraph/memoraph/pkg/types"
)

// Task kinds served by this process.
const (
	KindAddEpisode         = "add_episode"
	KindRebuildCommunities = "rebuild_communities"
	KindDeduplicate        = "deduplicate_entities"
	KindIncrementalRefresh = "incremental_refresh"
)

// Per-kind wall-clock timeouts. Recovery treats an in-flight claim older
// than its kind's timeout as dead.
const (
	TimeoutAddEpisode         = 600 * time.Second
	TimeoutRebuildCommunities = 3600 * time.Second
	TimeoutDeduplicate        = 1800 * time.Second
	TimeoutIncrementalRefresh = 3600 * time.Second
)

// DefaultRefreshWindow is how many of the group's most recent episodes an
// incremental refresh touches when no episode uuids are named. The constant
// is inherited behavior; revisit if groups grow past it routinely.
const DefaultRefreshWindow = 100

// ErrBadPayload marks a payload that fails validation before any side
// effect.
var ErrBadPayload = errors.New("invalid task payload")

// ChildEnqueuer lets a handler emit follow-up tasks linked to the one it is
// executing.
type ChildEnqueuer interface {
	EnqueueChild(ctx context.Context, parent types.TaskID, group, kind string, fields map[string]any) (types.TaskID, error)
}

// payload field accessors; envelopes arrive as generic JSON so everything is
// pulled out of map[string]any.

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func requireString(payload map[string]any, key string) (string, error) {
	s := stringField(payload, key)
	if s == "" {
		return "", fmt.Errorf("%w: missing %q", ErrBadPayload, key)
	}
	return s, nil
}

func floatField(payload map[string]any, key string, def float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func boolField(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func stringSliceField(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		// already-typed slices appear when the payload never crossed JSON
		if typed, ok := payload[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

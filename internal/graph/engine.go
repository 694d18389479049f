// ============================================================================
// Memoraph Graph Engine Interface
// ============================================================================
//
// Package: internal/graph
// File: engine.go
// Purpose: Names the operations the task handlers need from the knowledge
//          graph engine. The production engine (query planner, LLM
//          extraction, embedding and reranker clients) lives outside this
//          repository; handlers depend only on this interface.
//
// ============================================================================

package graph

import (
	"context"
	"errors"
	"time"
)

// EpisodeState tracks an episodic node through ingestion.
type EpisodeState string

const (
	// EpisodeProcessing marks a node created by the producer's upstream
	// code whose content has not been extracted yet.
	EpisodeProcessing EpisodeState = "processing"
	// EpisodeCompleted marks a fully ingested node.
	EpisodeCompleted EpisodeState = "completed"
)

// ErrEpisodeNotFound is returned when no episodic node has the uuid.
var ErrEpisodeNotFound = errors.New("graph: episode not found")

// Episode is an episodic node: one immutable textual ingestion unit.
type Episode struct {
	UUID              string
	GroupID           string
	Name              string
	Content           string
	SourceDescription string
	SourceKind        string
	ValidAt           time.Time
	State             EpisodeState
}

// Attributes are the tenancy fields propagated from an episode onto the
// entity nodes it mentions.
type Attributes struct {
	TenantID  string
	ProjectID string
	UserID    string
}

// IngestResult reports what an AddEpisode call attached to the graph.
type IngestResult struct {
	// MentionedEntities are the uuids of entity nodes connected to the
	// episode via MENTIONS, new or pre-existing.
	MentionedEntities []string
	// EntityLabels and EdgeLabels are the labels observed during
	// extraction, for best-effort schema registry sync.
	EntityLabels []string
	EdgeLabels   []string
}

// Entity is a derived graph object extracted from episodes.
type Entity struct {
	UUID      string
	GroupID   string
	TenantID  string
	ProjectID string
	UserID    string
	Name      string
	// Embedding is the entity name embedding used for similarity search.
	Embedding []float32
}

// Community is a group-scoped clustering of entities.
type Community struct {
	UUID          string
	GroupID       string
	ProjectID     string
	Name          string
	NameEmbedding []float32
	// Members are entity uuids connected via HAS_MEMBER.
	Members []string
	// MemberCount mirrors the number of outgoing HAS_MEMBER edges.
	MemberCount int
}

// Engine is the handler-facing contract of the knowledge graph engine.
// Implementations must be safe for concurrent use; workers never mutate a
// shared client's internal state per request.
type Engine interface {
	// Episode loads an episodic node by uuid.
	Episode(ctx context.Context, uuid string) (*Episode, error)
	// AddEpisode extracts entities and edges from the episode's content,
	// attaches them to the episodic node (creating it if absent, preserving
	// the given uuid and ValidAt), and transitions the node to completed.
	AddEpisode(ctx context.Context, ep *Episode) (*IngestResult, error)
	// RecentEpisodes returns the newest episodes of the group.
	RecentEpisodes(ctx context.Context, group string, limit int) ([]*Episode, error)
	// EpisodesByUUID returns the named episodes of the group; unknown uuids
	// are skipped.
	EpisodesByUUID(ctx context.Context, group string, uuids []string) ([]*Episode, error)
	// PropagateAttributes writes tenant/project/user attributes onto every
	// entity connected to the episode via MENTIONS.
	PropagateAttributes(ctx context.Context, episodeUUID string, attrs Attributes) error

	// Entities lists all entity nodes of the group.
	Entities(ctx context.Context, group string) ([]*Entity, error)
	// RedirectEdges moves all edges incident to dup onto canonical without
	// creating duplicate RELATES_TO edges.
	RedirectEdges(ctx context.Context, dupUUID, canonicalUUID string) error
	// MergeCommunityMemberships re-points dup's HAS_MEMBER edges to
	// canonical.
	MergeCommunityMemberships(ctx context.Context, dupUUID, canonicalUUID string) error
	// SetEntityProject overwrites the entity's project attribute.
	SetEntityProject(ctx context.Context, uuid, projectID string) error
	// DeleteEntity removes the entity node and its remaining edges.
	DeleteEntity(ctx context.Context, uuid string) error

	// Communities lists the group's community nodes.
	Communities(ctx context.Context, group string) ([]*Community, error)
	// DeleteCommunities removes every community node of the group.
	DeleteCommunities(ctx context.Context, group string) error
	// DetectCommunities runs community detection over the group's subgraph
	// and returns the detected clusters without persisting them.
	DetectCommunities(ctx context.Context, group string) ([]*Community, error)
	// SaveCommunity persists one community node.
	SaveCommunity(ctx context.Context, c *Community) error

	// EmbedText returns the embedding for a short text such as a community
	// name.
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// SchemaRegistry receives newly observed graph labels. Sync failures are
// tolerated by callers; the registry is advisory.
type SchemaRegistry interface {
	SyncLabels(ctx context.Context, group string, entityLabels, edgeLabels []string) error
}

// NopSchemaRegistry discards all label syncs.
type NopSchemaRegistry struct{}

// SyncLabels implements SchemaRegistry.
func (NopSchemaRegistry) SyncLabels(context.Context, string, []string, []string) error { return nil }

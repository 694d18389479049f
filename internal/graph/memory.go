// ============================================================================
// Memoraph Graph Engine - In-Memory Implementation
// ============================================================================
//
// Package: internal/graph
// File: memory.go
// Purpose: Deterministic in-memory Engine for handler and scenario tests.
//          Extraction is a toy (capitalized tokens become entities,
//          consecutive mentions become RELATES_TO edges) but the state
//          transitions, scoping and idempotency match the production
//          engine's contract.
//
// ============================================================================

package graph

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory graph engine.
type Memory struct {
	mu          sync.RWMutex
	episodes    map[string]*Episode
	entities    map[string]*Entity
	mentions    map[string][]string          // episode uuid -> entity uuids
	relates     map[string]map[string]bool   // entity uuid -> entity uuid (RELATES_TO, undirected pairs stored both ways)
	communities map[string]*Community
}

// NewMemory returns an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{
		episodes:    make(map[string]*Episode),
		entities:    make(map[string]*Entity),
		mentions:    make(map[string][]string),
		relates:     make(map[string]map[string]bool),
		communities: make(map[string]*Community),
	}
}

// SeedEpisode inserts an episodic node in processing state, mimicking the
// producer's upstream transaction.
func (m *Memory) SeedEpisode(ep *Episode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ep
	if c.State == "" {
		c.State = EpisodeProcessing
	}
	m.episodes[c.UUID] = &c
}

// SeedEntity inserts an entity node directly, mimicking entities produced by
// earlier ingest runs whose uuid scheme differed.
func (m *Memory) SeedEntity(ent *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ent
	if c.Embedding == nil {
		c.Embedding = embed(c.Name)
	}
	m.entities[c.UUID] = &c
}

// Episode loads an episodic node by uuid.
func (m *Memory) Episode(_ context.Context, uuid string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.episodes[uuid]
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	c := *ep
	return &c, nil
}

// extractNames pulls the capitalized tokens out of the content, in order of
// first appearance.
func extractNames(content string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, tok := range strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(tok)
		if len(runes) < 3 || !unicode.IsUpper(runes[0]) {
			continue
		}
		if !seen[tok] {
			seen[tok] = true
			names = append(names, tok)
		}
	}
	return names
}

func entityUUID(group, name string) string {
	return group + ":" + strings.ToLower(name)
}

// AddEpisode extracts entities and edges and completes the episodic node.
// Re-running it for the same episode is idempotent because extraction is
// deterministic and entity uuids are derived from group and name.
func (m *Memory) AddEpisode(ctx context.Context, ep *Episode) (*IngestResult, error) {
	if ep.UUID == "" || ep.GroupID == "" {
		return nil, fmt.Errorf("graph: add episode: uuid and group are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.episodes[ep.UUID]
	if !ok {
		c := *ep
		stored = &c
		m.episodes[ep.UUID] = stored
	} else {
		// refresh path: keep original uuid and ValidAt
		stored.Name = ep.Name
		stored.Content = ep.Content
		stored.SourceDescription = ep.SourceDescription
		stored.SourceKind = ep.SourceKind
	}

	names := extractNames(stored.Content)
	res := &IngestResult{
		EntityLabels: []string{"Entity"},
		EdgeLabels:   []string{"MENTIONS"},
	}
	var prev string
	for _, name := range names {
		id := entityUUID(stored.GroupID, name)
		if _, exists := m.entities[id]; !exists {
			m.entities[id] = &Entity{
				UUID:      id,
				GroupID:   stored.GroupID,
				Name:      name,
				Embedding: embed(name),
			}
		}
		res.MentionedEntities = append(res.MentionedEntities, id)
		if prev != "" && prev != id {
			m.addRelates(prev, id)
			res.EdgeLabels = append(res.EdgeLabels, "RELATES_TO")
		}
		prev = id
	}
	m.mentions[stored.UUID] = res.MentionedEntities
	stored.State = EpisodeCompleted
	return res, nil
}

func (m *Memory) addRelates(a, b string) {
	if m.relates[a] == nil {
		m.relates[a] = make(map[string]bool)
	}
	if m.relates[b] == nil {
		m.relates[b] = make(map[string]bool)
	}
	m.relates[a][b] = true
	m.relates[b][a] = true
}

// RecentEpisodes returns the group's newest episodes by ValidAt.
func (m *Memory) RecentEpisodes(_ context.Context, group string, limit int) ([]*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Episode
	for _, ep := range m.episodes {
		if ep.GroupID == group {
			c := *ep
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidAt.After(out[j].ValidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EpisodesByUUID returns the named episodes of the group, skipping unknowns.
func (m *Memory) EpisodesByUUID(_ context.Context, group string, uuids []string) ([]*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Episode
	for _, id := range uuids {
		if ep, ok := m.episodes[id]; ok && ep.GroupID == group {
			c := *ep
			out = append(out, &c)
		}
	}
	return out, nil
}

// PropagateAttributes writes tenancy attributes onto mentioned entities.
func (m *Memory) PropagateAttributes(_ context.Context, episodeUUID string, attrs Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.episodes[episodeUUID]; !ok {
		return ErrEpisodeNotFound
	}
	for _, id := range m.mentions[episodeUUID] {
		ent, ok := m.entities[id]
		if !ok {
			continue
		}
		if attrs.TenantID != "" {
			ent.TenantID = attrs.TenantID
		}
		if attrs.ProjectID != "" {
			ent.ProjectID = attrs.ProjectID
		}
		if attrs.UserID != "" {
			ent.UserID = attrs.UserID
		}
	}
	return nil
}

// Entities lists the group's entity nodes, sorted by uuid for determinism.
func (m *Memory) Entities(_ context.Context, group string) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entity
	for _, ent := range m.entities {
		if ent.GroupID == group {
			c := *ent
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

// RedirectEdges moves dup's RELATES_TO edges and mentions onto canonical.
func (m *Memory) RedirectEdges(_ context.Context, dupUUID, canonicalUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer := range m.relates[dupUUID] {
		delete(m.relates[peer], dupUUID)
		if peer != canonicalUUID {
			m.addRelates(canonicalUUID, peer) // set semantics, no duplicate edges
		}
	}
	delete(m.relates, dupUUID)
	for epID, ids := range m.mentions {
		for i, id := range ids {
			if id == dupUUID {
				ids[i] = canonicalUUID
			}
		}
		m.mentions[epID] = ids
	}
	return nil
}

// MergeCommunityMemberships re-points dup's HAS_MEMBER edges to canonical.
func (m *Memory) MergeCommunityMemberships(_ context.Context, dupUUID, canonicalUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, com := range m.communities {
		var members []string
		has := make(map[string]bool)
		for _, id := range com.Members {
			if id == dupUUID {
				id = canonicalUUID
			}
			if !has[id] {
				has[id] = true
				members = append(members, id)
			}
		}
		com.Members = members
		com.MemberCount = len(members)
	}
	return nil
}

// SetEntityProject overwrites the entity's project attribute.
func (m *Memory) SetEntityProject(_ context.Context, uuid, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entities[uuid]
	if !ok {
		return fmt.Errorf("graph: entity %s not found", uuid)
	}
	ent.ProjectID = projectID
	return nil
}

// DeleteEntity removes the entity and its remaining edges.
func (m *Memory) DeleteEntity(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, uuid)
	for peer := range m.relates[uuid] {
		delete(m.relates[peer], uuid)
	}
	delete(m.relates, uuid)
	return nil
}

// Communities lists the group's communities, sorted by name.
func (m *Memory) Communities(_ context.Context, group string) ([]*Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Community
	for _, com := range m.communities {
		if com.GroupID == group {
			c := *com
			c.Members = append([]string(nil), com.Members...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteCommunities removes every community of the group.
func (m *Memory) DeleteCommunities(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, com := range m.communities {
		if com.GroupID == group {
			delete(m.communities, id)
		}
	}
	return nil
}

// DetectCommunities returns the RELATES_TO connected components of the
// group's entities as unsaved community nodes.
func (m *Memory) DetectCommunities(_ context.Context, group string) ([]*Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	inGroup := make(map[string]bool)
	for id, ent := range m.entities {
		if ent.GroupID == group {
			ids = append(ids, id)
			inGroup[id] = true
		}
	}
	sort.Strings(ids)

	visited := make(map[string]bool)
	var out []*Community
	for _, start := range ids {
		if visited[start] {
			continue
		}
		var members []string
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] || !inGroup[id] {
				continue
			}
			visited[id] = true
			members = append(members, id)
			for peer := range m.relates[id] {
				if !visited[peer] {
					stack = append(stack, peer)
				}
			}
		}
		sort.Strings(members)
		out = append(out, &Community{
			GroupID: group,
			Name:    m.entities[members[0]].Name + " cluster",
			Members: members,
		})
	}
	return out, nil
}

// SaveCommunity persists one community node, assigning a uuid when absent.
func (m *Memory) SaveCommunity(_ context.Context, c *Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	stored := *c
	stored.Members = append([]string(nil), c.Members...)
	m.communities[c.UUID] = &stored
	return nil
}

// EmbedText returns a deterministic toy embedding.
func (m *Memory) EmbedText(_ context.Context, text string) ([]float32, error) {
	return embed(text), nil
}

// embed hashes the text into a small deterministic vector.
func embed(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(text)))
	seed := h.Sum64()
	vec := make([]float32, 8)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
	}
	return vec
}

var _ Engine = (*Memory)(nil)

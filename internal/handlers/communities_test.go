package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/pkg/types"
)

func ingestEpisode(t *testing.T, engine *graph.Memory, uuid, group, content string) {
	t.Helper()
	engine.SeedEpisode(&graph.Episode{UUID: uuid, GroupID: group, Content: content})
	ep, err := engine.Episode(context.Background(), uuid)
	require.NoError(t, err)
	_, err = engine.AddEpisode(context.Background(), ep)
	require.NoError(t, err)
}

func TestCommunityHandlerRebuild(t *testing.T) {
	engine := graph.NewMemory()
	ctx := context.Background()
	ingestEpisode(t, engine, "ep-1", "g1", "Alice met Bob")
	ingestEpisode(t, engine, "ep-2", "g1", "Carol met Dave")

	// stale community that the rebuild must replace
	require.NoError(t, engine.SaveCommunity(ctx, &graph.Community{
		GroupID: "g1", Name: "stale", Members: []string{"gone"},
	}))

	h := NewCommunityHandler(engine, testLogger())
	assert.Equal(t, KindRebuildCommunities, h.Kind())
	assert.Equal(t, TimeoutRebuildCommunities, h.Timeout())

	err := h.Process(ctx, invocation("1", "g1", KindRebuildCommunities, map[string]any{
		"group_id": "g1",
	}))
	require.NoError(t, err)

	coms, err := engine.Communities(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, coms, 2)
	for _, com := range coms {
		assert.NotEqual(t, "stale", com.Name)
		assert.NotEmpty(t, com.NameEmbedding)
		assert.Equal(t, "g1", com.ProjectID)
		assert.Equal(t, len(com.Members), com.MemberCount)
	}
}

func TestCommunityHandlerScopedToGroup(t *testing.T) {
	engine := graph.NewMemory()
	ctx := context.Background()
	ingestEpisode(t, engine, "ep-1", "g1", "Alice met Bob")

	require.NoError(t, engine.SaveCommunity(ctx, &graph.Community{
		GroupID: "g2", Name: "other", Members: []string{"x"},
	}))

	h := NewCommunityHandler(engine, testLogger())
	require.NoError(t, h.Process(ctx, invocation("1", "g1", KindRebuildCommunities, map[string]any{
		"group_id": "g1",
	})))

	// g2's community survives a g1 rebuild
	other, err := engine.Communities(ctx, "g2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "other", other[0].Name)
}

func TestCommunityHandlerValidatesBeforeDelete(t *testing.T) {
	engine := graph.NewMemory()
	ctx := context.Background()
	require.NoError(t, engine.SaveCommunity(ctx, &graph.Community{
		GroupID: types.GroupGlobal, Name: "keep", Members: []string{"x"},
	}))

	h := NewCommunityHandler(engine, testLogger())

	// reserved group is rejected without touching existing communities
	err := h.Process(ctx, invocation("1", types.GroupGlobal, KindRebuildCommunities, map[string]any{
		"group_id": types.GroupGlobal,
	}))
	assert.ErrorIs(t, err, ErrBadPayload)

	kept, err := engine.Communities(ctx, types.GroupGlobal)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestCommunityHandlerRequiresGroup(t *testing.T) {
	h := NewCommunityHandler(graph.NewMemory(), testLogger())
	err := h.Process(context.Background(), invocation("1", "", KindRebuildCommunities, map[string]any{}))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestCommunityHandlerFallsBackToEnvelopeGroup(t *testing.T) {
	engine := graph.NewMemory()
	ingestEpisode(t, engine, "ep-1", "g1", "Alice met Bob")

	h := NewCommunityHandler(engine, testLogger())
	require.NoError(t, h.Process(context.Background(),
		invocation("1", "g1", KindRebuildCommunities, map[string]any{})))

	coms, err := engine.Communities(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, coms, 1)
}

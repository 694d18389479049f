package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoraph/memoraph/pkg/types"
)

func newTask(id, group string) *types.Task {
	return &types.Task{
		ID:      types.TaskID(id),
		GroupID: group,
		Kind:    "add_episode",
		Status:  types.StatusPending,
		Payload: map[string]any{"episode_id": "ep-" + id},
	}
}

func TestMemoryCreateAndFind(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, newTask("t1", "g1")))

	got, err := m.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, "g1", got.GroupID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = m.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFindReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newTask("t1", "g1")))

	got, err := m.FindByID(ctx, "t1")
	require.NoError(t, err)
	got.Status = types.StatusFailed
	got.Payload["episode_id"] = "mutated"

	again, err := m.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, again.Status)
	assert.Equal(t, "ep-t1", again.Payload["episode_id"])
}

func TestMemoryStatusTuples(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newTask("t1", "g1")))

	// pending -> processing writes worker id and started_at
	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusProcessing, StatusUpdate{WorkerID: "w-0"}))
	got, _ := m.FindByID(ctx, "t1")
	assert.Equal(t, "w-0", got.WorkerID)
	require.NotNil(t, got.StartedAt)

	// processing -> failed writes completed_at and the error message
	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusFailed, StatusUpdate{Error: "boom"}))
	got, _ = m.FindByID(ctx, "t1")
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.CompletedAt)

	// retry resets the run fields
	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusPending, StatusUpdate{ClearRun: true}))
	got, _ = m.FindByID(ctx, "t1")
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// completed clears any stale error
	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusProcessing, StatusUpdate{WorkerID: "w-1"}))
	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusCompleted, StatusUpdate{}))
	got, _ = m.FindByID(ctx, "t1")
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestMemoryStopped(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newTask("t1", "g1")))

	require.NoError(t, m.UpdateStatus(ctx, "t1", types.StatusStopped, StatusUpdate{}))
	got, _ := m.FindByID(ctx, "t1")
	assert.Equal(t, types.StatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
}

func TestMemoryUpdateUnknownTask(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	assert.ErrorIs(t, m.UpdateStatus(ctx, "nope", types.StatusCompleted, StatusUpdate{}), ErrNotFound)
	assert.ErrorIs(t, m.IncrementRetries(ctx, "nope"), ErrNotFound)
}

func TestMemoryIncrementRetries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newTask("t1", "g1")))

	require.NoError(t, m.IncrementRetries(ctx, "t1"))
	require.NoError(t, m.IncrementRetries(ctx, "t1"))
	got, _ := m.FindByID(ctx, "t1")
	assert.Equal(t, 2, got.Retries)
}

func TestMemoryListing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"t1", "t2", "t3"} {
		task := newTask(id, "g1")
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, m.Create(ctx, task))
	}
	other := newTask("t4", "g2")
	other.CreatedAt = base.Add(10 * time.Second)
	require.NoError(t, m.Create(ctx, other))
	require.NoError(t, m.UpdateStatus(ctx, "t2", types.StatusStopped, StatusUpdate{}))

	byGroup, err := m.ListByGroup(ctx, "g1", 0, 0)
	require.NoError(t, err)
	require.Len(t, byGroup, 3)
	// newest first
	assert.Equal(t, types.TaskID("t3"), byGroup[0].ID)
	assert.Equal(t, types.TaskID("t1"), byGroup[2].ID)

	limited, err := m.ListByGroup(ctx, "g1", 2, 1)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, types.TaskID("t2"), limited[0].ID)

	stopped, err := m.ListByStatus(ctx, types.StatusStopped, 0)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, types.TaskID("t2"), stopped[0].ID)

	recent, err := m.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, types.TaskID("t4"), recent[0].ID)
}

func TestMemoryStatsWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := newTask("old", "g1")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, m.Create(ctx, old))

	fresh := newTask("fresh", "g1")
	require.NoError(t, m.Create(ctx, fresh))
	require.NoError(t, m.UpdateStatus(ctx, "fresh", types.StatusProcessing, StatusUpdate{WorkerID: "w"}))
	require.NoError(t, m.UpdateStatus(ctx, "fresh", types.StatusCompleted, StatusUpdate{}))

	stats, err := m.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.StatusCompleted])
	assert.Zero(t, stats.ByStatus[types.StatusPending])

	wide, err := m.Stats(ctx, 3*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, wide.Total)
}

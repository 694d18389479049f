package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoraph/memoraph/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb), mr
}

func encodeEnvelope(t *testing.T, id, group, kind string) []byte {
	t.Helper()
	raw, err := (&types.Envelope{
		TaskID:    types.TaskID(id),
		GroupID:   group,
		Kind:      kind,
		Timestamp: time.Now().Unix(),
	}).Encode()
	require.NoError(t, err)
	return raw
}

func TestEnqueueMarksGroupActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "g1", encodeEnvelope(t, "t1", "g1", "k")))

	depth, err := s.GroupDepth(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	n, err := s.ActiveGroupCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueueEmptyGroup(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.Enqueue(context.Background(), "", []byte("{}")), ErrEmptyGroup)
}

func TestPopPreservesFIFOOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := encodeEnvelope(t, "t1", "g1", "k")
	second := encodeEnvelope(t, "t2", "g1", "k")
	third := encodeEnvelope(t, "t3", "g1", "k")
	for _, raw := range [][]byte{first, second, third} {
		require.NoError(t, s.Enqueue(ctx, "g1", raw))
	}

	for _, want := range [][]byte{first, second, third} {
		got, err := s.PopOneToProcessing(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// drained queue returns nil without error
	got, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, got)

	depth, err := s.ProcessingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestAckRemovesFromProcessing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	raw := encodeEnvelope(t, "t1", "g1", "k")
	require.NoError(t, s.Enqueue(ctx, "g1", raw))
	_, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, s.AckProcessed(ctx, raw))
	depth, err := s.ProcessingDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// double ack is a no-op
	require.NoError(t, s.AckProcessed(ctx, raw))
}

func TestRequeueInsertsAtHead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stale := encodeEnvelope(t, "t1", "g1", "k")
	backlog := encodeEnvelope(t, "t2", "g1", "k")
	require.NoError(t, s.Enqueue(ctx, "g1", stale))
	_, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, "g1", backlog))

	refreshed := encodeEnvelope(t, "t1", "g1", "k")
	require.NoError(t, s.RequeueFromProcessing(ctx, "g1", stale, refreshed))

	// the recovered envelope jumps the backlog
	got, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, refreshed, got)

	got, err = s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, backlog, got)

	// stale copy is gone from processing, only the two fresh claims remain
	snapshot, err := s.SnapshotProcessing(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestRemoveActiveGroup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "g1", encodeEnvelope(t, "t1", "g1", "k")))
	_, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)

	empty, err := s.IsGroupEmpty(ctx, "g1")
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, s.RemoveActiveGroup(ctx, "g1"))
	n, err := s.ActiveGroupCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSampleActiveGroups(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, g := range []string{"g1", "g2", "g3"} {
		require.NoError(t, s.Enqueue(ctx, g, encodeEnvelope(t, "t-"+g, g, "k")))
	}

	groups, err := s.SampleActiveGroups(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	for _, g := range groups {
		assert.Contains(t, []string{"g1", "g2", "g3"}, g)
	}
}

func TestContainsTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "g1", encodeEnvelope(t, "t1", "g1", "k")))
	require.NoError(t, s.Enqueue(ctx, "g1", encodeEnvelope(t, "t2", "g1", "k")))
	_, err := s.PopOneToProcessing(ctx, "g1")
	require.NoError(t, err)

	// t1 is now in processing, t2 still queued; both count as present
	for _, id := range []types.TaskID{"t1", "t2"} {
		ok, err := s.ContainsTask(ctx, "g1", id)
		require.NoError(t, err)
		assert.True(t, ok, "task %s", id)
	}

	ok, err := s.ContainsTask(ctx, "g1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroupLockExclusive(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryAcquireGroupLock(ctx, "g1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// second worker loses the race
	ok, err = s.TryAcquireGroupLock(ctx, "g1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := s.GroupLockHolder(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	// TTL expiry frees the group
	mr.FastForward(2 * time.Minute)
	ok, err = s.TryAcquireGroupLock(ctx, "g1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGroupLockOwnerOnlyRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.TryAcquireGroupLock(ctx, "g1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a non-owner release must not free the lock
	require.NoError(t, s.ReleaseGroupLock(ctx, "g1", "worker-b"))
	holder, err := s.GroupLockHolder(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	require.NoError(t, s.ReleaseGroupLock(ctx, "g1", "worker-a"))
	holder, err = s.GroupLockHolder(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestGroupIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g1 := encodeEnvelope(t, "t1", "g1", "k")
	g2 := encodeEnvelope(t, "t2", "g2", "k")
	require.NoError(t, s.Enqueue(ctx, "g1", g1))
	require.NoError(t, s.Enqueue(ctx, "g2", g2))

	got, err := s.PopOneToProcessing(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, g2, got)

	depth, err := s.GroupDepth(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

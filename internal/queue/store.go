// ============================================================================
// Memoraph Queue Store - Redis-Backed Per-Group FIFO Queues
// ============================================================================
//
// Package: internal/queue
// File: store.go
// Purpose: Ephemeral queue layer coordinating producers, workers and the
//          recovery loop across processes.
//
// Key layout:
//   queue:group:<G>          list   per-group FIFO of envelope bytes
//   queue:active_groups      set    groups with (probably) non-empty queues
//   queue:processing:global  list   envelopes currently being executed
//   lock:queue:group:<G>     string group lease, value = worker id, TTL-bound
//
// Orientation:
//   Producers LPUSH onto a group list; workers claim with an atomic
//   LMOVE RIGHT -> LEFT into the processing list, so list tail = queue head
//   and execution order matches enqueue order. Recovery re-inserts at the
//   tail (RPUSH), which makes a recovered envelope the next claim.
//
// Atomicity:
//   Enqueue and requeue run their two-list writes inside one pipeline;
//   claim is a single LMOVE. A crash between claim and terminal ack leaves
//   the envelope in the processing list, which is exactly the state the
//   recovery loop repairs.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memoraph/memoraph/pkg/types"
)

const (
	groupKeyPrefix  = "queue:group:"
	activeGroupsKey = "queue:active_groups"
	processingKey   = "queue:processing:global"
	lockKeyPrefix   = "lock:queue:group:"
)

// ErrEmptyGroup is returned by Enqueue when the group id is blank.
var ErrEmptyGroup = errors.New("queue: empty group id")

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store wraps a Redis client with the queue operations.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore wraps an existing client. The caller owns the client's lifecycle.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: ping %s: %w", addr, err)
	}
	return NewStore(rdb), nil
}

// Close releases the underlying client if the store opened it.
func (s *Store) Close() error {
	type closer interface{ Close() error }
	if c, ok := s.rdb.(closer); ok {
		return c.Close()
	}
	return nil
}

func groupKey(group string) string { return groupKeyPrefix + group }
func lockKey(group string) string  { return lockKeyPrefix + group }

// Enqueue appends an encoded envelope to the group's queue and marks the
// group active, atomically with respect to each other.
func (s *Store) Enqueue(ctx context.Context, group string, raw []byte) error {
	if group == "" {
		return ErrEmptyGroup
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, groupKey(group), raw)
	pipe.SAdd(ctx, activeGroupsKey, group)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue to %s: %w", group, err)
	}
	return nil
}

// PopOneToProcessing atomically moves the oldest envelope of the group into
// the processing list and returns it. Returns nil bytes when the group queue
// is empty.
func (s *Store) PopOneToProcessing(ctx context.Context, group string) ([]byte, error) {
	raw, err := s.rdb.LMove(ctx, groupKey(group), processingKey, "RIGHT", "LEFT").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop from %s: %w", group, err)
	}
	return raw, nil
}

// AckProcessed removes the first matching envelope from the processing list.
// Acking an envelope recovery already removed is a benign no-op.
func (s *Store) AckProcessed(ctx context.Context, raw []byte) error {
	if err := s.rdb.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// RequeueFromProcessing removes the stale envelope from the processing list
// and re-inserts the refreshed one at the head of its group queue, marking
// the group active again. Used only by the recovery loop.
func (s *Store) RequeueFromProcessing(ctx context.Context, group string, stale, refreshed []byte) error {
	if group == "" {
		return ErrEmptyGroup
	}
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, stale)
	pipe.RPush(ctx, groupKey(group), refreshed) // tail of the list = head of the queue
	pipe.SAdd(ctx, activeGroupsKey, group)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: requeue to %s: %w", group, err)
	}
	return nil
}

// IsGroupEmpty reports whether the group's queue holds no envelopes.
func (s *Store) IsGroupEmpty(ctx context.Context, group string) (bool, error) {
	n, err := s.rdb.LLen(ctx, groupKey(group)).Result()
	if err != nil {
		return false, fmt.Errorf("queue: llen %s: %w", group, err)
	}
	return n == 0, nil
}

// GroupDepth returns the number of queued envelopes for the group.
func (s *Store) GroupDepth(ctx context.Context, group string) (int64, error) {
	n, err := s.rdb.LLen(ctx, groupKey(group)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", group, err)
	}
	return n, nil
}

// RemoveActiveGroup drops the group from the active set. Called by workers
// after draining a group.
func (s *Store) RemoveActiveGroup(ctx context.Context, group string) error {
	if err := s.rdb.SRem(ctx, activeGroupsKey, group).Err(); err != nil {
		return fmt.Errorf("queue: remove active %s: %w", group, err)
	}
	return nil
}

// ActiveGroupCount returns the size of the active-groups set.
func (s *Store) ActiveGroupCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, activeGroupsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: active count: %w", err)
	}
	return n, nil
}

// SampleActiveGroups returns up to k distinct active groups in random order.
// Workers walk this sample when looking for an unlocked group.
func (s *Store) SampleActiveGroups(ctx context.Context, k int) ([]string, error) {
	groups, err := s.rdb.SRandMemberN(ctx, activeGroupsKey, int64(k)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: sample active: %w", err)
	}
	return groups, nil
}

// SnapshotProcessing returns a copy of the full processing list, oldest
// claim last. Only the recovery loop reads it.
func (s *Store) SnapshotProcessing(ctx context.Context) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot processing: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ProcessingDepth returns the size of the processing list.
func (s *Store) ProcessingDepth(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: processing depth: %w", err)
	}
	return n, nil
}

// ContainsTask scans the group queue and the processing list for an
// envelope carrying the task id. Used by the retry control operation to
// avoid writing a second envelope for a task whose first one still exists.
func (s *Store) ContainsTask(ctx context.Context, group string, taskID types.TaskID) (bool, error) {
	for _, key := range []string{groupKey(group), processingKey} {
		vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("queue: scan %s: %w", key, err)
		}
		for _, v := range vals {
			env, err := types.DecodeEnvelope([]byte(v))
			if err != nil {
				continue // corrupt entries are the worker's problem
			}
			if env.TaskID == taskID {
				return true, nil
			}
		}
	}
	return false, nil
}

// TryAcquireGroupLock attempts to take the group lease for workerID. The TTL
// bounds how long a crashed worker can wedge a group.
func (s *Store) TryAcquireGroupLock(ctx context.Context, group, workerID string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(group), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: lock %s: %w", group, err)
	}
	return ok, nil
}

// ReleaseGroupLock releases the group lease if workerID still owns it.
// Releasing a lock held by someone else (or already expired) is a no-op.
func (s *Store) ReleaseGroupLock(ctx context.Context, group, workerID string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{lockKey(group)}, workerID).Err(); err != nil {
		return fmt.Errorf("queue: unlock %s: %w", group, err)
	}
	return nil
}

// GroupLockHolder returns the current lease owner, or "" when unlocked.
func (s *Store) GroupLockHolder(ctx context.Context, group string) (string, error) {
	v, err := s.rdb.Get(ctx, lockKey(group)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: lock holder %s: %w", group, err)
	}
	return v, nil
}

// ============================================================================
// Memoraph Task Journal - Durable Task Lifecycle Records
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: Defines the Store interface over the task_logs table and the
//          status-transition rules every implementation must enforce.
//
// Design:
//   The journal is the source of truth for a task's lifecycle. Rows are
//   append-structured: after Create only the status and its related
//   timestamps mutate. Every writer submits a full status tuple; the single
//   read-modify-write exception is the retry counter, which is incremented
//   with one atomic statement.
//
//   Two implementations:
//   - Postgres: production store, sqlx over lib/pq (postgres.go)
//   - Memory:   process-local store for tests and the demo mode (memory.go)
//
// Failure policy:
//   Journal errors must never be swallowed by callers holding queue locks;
//   workers log them and carry on, because recovery trusts the queue store,
//   not the journal, for in-flight work.
//
// ============================================================================

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/memoraph/memoraph/pkg/types"
)

var (
	// ErrNotFound is returned when no row exists for the task id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StatusUpdate carries the optional fields written together with a status
// change. Implementations write the full tuple for the target status, never
// a partial patch.
type StatusUpdate struct {
	// WorkerID identifies the claiming process; written when entering
	// processing.
	WorkerID string
	// Error is the short failure description; written when entering failed.
	Error string
	// ClearRun resets error and the started/completed/stopped timestamps.
	// Used by retry when sending a task back to pending.
	ClearRun bool
}

// Stats aggregates task counts per status over a creation-time window.
type Stats struct {
	Window   time.Duration            `json:"window_seconds"`
	ByStatus map[types.TaskStatus]int `json:"by_status"`
	Total    int                      `json:"total"`
}

// Store is the task journal contract shared by the producer, the workers,
// the recovery loop, and the control operations.
type Store interface {
	// Create inserts a new row. The task must carry ID, GroupID, Kind and
	// Status; CreatedAt is stamped with the store clock when zero.
	Create(ctx context.Context, task *types.Task) error

	// UpdateStatus moves the row to status and writes the tuple belonging
	// to it: started_at + worker_id for processing, completed_at (+ error)
	// for completed/failed, stopped_at for stopped. Calling it again with
	// the same status is idempotent.
	UpdateStatus(ctx context.Context, id types.TaskID, status types.TaskStatus, upd StatusUpdate) error

	// IncrementRetries bumps retry_count by one. Only recovery and the
	// retry control operation call this.
	IncrementRetries(ctx context.Context, id types.TaskID) error

	FindByID(ctx context.Context, id types.TaskID) (*types.Task, error)
	ListByGroup(ctx context.Context, group string, limit, offset int) ([]*types.Task, error)
	ListByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error)
	ListRecent(ctx context.Context, limit int) ([]*types.Task, error)
	Stats(ctx context.Context, window time.Duration) (*Stats, error)
}

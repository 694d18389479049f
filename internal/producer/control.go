// ============================================================================
// Memoraph Producer - Control Operations
// ============================================================================
//
// Package: internal/producer
// File: control.go
// Purpose: Operator-facing task manipulation: retry, stop/cancel, and the
//          read-only status views. All of them work through the journal;
//          retry additionally re-enqueues the task's stored payload.
//
// ============================================================================

package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/pkg/types"
)

// ErrBadState is returned when a control operation does not apply to the
// task's current status.
var ErrBadState = fmt.Errorf("producer: operation not valid for task status")

// Retry sends a failed, stopped or pending task back through the pipeline:
// the row is reset to pending with the run fields cleared, the retry counter
// is bumped, and the stored payload is re-enqueued at the tail of its group.
//
// Retrying a pending task exists to resurrect rows whose envelope was lost.
// If an envelope for the task is still present in the group queue or the
// processing list, no second envelope is written; only the row is reset.
func (p *Producer) Retry(ctx context.Context, id types.TaskID) error {
	task, err := p.journal.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}
	switch task.Status {
	case types.StatusFailed, types.StatusStopped, types.StatusPending:
	default:
		return fmt.Errorf("%w: retry from %s", ErrBadState, task.Status)
	}

	if err := p.journal.UpdateStatus(ctx, id, types.StatusPending, journal.StatusUpdate{ClearRun: true}); err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}
	if err := p.journal.IncrementRetries(ctx, id); err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}

	present, err := p.queue.ContainsTask(ctx, task.GroupID, id)
	if err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}
	if present {
		p.logger.Info("retry: envelope still queued, journal row reset only",
			"task_id", id, "group", task.GroupID)
		return nil
	}

	env := &types.Envelope{
		TaskID:    id,
		GroupID:   task.GroupID,
		Kind:      task.Kind,
		Timestamp: p.now().UTC().Unix(),
		Fields:    task.Payload,
	}
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}
	if err := p.queue.Enqueue(ctx, task.GroupID, raw); err != nil {
		return fmt.Errorf("producer: retry %s: %w", id, err)
	}

	p.logger.Info("task retried", "task_id", id, "group", task.GroupID, "kind", task.Kind)
	return nil
}

// Stop marks a pending or processing task stopped. A running handler is not
// killed; it observes cancellation cooperatively, and a worker that claims a
// stopped-pending envelope later drains it without executing.
func (p *Producer) Stop(ctx context.Context, id types.TaskID) error {
	task, err := p.journal.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("producer: stop %s: %w", id, err)
	}
	switch task.Status {
	case types.StatusPending, types.StatusProcessing:
	case types.StatusStopped:
		return nil // idempotent
	default:
		return fmt.Errorf("%w: stop from %s", ErrBadState, task.Status)
	}

	if err := p.journal.UpdateStatus(ctx, id, types.StatusStopped, journal.StatusUpdate{}); err != nil {
		return fmt.Errorf("producer: stop %s: %w", id, err)
	}
	p.logger.Info("task stopped", "task_id", id, "group", task.GroupID)
	return nil
}

// Cancel is an alias for Stop.
func (p *Producer) Cancel(ctx context.Context, id types.TaskID) error {
	return p.Stop(ctx, id)
}

// Status returns the journal row for the task.
func (p *Producer) Status(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return p.journal.FindByID(ctx, id)
}

// ListRecent returns the newest journal rows.
func (p *Producer) ListRecent(ctx context.Context, limit int) ([]*types.Task, error) {
	return p.journal.ListRecent(ctx, limit)
}

// StatsWindow aggregates task counts per status over the window.
func (p *Producer) StatsWindow(ctx context.Context, window time.Duration) (*journal.Stats, error) {
	return p.journal.Stats(ctx, window)
}

// GroupQueueDepth returns the number of envelopes queued for the group.
func (p *Producer) GroupQueueDepth(ctx context.Context, group string) (int64, error) {
	return p.queue.GroupDepth(ctx, group)
}

// ============================================================================
// Memoraph Recovery - Stalled Task Re-Queue Loop
// ============================================================================
//
// Package: internal/recovery
// File: recovery.go
// Purpose: Periodically scans the global processing list for envelopes that
//          outlived their handler's timeout and sends them back to the head
//          of their group queue.
//
// Why a separate loop:
//   Workers remove their own envelope on every normal exit path, so anything
//   left in the processing list past its timeout belongs to a worker that
//   died or lost its network. The loop is stateless; any number of processes
//   may run it, and concurrent scans at worst race on the same stale
//   envelope, where the pipeline's LREM makes the loser a no-op.
//
// Re-queue semantics:
//   A recovered envelope is re-encoded with a fresh timestamp and inserted
//   at the HEAD of its group queue so the interrupted task runs before the
//   group's backlog, preserving per-group ordering. Its journal row goes
//   back to pending and the retry counter is bumped.
//
// ============================================================================

package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/metrics"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/pkg/types"
)

// DefaultInterval is the scan period when the config leaves it zero.
const DefaultInterval = 60 * time.Second

// Config tunes the recovery loop.
type Config struct {
	// Interval between scans of the processing list.
	Interval time.Duration
	// FallbackTimeout applies to envelopes whose kind has no registered
	// handler in this process. Defaults to the registry's longest timeout.
	FallbackTimeout time.Duration
}

// Loop is the stalled-task scanner.
type Loop struct {
	cfg      Config
	queue    *queue.Store
	journal  journal.Store
	registry *registry.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewLoop wires a recovery loop. metrics may be nil.
func NewLoop(cfg Config, q *queue.Store, j journal.Store, r *registry.Registry, m *metrics.Collector, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = r.LongestTimeout()
	}
	return &Loop{
		cfg:      cfg,
		queue:    q,
		journal:  j,
		registry: r,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, scanning every Interval. A scan failure
// is logged and retried at the next tick.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("recovery loop starting", "interval", l.cfg.Interval)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("recovery loop stopped")
			return nil
		case <-ticker.C:
			if n, err := l.Sweep(ctx); err != nil {
				l.logger.Error("recovery sweep failed", "error", err)
			} else if n > 0 {
				l.logger.Info("recovery sweep re-queued tasks", "count", n)
			}
			l.refreshGauges(ctx)
		}
	}
}

// Sweep performs one scan of the processing list and returns how many
// envelopes it re-queued. Exposed for tests and one-shot CLI use.
func (l *Loop) Sweep(ctx context.Context) (int, error) {
	snapshot, err := l.queue.SnapshotProcessing(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now().UTC()
	recovered := 0
	for _, raw := range snapshot {
		env, err := types.DecodeEnvelope(raw)
		if err != nil {
			// a corrupt processing entry can never be acked by a worker;
			// drop it so it stops surfacing every sweep
			l.logger.Error("dropping corrupt processing entry", "error", err)
			if aerr := l.queue.AckProcessed(ctx, raw); aerr != nil {
				l.logger.Error("failed to drop corrupt entry", "error", aerr)
			}
			continue
		}

		timeout := l.cfg.FallbackTimeout
		if h, ok := l.registry.Lookup(env.Kind); ok {
			timeout = h.Timeout()
		}
		if env.Age(now) <= timeout {
			continue
		}

		if err := l.requeue(ctx, now, raw, env); err != nil {
			l.logger.Error("re-queue failed",
				"task_id", env.TaskID, "group", env.GroupID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// requeue swaps the stale envelope for a refreshed one at the head of its
// group queue and resets the journal row.
func (l *Loop) requeue(ctx context.Context, now time.Time, stale []byte, env *types.Envelope) error {
	fresh := &types.Envelope{
		TaskID:    env.TaskID,
		GroupID:   env.GroupID,
		Kind:      env.Kind,
		Timestamp: now.Unix(),
		Fields:    env.Fields,
	}
	raw, err := fresh.Encode()
	if err != nil {
		return err
	}
	if err := l.queue.RequeueFromProcessing(ctx, env.GroupID, stale, raw); err != nil {
		return err
	}

	// journal drift is tolerated; the envelope is already back in the queue
	if err := l.journal.UpdateStatus(ctx, env.TaskID, types.StatusPending, journal.StatusUpdate{ClearRun: true}); err != nil {
		l.logger.Warn("journal reset failed for recovered task",
			"task_id", env.TaskID, "error", err)
	}
	if err := l.journal.IncrementRetries(ctx, env.TaskID); err != nil {
		l.logger.Warn("retry bump failed for recovered task",
			"task_id", env.TaskID, "error", err)
	}

	l.logger.Warn("stalled task re-queued",
		"task_id", env.TaskID, "group", env.GroupID, "kind", env.Kind,
		"age", env.Age(now))
	if l.metrics != nil {
		l.metrics.RecordRecovered(env.Kind)
	}
	return nil
}

// refreshGauges updates the instantaneous queue gauges as a side effect of
// the periodic tick.
func (l *Loop) refreshGauges(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	groups, err := l.queue.ActiveGroupCount(ctx)
	if err != nil {
		return
	}
	depth, err := l.queue.ProcessingDepth(ctx)
	if err != nil {
		return
	}
	l.metrics.UpdateQueueStats(groups, depth)
}

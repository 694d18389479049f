// ============================================================================
// Memoraph Worker Pool - Single Claim Execution
// ============================================================================
//
// Package: internal/worker
// File: claim.go
// Purpose: Executes exactly one claimed envelope while the group lock is
//          held: pop, decode, journal transitions, handler invocation with
//          timeout and panic recovery, ack.
//
// Journal drift:
//   Journal writes are never allowed to wedge a claim. If one fails the
//   worker logs it and carries on, because the recovery loop treats the
//   queue store, not the journal, as the authority for in-flight work.
//
// Cooperative stop:
//   While a handler runs, a watcher polls its journal row; an operator stop
//   cancels the handler's ctx at the next suspension point instead of
//   letting it run out its full timeout.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/pkg/types"
)

// processOne handles one claim for the locked group. Every path out of this
// function leaves the processing list consistent: either the envelope was
// never moved, or it is acked.
func (p *Pool) processOne(ctx context.Context, log *slog.Logger, workerID, group string) {
	raw, err := p.withStoreRetry(ctx, func() ([]byte, error) {
		return p.queue.PopOneToProcessing(ctx, group)
	})
	if err != nil {
		log.Error("claim pop failed", "group", group, "error", err)
		return
	}
	if raw == nil {
		// drained group: retire it from the active set
		empty, err := p.queue.IsGroupEmpty(ctx, group)
		if err != nil {
			log.Error("group empty check failed", "group", group, "error", err)
			return
		}
		if empty {
			if err := p.queue.RemoveActiveGroup(ctx, group); err != nil {
				log.Error("active group removal failed", "group", group, "error", err)
			}
		}
		return
	}

	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		// corrupt bytes carry no task id to journal against; ack so the
		// envelope cannot loop through recovery forever
		log.Error("corrupt envelope dropped", "group", group, "error", err)
		p.ack(ctx, log, raw)
		return
	}
	tlog := log.With("task_id", env.TaskID, "kind", env.Kind, "group", group)

	handler, ok := p.registry.Lookup(env.Kind)
	if !ok {
		tlog.Error("unknown task kind")
		p.ack(ctx, log, raw)
		p.journalStatus(ctx, tlog, env.TaskID, types.StatusFailed, journal.StatusUpdate{
			Error: fmt.Sprintf("unknown task kind %q", env.Kind),
		})
		return
	}

	// a stop issued while the envelope was still queued drains it here
	if task, err := p.journal.FindByID(ctx, env.TaskID); err == nil && task.Status == types.StatusStopped {
		tlog.Info("stopped task drained without execution")
		p.ack(ctx, log, raw)
		if p.metrics != nil {
			p.metrics.RecordStopped()
		}
		return
	}

	p.journalStatus(ctx, tlog, env.TaskID, types.StatusProcessing, journal.StatusUpdate{
		WorkerID: workerID,
	})
	if p.metrics != nil {
		p.metrics.RecordClaim(env.Kind)
	}

	start := p.now()
	stopped, err := p.invoke(ctx, handler, &registry.Invocation{
		TaskID:  env.TaskID,
		GroupID: env.GroupID,
		Kind:    env.Kind,
		Payload: env.Fields,
	})
	elapsed := p.now().Sub(start)

	p.ack(ctx, log, raw)

	if stopped {
		// the row is already stopped; writing a terminal status here would
		// overturn the operator's decision
		tlog.Info("task stopped mid-run", "duration", elapsed)
		if p.metrics != nil {
			p.metrics.RecordStopped()
		}
		return
	}

	if err != nil {
		tlog.Error("task failed", "duration", elapsed, "error", err)
		p.journalStatus(ctx, tlog, env.TaskID, types.StatusFailed, journal.StatusUpdate{
			Error: shortError(err),
		})
		if p.metrics != nil {
			p.metrics.RecordFailed(env.Kind, elapsed.Seconds())
		}
		return
	}

	tlog.Info("task completed", "duration", elapsed)
	p.journalStatus(ctx, tlog, env.TaskID, types.StatusCompleted, journal.StatusUpdate{})
	if p.metrics != nil {
		p.metrics.RecordCompleted(env.Kind, elapsed.Seconds())
	}
}

// invoke runs the handler under its declared timeout, converting panics
// into errors so a bad handler cannot take the worker down. A watcher polls
// the task's journal row while the handler runs and cancels the handler ctx
// when an operator stops the task; stopped reports whether that happened.
func (p *Pool) invoke(ctx context.Context, h registry.Handler, inv *registry.Invocation) (stopped bool, err error) {
	hctx, cancel := context.WithTimeout(ctx, h.Timeout())
	defer cancel()

	watchDone := make(chan struct{})
	var flagged atomic.Bool
	go p.watchStop(hctx, cancel, inv.TaskID, &flagged, watchDone)

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h.Process(hctx, inv)
	}()

	cancel()
	<-watchDone
	return flagged.Load(), err
}

// watchStop cancels the running handler once its journal row turns stopped.
// Journal read failures are skipped; the next tick tries again.
func (p *Pool) watchStop(ctx context.Context, cancel context.CancelFunc, id types.TaskID, flagged *atomic.Bool, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.StopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := p.journal.FindByID(ctx, id)
			if err != nil {
				continue
			}
			if task.Status == types.StatusStopped {
				flagged.Store(true)
				cancel()
				return
			}
		}
	}
}

// ack removes the envelope from the processing list. Failures are retried
// once; a still-failing ack is logged and left for recovery to re-queue.
func (p *Pool) ack(ctx context.Context, log *slog.Logger, raw []byte) {
	_, err := p.withStoreRetry(ctx, func() ([]byte, error) {
		return nil, p.queue.AckProcessed(ctx, raw)
	})
	if err != nil {
		log.Error("ack failed, recovery will re-queue", "error", err)
	}
}

// journalStatus writes a status tuple and logs instead of propagating
// failures. ErrNotFound is expected for envelopes injected without a row.
func (p *Pool) journalStatus(ctx context.Context, log *slog.Logger, id types.TaskID, status types.TaskStatus, upd journal.StatusUpdate) {
	if err := p.journal.UpdateStatus(ctx, id, status, upd); err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			log.Warn("no journal row for task", "status", status)
			return
		}
		log.Error("journal write failed", "status", status, "error", err)
	}
}

// withStoreRetry runs a queue-store call, retrying once after a short delay
// on failure.
func (p *Pool) withStoreRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	out, err := fn()
	if err == nil || ctx.Err() != nil {
		return out, err
	}
	sleep(ctx, p.cfg.StoreRetryDelay)
	return fn()
}

// shortError truncates an error for the journal's error_message column,
// backing off to a rune boundary so the stored text stays valid UTF-8.
func shortError(err error) string {
	const max = 500
	msg := err.Error()
	if len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// ============================================================================
// Memoraph Worker Pool - Cooperative Task Executors
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Purpose: Runs N workers per process. Each worker repeatedly samples the
//          active-groups set, races for one group's lock, claims a single
//          envelope, and executes its handler.
//
// Concurrency model:
//   Workers share no mutable state with each other; coordination happens
//   entirely through the queue store and the journal. Per-group mutual
//   exclusion comes from the Redis group lease, so tasks of one group are
//   strictly serialized across the whole fleet while distinct groups
//   progress in parallel up to the combined worker count.
//
// Lock discipline:
//   The lease TTL is at least the longest handler timeout, so a worker
//   killed mid-task cannot wedge its group forever. The lock is released on
//   every exit path; no work unrelated to the claimed envelope happens
//   while it is held.
//
// Shutdown:
//   Cancelling the context passed to Run stops the claim loops. A worker
//   mid-handler finishes (or observes cancellation through its own ctx);
//   Run returns once every worker has exited.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/metrics"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/registry"
)

// Config tunes the pool.
type Config struct {
	// Workers is the number of parallel claim loops in this process.
	Workers int
	// SampleSize is how many active groups a worker samples per attempt.
	SampleSize int
	// LockTTL bounds the group lease. Must be at least the longest handler
	// timeout; Pool raises it automatically when it is not.
	LockTTL time.Duration
	// IdleBackoff is the sleep when no group is active.
	IdleBackoff time.Duration
	// LockBackoff is the sleep when every sampled group is locked.
	LockBackoff time.Duration
	// StoreRetryDelay is the pause before the single retry of a failed
	// queue-store call inside a claim.
	StoreRetryDelay time.Duration
	// StopPollInterval is how often a running handler's journal row is
	// checked for an operator stop.
	StopPollInterval time.Duration
	// WorkerIDPrefix namespaces worker ids; defaults to hostname-pid.
	WorkerIDPrefix string
}

func (c *Config) applyDefaults(longestTimeout time.Duration) {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 5
	}
	if c.LockTTL < longestTimeout {
		c.LockTTL = longestTimeout
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 500 * time.Millisecond
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 100 * time.Millisecond
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 250 * time.Millisecond
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = time.Second
	}
	if c.WorkerIDPrefix == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.WorkerIDPrefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Pool manages the claim loops of one process.
type Pool struct {
	cfg      Config
	queue    *queue.Store
	journal  journal.Store
	registry *registry.Registry
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool wires a pool. metrics may be nil.
func NewPool(cfg Config, q *queue.Store, j journal.Store, r *registry.Registry, m *metrics.Collector, logger *slog.Logger) *Pool {
	cfg.applyDefaults(r.LongestTimeout())
	return &Pool{
		cfg:      cfg,
		queue:    q,
		journal:  j,
		registry: r,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its current claim.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"workers", p.cfg.Workers,
		"lock_ttl", p.cfg.LockTTL,
		"kinds", p.registry.Kinds())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerIDPrefix, i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// runWorker is one claim loop.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log := p.logger.With("worker_id", workerID)
	log.Debug("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("worker stopping")
			return
		}

		groups, err := p.queue.SampleActiveGroups(ctx, p.cfg.SampleSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("sampling active groups failed", "error", err)
			sleep(ctx, p.cfg.IdleBackoff)
			continue
		}
		if len(groups) == 0 {
			sleep(ctx, p.cfg.IdleBackoff)
			continue
		}

		claimed := ""
		for _, group := range groups {
			ok, err := p.queue.TryAcquireGroupLock(ctx, group, workerID, p.cfg.LockTTL)
			if err != nil {
				log.Error("lock acquisition failed", "group", group, "error", err)
				continue
			}
			if ok {
				claimed = group
				break
			}
		}
		if claimed == "" {
			sleep(ctx, p.cfg.LockBackoff)
			continue
		}

		p.processOne(ctx, log, workerID, claimed)

		// release must survive a cancelled ctx, otherwise shutdown leaks
		// the lease until its TTL
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.queue.ReleaseGroupLock(releaseCtx, claimed, workerID); err != nil {
			log.Error("lock release failed", "group", claimed, "error", err)
		}
		cancel()
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

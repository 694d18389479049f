// ============================================================================
// Memoraph CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree and process wiring.
//
// Command Structure:
//   memoraph                        # Root command
//   ├── run                         # Worker process: pool + recovery + HTTP API
//   ├── api                         # Producer-only HTTP process
//   ├── enqueue <kind>              # Submit one task from flags
//   ├── status [task-id]            # Show a task, or the newest tasks
//   ├── migrate                     # Apply journal schema migrations
//   ├── --config, -c                # Config file (default configs/default.yaml)
//   └── --version / --help
//
// Process roles:
//   run  hosts everything: handler registry, worker pool, recovery loop and
//        the HTTP API, sharing one journal and one queue store. Horizontal
//        scale means running more of these; coordination happens entirely
//        through Redis and Postgres.
//   api  hosts only the producer surface, for deployments that keep task
//        submission and task execution on separate machines.
//
// Signal Handling:
//   run and api capture SIGINT/SIGTERM and shut down gracefully: the HTTP
//   listener stops taking requests, workers finish their current claim,
//   the recovery loop exits at the next tick.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memoraph/memoraph/internal/graph"
	"github.com/memoraph/memoraph/internal/handlers"
	"github.com/memoraph/memoraph/internal/journal"
	"github.com/memoraph/memoraph/internal/metrics"
	"github.com/memoraph/memoraph/internal/producer"
	"github.com/memoraph/memoraph/internal/queue"
	"github.com/memoraph/memoraph/internal/recovery"
	"github.com/memoraph/memoraph/internal/registry"
	"github.com/memoraph/memoraph/internal/server"
	"github.com/memoraph/memoraph/internal/worker"
	"github.com/memoraph/memoraph/pkg/types"
)

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "memoraph",
		Short: "Memoraph: a durable task pipeline for temporal knowledge graphs",
		Long: `Memoraph runs background graph maintenance as durable tasks:
- Redis-backed per-group FIFO queues
- Postgres task journal
- per-group distributed locks with timeout recovery
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAPICommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildMigrateCommand())

	return rootCmd
}

// ----------------------------------------------------------------------------
// Shared wiring
// ----------------------------------------------------------------------------

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func openJournal(ctx context.Context, cfg *Config, logger *slog.Logger) (journal.Store, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("no postgres dsn configured, using in-memory journal (development only)")
		return journal.NewMemory(), func() {}, nil
	}
	pg, err := journal.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.DB().Close() }, nil
}

func openQueue(ctx context.Context, cfg *Config) (*queue.Store, error) {
	return queue.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

// buildRegistry registers the four graph maintenance handlers against the
// engine.
func buildRegistry(engine graph.Engine, enq handlers.ChildEnqueuer, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.New()
	for _, h := range []registry.Handler{
		handlers.NewEpisodeHandler(engine, graph.NopSchemaRegistry{}, logger),
		handlers.NewCommunityHandler(engine, logger),
		handlers.NewDedupeHandler(engine, logger),
		handlers.NewRefreshHandler(engine, enq, logger),
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// ----------------------------------------------------------------------------
// run
// ----------------------------------------------------------------------------

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a worker process (pool + recovery + HTTP API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerProcess()
		},
	}
}

func runWorkerProcess() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closeJournal()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer q.Close()

	engine := graph.NewMemory()
	coll := metrics.NewCollector(nil)

	// the producer doubles as the child enqueuer for handlers that spawn
	// follow-up tasks; the registry-less instance handed to the handlers
	// skips kind validation, which is fine for kinds this process serves
	childProd := producer.New(j, q, nil, coll, logger)
	reg, err := buildRegistry(engine, childProd, logger)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	prod := producer.New(j, q, reg, coll, logger)

	pool := worker.NewPool(worker.Config{
		Workers:    cfg.Worker.Count,
		SampleSize: cfg.Worker.ActiveGroupsSampleSize,
		LockTTL:    cfg.GroupLockTTL(),
	}, q, j, reg, coll, logger)

	loop := recovery.NewLoop(recovery.Config{
		Interval: cfg.RecoveryInterval(),
	}, q, j, reg, coll, logger)

	api := server.New(prod, logger)
	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: api.Handler()}

	logger.Info("memoraph worker process starting",
		"http", cfg.HTTP.Listen, "redis", cfg.Redis.Addr, "workers", cfg.Worker.Count)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("memoraph worker process stopped")
	return err
}

// ----------------------------------------------------------------------------
// api
// ----------------------------------------------------------------------------

func buildAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Start a producer-only HTTP process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPIProcess()
		},
	}
}

func runAPIProcess() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closeJournal()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer q.Close()

	// no registry: the API trusts the worker fleet to serve every kind
	prod := producer.New(j, q, nil, metrics.NewCollector(nil), logger)
	api := server.New(prod, logger)
	httpSrv := &http.Server{Addr: cfg.HTTP.Listen, Handler: api.Handler()}

	logger.Info("memoraph api process starting", "http", cfg.HTTP.Listen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("memoraph api process stopped")
	return err
}

// ----------------------------------------------------------------------------
// enqueue
// ----------------------------------------------------------------------------

func buildEnqueueCommand() *cobra.Command {
	var (
		group     string
		payload   string
		threshold float64
		dryRun    bool
		rebuild   bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Submit one task directly to the queue",
		Long: `Submit a task without going through the HTTP API. Kinds:
  add_episode            --payload '{"episode_id": "...", ...}'
  rebuild_communities    --group <group>
  deduplicate_entities   --group <group> [--threshold 0.9] [--dry-run]
  incremental_refresh    --group <group> [--rebuild-communities]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueTask(args[0], group, payload, threshold, dryRun, rebuild)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "group id")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload for add_episode")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.9, "similarity threshold for deduplicate_entities")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report duplicate pairs without merging")
	cmd.Flags().BoolVar(&rebuild, "rebuild-communities", false, "chain a community rebuild after the refresh")
	cmd.MarkFlagRequired("group")

	return cmd
}

func enqueueTask(kind, group, payload string, threshold float64, dryRun, rebuild bool) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closeJournal()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer q.Close()

	// one-shot process, no collector to scrape
	prod := producer.New(j, q, nil, nil, logger)

	var id types.TaskID
	switch kind {
	case handlers.KindAddEpisode:
		if payload == "" {
			return fmt.Errorf("add_episode requires --payload")
		}
		var raw struct {
			EpisodeID         string `json:"episode_id"`
			Name              string `json:"name"`
			Content           string `json:"content"`
			SourceDescription string `json:"source_description"`
			SourceKind        string `json:"source_kind"`
			TenantID          string `json:"tenant_id"`
			ProjectID         string `json:"project_id"`
			UserID            string `json:"user_id"`
			CorrelationID     string `json:"correlation_id"`
		}
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			return fmt.Errorf("parse payload: %w", err)
		}
		id, err = prod.EnqueueEpisode(ctx, group, producer.EpisodeFields(raw), producer.Correlation{})
	case handlers.KindRebuildCommunities:
		id, err = prod.EnqueueRebuildCommunities(ctx, group, producer.Correlation{})
	case handlers.KindDeduplicate:
		id, err = prod.EnqueueDeduplicate(ctx, group, threshold, dryRun, "", producer.Correlation{})
	case handlers.KindIncrementalRefresh:
		id, err = prod.EnqueueIncrementalRefresh(ctx, group, producer.RefreshRequest{
			RebuildCommunities: rebuild,
		}, producer.Correlation{})
	default:
		return fmt.Errorf("unknown kind %q, expected one of: %s", kind, strings.Join([]string{
			handlers.KindAddEpisode, handlers.KindRebuildCommunities,
			handlers.KindDeduplicate, handlers.KindIncrementalRefresh,
		}, ", "))
	}
	if err != nil {
		return err
	}

	fmt.Printf("enqueued %s task %s in group %s\n", kind, id, group)
	return nil
}

// ----------------------------------------------------------------------------
// status
// ----------------------------------------------------------------------------

func buildStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show one task, or the newest tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return showStatus(id, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to list")
	return cmd
}

func showStatus(id string, limit int) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, closeJournal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closeJournal()

	if id != "" {
		task, err := j.FindByID(ctx, types.TaskID(id))
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	}

	tasks, err := j.ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%-36s  %-22s  %-12s  %-20s  retries=%d\n",
			t.ID, t.Kind, t.Status, t.GroupID, t.Retries)
	}
	return nil
}

func printTask(t *types.Task) {
	fmt.Printf("task:        %s\n", t.ID)
	fmt.Printf("kind:        %s\n", t.Kind)
	fmt.Printf("group:       %s\n", t.GroupID)
	fmt.Printf("status:      %s\n", t.Status)
	fmt.Printf("retries:     %d\n", t.Retries)
	fmt.Printf("created_at:  %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.WorkerID != "" {
		fmt.Printf("worker:      %s\n", t.WorkerID)
	}
	if t.StartedAt != nil {
		fmt.Printf("started_at:  %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Printf("completed:   %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.StoppedAt != nil {
		fmt.Printf("stopped_at:  %s\n", t.StoppedAt.Format(time.RFC3339))
	}
	if t.ParentTaskID != "" {
		fmt.Printf("parent:      %s\n", t.ParentTaskID)
	}
	if t.Error != "" {
		fmt.Printf("error:       %s\n", t.Error)
	}
}

// ----------------------------------------------------------------------------
// migrate
// ----------------------------------------------------------------------------

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply journal schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
}

func runMigrations() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("migrate requires postgres.dsn in the config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pg, err := journal.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer pg.DB().Close()

	if err := journal.Migrate(ctx, pg.DB()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

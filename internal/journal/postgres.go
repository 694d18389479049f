// ============================================================================
// Memoraph Task Journal - Postgres Implementation
// ============================================================================
//
// Package: internal/journal
// File: postgres.go
// Purpose: Store implementation over the task_logs table using sqlx/lib/pq.
//
// Write discipline:
//   Every UpdateStatus issues one UPDATE carrying the complete tuple for the
//   target status. Concurrent writers (producer, workers, recovery, control
//   ops) therefore race at row granularity with last-writer-wins semantics,
//   which the lifecycle tolerates. retry_count is the only counter and is
//   incremented server-side in a single statement.
//
// ============================================================================

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/memoraph/memoraph/pkg/types"
)

// Postgres is the production journal backed by the task_logs table.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgres wraps an open sqlx handle. The caller owns the handle's
// lifecycle and runs migrations before first use.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	return NewPostgres(db), nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db.DB }

// taskRow mirrors the task_logs columns with nullable fields.
type taskRow struct {
	ID           string         `db:"id"`
	GroupID      string         `db:"group_id"`
	Kind         string         `db:"task_type"`
	Status       string         `db:"status"`
	Payload      []byte         `db:"payload"`
	EntityID     sql.NullString `db:"entity_id"`
	EntityKind   sql.NullString `db:"entity_type"`
	ParentTaskID sql.NullString `db:"parent_task_id"`
	WorkerID     sql.NullString `db:"worker_id"`
	Retries      int            `db:"retry_count"`
	Error        sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	StoppedAt    sql.NullTime   `db:"stopped_at"`
}

const taskColumns = `id, group_id, task_type, status, payload, entity_id, entity_type,
	parent_task_id, worker_id, retry_count, error_message,
	created_at, started_at, completed_at, stopped_at`

func (r *taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:           types.TaskID(r.ID),
		GroupID:      r.GroupID,
		Kind:         r.Kind,
		Status:       types.TaskStatus(r.Status),
		EntityID:     r.EntityID.String,
		EntityKind:   r.EntityKind.String,
		ParentTaskID: types.TaskID(r.ParentTaskID.String),
		WorkerID:     r.WorkerID.String,
		Retries:      r.Retries,
		Error:        r.Error.String,
		CreatedAt:    r.CreatedAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("journal: payload decode for %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	if r.StoppedAt.Valid {
		v := r.StoppedAt.Time
		t.StoppedAt = &v
	}
	return t, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts the row in its initial status.
func (p *Postgres) Create(ctx context.Context, task *types.Task) error {
	if task.ID == "" || task.GroupID == "" || task.Kind == "" {
		return fmt.Errorf("journal: create: id, group and kind are required")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("journal: create: %w: %q", ErrInvalidTransition, task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = p.now().UTC()
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("journal: payload encode: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO task_logs
			(id, group_id, task_type, status, payload, entity_id, entity_type,
			 parent_task_id, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(task.ID), task.GroupID, task.Kind, string(task.Status), payload,
		nullStr(task.EntityID), nullStr(task.EntityKind),
		nullStr(string(task.ParentTaskID)), task.Retries, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", task.ID, err)
	}
	return nil
}

// UpdateStatus writes the full tuple for the target status.
func (p *Postgres) UpdateStatus(ctx context.Context, id types.TaskID, status types.TaskStatus, upd StatusUpdate) error {
	if !status.Valid() {
		return fmt.Errorf("journal: %w: %q", ErrInvalidTransition, status)
	}
	now := p.now().UTC()

	var (
		query string
		args  []any
	)
	switch status {
	case types.StatusProcessing:
		query = `UPDATE task_logs
			SET status = $2, worker_id = $3, started_at = $4
			WHERE id = $1`
		args = []any{string(id), string(status), nullStr(upd.WorkerID), now}
	case types.StatusCompleted:
		query = `UPDATE task_logs
			SET status = $2, completed_at = $3, error_message = NULL
			WHERE id = $1`
		args = []any{string(id), string(status), now}
	case types.StatusFailed:
		query = `UPDATE task_logs
			SET status = $2, completed_at = $3, error_message = $4
			WHERE id = $1`
		args = []any{string(id), string(status), now, nullStr(upd.Error)}
	case types.StatusStopped:
		query = `UPDATE task_logs
			SET status = $2, stopped_at = $3
			WHERE id = $1`
		args = []any{string(id), string(status), now}
	case types.StatusPending:
		if upd.ClearRun {
			query = `UPDATE task_logs
				SET status = $2, error_message = NULL, worker_id = NULL,
				    started_at = NULL, completed_at = NULL, stopped_at = NULL
				WHERE id = $1`
		} else {
			query = `UPDATE task_logs SET status = $2 WHERE id = $1`
		}
		args = []any{string(id), string(status)}
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("journal: update %s -> %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("journal: update %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementRetries bumps retry_count atomically.
func (p *Postgres) IncrementRetries(ctx context.Context, id types.TaskID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE task_logs SET retry_count = retry_count + 1 WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("journal: increment retries %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("journal: increment retries %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindByID loads a single row.
func (p *Postgres) FindByID(ctx context.Context, id types.TaskID) (*types.Task, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM task_logs WHERE id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: find %s: %w", id, err)
	}
	return row.toTask()
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListByGroup returns the group's rows, newest first.
func (p *Postgres) ListByGroup(ctx context.Context, group string, limit, offset int) ([]*types.Task, error) {
	return p.list(ctx, `SELECT `+taskColumns+` FROM task_logs
		WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		group, limit, offset)
}

// ListByStatus returns rows in the given status, newest first.
func (p *Postgres) ListByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	return p.list(ctx, `SELECT `+taskColumns+` FROM task_logs
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
}

// ListRecent returns the newest rows across all groups.
func (p *Postgres) ListRecent(ctx context.Context, limit int) ([]*types.Task, error) {
	return p.list(ctx, `SELECT `+taskColumns+` FROM task_logs
		ORDER BY created_at DESC LIMIT $1`, limit)
}

// Stats counts rows per status created within the window.
func (p *Postgres) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	since := p.now().UTC().Add(-window)
	rows, err := p.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) AS n FROM task_logs
		WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("journal: stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Window: window, ByStatus: make(map[types.TaskStatus]int)}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("journal: stats scan: %w", err)
		}
		stats.ByStatus[types.TaskStatus(status)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: stats rows: %w", err)
	}
	return stats, nil
}

// ============================================================================
// Memoraph Task Journal - In-Memory Implementation
// ============================================================================
//
// Package: internal/journal
// File: memory.go
// Purpose: Process-local Store used by tests and the demo mode. Mirrors the
//          Postgres semantics, including full-tuple status writes, so the
//          orchestrator behaves identically against either backend.
//
// ============================================================================

package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memoraph/memoraph/pkg/types"
)

// Memory is a thread-safe in-memory journal.
type Memory struct {
	mu    sync.RWMutex
	tasks map[types.TaskID]*types.Task
	order []types.TaskID // insertion order, oldest first
	now   func() time.Time
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[types.TaskID]*types.Task),
		now:   time.Now,
	}
}

func copyTask(t *types.Task) *types.Task {
	c := *t
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Create inserts the row in its initial status.
func (m *Memory) Create(_ context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.now().UTC()
	}
	m.tasks[task.ID] = copyTask(task)
	m.order = append(m.order, task.ID)
	return nil
}

// UpdateStatus writes the full tuple for the target status.
func (m *Memory) UpdateStatus(_ context.Context, id types.TaskID, status types.TaskStatus, upd StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now().UTC()
	task.Status = status
	switch status {
	case types.StatusProcessing:
		task.WorkerID = upd.WorkerID
		task.StartedAt = &now
	case types.StatusCompleted:
		task.CompletedAt = &now
		task.Error = ""
	case types.StatusFailed:
		task.CompletedAt = &now
		task.Error = upd.Error
	case types.StatusStopped:
		task.StoppedAt = &now
	case types.StatusPending:
		if upd.ClearRun {
			task.Error = ""
			task.WorkerID = ""
			task.StartedAt = nil
			task.CompletedAt = nil
			task.StoppedAt = nil
		}
	}
	return nil
}

// IncrementRetries bumps the retry counter.
func (m *Memory) IncrementRetries(_ context.Context, id types.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Retries++
	return nil
}

// FindByID returns a copy of the row.
func (m *Memory) FindByID(_ context.Context, id types.TaskID) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

func (m *Memory) collect(match func(*types.Task) bool) []*types.Task {
	out := make([]*types.Task, 0)
	for _, id := range m.order {
		t := m.tasks[id]
		if match(t) {
			out = append(out, copyTask(t))
		}
	}
	// newest first, like the Postgres queries
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListByGroup returns the group's rows, newest first.
func (m *Memory) ListByGroup(_ context.Context, group string, limit, offset int) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.collect(func(t *types.Task) bool { return t.GroupID == group })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListByStatus returns rows in the given status, newest first.
func (m *Memory) ListByStatus(_ context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.collect(func(t *types.Task) bool { return t.Status == status })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListRecent returns the newest rows across all groups.
func (m *Memory) ListRecent(_ context.Context, limit int) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.collect(func(*types.Task) bool { return true })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Stats counts rows per status created within the window.
func (m *Memory) Stats(_ context.Context, window time.Duration) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := m.now().UTC().Add(-window)
	stats := &Stats{Window: window, ByStatus: make(map[types.TaskStatus]int)}
	for _, t := range m.tasks {
		if t.CreatedAt.Before(since) {
			continue
		}
		stats.ByStatus[t.Status]++
		stats.Total++
	}
	return stats, nil
}

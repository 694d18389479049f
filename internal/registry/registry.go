// ============================================================================
// Memoraph Handler Registry - Task Kind Dispatch Table
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Process-local mapping from task kind to Handler. Populated at
//          worker startup, read-only once the pool is running.
//
// ============================================================================

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/memoraph/memoraph/pkg/types"
)

// Invocation is what a worker hands to a handler: the claimed task's
// identity and its decoded payload. Cancellation and the per-kind timeout
// arrive through the context.
type Invocation struct {
	TaskID  types.TaskID
	GroupID string
	Kind    string
	Payload map[string]any
}

// Handler executes one task kind. Implementations must be idempotent: a
// timed-out claim can be re-queued by recovery while the original invocation
// is still running, so the same payload may execute more than once.
type Handler interface {
	// Kind returns the task type this handler serves, unique per process.
	Kind() string
	// Timeout is the wall-clock bound after which an in-flight claim is
	// presumed dead and becomes eligible for recovery.
	Timeout() time.Duration
	// Process runs the task. A returned error marks the journal row failed.
	Process(ctx context.Context, inv *Invocation) error
}

// Registry maps task kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate kinds and non-positive timeouts are
// configuration errors.
func (r *Registry) Register(h Handler) error {
	kind := h.Kind()
	if kind == "" {
		return fmt.Errorf("registry: handler with empty kind")
	}
	if h.Timeout() <= 0 {
		return fmt.Errorf("registry: handler %q has non-positive timeout", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("registry: handler %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Lookup resolves a handler by kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// LongestTimeout returns the maximum handler timeout, the floor for the
// group-lock TTL.
func (r *Registry) LongestTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max time.Duration
	for _, h := range r.handlers {
		if t := h.Timeout(); t > max {
			max = t
		}
	}
	return max
}

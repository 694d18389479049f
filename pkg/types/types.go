// Package types defines the core domain model shared by the memoraph
// task pipeline: journal rows, task statuses, and queue envelopes.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskID uniquely identifies a task across the journal and the queue store.
type TaskID string

// TaskStatus is the journal-visible lifecycle state of a task.
type TaskStatus string

// Task status constants. Transitions are restricted:
//
//	pending -> processing -> completed | failed
//	pending | processing -> stopped      (control operation)
//	failed | stopped | pending -> pending (retry / recovery)
const (
	StatusPending    TaskStatus = "pending"    // enqueued, waiting for a worker
	StatusProcessing TaskStatus = "processing" // claimed by a worker
	StatusCompleted  TaskStatus = "completed"  // handler returned success
	StatusFailed     TaskStatus = "failed"     // handler returned an error or panicked
	StatusStopped    TaskStatus = "stopped"    // operator intervention
)

// Valid reports whether s is one of the known status values.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal outcome.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// CanTransition reports whether a journal row may move from s to next.
// Same-status writes are idempotent and always allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusStopped || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusStopped || next == StatusPending
	case StatusFailed, StatusStopped:
		return next == StatusPending
	}
	return false
}

// GroupGlobal is the reserved group for cross-project maintenance tasks.
// Tasks in this group serialize on a single fleet-wide lock.
const GroupGlobal = "global"

// Task is the durable journal row, the source of truth for a task's
// lifecycle. Only status and the related timestamps mutate after creation.
type Task struct {
	ID           TaskID         `json:"id" db:"id"`
	GroupID      string         `json:"group_id" db:"group_id"`
	Kind         string         `json:"task_type" db:"task_type"`
	Status       TaskStatus     `json:"status" db:"status"`
	Payload      map[string]any `json:"payload,omitempty" db:"-"`
	EntityID     string         `json:"entity_id,omitempty" db:"entity_id"`
	EntityKind   string         `json:"entity_type,omitempty" db:"entity_type"`
	ParentTaskID TaskID         `json:"parent_task_id,omitempty" db:"parent_task_id"`
	WorkerID     string         `json:"worker_id,omitempty" db:"worker_id"`
	Retries      int            `json:"retry_count" db:"retry_count"`
	Error        string         `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
}

// Envelope is the JSON payload stored in a queue list. The orchestrator
// treats encoded envelopes as opaque bytes; only recovery decodes them to
// read Timestamp and Kind. Handler-specific keys live in Fields and are
// flattened into the same JSON object on the wire.
type Envelope struct {
	TaskID    TaskID         // wire key "task_id"
	GroupID   string         // wire key "group_id"
	Kind      string         // wire key "task_type"
	Timestamp int64          // wire key "timestamp", seconds since epoch, writer's clock
	Fields    map[string]any // remaining handler-specific keys
}

// reserved wire keys; everything else round-trips through Fields.
const (
	keyTaskID    = "task_id"
	keyGroupID   = "group_id"
	keyTaskType  = "task_type"
	keyTimestamp = "timestamp"
)

// Encode serializes the envelope to its wire form: a flat UTF-8 JSON object.
func (e *Envelope) Encode() ([]byte, error) {
	if e.TaskID == "" {
		return nil, fmt.Errorf("envelope: empty task_id")
	}
	obj := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj[keyTaskID] = string(e.TaskID)
	obj[keyGroupID] = e.GroupID
	obj[keyTaskType] = e.Kind
	obj[keyTimestamp] = e.Timestamp
	return json.Marshal(obj)
}

// DecodeEnvelope parses wire bytes back into an Envelope. Unknown keys are
// preserved in Fields so a re-encode loses nothing.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	e := &Envelope{Fields: make(map[string]any)}
	for k, v := range obj {
		switch k {
		case keyTaskID:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("envelope: task_id is not a string")
			}
			e.TaskID = TaskID(s)
		case keyGroupID:
			s, _ := v.(string)
			e.GroupID = s
		case keyTaskType:
			s, _ := v.(string)
			e.Kind = s
		case keyTimestamp:
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("envelope: timestamp is not a number")
			}
			e.Timestamp = int64(f)
		default:
			e.Fields[k] = v
		}
	}
	if e.TaskID == "" {
		return nil, fmt.Errorf("envelope: missing task_id")
	}
	return e, nil
}

// Age returns how long the envelope has been in flight as measured against
// its writer-side timestamp.
func (e *Envelope) Age(now time.Time) time.Duration {
	return time.Duration(now.Unix()-e.Timestamp) * time.Second
}

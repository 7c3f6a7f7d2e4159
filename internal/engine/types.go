// Package engine implements the durable task execution state machine:
// queues, tasks, runs, checkpoints, waits and events, all persisted in
// SQLite and mutated one transaction per call.
package engine

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSleeping  TaskState = "sleeping"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transition is possible except
// the no-op cancel.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// RunState is the lifecycle state of a single execution attempt.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSleeping  RunState = "sleeping"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// RetryKind selects how FailRun computes the delay before the next attempt.
type RetryKind string

const (
	RetryNone        RetryKind = "none"
	RetryFixed       RetryKind = "fixed"
	RetryExponential RetryKind = "exponential"
)

// RetryStrategy is the JSON shape of Task.retry_strategy (spec.md §4.9).
type RetryStrategy struct {
	Kind        RetryKind `json:"kind"`
	BaseSeconds float64   `json:"base_seconds"`
	Factor      float64   `json:"factor"`
	MaxSeconds  float64   `json:"max_seconds"`
}

// CancellationPolicy is the JSON shape of Task.cancellation (spec.md §4.10).
type CancellationPolicy struct {
	MaxDurationSeconds float64 `json:"max_duration_s,omitempty"`
	MaxDelaySeconds    float64 `json:"max_delay_s,omitempty"`
}

// SpawnOptions is the JSON shape of spawn_task's options argument
// (spec.md §4.3).
type SpawnOptions struct {
	MaxAttempts       int                 `json:"max_attempts,omitempty"`
	RetryStrategy     *RetryStrategy      `json:"retry_strategy,omitempty"`
	Headers           json.RawMessage     `json:"headers,omitempty"`
	Cancellation      *CancellationPolicy `json:"cancellation,omitempty"`
	IdempotencyKey    string              `json:"idempotency_key,omitempty"`
	InitialDelaySec   float64             `json:"initial_delay,omitempty"`
}

// DefaultMaxAttempts is used when SpawnOptions.MaxAttempts is unset.
const DefaultMaxAttempts = 5

// Task is the persisted record described by spec.md §3.
type Task struct {
	QueueName         string
	TaskID            string
	TaskName          string
	Params            json.RawMessage
	Headers           json.RawMessage
	RetryStrategy     *RetryStrategy
	MaxAttempts       int
	Cancellation      *CancellationPolicy
	IdempotencyKey    string
	EnqueueAt         int64
	FirstStartedAt    *int64
	State             TaskState
	Attempts          int
	LastAttemptRun    string
	CompletedPayload  json.RawMessage
	CancelledAt       *int64
}

// Run is one execution attempt, per spec.md §3.
type Run struct {
	QueueName      string
	RunID          string
	TaskID         string
	Attempt        int
	State          RunState
	ClaimedBy      string
	ClaimExpiresAt *int64
	AvailableAt    int64
	WakeEvent      string
	EventPayload   json.RawMessage
	StartedAt      *int64
	CompletedAt    *int64
	FailedAt       *int64
	Result         json.RawMessage
	FailureReason  json.RawMessage
	CreatedAt      int64
}

// ClaimedTask is the projection claim_task hands back to a worker
// (spec.md §4.4 step 4).
type ClaimedTask struct {
	RunID         string          `json:"run_id"`
	TaskID        string          `json:"task_id"`
	TaskName      string          `json:"task_name"`
	Attempt       int             `json:"attempt"`
	Params        json.RawMessage `json:"params"`
	RetryStrategy *RetryStrategy  `json:"retry_strategy,omitempty"`
	MaxAttempts   int             `json:"max_attempts"`
	Headers       json.RawMessage `json:"headers,omitempty"`
	WakeEvent     string          `json:"wake_event,omitempty"`
	EventPayload  json.RawMessage `json:"event_payload,omitempty"`
}

// Checkpoint is a named, persisted JSON value for one task.
type Checkpoint struct {
	QueueName      string
	TaskID         string
	CheckpointName string
	State          json.RawMessage
	OwnerRunID     string
	UpdatedAt      int64
}

// farFuture is the sentinel available_at used for waits with no timeout
// (spec.md §4.6 step 4).
var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

func farFutureMillis() int64 {
	return farFuture.UnixMilli()
}

package jobs

import (
	"encoding/json"
	"time"
)

// State enumerates the lifecycle states a job moves through.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every state, in display order.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// Terminal reports whether the state is final. Terminal jobs never move back
// to a non-terminal state on their own; only an operator retry re-queues them.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed:
		return true
	}
	return false
}

// BackoffKind selects the retry delay strategy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff describes the delay applied between retry attempts.
type Backoff struct {
	Kind      BackoffKind   `json:"kind"`
	BaseDelay time.Duration `json:"base_delay"`
}

// Delay returns the wait before the given attempt (1-indexed: attempt 1 is
// the retry scheduled after the first failed execution).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Kind != BackoffExponential {
		return b.BaseDelay
	}
	return b.BaseDelay << (attempt - 1)
}

// Options carries per-queue defaults, overridable per job at enqueue time.
type Options struct {
	MaxAttempts     int           `json:"max_attempts"`
	Backoff         Backoff       `json:"backoff"`
	Delay           time.Duration `json:"delay,omitempty"`
	DeduplicationID string        `json:"deduplication_id,omitempty"`
}

// FailureInfo records the most recent failure of a job.
type FailureInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// Job is one durable unit of work owned by a named queue.
type Job struct {
	ID              string          `json:"id"`
	QueueName       string          `json:"queue_name"`
	Payload         json.RawMessage `json:"payload"`
	State           State           `json:"state"`
	AttemptsMade    int             `json:"attempts_made"`
	MaxAttempts     int             `json:"max_attempts"`
	Backoff         Backoff         `json:"backoff"`
	DeduplicationID string          `json:"deduplication_id,omitempty"`
	Progress        json.RawMessage `json:"progress,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       *FailureInfo    `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Result is what a handler returns on success. Data is retained on the job
// record and surfaced through the status API.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Counts holds per-state job totals for one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

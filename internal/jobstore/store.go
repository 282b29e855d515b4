package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Smile2578/anabai-queue/internal/jobs"
)

// Store is the contract the orchestration layer requires from the shared
// durable job store. Any atomic list/queue-capable backend can satisfy it;
// the Redis adapter in this package is the reference implementation.
//
// ClaimNext is the single correctness-critical primitive: it must guarantee
// that no two concurrent callers, in the same or different processes, ever
// claim the same job.
type Store interface {
	// Enqueue durably persists a new job in waiting, or in delayed when a
	// positive delay is given. When the job has a deduplication id that is
	// already reserved by a non-terminal job, the existing job is returned
	// instead and the bool result is true.
	Enqueue(ctx context.Context, job jobs.Job, delay time.Duration) (jobs.Job, bool, error)

	// ClaimNext atomically promotes due delayed jobs and transitions one
	// waiting job to active. Returns nil when no job is eligible.
	ClaimNext(ctx context.Context, queue string) (*jobs.Job, error)

	// Complete moves an active job to completed, retaining the result.
	// Returns jobs.ErrNotFound when the job is no longer active.
	Complete(ctx context.Context, queue, id string, result jobs.Result) error

	// Fail moves an active job to failed permanently.
	Fail(ctx context.Context, queue, id string, attempts int, failure jobs.FailureInfo) error

	// MoveToDelayed schedules an active job for a retry after delay.
	MoveToDelayed(ctx context.Context, queue, id string, delay time.Duration, attempts int, failure jobs.FailureInfo) error

	// RequeueFailed moves a failed job back to waiting with the attempt
	// counter and last failure reset. Operator override; bypasses max
	// attempts.
	RequeueFailed(ctx context.Context, queue, id string) (jobs.Job, error)

	GetJob(ctx context.Context, queue, id string) (jobs.Job, error)
	GetCounts(ctx context.Context, queue string) (jobs.Counts, error)
	ListJobs(ctx context.Context, queue string, states []jobs.State, limit int64) ([]jobs.Job, error)
	DeleteJob(ctx context.Context, queue, id string) error

	// UpdateProgress records handler-reported progress. Advisory.
	UpdateProgress(ctx context.Context, queue, id string, progress json.RawMessage) error

	// PruneTerminal removes completed or failed jobs older than olderThan,
	// plus the oldest jobs beyond keepMax. The removed records are returned
	// so callers can archive them.
	PruneTerminal(ctx context.Context, queue string, state jobs.State, olderThan time.Duration, keepMax int64) ([]jobs.Job, error)

	// RecoverStuck force-fails active jobs claimed more than olderThan ago,
	// assigning the StuckInActive error kind. Safe to run concurrently with
	// claiming and completion.
	RecoverStuck(ctx context.Context, queue string, olderThan time.Duration) ([]jobs.Job, error)

	// CompletedSince counts completions with a finish time at or after since.
	CompletedSince(ctx context.Context, queue string, since time.Time) (int64, error)

	// ActiveClaimTimes returns the claim timestamps of currently active jobs,
	// oldest first, capped at limit.
	ActiveClaimTimes(ctx context.Context, queue string, limit int64) ([]time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

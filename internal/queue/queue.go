// Package queue contains the per-queue building blocks: the typed Queue
// handle over the job store, the Worker consumer loop, and the failure
// policy that decides between retry and permanent failure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// RateLimit caps handler starts at MaxJobs per Window.
type RateLimit struct {
	MaxJobs int
	Window  time.Duration
}

// Config describes one named queue and its processing policies.
type Config struct {
	Name        string
	MaxAttempts int
	Backoff     jobs.Backoff
	Concurrency int
	RateLimit   RateLimit

	// Retention governs pruning of terminal job records.
	RetentionPeriod time.Duration
	MaxCompleted    int64
	MaxFailed       int64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Kind == "" {
		c.Backoff.Kind = jobs.BackoffExponential
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = 1000
	}
	if c.MaxFailed <= 0 {
		c.MaxFailed = 5000
	}
	return c
}

// Queue is a thin typed handle over the job store for one queue name. It owns
// the default job options applied at enqueue time.
type Queue struct {
	cfg   Config
	store jobstore.Store
}

// NewQueue builds a queue handle, filling unset config fields with defaults.
func NewQueue(cfg Config, store jobstore.Store) *Queue {
	return &Queue{cfg: cfg.withDefaults(), store: store}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Settings returns the effective queue configuration.
func (q *Queue) Settings() Config { return q.cfg }

// Enqueue durably persists one job and returns it with its assigned id. It
// never waits for execution. A caller-supplied deduplication id yields
// at-most-one non-terminal job per key: when the key is already reserved the
// existing job is returned.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts *jobs.Options) (jobs.Job, error) {
	if payload == nil {
		return jobs.Job{}, fmt.Errorf("enqueue on %q: payload is required: %w", q.cfg.Name, jobs.ErrValidation)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue on %q: payload not serializable: %w", q.cfg.Name, jobs.ErrValidation)
	}

	job := jobs.Job{
		ID:          uuid.NewString(),
		QueueName:   q.cfg.Name,
		Payload:     raw,
		MaxAttempts: q.cfg.MaxAttempts,
		Backoff:     q.cfg.Backoff,
	}
	var delay time.Duration
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.Backoff.Kind != "" {
			job.Backoff = opts.Backoff
		}
		job.DeduplicationID = opts.DeduplicationID
		delay = opts.Delay
	}

	stored, deduplicated, err := q.store.Enqueue(ctx, job, delay)
	if err != nil {
		return jobs.Job{}, err
	}
	if !deduplicated {
		telemetry.EnqueueCounter.WithLabelValues(q.cfg.Name).Inc()
	}
	return stored, nil
}

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// FailurePolicy decides, on handler failure, whether a job is retried with a
// computed backoff delay or failed permanently. It also keeps an in-memory
// rolling failure count per (queue, error kind) and raises an alert event
// when a count crosses the threshold within the window. Alerts are
// edge-triggered: the counter resets once an alert fires.
type FailurePolicy struct {
	store     jobstore.Store
	bus       *events.Bus
	logger    *slog.Logger
	threshold int
	window    time.Duration

	mu      sync.Mutex
	records map[recordKey]*errorRecord
}

type recordKey struct {
	queue string
	kind  string
}

type errorRecord struct {
	count       int
	windowStart time.Time
}

// NewFailurePolicy builds a policy. threshold <= 0 disables alerting.
func NewFailurePolicy(store jobstore.Store, bus *events.Bus, logger *slog.Logger, threshold int, window time.Duration) *FailurePolicy {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &FailurePolicy{
		store:     store,
		bus:       bus,
		logger:    logger,
		threshold: threshold,
		window:    window,
		records:   make(map[recordKey]*errorRecord),
	}
}

// HandleFailure processes one failed execution of job. The attempt being
// recorded is job.AttemptsMade+1; permanent failure occurs once that reaches
// the job's max attempts.
func (p *FailurePolicy) HandleFailure(ctx context.Context, job jobs.Job, handlerErr error) {
	attempt := job.AttemptsMade + 1
	kind := jobs.ErrorKind(handlerErr)

	p.logger.Error("job execution failed",
		slog.String("job_id", job.ID),
		slog.String("queue", job.QueueName),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error_kind", kind),
		slog.String("error", handlerErr.Error()),
	)

	p.recordError(job.QueueName, kind, handlerErr)

	failure := jobs.FailureInfo{
		Kind:    kind,
		Message: handlerErr.Error(),
		Attempt: attempt,
	}

	if attempt < job.MaxAttempts {
		delay := job.Backoff.Delay(attempt)
		if err := p.store.MoveToDelayed(ctx, job.QueueName, job.ID, delay, attempt, failure); err != nil {
			p.logger.Warn("retry scheduling failed",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
			return
		}
		telemetry.RetriedCounter.WithLabelValues(job.QueueName).Inc()
		p.bus.Publish(events.Event{
			Type:      events.Failed,
			QueueName: job.QueueName,
			JobID:     job.ID,
			Payload: map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    handlerErr.Error(),
			},
		})
		return
	}

	if err := p.store.Fail(ctx, job.QueueName, job.ID, attempt, failure); err != nil {
		p.logger.Warn("permanent failure transition failed",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	telemetry.FailedCounter.WithLabelValues(job.QueueName).Inc()
	p.bus.Publish(events.Event{
		Type:      events.JobFailed,
		QueueName: job.QueueName,
		JobID:     job.ID,
		Payload: map[string]any{
			"error":   handlerErr.Error(),
			"attempt": attempt,
			// Original payload retained for operator inspection and replay.
			"data": json.RawMessage(job.Payload),
		},
	})
}

// recordError bumps the rolling counter and fires a single alert when the
// threshold is crossed inside the window.
func (p *FailurePolicy) recordError(queueName, kind string, handlerErr error) {
	if p.threshold <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	key := recordKey{queue: queueName, kind: kind}
	rec, ok := p.records[key]
	if !ok || now.Sub(rec.windowStart) > p.window {
		rec = &errorRecord{windowStart: now}
		p.records[key] = rec
	}
	rec.count++
	fire := rec.count >= p.threshold
	if fire {
		delete(p.records, key)
	}
	p.mu.Unlock()

	if fire {
		p.logger.Warn("error threshold crossed",
			slog.String("queue", queueName),
			slog.String("error_kind", kind),
			slog.Int("count", p.threshold),
		)
		p.bus.Publish(events.Event{
			Type:      events.Alert,
			QueueName: queueName,
			Payload: map[string]any{
				"error_kind": kind,
				"count":      p.threshold,
				"window_ms":  p.window.Milliseconds(),
				"last_error": handlerErr.Error(),
			},
		})
	}
}

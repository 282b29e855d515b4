package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/ratelimit"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// ProgressFunc lets a handler report progress during execution. Reporting is
// advisory; failures are logged and swallowed.
type ProgressFunc func(ctx context.Context, progress json.RawMessage)

// Handler executes one job. Returning an error, or a Result with
// Success=false, hands the job to the failure policy. Handlers must be
// idempotent: the stuck-job sweep can release a job claimed by a crashed
// worker, so the same job may execute more than once in the worst case.
type Handler func(ctx context.Context, job jobs.Job, progress ProgressFunc) (jobs.Result, error)

const defaultPollInterval = time.Second

// Worker is the concurrent consumer bound to one queue. It claims jobs up to
// the configured concurrency and rate limits and reports every outcome to
// either the store (success) or the failure policy.
type Worker struct {
	queue   *Queue
	store   jobstore.Store
	handler Handler
	policy  *FailurePolicy
	bus     *events.Bus
	logger  *slog.Logger

	limiter      *ratelimit.TokenBucket
	pollInterval time.Duration
	sem          chan struct{}
	paused       atomic.Bool
	wg           sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets the idle backoff between claim attempts when the
// queue is empty.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRateLimiter installs a token bucket bounding handler starts.
func WithRateLimiter(limiter *ratelimit.TokenBucket) WorkerOption {
	return func(w *Worker) { w.limiter = limiter }
}

// NewWorker constructs a worker for the given queue and handler.
func NewWorker(q *Queue, store jobstore.Store, handler Handler, policy *FailurePolicy, bus *events.Bus, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		store:        store,
		handler:      handler,
		policy:       policy,
		bus:          bus,
		logger:       logger.With(slog.String("queue", q.Name())),
		pollInterval: defaultPollInterval,
		sem:          make(chan struct{}, q.Settings().Concurrency),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Pause stops the claim loop without destroying state. In-flight handlers
// finish normally.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume restarts a paused claim loop.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether the claim loop is paused.
func (w *Worker) Paused() bool { return w.paused.Load() }

// Run drives the claim-execute loop until ctx is cancelled, then drains
// in-flight handlers before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if w.paused.Load() {
			if !w.sleep(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if w.limiter != nil {
			allowed, _, err := w.limiter.Allow(ctx, w.queue.Name())
			if err != nil {
				w.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
				if !w.sleep(ctx, w.pollInterval) {
					return ctx.Err()
				}
				continue
			}
			if !allowed {
				if !w.sleep(ctx, w.pollInterval) {
					return ctx.Err()
				}
				continue
			}
		}

		// Reserve a concurrency slot before claiming, so a claimed job is
		// never left waiting behind slow handlers.
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		job, err := w.store.ClaimNext(ctx, w.queue.Name())
		if err != nil {
			<-w.sem
			w.logger.Warn("claim failed", slog.String("error", err.Error()))
			if !w.sleep(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			<-w.sem
			if !w.sleep(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.wg.Add(1)
		telemetry.InFlightGauge.WithLabelValues(w.queue.Name()).Inc()
		go func(job jobs.Job) {
			defer func() {
				telemetry.InFlightGauge.WithLabelValues(w.queue.Name()).Dec()
				<-w.sem
				w.wg.Done()
			}()
			// The job is already claimed; the handler and its outcome write
			// must survive run-loop cancellation or the drain strands the job
			// in active until the stuck sweep re-runs it.
			w.execute(context.WithoutCancel(ctx), job)
		}(*job)
	}
}

func (w *Worker) execute(ctx context.Context, job jobs.Job) {
	log := w.logger.With(slog.String("job_id", job.ID))

	progress := func(ctx context.Context, raw json.RawMessage) {
		if err := w.store.UpdateProgress(ctx, job.QueueName, job.ID, raw); err != nil {
			telemetry.DegradedCounter.WithLabelValues("progress").Inc()
			log.Warn("progress update failed", slog.String("error", err.Error()))
		}
	}

	result, err := w.runHandler(ctx, job, progress)
	if err == nil && !result.Success {
		err = errors.New(resultMessage(result))
	}
	if err != nil {
		w.policy.HandleFailure(ctx, job, err)
		return
	}

	if err := w.store.Complete(ctx, job.QueueName, job.ID, result); err != nil {
		// Likely reclaimed by the stuck sweep while the handler was running.
		log.Warn("completion lost", slog.String("error", err.Error()))
		return
	}
	telemetry.CompletedCounter.WithLabelValues(job.QueueName).Inc()
	w.bus.Publish(events.Event{
		Type:      events.Completed,
		QueueName: job.QueueName,
		JobID:     job.ID,
		Payload:   map[string]any{"message": result.Message},
	})
	log.Info("job completed", slog.Int("attempts", job.AttemptsMade+1))
}

// runHandler invokes the handler, converting panics into handler errors so a
// misbehaving handler cannot take the worker loop down.
func (w *Worker) runHandler(ctx context.Context, job jobs.Job, progress ProgressFunc) (result jobs.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job, progress)
}

// sleep waits for d or context cancellation; returns false when cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func resultMessage(r jobs.Result) string {
	if r.Message != "" {
		return r.Message
	}
	return "handler reported failure"
}

// Package maintenance runs the periodic background sweeps: retention pruning
// of terminal job records and recovery of jobs stuck in the active state.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/queue"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// Archiver receives terminal job records before they are pruned. Archiving is
// advisory: a failing archiver never blocks the sweep.
type Archiver interface {
	ArchiveJobs(ctx context.Context, batch []jobs.Job) error
}

// Scheduler prunes old terminal jobs per queue retention policy and
// force-fails jobs stuck in active longer than the stalled timeout. Both
// sweeps are idempotent and safe to run concurrently with normal claiming.
type Scheduler struct {
	store    jobstore.Store
	bus      *events.Bus
	logger   *slog.Logger
	archiver Archiver

	interval     time.Duration
	stuckTimeout time.Duration
	queues       func() []queue.Config
}

// NewScheduler builds the maintenance scheduler. queues supplies the current
// set of registered queue configurations on each sweep. archiver may be nil.
func NewScheduler(store jobstore.Store, bus *events.Bus, logger *slog.Logger, archiver Archiver, interval, stuckTimeout time.Duration, queues func() []queue.Config) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:        store,
		bus:          bus,
		logger:       logger,
		archiver:     archiver,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		queues:       queues,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass over every registered queue.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, cfg := range s.queues() {
		s.pruneQueue(ctx, cfg)
		s.recoverStuck(ctx, cfg.Name)
	}
}

func (s *Scheduler) pruneQueue(ctx context.Context, cfg queue.Config) {
	completed, err := s.store.PruneTerminal(ctx, cfg.Name, jobs.StateCompleted, cfg.RetentionPeriod, cfg.MaxCompleted)
	if err != nil {
		s.logger.Warn("retention sweep failed",
			slog.String("queue", cfg.Name), slog.String("state", "completed"), slog.String("error", err.Error()))
		return
	}
	failed, err := s.store.PruneTerminal(ctx, cfg.Name, jobs.StateFailed, cfg.RetentionPeriod, cfg.MaxFailed)
	if err != nil {
		s.logger.Warn("retention sweep failed",
			slog.String("queue", cfg.Name), slog.String("state", "failed"), slog.String("error", err.Error()))
		return
	}

	pruned := append(completed, failed...)
	if len(pruned) == 0 {
		return
	}

	if s.archiver != nil {
		if err := s.archiver.ArchiveJobs(ctx, pruned); err != nil {
			telemetry.DegradedCounter.WithLabelValues("archive").Inc()
			s.logger.Warn("archive of pruned jobs failed",
				slog.String("queue", cfg.Name), slog.String("error", err.Error()))
		}
	}

	telemetry.PrunedCounter.WithLabelValues(cfg.Name).Add(float64(len(pruned)))
	s.logger.Info("queue cleaned",
		slog.String("queue", cfg.Name),
		slog.Int("completed_pruned", len(completed)),
		slog.Int("failed_pruned", len(failed)),
	)
	s.bus.Publish(events.Event{
		Type:      events.QueueCleaned,
		QueueName: cfg.Name,
		Payload: map[string]any{
			"completed_pruned": len(completed),
			"failed_pruned":    len(failed),
		},
	})
}

func (s *Scheduler) recoverStuck(ctx context.Context, queueName string) {
	recovered, err := s.store.RecoverStuck(ctx, queueName, s.stuckTimeout)
	if err != nil {
		s.logger.Warn("stuck-job sweep failed",
			slog.String("queue", queueName), slog.String("error", err.Error()))
		return
	}
	if len(recovered) == 0 {
		return
	}

	ids := make([]string, 0, len(recovered))
	for _, job := range recovered {
		ids = append(ids, job.ID)
	}
	telemetry.StuckCounter.WithLabelValues(queueName).Add(float64(len(recovered)))
	s.logger.Warn("stuck jobs recovered",
		slog.String("queue", queueName),
		slog.Int("count", len(recovered)),
	)
	s.bus.Publish(events.Event{
		Type:      events.StuckJobsCleaned,
		QueueName: queueName,
		Payload:   map[string]any{"job_ids": ids},
	})
}

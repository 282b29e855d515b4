// Package manager wires queues, workers, the failure policy, maintenance,
// and metrics collection together behind one explicitly constructed value.
// There is no hidden global registry: callers build a Manager at process
// start, pass it where needed, and Close it on shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Smile2578/anabai-queue/internal/config"
	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/maintenance"
	"github.com/Smile2578/anabai-queue/internal/metrics"
	"github.com/Smile2578/anabai-queue/internal/queue"
	"github.com/Smile2578/anabai-queue/internal/ratelimit"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

type registration struct {
	queue  *queue.Queue
	worker *queue.Worker
}

// ArchiveReader serves job records that retention sweeps moved out of the
// store. The Postgres archive implements it; archivers that only write are
// accepted too, they just leave the read surface dark.
type ArchiveReader interface {
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, queueName string, limit int) ([]jobs.Job, error)
}

// Manager is the top-level registry. It exclusively owns the lifecycle of
// every queue, worker, and background process it creates: Close stops all of
// them deterministically and releases the store connection.
type Manager struct {
	cfg       config.Config
	store     jobstore.Store
	redis     *redis.Client
	bus       *events.Bus
	logger    *slog.Logger
	policy    *queue.FailurePolicy
	sweeper   *maintenance.Scheduler
	collector *metrics.Collector
	archive   ArchiveReader

	mu     sync.RWMutex
	queues map[string]*registration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds a manager and starts the maintenance scheduler and metrics
// collector. archiver may be nil when no archive is configured.
func New(cfg config.Config, store jobstore.Store, redisClient *redis.Client, archiver maintenance.Archiver, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		store:  store,
		redis:  redisClient,
		logger: logger,
		queues: make(map[string]*registration),
		ctx:    ctx,
		cancel: cancel,
	}
	if reader, ok := archiver.(ArchiveReader); ok {
		m.archive = reader
	}
	m.bus = events.NewBus(events.WithDropHook(func() {
		telemetry.EventsDropped.Inc()
	}))
	m.policy = queue.NewFailurePolicy(store, m.bus, logger, cfg.AlertThreshold, cfg.AlertErrorWindow)
	m.sweeper = maintenance.NewScheduler(store, m.bus, logger, archiver, cfg.CleanupInterval, cfg.StalledInterval, m.queueConfigs)
	m.collector = metrics.NewCollector(store, m.bus, logger, cfg.MonitoringInterval, cfg.MetricsRetention, m.queueNames)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		_ = m.sweeper.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		_ = m.collector.Run(m.ctx)
	}()
	return m
}

// RegisterQueue wires a queue, its worker, and the shared policies under the
// given name and starts the worker. A nil handler registers the queue for
// enqueue and administration only; another process consumes it. Idempotent
// per name: re-registering returns the existing queue.
func (m *Manager) RegisterQueue(cfg queue.Config, handler queue.Handler) (*queue.Queue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required: %w", jobs.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queues[cfg.Name]; ok {
		return existing.queue, nil
	}

	q := queue.NewQueue(cfg, m.store)
	reg := &registration{queue: q}
	if handler != nil {
		opts := []queue.WorkerOption{queue.WithPollInterval(m.cfg.PollInterval)}
		if rl := cfg.RateLimit; rl.MaxJobs > 0 && rl.Window > 0 && m.redis != nil {
			opts = append(opts, queue.WithRateLimiter(ratelimit.ForWindow(m.redis, "queue", rl.MaxJobs, rl.Window)))
		}
		reg.worker = queue.NewWorker(q, m.store, handler, m.policy, m.bus, m.logger, opts...)
	}
	m.queues[cfg.Name] = reg

	if reg.worker != nil {
		w := reg.worker
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = w.Run(m.ctx)
		}()
	}

	m.logger.Info("queue registered",
		slog.String("queue", cfg.Name),
		slog.Bool("consuming", reg.worker != nil),
		slog.Int("concurrency", q.Settings().Concurrency),
		slog.Int("max_attempts", q.Settings().MaxAttempts),
	)
	return q, nil
}

// EnqueueJob adds a job to a registered queue.
func (m *Manager) EnqueueJob(ctx context.Context, queueName string, payload any, opts *jobs.Options) (jobs.Job, error) {
	reg, err := m.registration(queueName)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("enqueue: unknown queue %q: %w", queueName, jobs.ErrValidation)
	}
	return reg.queue.Enqueue(ctx, payload, opts)
}

// JobStatus returns the last durably recorded state of a job. Ids the
// retention sweep already pruned from the store are looked up in the archive
// when one is configured.
func (m *Manager) JobStatus(ctx context.Context, queueName, jobID string) (jobs.Job, error) {
	if _, err := m.registration(queueName); err != nil {
		return jobs.Job{}, err
	}
	job, err := m.store.GetJob(ctx, queueName, jobID)
	if errors.Is(err, jobs.ErrNotFound) && m.archive != nil {
		archived, archiveErr := m.archive.GetJob(ctx, jobID)
		if archiveErr == nil && archived.QueueName == queueName {
			return archived, nil
		}
	}
	return job, err
}

// ArchivedJobs lists jobs the retention sweep moved to the archive for one
// queue. Returns ErrNotFound when no archive is configured.
func (m *Manager) ArchivedJobs(ctx context.Context, queueName string, limit int) ([]jobs.Job, error) {
	if _, err := m.registration(queueName); err != nil {
		return nil, err
	}
	if m.archive == nil {
		return nil, fmt.Errorf("no archive configured: %w", jobs.ErrNotFound)
	}
	return m.archive.ListJobs(ctx, queueName, limit)
}

// RetryJob re-queues a permanently failed job, bypassing max attempts. The
// attempt counter is reset so the job gets a full retry budget; without the
// reset the first new failure would immediately dead-letter it again.
func (m *Manager) RetryJob(ctx context.Context, queueName, jobID string) (jobs.Job, error) {
	if _, err := m.registration(queueName); err != nil {
		return jobs.Job{}, err
	}
	job, err := m.store.RequeueFailed(ctx, queueName, jobID)
	if err != nil {
		return jobs.Job{}, err
	}
	m.logger.Info("operator retry",
		slog.String("queue", queueName), slog.String("job_id", jobID))
	return job, nil
}

// DeleteJob removes a job record from every queue structure.
func (m *Manager) DeleteJob(ctx context.Context, queueName, jobID string) error {
	if _, err := m.registration(queueName); err != nil {
		return err
	}
	return m.store.DeleteJob(ctx, queueName, jobID)
}

// ListJobs returns jobs of one queue filtered by state.
func (m *Manager) ListJobs(ctx context.Context, queueName string, states []jobs.State, limit int64) ([]jobs.Job, error) {
	if _, err := m.registration(queueName); err != nil {
		return nil, err
	}
	return m.store.ListJobs(ctx, queueName, states, limit)
}

// ListAllJobs returns jobs across every registered queue, keyed by queue
// name.
func (m *Manager) ListAllJobs(ctx context.Context) (map[string][]jobs.Job, error) {
	out := make(map[string][]jobs.Job)
	for _, name := range m.queueNames() {
		list, err := m.store.ListJobs(ctx, name, nil, 100)
		if err != nil {
			return nil, err
		}
		out[name] = list
	}
	return out, nil
}

// Counts returns per-state totals for one queue.
func (m *Manager) Counts(ctx context.Context, queueName string) (jobs.Counts, error) {
	if _, err := m.registration(queueName); err != nil {
		return jobs.Counts{}, err
	}
	return m.store.GetCounts(ctx, queueName)
}

// Pause stops a queue's claim loop without destroying state.
func (m *Manager) Pause(queueName string) error {
	reg, err := m.registration(queueName)
	if err != nil {
		return err
	}
	if reg.worker == nil {
		return fmt.Errorf("queue %q has no worker in this process: %w", queueName, jobs.ErrValidation)
	}
	reg.worker.Pause()
	m.logger.Info("queue paused", slog.String("queue", queueName))
	return nil
}

// Resume restarts a paused queue.
func (m *Manager) Resume(queueName string) error {
	reg, err := m.registration(queueName)
	if err != nil {
		return err
	}
	if reg.worker == nil {
		return fmt.Errorf("queue %q has no worker in this process: %w", queueName, jobs.ErrValidation)
	}
	reg.worker.Resume()
	m.logger.Info("queue resumed", slog.String("queue", queueName))
	return nil
}

// Paused reports whether the queue's claim loop is paused.
func (m *Manager) Paused(queueName string) (bool, error) {
	reg, err := m.registration(queueName)
	if err != nil {
		return false, err
	}
	if reg.worker == nil {
		return false, nil
	}
	return reg.worker.Paused(), nil
}

// Events subscribes to the manager's domain event stream.
func (m *Manager) Events() <-chan events.Event {
	return m.bus.Subscribe()
}

// Metrics exposes the snapshot collector.
func (m *Manager) Metrics() *metrics.Collector { return m.collector }

// Sweep triggers one maintenance pass immediately.
func (m *Manager) Sweep(ctx context.Context) { m.sweeper.Sweep(ctx) }

// CollectMetrics triggers one metrics collection pass immediately.
func (m *Manager) CollectMetrics(ctx context.Context) { m.collector.Collect(ctx) }

// Close stops every worker, the maintenance scheduler, and the metrics
// collector, then releases the store connection. Safe to call more than
// once; only the first call does the work.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.bus.Close()
		m.closeErr = m.store.Close()
		m.logger.Info("queue manager closed")
	})
	return m.closeErr
}

func (m *Manager) registration(queueName string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queueName, jobs.ErrNotFound)
	}
	return reg, nil
}

func (m *Manager) queueNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

func (m *Manager) queueConfigs() []queue.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfgs := make([]queue.Config, 0, len(m.queues))
	for _, reg := range m.queues {
		cfgs = append(cfgs, reg.queue.Settings())
	}
	return cfgs
}

// DefaultQueueConfig derives a queue configuration from the process-wide
// settings. Callers override fields as needed before RegisterQueue.
func (m *Manager) DefaultQueueConfig(name string) queue.Config {
	return queue.Config{
		Name:        name,
		MaxAttempts: m.cfg.MaxRetriesPerQueue,
		Backoff: jobs.Backoff{
			Kind:      jobs.BackoffExponential,
			BaseDelay: m.cfg.InitialBackoff,
		},
		Concurrency: m.cfg.ConcurrencyPerQueue,
		RateLimit: queue.RateLimit{
			MaxJobs: m.cfg.RateLimitMax,
			Window:  m.cfg.RateLimitWindow,
		},
		RetentionPeriod: m.cfg.RetentionPeriod,
		MaxCompleted:    int64(m.cfg.MaxCompleted),
		MaxFailed:       int64(m.cfg.MaxFailed),
	}
}

// WaitClosed blocks until background goroutines exit or the timeout passes.
// Intended for tests and graceful shutdown paths.
func (m *Manager) WaitClosed(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

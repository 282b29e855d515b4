// Package metrics samples per-queue operational statistics from the job
// store on an interval and retains a bounded, time-ordered series of
// snapshots. The series is local to one process and advisory: collection
// failures degrade observability but never affect job processing.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// Snapshot is an immutable point-in-time record for one queue.
type Snapshot struct {
	QueueName        string    `json:"queue_name"`
	Waiting          int64     `json:"waiting"`
	Active           int64     `json:"active"`
	Delayed          int64     `json:"delayed"`
	Processed        int64     `json:"processed"`
	Failed           int64     `json:"failed"`
	ThroughputPerSec float64   `json:"throughput_per_sec"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	ErrorRatePct     float64   `json:"error_rate_pct"`
	Timestamp        time.Time `json:"timestamp"`
}

// throughputWindow is the lookback used for completions-per-second.
const throughputWindow = 60 * time.Second

// activeSampleLimit bounds how many active jobs are sampled for latency.
const activeSampleLimit = 100

// Collector periodically reads queue counters and computes throughput,
// latency, and error-rate series.
type Collector struct {
	store     jobstore.Store
	bus       *events.Bus
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	queues    func() []string

	mu     sync.RWMutex
	series map[string][]Snapshot
}

// NewCollector builds a collector. queues supplies the registered queue
// names on each collection pass.
func NewCollector(store jobstore.Store, bus *events.Bus, logger *slog.Logger, interval, retention time.Duration, queues func() []string) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Collector{
		store:     store,
		bus:       bus,
		logger:    logger,
		interval:  interval,
		retention: retention,
		queues:    queues,
		series:    make(map[string][]Snapshot),
	}
}

// Run collects on the configured interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect performs one collection pass over every registered queue.
func (c *Collector) Collect(ctx context.Context) {
	now := time.Now().UTC()
	for _, name := range c.queues() {
		snap, err := c.sample(ctx, name, now)
		if err != nil {
			telemetry.DegradedCounter.WithLabelValues("metrics").Inc()
			c.logger.Warn("metrics collection failed",
				slog.String("queue", name), slog.String("error", err.Error()))
			continue
		}
		c.append(name, snap)

		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(snap.Waiting + snap.Delayed))
		c.bus.Publish(events.Event{
			Type:      events.MetricsCollected,
			QueueName: name,
			Payload: map[string]any{
				"processed":      snap.Processed,
				"failed":         snap.Failed,
				"error_rate_pct": snap.ErrorRatePct,
			},
		})
	}
}

func (c *Collector) sample(ctx context.Context, name string, now time.Time) (Snapshot, error) {
	counts, err := c.store.GetCounts(ctx, name)
	if err != nil {
		return Snapshot{}, err
	}
	recent, err := c.store.CompletedSince(ctx, name, now.Add(-throughputWindow))
	if err != nil {
		return Snapshot{}, err
	}
	claims, err := c.store.ActiveClaimTimes(ctx, name, activeSampleLimit)
	if err != nil {
		return Snapshot{}, err
	}

	var avgLatency float64
	if len(claims) > 0 {
		var total float64
		for _, t := range claims {
			total += float64(now.Sub(t).Milliseconds())
		}
		avgLatency = total / float64(len(claims))
	}

	var errorRate float64
	if terminal := counts.Completed + counts.Failed; terminal > 0 {
		errorRate = float64(counts.Failed) / float64(terminal) * 100
	}

	return Snapshot{
		QueueName:        name,
		Waiting:          counts.Waiting,
		Active:           counts.Active,
		Delayed:          counts.Delayed,
		Processed:        counts.Completed,
		Failed:           counts.Failed,
		ThroughputPerSec: float64(recent) / throughputWindow.Seconds(),
		AvgLatencyMs:     avgLatency,
		ErrorRatePct:     errorRate,
		Timestamp:        now,
	}, nil
}

func (c *Collector) append(name string, snap Snapshot) {
	cutoff := snap.Timestamp.Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	series := append(c.series[name], snap)
	start := 0
	for start < len(series) && series[start].Timestamp.Before(cutoff) {
		start++
	}
	c.series[name] = series[start:]
}

// GetLatest returns the most recent snapshot for the queue.
func (c *Collector) GetLatest(name string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	series := c.series[name]
	if len(series) == 0 {
		return Snapshot{}, false
	}
	return series[len(series)-1], true
}

// GetRange returns the snapshots recorded within the trailing duration,
// oldest first.
func (c *Collector) GetRange(name string, d time.Duration) []Snapshot {
	cutoff := time.Now().UTC().Add(-d)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Snapshot
	for _, snap := range c.series[name] {
		if !snap.Timestamp.Before(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// GetAggregate returns the arithmetic mean of each metric across the
// trailing duration.
func (c *Collector) GetAggregate(name string, d time.Duration) (Snapshot, bool) {
	window := c.GetRange(name, d)
	if len(window) == 0 {
		return Snapshot{}, false
	}
	agg := Snapshot{QueueName: name, Timestamp: window[len(window)-1].Timestamp}
	for _, snap := range window {
		agg.Waiting += snap.Waiting
		agg.Active += snap.Active
		agg.Delayed += snap.Delayed
		agg.Processed += snap.Processed
		agg.Failed += snap.Failed
		agg.ThroughputPerSec += snap.ThroughputPerSec
		agg.AvgLatencyMs += snap.AvgLatencyMs
		agg.ErrorRatePct += snap.ErrorRatePct
	}
	n := int64(len(window))
	agg.Waiting /= n
	agg.Active /= n
	agg.Delayed /= n
	agg.Processed /= n
	agg.Failed /= n
	agg.ThroughputPerSec /= float64(n)
	agg.AvgLatencyMs /= float64(n)
	agg.ErrorRatePct /= float64(n)
	return agg, true
}

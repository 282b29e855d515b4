// Package events provides the in-process domain event stream for operational
// tooling. Delivery is asynchronous and lossy by design: listeners must never
// be able to block job processing, so a full subscriber buffer drops the
// event and accounts for the drop instead of waiting.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names the domain events the queue subsystem emits.
type Type string

const (
	Completed        Type = "completed"
	Failed           Type = "failed"
	Alert            Type = "alert"
	JobFailed        Type = "jobFailed"
	QueueCleaned     Type = "queueCleaned"
	StuckJobsCleaned Type = "stuckJobsCleaned"
	MetricsCollected Type = "metricsCollected"
)

// Event is one emitted domain event. Payload contents depend on the type.
type Event struct {
	Type      Type           `json:"type"`
	QueueName string         `json:"queue_name"`
	JobID     string         `json:"job_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

const defaultBufferSize = 256

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Int64
	onDrop  func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers a callback invoked once per dropped event, for
// surfacing drops as a degraded-observability signal.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates an event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new listener and returns its receive channel. The
// channel is closed when the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, defaultBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking. Events to
// slow subscribers are dropped and counted.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Dropped returns how many events were discarded because a subscriber buffer
// was full. Non-zero values are the degraded-observability signal.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

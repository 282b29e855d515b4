package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/jobstore"
)

type testEnv struct {
	store  *jobstore.RedisStore
	bus    *events.Bus
	logger *slog.Logger
	queue  *Queue
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := jobstore.New(client)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	return &testEnv{
		store:  store,
		bus:    bus,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:  NewQueue(cfg, store),
	}
}

func (e *testEnv) startWorker(t *testing.T, handler Handler) *Worker {
	t.Helper()
	policy := NewFailurePolicy(e.store, e.bus, e.logger, 0, time.Minute)
	w := NewWorker(e.queue, e.store, handler, policy, e.bus, e.logger,
		WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func (e *testEnv) waitForState(t *testing.T, id string, want jobs.State) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.GetJob(context.Background(), e.queue.Name(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func baseConfig() Config {
	return Config{
		Name:        "test",
		MaxAttempts: 3,
		Backoff:     jobs.Backoff{Kind: jobs.BackoffExponential, BaseDelay: 20 * time.Millisecond},
		Concurrency: 2,
	}
}

func TestWorkerProcessesJob(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	eventCh := env.bus.Subscribe()

	env.startWorker(t, func(_ context.Context, job jobs.Job, progress ProgressFunc) (jobs.Result, error) {
		progress(context.Background(), json.RawMessage(`{"percent":100}`))
		data, _ := json.Marshal(map[string]any{"echo": string(job.Payload)})
		return jobs.Result{Success: true, Message: "ok", Data: data}, nil
	})

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	done := env.waitForState(t, job.ID, jobs.StateCompleted)
	require.NotNil(t, done.FinishedAt)
	require.JSONEq(t, `{"percent":100}`, string(done.Progress))
	require.Contains(t, string(done.Result), `"ok"`)

	select {
	case evt := <-eventCh:
		require.Equal(t, events.Completed, evt.Type)
		require.Equal(t, job.ID, evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestWorkerRetriesThenFailsPermanently(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	eventCh := env.bus.Subscribe()

	var attempts atomic.Int32
	env.startWorker(t, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		attempts.Add(1)
		return jobs.Result{}, errors.New("always broken")
	})

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	failed := env.waitForState(t, job.ID, jobs.StateFailed)
	require.Equal(t, 3, failed.AttemptsMade)
	require.NotNil(t, failed.LastError)
	require.Equal(t, "always broken", failed.LastError.Message)
	require.Equal(t, 3, failed.LastError.Attempt)

	// No fourth attempt ever happens.
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 3, attempts.Load())

	var retries, permanent int
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case evt := <-eventCh:
			switch evt.Type {
			case events.Failed:
				retries++
			case events.JobFailed:
				permanent++
			}
			if permanent == 1 && retries == 2 {
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	require.Equal(t, 2, retries, "one retry event per scheduled retry")
	require.Equal(t, 1, permanent, "exactly one permanent failure event")
}

func TestWorkerRespectsPause(t *testing.T) {
	env := newTestEnv(t, baseConfig())

	w := env.startWorker(t, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		return jobs.Result{Success: true}, nil
	})
	w.Pause()
	require.True(t, w.Paused())

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	current, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateWaiting, current.State, "paused worker must not claim")

	w.Resume()
	require.False(t, w.Paused())
	env.waitForState(t, job.ID, jobs.StateCompleted)
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 1
	env := newTestEnv(t, cfg)

	env.startWorker(t, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		panic("nil map write")
	})

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	failed := env.waitForState(t, job.ID, jobs.StateFailed)
	require.Contains(t, failed.LastError.Message, "handler panic")

	// The loop survived the panic and keeps processing.
	next, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 2}, nil)
	require.NoError(t, err)
	env.waitForState(t, next.ID, jobs.StateFailed)
}

func TestWorkerTreatsUnsuccessfulResultAsFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxAttempts = 1
	env := newTestEnv(t, cfg)

	env.startWorker(t, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		return jobs.Result{Success: false, Message: "upstream rejected the document"}, nil
	})

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	failed := env.waitForState(t, job.ID, jobs.StateFailed)
	require.Equal(t, "upstream rejected the document", failed.LastError.Message)
}

func TestWorkerCompletesInFlightJobOnShutdown(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 0, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorker(env.queue, env.store, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		close(started)
		<-release
		return jobs.Result{Success: true, Message: "late but done"}, nil
	}, policy, env.bus, env.logger, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	// Shut down while the handler is still running, then let it finish.
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never drained")
	}

	stored, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateCompleted, stored.State, "in-flight outcome must survive shutdown")
	require.Contains(t, string(stored.Result), "late but done")
}

func TestWorkerHonorsConcurrencyLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.Concurrency = 2
	env := newTestEnv(t, cfg)

	var inFlight, peak atomic.Int32
	env.startWorker(t, func(context.Context, jobs.Job, ProgressFunc) (jobs.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return jobs.Result{Success: true}, nil
	})

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": i}, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		env.waitForState(t, id, jobs.StateCompleted)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, baseConfig())

	_, err := env.queue.Enqueue(context.Background(), nil, nil)
	require.ErrorIs(t, err, jobs.ErrValidation)

	_, err = env.queue.Enqueue(context.Background(), make(chan int), nil)
	require.ErrorIs(t, err, jobs.ErrValidation)
}

func TestEnqueueOptionOverrides(t *testing.T) {
	env := newTestEnv(t, baseConfig())

	job, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, &jobs.Options{
		MaxAttempts: 7,
		Backoff:     jobs.Backoff{Kind: jobs.BackoffFixed, BaseDelay: time.Second},
	})
	require.NoError(t, err)

	stored, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, 7, stored.MaxAttempts)
	require.Equal(t, jobs.BackoffFixed, stored.Backoff.Kind)
	require.Equal(t, time.Second, stored.Backoff.BaseDelay)
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Smile2578/anabai-queue/internal/events"
	"github.com/Smile2578/anabai-queue/internal/jobs"
)

func claimOne(t *testing.T, env *testEnv) jobs.Job {
	t.Helper()
	_, err := env.queue.Enqueue(context.Background(), map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	claimed, err := env.store.ClaimNext(context.Background(), env.queue.Name())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return *claimed
}

func TestHandleFailureSchedulesRetryWithBackoff(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 0, time.Minute)
	eventCh := env.bus.Subscribe()

	job := claimOne(t, env)
	policy.HandleFailure(context.Background(), job, errors.New("transient"))

	stored, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateDelayed, stored.State)
	require.Equal(t, 1, stored.AttemptsMade)
	require.Equal(t, "transient", stored.LastError.Message)
	require.Equal(t, 1, stored.LastError.Attempt)

	select {
	case evt := <-eventCh:
		require.Equal(t, events.Failed, evt.Type)
		require.Equal(t, job.ID, evt.JobID)
		require.EqualValues(t, 20, evt.Payload["delay_ms"])
	case <-time.After(time.Second):
		t.Fatal("no retry event")
	}

	// Not claimable until the backoff elapses.
	early, err := env.store.ClaimNext(context.Background(), "test")
	require.NoError(t, err)
	require.Nil(t, early)

	time.Sleep(40 * time.Millisecond)
	retried, err := env.store.ClaimNext(context.Background(), "test")
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.Equal(t, 1, retried.AttemptsMade)
}

func TestHandleFailureFailsPermanentlyAtMaxAttempts(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 0, time.Minute)
	eventCh := env.bus.Subscribe()

	job := claimOne(t, env)
	job.AttemptsMade = 2 // two earlier executions already failed

	policy.HandleFailure(context.Background(), job, errors.New("still broken"))

	stored, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateFailed, stored.State)
	require.Equal(t, 3, stored.AttemptsMade)

	select {
	case evt := <-eventCh:
		require.Equal(t, events.JobFailed, evt.Type)
		require.Equal(t, job.ID, evt.JobID)
		require.EqualValues(t, 3, evt.Payload["attempt"])
		require.NotNil(t, evt.Payload["data"], "original payload retained for replay")
	case <-time.After(time.Second):
		t.Fatal("no permanent failure event")
	}
}

func TestHandleFailureUsesTaggedErrorKind(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 0, time.Minute)

	job := claimOne(t, env)
	policy.HandleFailure(context.Background(), job, &jobs.HandlerError{
		Kind: "Timeout",
		Err:  errors.New("deadline exceeded"),
	})

	stored, err := env.store.GetJob(context.Background(), "test", job.ID)
	require.NoError(t, err)
	require.Equal(t, "Timeout", stored.LastError.Kind)
}

func TestAlertFiresOnceWhenThresholdCrossed(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 3, time.Minute)
	eventCh := env.bus.Subscribe()

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		policy.recordError("test", jobs.KindHandlerError, boom)
	}

	select {
	case evt := <-eventCh:
		require.Equal(t, events.Alert, evt.Type)
		require.Equal(t, "test", evt.QueueName)
		require.Equal(t, jobs.KindHandlerError, evt.Payload["error_kind"])
		require.EqualValues(t, 3, evt.Payload["count"])
	case <-time.After(time.Second):
		t.Fatal("no alert event")
	}

	// Two more failures stay below the re-armed threshold: no second alert.
	policy.recordError("test", jobs.KindHandlerError, boom)
	policy.recordError("test", jobs.KindHandlerError, boom)
	select {
	case evt := <-eventCh:
		t.Fatalf("unexpected event %s before threshold re-crossed", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// The third crosses it again.
	policy.recordError("test", jobs.KindHandlerError, boom)
	select {
	case evt := <-eventCh:
		require.Equal(t, events.Alert, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no second alert event")
	}
}

func TestAlertCountsKindsSeparately(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 2, time.Minute)
	eventCh := env.bus.Subscribe()

	policy.recordError("test", "Timeout", errors.New("slow"))
	policy.recordError("test", "Decode", errors.New("bad json"))

	select {
	case evt := <-eventCh:
		t.Fatalf("unexpected alert %v: kinds must not pool their counts", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	policy.recordError("test", "Timeout", errors.New("slow"))
	select {
	case evt := <-eventCh:
		require.Equal(t, events.Alert, evt.Type)
		require.Equal(t, "Timeout", evt.Payload["error_kind"])
	case <-time.After(time.Second):
		t.Fatal("no alert for the Timeout kind")
	}
}

func TestAlertDisabledWithZeroThreshold(t *testing.T) {
	env := newTestEnv(t, baseConfig())
	policy := NewFailurePolicy(env.store, env.bus, env.logger, 0, time.Minute)
	eventCh := env.bus.Subscribe()

	for i := 0; i < 20; i++ {
		policy.recordError("test", jobs.KindHandlerError, errors.New("boom"))
	}
	select {
	case evt := <-eventCh:
		t.Fatalf("unexpected event %s with alerting disabled", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

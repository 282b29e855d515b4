package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	exp := Backoff{Kind: BackoffExponential, BaseDelay: 100 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, exp.Delay(1))
	require.Equal(t, 200*time.Millisecond, exp.Delay(2))
	require.Equal(t, 400*time.Millisecond, exp.Delay(3))

	// Delays never shrink between consecutive attempts.
	for attempt := 1; attempt < 10; attempt++ {
		require.GreaterOrEqual(t, exp.Delay(attempt+1), exp.Delay(attempt))
	}

	fixed := Backoff{Kind: BackoffFixed, BaseDelay: time.Second}
	require.Equal(t, time.Second, fixed.Delay(1))
	require.Equal(t, time.Second, fixed.Delay(5))

	// Out-of-range attempts clamp to the first retry.
	require.Equal(t, 100*time.Millisecond, exp.Delay(0))
	require.Equal(t, 100*time.Millisecond, exp.Delay(-3))
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateWaiting.Terminal())
	require.False(t, StateActive.Terminal())
	require.False(t, StateDelayed.Terminal())
}

func TestStateValid(t *testing.T) {
	for _, st := range AllStates {
		require.True(t, st.Valid())
	}
	require.False(t, State("limbo").Valid())
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, KindHandlerError, ErrorKind(errors.New("plain")))

	tagged := &HandlerError{Kind: "Timeout", Err: errors.New("deadline exceeded")}
	require.Equal(t, "Timeout", ErrorKind(tagged))

	wrapped := &HandlerError{Kind: "Timeout", Err: errors.New("deadline exceeded")}
	require.Equal(t, "Timeout", ErrorKind(errors.Join(errors.New("outer"), wrapped)))

	// Empty kinds fall back to the generic bucket.
	require.Equal(t, KindHandlerError, ErrorKind(&HandlerError{Err: errors.New("x")}))
}

package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()

	bus.Publish(Event{Type: Completed, QueueName: "image", JobID: "a"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, Completed, evt.Type)
			require.Equal(t, "a", evt.JobID)
			require.False(t, evt.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	var drops atomic.Int64
	bus := NewBus(WithDropHook(func() { drops.Add(1) }))
	defer bus.Close()

	bus.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			bus.Publish(Event{Type: Failed, QueueName: "image"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.EqualValues(t, 10, bus.Dropped())
	require.EqualValues(t, 10, drops.Load())
}

func TestCloseIsTerminal(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	bus.Close()

	_, open := <-ch
	require.False(t, open, "subscriber channel must be closed")

	// Publish and a second Close are harmless after shutdown.
	bus.Publish(Event{Type: Alert})
	bus.Close()

	late := bus.Subscribe()
	_, open = <-late
	require.False(t, open, "late subscribers get a closed channel")
}

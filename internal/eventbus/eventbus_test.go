package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdvflow/engine/internal/domain"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(t.Context(), domain.RunEvent{RunID: "run-1", Status: domain.RunStatusRunning})

	select {
	case evt := <-ch:
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, domain.RunStatusRunning, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()

	bus.Publish(t.Context(), domain.RunEvent{RunID: "run-1", Status: domain.RunStatusRunning})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestMultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(t.Context(), domain.RunEvent{RunID: "run-2", Status: domain.RunStatusSucceeded})

	for _, ch := range []<-chan domain.RunEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, "run-2", evt.RunID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

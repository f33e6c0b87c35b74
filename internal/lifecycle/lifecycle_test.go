package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeforge/deployd/pkg/model"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("com.example.agent")
	defer sub.Cancel()

	bus.Publish(model.LifecycleEvent{Component: "com.example.agent", State: model.LifecycleRunning})

	select {
	case ev := <-sub.C:
		assert.Equal(t, model.LifecycleRunning, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	ev, ok := bus.State("com.example.agent")
	require.True(t, ok)
	assert.Equal(t, model.LifecycleRunning, ev.State)
}

func TestSubscribeIsPerComponent(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("com.example.agent")
	defer sub.Cancel()

	bus.Publish(model.LifecycleEvent{Component: "com.example.other", State: model.LifecycleBroken})

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for %s", ev.Component)
	default:
	}
}

func TestCancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("com.example.agent")

	sub.Cancel()
	sub.Cancel()

	bus.Publish(model.LifecycleEvent{Component: "com.example.agent", State: model.LifecycleFinished})

	// The channel is closed on cancel, so receive reports no value.
	_, open := <-sub.C
	assert.False(t, open)

	_, ok := bus.State("com.example.agent")
	assert.True(t, ok)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("com.example.agent")
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*4; i++ {
			bus.Publish(model.LifecycleEvent{Component: "com.example.agent", State: model.LifecycleErrored})
		}
		bus.Publish(model.LifecycleEvent{Component: "com.example.agent", State: model.LifecycleRunning})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The authoritative state is the last published one even though
	// intermediate events were dropped.
	ev, ok := bus.State("com.example.agent")
	require.True(t, ok)
	assert.Equal(t, model.LifecycleRunning, ev.State)
}

func TestHealthyStates(t *testing.T) {
	assert.True(t, model.LifecycleRunning.Healthy())
	assert.True(t, model.LifecycleFinished.Healthy())
	assert.False(t, model.LifecycleBroken.Healthy())
	assert.False(t, model.LifecycleErrored.Healthy())
}

package notify

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/testutil"
)

func TestSubscribeReceivesTerminalEvent(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	id := uuid.New()

	ch, cancel := b.Subscribe(id)
	defer cancel()

	b.Publish(model.LifecycleEvent{
		QueryID:   id,
		Kind:      model.EventCompleted,
		Consensus: &model.Consensus{Summary: "done"},
	})

	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, id, ev.QueryID)
		assert.Equal(t, model.EventCompleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	// Channel is closed after the single terminal event.
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	id := uuid.New()

	ch1, cancel1 := b.Subscribe(id)
	ch2, cancel2 := b.Subscribe(id)
	defer cancel1()
	defer cancel2()

	b.Publish(model.LifecycleEvent{QueryID: id, Kind: model.EventFailed, Reason: "all providers failed"})

	for _, ch := range []<-chan model.LifecycleEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "all providers failed", ev.Reason)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	id := uuid.New()

	b.Publish(model.LifecycleEvent{QueryID: id, Kind: model.EventCompleted})

	ch, cancel := b.Subscribe(id)
	defer cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "late subscriber channel must be closed without an event")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestDuplicatePublishDropped(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	id := uuid.New()

	ch, cancel := b.Subscribe(id)
	defer cancel()

	b.Publish(model.LifecycleEvent{QueryID: id, Kind: model.EventCompleted})
	b.Publish(model.LifecycleEvent{QueryID: id, Kind: model.EventFailed})

	ev := <-ch
	assert.Equal(t, model.EventCompleted, ev.Kind)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestPublishIsScopedToQuery(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	other := uuid.New()

	ch, cancel := b.Subscribe(uuid.New())
	defer cancel()

	b.Publish(model.LifecycleEvent{QueryID: other, Kind: model.EventCompleted})

	select {
	case <-ch:
		t.Fatal("received event for a different query")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := NewBroker(testutil.TestLogger())
	id := uuid.New()

	ch, cancel := b.Subscribe(id)
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	// Cancelling twice is safe, and publish after cancel does not panic.
	cancel()
	b.Publish(model.LifecycleEvent{QueryID: id, Kind: model.EventCompleted})
}

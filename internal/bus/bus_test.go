package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(NewEvent(KindStatusChanged, "test"))

	select {
	case evt := <-ch:
		assert.Equal(t, KindStatusChanged, evt.Kind)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged})
	b.Publish(Event{Kind: KindSweepDone})

	select {
	case evt := <-ch:
		assert.Equal(t, KindSweepDone, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	assert.Equal(t, "test.one", evt.Kind)
	select {
	case evt := <-ch:
		t.Errorf("expected drop, got %v", evt)
	default:
	}
}

func TestReliableSubscriptionKeepsEveryEventInOrder(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeReliable("identity.")
	defer unsub()

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(Event{Kind: KindIdentityChanged, Payload: i})
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-ch:
			require.Equal(t, i, evt.Payload, fmt.Sprintf("event %d out of order", i))
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestReliableUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeReliable("identity.")
	unsub()
	unsub()

	b.Publish(Event{Kind: KindIdentityChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

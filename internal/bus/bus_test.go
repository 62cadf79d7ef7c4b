package bus

import (
	"fmt"
	"testing"

	"courier-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrdering(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("order:abc")

	for i := 0; i < 10; i++ {
		b.Publish("order:abc", models.Event{
			Type:    models.EventTypeOrderStatusChanged,
			OrderID: fmt.Sprintf("seq-%d", i),
		})
	}
	b.Unsubscribe(sub)

	var got []string
	for ev := range sub.C() {
		got = append(got, ev.OrderID)
	}

	require.Len(t, got, 10)
	for i, id := range got {
		assert.Equal(t, fmt.Sprintf("seq-%d", i), id)
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New(4)
	orderSub := b.Subscribe("order:a")
	driverSub := b.Subscribe("driver:d")

	b.Publish("order:a", models.Event{Type: models.EventTypeOrderStatusChanged, OrderID: "a"})

	select {
	case ev := <-orderSub.C():
		assert.Equal(t, "a", ev.OrderID)
	default:
		t.Fatal("order subscriber received nothing")
	}

	select {
	case <-driverSub.C():
		t.Fatal("driver subscriber received an order event")
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("order:x")
	require.Equal(t, 1, b.SubscriberCount("order:x"))

	// Fill the queue, then overflow it.
	for i := 0; i < 3; i++ {
		b.Publish("order:x", models.Event{Type: models.EventTypeOrderStatusChanged})
	}

	assert.Equal(t, 0, b.SubscriberCount("order:x"))

	// Queued events remain readable, then the channel closes.
	n := 0
	for range slow.C() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestOverflowDropsOnlyTheSlowSubscriber(t *testing.T) {
	b := New(1)
	_ = b.Subscribe("order:x") // slow subscriber: never drained, overflows below
	mid := b.Subscribe("order:x")
	last := b.Subscribe("order:x")

	b.Publish("order:x", models.Event{Type: models.EventTypeOrderStatusChanged, OrderID: "ev-1"})

	// Drain the healthy subscribers so only slow's queue is full.
	<-mid.C()
	<-last.C()

	b.Publish("order:x", models.Event{Type: models.EventTypeOrderStatusChanged, OrderID: "ev-2"})

	assert.Equal(t, 2, b.SubscriberCount("order:x"))
	for _, sub := range []*Subscription{mid, last} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "ev-2", ev.OrderID)
		default:
			t.Fatal("healthy subscriber missed an event after an overflow drop")
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe("driver:d1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount("driver:d1"))
	b.Publish("driver:d1", models.Event{Type: models.EventTypeDriverLocation})
}

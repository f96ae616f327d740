package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4, TopicFill)
	defer sub.Unsubscribe()

	bus.Publish(Event{Topic: TopicFill, UserID: "u1", Payload: "order-1"})

	select {
	case ev := <-sub.Events:
		if ev.UserID != "u1" {
			t.Errorf("UserID = %q, want u1", ev.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFiltersByTopic(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(4, TopicFill)
	defer sub.Unsubscribe()

	bus.Publish(Event{Topic: TopicAccountUpdated, UserID: "u1"})

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1, TopicFill)
	defer sub.Unsubscribe()

	bus.Publish(Event{Topic: TopicFill, Payload: 1})
	bus.Publish(Event{Topic: TopicFill, Payload: 2}) // dropped, buffer full

	ev := <-sub.Events
	if ev.Payload != 1 {
		t.Errorf("Payload = %v, want 1", ev.Payload)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(1)
	sub.Unsubscribe()

	_, ok := <-sub.Events
	if ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

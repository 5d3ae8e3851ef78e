package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("job:")
	defer bus.Unsubscribe(sub)

	bus.Publish(JobAdded, map[string]interface{}{"jobId": "1"})

	select {
	case evt := <-sub.Events():
		if evt.Name != JobAdded {
			t.Errorf("name = %q", evt.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSkipsNonMatchingFilter(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("plugin:")
	defer bus.Unsubscribe(sub)

	bus.Publish(JobAdded, nil)

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event delivered: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	bus.Publish(JobAdded, nil)
	bus.Publish(JobAdded, nil) // queue depth 1, should drop

	if sub.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", sub.Dropped())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("")
	bus.Unsubscribe(sub)

	bus.Publish(JobAdded, nil)

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAsEnforcerSinkMergesPluginID(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe("")
	defer bus.Unsubscribe(sub)

	sink := AsEnforcerSink(bus)
	sink.Publish("limit-violation", "plugin-1", map[string]interface{}{"reason": "cpu"})

	select {
	case evt := <-sub.Events():
		if evt.Fields["pluginId"] != "plugin-1" {
			t.Errorf("fields = %v", evt.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

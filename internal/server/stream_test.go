package server

import "testing"

func TestEventBroadcaster_Broadcast(t *testing.T) {
	eb := NewEventBroadcaster()
	a := eb.Subscribe("s1")
	b := eb.Subscribe("s1")
	other := eb.Subscribe("s2")

	eb.Broadcast(ProgressEvent{SessionID: "s1", Iterations: 3})

	for _, ch := range []chan ProgressEvent{a, b} {
		select {
		case event := <-ch:
			if event.Iterations != 3 {
				t.Errorf("Expected 3 iterations, got %d", event.Iterations)
			}
		default:
			t.Error("Subscriber should have received the event")
		}
	}
	select {
	case event := <-other:
		t.Errorf("Other session received %+v", event)
	default:
	}
}

func TestEventBroadcaster_ReplaysLastEvent(t *testing.T) {
	eb := NewEventBroadcaster()
	eb.Broadcast(ProgressEvent{SessionID: "s1", Iterations: 1})
	eb.Broadcast(ProgressEvent{SessionID: "s1", Iterations: 2})

	ch := eb.Subscribe("s1")
	select {
	case event := <-ch:
		if event.Iterations != 2 {
			t.Errorf("Expected last event, got %+v", event)
		}
	default:
		t.Error("New subscriber should receive the last event")
	}
}

func TestEventBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("s1")

	for i := 0; i < 50; i++ {
		eb.Broadcast(ProgressEvent{SessionID: "s1", Iterations: i})
	}
	if len(ch) != cap(ch) {
		t.Errorf("Expected a full channel, got %d of %d", len(ch), cap(ch))
	}
}

func TestEventBroadcaster_UnsubscribeAndCleanup(t *testing.T) {
	eb := NewEventBroadcaster()
	a := eb.Subscribe("s1")
	b := eb.Subscribe("s1")

	eb.Unsubscribe("s1", a)
	if _, ok := <-a; ok {
		t.Error("Unsubscribed channel should be closed")
	}
	eb.Unsubscribe("s1", a)

	eb.CleanupSession("s1")
	if _, ok := <-b; ok {
		t.Error("Cleanup should close remaining channels")
	}
	eb.Unsubscribe("s1", b)
}

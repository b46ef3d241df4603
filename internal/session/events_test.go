package session

import (
	"context"
	"testing"
	"time"
)

func collectEvents(ch <-chan Event, n int, timeout time.Duration) []Event {
	var events []Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(Event{Type: EventSessionCreated, SessionID: "s1"})

	events := collectEvents(ch, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Type != EventSessionCreated || events[0].SessionID != "s1" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].At.IsZero() {
		t.Error("publish should stamp the event time")
	}
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	defer cancel()

	// Second publish overflows the unread buffer and is dropped, never blocking.
	b.Publish(Event{Type: EventSessionCreated, SessionID: "s1"})
	b.Publish(Event{Type: EventSessionDestroyed, SessionID: "s1"})

	events := collectEvents(ch, 2, 100*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1 (overflow dropped)", len(events))
	}
	if events[0].Type != EventSessionCreated {
		t.Errorf("surviving event = %+v, want the first", events[0])
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // Idempotent.

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	b.Publish(Event{Type: EventSessionCreated}) // Must not panic.
}

func TestBusClose(t *testing.T) {
	b := NewBus(testLogger())

	ch, _ := b.Subscribe(1)
	b.Close()
	b.Close() // Idempotent.

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus shutdown")
	}

	b.Publish(Event{Type: EventSessionCreated}) // No-op after close.

	// Subscribing to a closed bus yields an already-closed channel.
	ch2, cancel := b.Subscribe(1)
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Error("subscription on a closed bus should be closed immediately")
	}
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	ch, cancel := m.Events().Subscribe(16)
	defer cancel()

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(ctx, id, "true", ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(ctx, id, CauseExplicit); err != nil {
		t.Fatal(err)
	}

	events := collectEvents(ch, 3, time.Second)
	if len(events) != 3 {
		t.Fatalf("received %d events, want 3", len(events))
	}

	wantTypes := []EventType{EventSessionCreated, EventExecutionCompleted, EventSessionDestroyed}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %s, want %s", i, events[i].Type, want)
		}
		if events[i].SessionID != id {
			t.Errorf("events[%d].SessionID = %s, want %s", i, events[i].SessionID, id)
		}
	}
	if events[2].Cause != CauseExplicit {
		t.Errorf("destroy cause = %s, want %s", events[2].Cause, CauseExplicit)
	}
}

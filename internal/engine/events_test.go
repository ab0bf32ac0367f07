package engine

import (
	"testing"
	"time"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(logging.New("test", logging.DefaultConfig()))
}

func TestBroadcasterDeliversToAllObservers(t *testing.T) {
	b := newTestBroadcaster()
	_, ch1 := b.Register()
	_, ch2 := b.Register()

	b.Broadcast(Event{EventType: EventInfo, MessageID: "m-1"})

	select {
	case e := <-ch1:
		if e.MessageID != "m-1" {
			t.Fatalf("ch1 got %+v, want MessageID m-1", e)
		}
	case <-time.After(time.Second):
		t.Fatal("ch1 never received the broadcast event")
	}
	select {
	case e := <-ch2:
		if e.MessageID != "m-1" {
			t.Fatalf("ch2 got %+v, want MessageID m-1", e)
		}
	case <-time.After(time.Second):
		t.Fatal("ch2 never received the broadcast event")
	}
}

func TestBroadcasterUnregisterStopsDelivery(t *testing.T) {
	b := newTestBroadcaster()
	id, ch := b.Register()
	b.Unregister(id)

	if b.Count() != 0 {
		t.Fatalf("Count() = %d after Unregister, want 0", b.Count())
	}

	b.Broadcast(Event{EventType: EventInfo, MessageID: "m-2"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unregistered observer received an event")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcasterDropsStalledObserverWithoutBlocking(t *testing.T) {
	b := newTestBroadcaster()
	_, ch := b.Register()

	for i := 0; i < observerBuffer; i++ {
		b.Broadcast(Event{EventType: EventInfo, MessageID: "fill"})
	}
	if b.Count() != 1 {
		t.Fatalf("Count() = %d before overflow, want 1", b.Count())
	}

	b.Broadcast(Event{EventType: EventInfo, MessageID: "overflow"})

	if b.Count() != 0 {
		t.Fatalf("Count() = %d after overflow, want 0 (observer should be dropped)", b.Count())
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained != observerBuffer {
		t.Fatalf("drained %d events, want %d", drained, observerBuffer)
	}
}

func TestBroadcasterUnregisterIsIdempotent(t *testing.T) {
	b := newTestBroadcaster()
	id, _ := b.Register()
	b.Unregister(id)
	b.Unregister(id)
}

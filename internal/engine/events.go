package engine

import (
	"sync"
	"time"

	"github.com/dev-mansonthomas/redis-messaging-patterns-lab/internal/logging"
)

// EventType enumerates the observer event types broadcast over WebSocket.
type EventType string

const (
	EventMessageProduced EventType = "MESSAGE_PRODUCED"
	EventMessageDeleted  EventType = "MESSAGE_DELETED"
	EventMessageProcessed EventType = "MESSAGE_PROCESSED"
	EventMessageReclaimed EventType = "MESSAGE_RECLAIMED"
	EventMessageToDLQ     EventType = "MESSAGE_TO_DLQ"
	EventInfo             EventType = "INFO"
	EventError            EventType = "ERROR"
)

// Event is the wire shape the WebSocket layer serializes verbatim.
type Event struct {
	EventType     EventType         `json:"eventType"`
	StreamName    string            `json:"streamName,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	DeliveryCount int64             `json:"deliveryCount,omitempty"`
	Consumer      string            `json:"consumer,omitempty"`
	Details       string            `json:"details,omitempty"`
	Timestamp     int64             `json:"timestamp"`
}

// NewEvent stamps the current time and returns an Event ready to broadcast.
func NewEvent(eventType EventType) Event {
	return Event{EventType: eventType, Timestamp: time.Now().UnixMilli()}
}

// observerBuffer is the per-observer channel capacity. A full buffer means
// the observer is consuming too slowly; rather than block the broadcaster
// (and therefore every tailer/worker feeding it), we drop that observer.
const observerBuffer = 64

// Broadcaster fans events out to every registered observer, dropping any
// observer whose channel is full instead of letting a slow consumer stall
// the rest. Observers are WebSocket connections, not Redis consumers, so
// this fan-out happens entirely in process.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[int64]chan Event
	nextID    int64
	logger    *logging.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		observers: make(map[int64]chan Event),
		logger:    logger,
	}
}

// Register adds a new observer and returns its channel and an id to
// Unregister it with later.
func (b *Broadcaster) Register() (id int64, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id = b.nextID
	c := make(chan Event, observerBuffer)
	b.observers[id] = c
	return id, c
}

// Unregister removes an observer. Safe to call more than once for the same id.
func (b *Broadcaster) Unregister(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.observers[id]; ok {
		close(c)
		delete(b.observers, id)
	}
}

// Broadcast delivers an event to every currently-registered observer.
// Observers whose buffer is full are unregistered; delivery to the others
// continues regardless — a single slow or dead observer never affects the
// rest.
func (b *Broadcaster) Broadcast(e Event) {
	b.mu.RLock()
	stalled := make([]int64, 0)
	for id, ch := range b.observers {
		select {
		case ch <- e:
		default:
			stalled = append(stalled, id)
		}
	}
	b.mu.RUnlock()

	if len(stalled) == 0 {
		return
	}

	b.mu.Lock()
	for _, id := range stalled {
		if c, ok := b.observers[id]; ok {
			close(c)
			delete(b.observers, id)
		}
	}
	b.mu.Unlock()

	b.logger.Warn("dropped stalled observers", "count", len(stalled))
}

// Count returns the number of currently-registered observers, mostly useful
// for tests and a /healthz-style endpoint.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

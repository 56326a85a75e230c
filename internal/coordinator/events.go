package coordinator

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies coordinator-wide events (spec E.3's change
// notifications), adapted from the control plane's fleet event bus.
type EventType string

const (
	EventPathAllowed    EventType = "path.allowed"
	EventPathSuppressed EventType = "path.suppressed"
	EventPathPromoted   EventType = "path.promoted"
	EventSnapshotBuilt  EventType = "snapshot.built"
	EventAgentDegraded  EventType = "agent.degraded"
)

// Event is one notification published on the coordinator's bus.
type Event struct {
	Type      EventType   `json:"type"`
	ServiceID string      `json:"service_id,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice, for SSE/webhook fan-out.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// subscription pairs a subscriber's channel with an optional service_id
// filter. An empty filter means "every service" — the firehose a fleet
// dashboard wants; a non-empty one scopes delivery to a single tenant,
// which is what an SSE handler watching one service_id's events needs
// (spec E.3's per-service change notifications), without asking every
// subscriber to filter the same firehose client-side.
type subscription struct {
	ch        chan Event
	serviceID string
}

// Bus is a non-blocking pub/sub event bus, scoped by service_id: slow
// subscribers lose events rather than stall the single writer goroutine
// that publishes them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	bufferSize  int
}

// NewBus creates an event bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscription),
		bufferSize:  bufferSize,
	}
}

// Publish sends evt to every subscriber whose service_id filter matches
// evt.ServiceID (or has none), dropping it for anyone whose buffer is
// full.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.serviceID != "" && sub.serviceID != evt.ServiceID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of every published event, regardless of
// service_id. Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	return b.subscribe(id, "")
}

// SubscribeService returns a channel scoped to one service_id's events
// only.
func (b *Bus) SubscribeService(id, serviceID string) <-chan Event {
	return b.subscribe(id, serviceID)
}

func (b *Bus) subscribe(id, serviceID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = &subscription{ch: ch, serviceID: serviceID}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

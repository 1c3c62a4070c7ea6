package host

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates host lifecycle and diagnostic events.
type EventType string

const (
	EventServerAdded     EventType = "server_added"
	EventServerStarting  EventType = "server_starting"
	EventServerStarted   EventType = "server_started"
	EventServerStopped   EventType = "server_stopped"
	EventServerError     EventType = "server_error"
	EventToolsDiscovered EventType = "tools_discovered"
	EventServerMessage   EventType = "server_message"
	EventServerStderr    EventType = "server_stderr"
)

// Event is one observation published by a Host. Error, Message, and Tools
// are populated depending on Type.
type Event struct {
	Type    EventType `json:"type"`
	Server  string    `json:"server"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Tools   []Tool    `json:"tools,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus fans events out to any number of subscribers. Each Host owns its own
// Bus so separate hosts (as in tests) never cross-talk. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer and
// returns its ID together with the receive channel.
func (b *Bus) Subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.New().String()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish delivers an event to every subscriber, stamping Time if unset.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close removes and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

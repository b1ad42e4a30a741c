// Package eventbus fans process events out to in-process subscribers such as
// the control API's event stream.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	SessionConnected        = "session.connected"
	SessionDeleted          = "session.deleted"
	SessionConnectionUpdate = "session.connection_update"
	SessionMetaUpdated      = "session.meta_updated"
	SessionLoggedOut        = "session.logged_out"
	SessionStatus           = "session.status"
	LogEntry                = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DefaultBuffer is the channel capacity given to subscribers.
const DefaultBuffer = 64

// Bus is a fan-out pub/sub event bus. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	closed  bool
	subs    map[chan Event]map[string]bool // nil filter = all types

	// dropMu guards dropped; Publish only holds mu for reading.
	dropMu  sync.Mutex
	dropped map[chan Event]uint64
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[chan Event]map[string]bool),
		dropped: make(map[chan Event]uint64),
	}
}

// Subscribe returns a channel receiving events of the given types, or of every
// type when none are given. Subscribing to a closed bus returns a closed channel.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, DefaultBuffer)
	var filter map[string]bool
	for _, t := range types {
		if t == "" {
			continue
		}
		if filter == nil {
			filter = make(map[string]bool, len(types))
		}
		filter[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		delete(b.dropped, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			b.countDrop(ch)
		}
	}
}

func (b *Bus) countDrop(ch chan Event) {
	b.dropMu.Lock()
	b.dropped[ch]++
	b.dropMu.Unlock()
}

// Dropped returns how many events ch has missed because its buffer was full.
func (b *Bus) Dropped(ch chan Event) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[ch]
}

// PublishType marshals data into an event of the given type and publishes it.
func (b *Bus) PublishType(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.dropped = make(map[chan Event]uint64)
}

package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types for the /v1/events stream.
const (
	EventChat      = "chat"       // A chat request was received
	EventModelCall = "model_call" // One model call finished
	EventToolBatch = "tool_batch" // One tool round trip finished
	EventAnswer    = "answer"     // A run produced a model answer
	EventFallback  = "fallback"   // A run fell back to the local answer
	EventJournal   = "journal"    // Journal retention activity
	EventStatus    = "status"     // Daemon status
	EventError     = "error"
)

// Event is a single event broadcast to stream subscribers.
type Event struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Level     string `json:"level,omitempty"` // "info", "warn", "error"
	TS        string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to all connected stream clients.
// Subscribers that fall behind miss events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all connected subscribers without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe registers a subscriber. Caller MUST call Unsubscribe with the
// returned done channel.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n events, oldest first.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()

	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	result := make([]Event, n)
	copy(result, eb.recent[len(eb.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

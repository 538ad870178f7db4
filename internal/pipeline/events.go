package pipeline

import (
	"sync"
)

const eventChannelBuffer = 64

// Event types published by a stream.
const (
	EventOpened  = "violation_opened"
	EventUpdated = "violation_updated"
	EventClosed  = "violation_closed"
	EventAlert   = "alert"
	EventError   = "error"
	EventStopped = "stopped"
)

// Event is a notification from a running stream.
type Event struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// Broadcaster fans stream events out to listeners.
// Slow listeners miss events rather than block the stream.
type Broadcaster struct {
	listeners []chan Event
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *Broadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, eventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener and closes its channel.
func (b *Broadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *Broadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Listeners returns the number of attached listeners.
func (b *Broadcaster) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

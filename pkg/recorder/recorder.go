// Package recorder keeps the capture journal: an append-only log of the
// snapshots taken, stops skipped and background jobs run during a capture
// session.
package recorder

import (
	"sync"
	"time"
)

// Recorder stores journal events
type Recorder interface {
	RecordEvent(e Event) error
	GetEvents() []Event
	Clear()
}

// InMemoryRecorder keeps events in memory
type InMemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewInMemoryRecorder creates an empty in-memory recorder
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{events: []Event{}}
}

func (r *InMemoryRecorder) RecordEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *InMemoryRecorder) GetEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *InMemoryRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = []Event{}
}

// CurrentTime returns the timestamp used for new events
var CurrentTime = time.Now

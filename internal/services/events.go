package services

import (
	"sync"
	"time"
)

// EventType classifies engine lifecycle events
type EventType string

const (
	EventRecordStatus   EventType = "record_status"
	EventBatchSubmitted EventType = "batch_submitted"
	EventModelState     EventType = "model_state"
	EventConnectivity   EventType = "connectivity"
)

// Event is one engine lifecycle notification. The presentation layer
// subscribes to these instead of sharing mutable state with the engine.
type Event struct {
	Type     EventType `json:"type"`
	RecordID string    `json:"recordId,omitempty"`
	ModelID  string    `json:"modelId,omitempty"`
	BatchKey string    `json:"batchKey,omitempty"`
	Status   string    `json:"status,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// EventStream is a fan-out bus for engine events. Publishing never blocks:
// a subscriber that stops draining loses events rather than stalling sync.
type EventStream struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEventStream creates a new EventStream
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the channel.
func (s *EventStream) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan Event, 64)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking
func (s *EventStream) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

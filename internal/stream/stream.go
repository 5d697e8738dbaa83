// Package stream fan-outs engine change events to subscribers. The engine
// holds no UI-shaped cache; callers that used to refetch after a mutation
// subscribe here (or poll) instead.
package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies what changed.
type EventKind string

const (
	EventDecisionCreated   EventKind = "decision_created"
	EventDecisionUpdated   EventKind = "decision_updated"
	EventDecisionPublished EventKind = "decision_published"
	EventDecisionApproved  EventKind = "decision_approved"
	EventDecisionRejected  EventKind = "decision_rejected"
	EventChangesRequested  EventKind = "changes_requested"
	EventDecisionSigned    EventKind = "decision_signed"
	EventPhaseChanged      EventKind = "phase_changed"
	EventSignerAdvanced    EventKind = "signer_advanced"
	EventApprovalCompleted EventKind = "approval_completed"
)

// DecisionEvent describes one committed change for subscribers.
type DecisionEvent struct {
	Kind       EventKind `json:"kind"`
	DecisionID string    `json:"decision_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients, pollers).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan DecisionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan DecisionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan DecisionEvent {
	ch := make(chan DecisionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt DecisionEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

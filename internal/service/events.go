package service

import (
	"context"
	"sync"

	"netatlas/internal/adapter"
	"netatlas/internal/merge"
)

// EventType defines the type of event
type EventType string

const (
	EventNodeCreated     EventType = "node_created"
	EventNodeUpdated     EventType = "node_updated"
	EventNodeEvicted     EventType = "node_evicted"
	EventEdgeUpdated     EventType = "edge_updated"
	EventLayoutSettled   EventType = "layout_settled"
	EventPositionsPinned EventType = "positions_pinned"
	EventGraphRestored   EventType = "graph_restored"
	EventSnapshotSaved   EventType = "snapshot_saved"
	EventProbeProgress   EventType = "probe_progress"
)

// Event represents an event that occurred in the system
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// EventName names the event on the SSE stream
func (e Event) EventName() string { return string(e.Type) }

// EventBus allows publishing and subscribing to events
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
}

var (
	_ merge.Publisher           = (*EventBus)(nil)
	_ adapter.ProgressPublisher = (*EventBus)(nil)
)

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers = append(eb.subscribers, ch)
}

// Unsubscribe removes a subscriber
func (eb *EventBus) Unsubscribe(ch chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub == ch {
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}

// PublishChange forwards merge engine notifications
func (eb *EventBus) PublishChange(c merge.Change) {
	eb.Publish(Event{Type: EventType(c.Kind), Payload: c})
}

// PublishProgress forwards probe pass progress
func (eb *EventBus) PublishProgress(p adapter.Progress) {
	eb.Publish(Event{Type: EventProbeProgress, Payload: p})
}

// Forward delivers every event to fn until ctx is done
func (eb *EventBus) Forward(ctx context.Context, buffer int, fn func(Event)) {
	ch := make(chan Event, buffer)
	eb.Subscribe(ch)
	defer eb.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			fn(ev)
		}
	}
}

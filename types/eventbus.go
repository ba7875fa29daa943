package types

import (
	"sync"

	"popfork/logx"
)

// EventBus handles subscription and publishing of fork events.
type EventBus struct {
	subscribers []chan ForkEvent
	mu          sync.RWMutex
}

// NewEventBus creates a new EventBus instance
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a new listener for fork events.
func (eb *EventBus) Subscribe() chan ForkEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ForkEvent, 16) // Buffered channel to prevent blocking
	eb.subscribers = append(eb.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(ch chan ForkEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.subscribers {
		if sub == ch {
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Publish delivers an event to all subscribers. Slow subscribers with a
// full channel are skipped rather than blocking the publisher.
func (eb *EventBus) Publish(event ForkEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			logx.Warn("EVENTBUS", "subscriber channel full, dropping ", event.Type())
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mezonai/blockclique/logx"
)

const subscriberBufferSize = 256

type SubscriberID string

type Subscriber struct {
	ID      SubscriberID
	Channel chan ConsensusEvent
	// empty means every type
	filter map[EventType]struct{}
}

func (s *Subscriber) wants(t EventType) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// EventBus fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[SubscriberID]*Subscriber
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[SubscriberID]*Subscriber),
	}
}

func (eb *EventBus) generateUUIDID() SubscriberID {
	id := uuid.Must(uuid.NewV7())
	return SubscriberID(id.String())
}

// Subscribe registers a subscriber for the given event types, all of them if none is given
func (eb *EventBus) Subscribe(eventTypes ...EventType) (SubscriberID, chan ConsensusEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.generateUUIDID()
	subscriber := &Subscriber{
		ID:      id,
		Channel: make(chan ConsensusEvent, subscriberBufferSize),
		filter:  make(map[EventType]struct{}, len(eventTypes)),
	}
	for _, t := range eventTypes {
		subscriber.filter[t] = struct{}{}
	}
	eb.subscribers[id] = subscriber

	logx.Info("EVENTBUS", fmt.Sprintf("Client subscribed | subscriber_id=%s | types=%v | total_subscribers=%d", id, eventTypes, len(eb.subscribers)))
	return id, subscriber.Channel
}

// Unsubscribe removes a subscription by ID and closes its channel
func (eb *EventBus) Unsubscribe(id SubscriberID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscriber, exists := eb.subscribers[id]
	if !exists {
		logx.Warn("EVENTBUS", fmt.Sprintf("Attempted to unsubscribe non-existent subscriber | subscriber_id=%s", id))
		return false
	}
	delete(eb.subscribers, id)
	close(subscriber.Channel)

	logx.Info("EVENTBUS", fmt.Sprintf("Client unsubscribed | subscriber_id=%s | remaining_subscribers=%d", id, len(eb.subscribers)))
	return true
}

// Publish publishes an event to all interested subscribers
func (eb *EventBus) Publish(event ConsensusEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, subscriber := range eb.subscribers {
		if !subscriber.wants(event.Type()) {
			continue
		}
		select {
		case subscriber.Channel <- event:
		default:
			logx.Warn("EVENTBUS", fmt.Sprintf("Subscriber channel full | subscriber_id=%s | event_type=%s | subject=%s", id, event.Type(), event.Subject()))
		}
	}
}

// GetTotalSubscriptions returns the total number of active subscriptions
func (eb *EventBus) GetTotalSubscriptions() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	return len(eb.subscribers)
}

// GetSubscriberIDs returns a slice of all active subscriber IDs
func (eb *EventBus) GetSubscriberIDs() []SubscriberID {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	ids := make([]SubscriberID, 0, len(eb.subscribers))
	for id := range eb.subscribers {
		ids = append(ids, id)
	}
	return ids
}

func (eb *EventBus) HasSubscriber(id SubscriberID) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	_, exists := eb.subscribers[id]
	return exists
}

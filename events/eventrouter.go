package events

import (
	"fmt"

	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/logx"
)

// EventRouter turns the graph outputs into bus events
type EventRouter struct {
	eventBus *EventBus
}

func NewEventRouter(eventBus *EventBus) *EventRouter {
	return &EventRouter{eventBus: eventBus}
}

// PublishGraphUpdate publishes one event per entry of the update. Finalized
// blocks keep the slot order the graph reported them in.
func (er *EventRouter) PublishGraphUpdate(u graph.Update) {
	if u.IsEmpty() {
		return
	}
	for _, block := range u.Integrated {
		er.eventBus.Publish(NewBlockIntegrated(block.Id(), block.Header.Slot))
	}
	for _, block := range u.NewlyFinal {
		er.eventBus.Publish(NewBlockFinalized(block.Id(), block.Header.Slot))
	}
	for _, d := range u.Discarded {
		er.eventBus.Publish(NewBlockDiscarded(d.Id, d.Slot, d.Reason))
	}
	for _, id := range u.Evicted {
		er.eventBus.Publish(NewDependencyEvicted(id))
	}
	for _, id := range u.Requested {
		er.eventBus.Publish(NewBlockRequested(id))
	}
	for _, id := range u.Cancelled {
		er.eventBus.Publish(NewRequestCancelled(id))
	}
	logx.Debug("EVENTROUTER", fmt.Sprintf("Published graph update | integrated=%d | final=%d | discarded=%d | requested=%d | cancelled=%d",
		len(u.Integrated), len(u.NewlyFinal), len(u.Discarded), len(u.Requested), len(u.Cancelled)))
}

// PublishEvent forwards an event built elsewhere
func (er *EventRouter) PublishEvent(event ConsensusEvent) {
	er.eventBus.Publish(event)
}

// Subscribe subscribes to the given event types, all of them if none is given
func (er *EventRouter) Subscribe(eventTypes ...EventType) (SubscriberID, chan ConsensusEvent) {
	return er.eventBus.Subscribe(eventTypes...)
}

func (er *EventRouter) Unsubscribe(id SubscriberID) bool {
	return er.eventBus.Unsubscribe(id)
}

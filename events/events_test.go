package events

import (
	"testing"
	"time"

	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan ConsensusEvent) ConsensusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestEventBus(t *testing.T) {
	eventBus := NewEventBus()

	id, eventChan := eventBus.Subscribe()
	assert.Equal(t, 1, eventBus.GetTotalSubscriptions())
	assert.True(t, eventBus.HasSubscriber(id))

	blockId := types.BlockId{1}
	go eventBus.Publish(NewBlockFinalized(blockId, types.NewSlot(3, 1)))

	ev := receive(t, eventChan)
	require.Equal(t, EventBlockFinalized, ev.Type())
	assert.Equal(t, blockId.String(), ev.Subject())
	assert.Equal(t, types.NewSlot(3, 1), ev.(*BlockFinalized).Slot())

	assert.True(t, eventBus.Unsubscribe(id))
	assert.False(t, eventBus.Unsubscribe(id))
	assert.Equal(t, 0, eventBus.GetTotalSubscriptions())
	_, open := <-eventChan
	assert.False(t, open)
}

func TestConsensusEvents(t *testing.T) {
	discarded := NewBlockDiscarded(types.BlockId{2}, types.NewSlot(5, 0), types.DiscardStale)
	assert.Equal(t, EventBlockDiscarded, discarded.Type())
	assert.Equal(t, types.DiscardStale, discarded.Reason())

	blockId := types.BlockId{3}
	executed := NewSlotExecuted(types.NewSlot(4, 1), &blockId, true, [32]byte{9})
	assert.Equal(t, EventSlotExecuted, executed.Type())
	assert.Equal(t, "(4,1)", executed.Subject())
	assert.True(t, executed.IsFinal())
	assert.Equal(t, blockId, *executed.BlockId())

	miss := NewSlotExecuted(types.NewSlot(4, 0), nil, false, [32]byte{})
	assert.Nil(t, miss.BlockId())
	assert.False(t, miss.Timestamp().IsZero())
}

func TestMultipleSubscribers(t *testing.T) {
	eventBus := NewEventBus()

	id1, eventChan1 := eventBus.Subscribe()
	id2, eventChan2 := eventBus.Subscribe()
	assert.Equal(t, 2, eventBus.GetTotalSubscriptions())
	assert.NotEqual(t, id1, id2)
	assert.ElementsMatch(t, []SubscriberID{id1, id2}, eventBus.GetSubscriberIDs())

	opId := types.OperationId{7}
	eventBus.Publish(NewOperationKnown(opId))

	for _, ch := range []chan ConsensusEvent{eventChan1, eventChan2} {
		ev := receive(t, ch)
		assert.Equal(t, opId, ev.(*OperationKnown).OperationId())
	}

	eventBus.Unsubscribe(id1)
	eventBus.Unsubscribe(id2)
	assert.Equal(t, 0, eventBus.GetTotalSubscriptions())
}

func TestSubscribeWithFilter(t *testing.T) {
	eventBus := NewEventBus()
	_, requests := eventBus.Subscribe(EventBlockRequested)

	eventBus.Publish(NewOperationKnown(types.OperationId{1}))
	eventBus.Publish(NewBlockRequested(types.BlockId{4}))

	ev := receive(t, requests)
	assert.Equal(t, EventBlockRequested, ev.Type())
	assert.Len(t, requests, 0)
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	eventBus := NewEventBus()
	_, ch := eventBus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			eventBus.Publish(NewDependencyEvicted(types.BlockId{byte(i)}))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestRouterPublishesGraphUpdate(t *testing.T) {
	eventBus := NewEventBus()
	router := NewEventRouter(eventBus)
	_, ch := router.Subscribe()

	block := types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{{1}, {2}}, "creator", nil, nil)
	router.PublishGraphUpdate(graph.Update{
		Integrated: []*types.Block{block},
		NewlyFinal: []*types.Block{block},
		Discarded:  []graph.DiscardedBlock{{Id: types.BlockId{5}, Slot: types.NewSlot(1, 1), Reason: types.DiscardInvalid}},
		Evicted:    []types.BlockId{{6}},
		Requested:  []types.BlockId{{7}},
		Cancelled:  []types.BlockId{{8}},
	})

	var got []EventType
	for i := 0; i < 6; i++ {
		got = append(got, receive(t, ch).Type())
	}
	assert.Equal(t, []EventType{
		EventBlockIntegrated, EventBlockFinalized, EventBlockDiscarded, EventDependencyEvicted, EventBlockRequested,
		EventRequestCancelled,
	}, got)

	router.PublishGraphUpdate(graph.Update{})
	assert.Len(t, ch, 0)
}

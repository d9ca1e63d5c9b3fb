package events

import (
	"time"

	"github.com/mezonai/blockclique/types"
)

// EventType is an enum-like string type for consensus events
type EventType string

const (
	EventBlockIntegrated   EventType = "BlockIntegrated"
	EventBlockRequested    EventType = "BlockRequested"
	EventRequestCancelled  EventType = "RequestCancelled"
	EventBlockDiscarded    EventType = "BlockDiscarded"
	EventBlockFinalized    EventType = "BlockFinalized"
	EventDependencyEvicted EventType = "DependencyEvicted"
	EventOperationKnown    EventType = "OperationKnown"
	EventEndorsementKnown  EventType = "EndorsementKnown"
	EventSlotExecuted      EventType = "SlotExecuted"
)

// ConsensusEvent represents anything the core reports to the outer layers
type ConsensusEvent interface {
	Type() EventType
	Timestamp() time.Time
	// Subject is the base58 id (or slot) the event is about
	Subject() string
}

type baseEvent struct {
	eventType EventType
	subject   string
	timestamp time.Time
}

func newBase(eventType EventType, subject string) baseEvent {
	return baseEvent{eventType: eventType, subject: subject, timestamp: time.Now()}
}

func (e baseEvent) Type() EventType      { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }
func (e baseEvent) Subject() string      { return e.subject }

// BlockIntegrated is emitted when a block becomes Active
type BlockIntegrated struct {
	baseEvent
	id   types.BlockId
	slot types.Slot
}

func NewBlockIntegrated(id types.BlockId, slot types.Slot) *BlockIntegrated {
	return &BlockIntegrated{baseEvent: newBase(EventBlockIntegrated, id.String()), id: id, slot: slot}
}

func (e *BlockIntegrated) BlockId() types.BlockId { return e.id }
func (e *BlockIntegrated) Slot() types.Slot       { return e.slot }

// BlockRequested asks the network layer to fetch a missing parent
type BlockRequested struct {
	baseEvent
	id types.BlockId
}

func NewBlockRequested(id types.BlockId) *BlockRequested {
	return &BlockRequested{baseEvent: newBase(EventBlockRequested, id.String()), id: id}
}

func (e *BlockRequested) BlockId() types.BlockId { return e.id }

// RequestCancelled tells the network layer a requested block is no longer needed
type RequestCancelled struct {
	baseEvent
	id types.BlockId
}

func NewRequestCancelled(id types.BlockId) *RequestCancelled {
	return &RequestCancelled{baseEvent: newBase(EventRequestCancelled, id.String()), id: id}
}

func (e *RequestCancelled) BlockId() types.BlockId { return e.id }

// BlockDiscarded carries the reason a block left the graph
type BlockDiscarded struct {
	baseEvent
	id     types.BlockId
	slot   types.Slot
	reason types.DiscardReason
}

func NewBlockDiscarded(id types.BlockId, slot types.Slot, reason types.DiscardReason) *BlockDiscarded {
	return &BlockDiscarded{baseEvent: newBase(EventBlockDiscarded, id.String()), id: id, slot: slot, reason: reason}
}

func (e *BlockDiscarded) BlockId() types.BlockId      { return e.id }
func (e *BlockDiscarded) Slot() types.Slot            { return e.slot }
func (e *BlockDiscarded) Reason() types.DiscardReason { return e.reason }

// BlockFinalized is emitted once per block, in slot order
type BlockFinalized struct {
	baseEvent
	id   types.BlockId
	slot types.Slot
}

func NewBlockFinalized(id types.BlockId, slot types.Slot) *BlockFinalized {
	return &BlockFinalized{baseEvent: newBase(EventBlockFinalized, id.String()), id: id, slot: slot}
}

func (e *BlockFinalized) BlockId() types.BlockId { return e.id }
func (e *BlockFinalized) Slot() types.Slot       { return e.slot }

// DependencyEvicted reports a waiting block dropped from the full dependency table
type DependencyEvicted struct {
	baseEvent
	id types.BlockId
}

func NewDependencyEvicted(id types.BlockId) *DependencyEvicted {
	return &DependencyEvicted{baseEvent: newBase(EventDependencyEvicted, id.String()), id: id}
}

func (e *DependencyEvicted) BlockId() types.BlockId { return e.id }

// OperationKnown is emitted when the pool admits an operation
type OperationKnown struct {
	baseEvent
	id types.OperationId
}

func NewOperationKnown(id types.OperationId) *OperationKnown {
	return &OperationKnown{baseEvent: newBase(EventOperationKnown, id.String()), id: id}
}

func (e *OperationKnown) OperationId() types.OperationId { return e.id }

// EndorsementKnown is emitted when the pool admits an endorsement
type EndorsementKnown struct {
	baseEvent
	id types.EndorsementId
}

func NewEndorsementKnown(id types.EndorsementId) *EndorsementKnown {
	return &EndorsementKnown{baseEvent: newBase(EventEndorsementKnown, id.String()), id: id}
}

func (e *EndorsementKnown) EndorsementId() types.EndorsementId { return e.id }

// SlotExecuted reports a slot run by the scheduler. BlockId is nil for a miss.
type SlotExecuted struct {
	baseEvent
	slot      types.Slot
	blockId   *types.BlockId
	final     bool
	stateHash [32]byte
}

func NewSlotExecuted(slot types.Slot, blockId *types.BlockId, final bool, stateHash [32]byte) *SlotExecuted {
	return &SlotExecuted{
		baseEvent: newBase(EventSlotExecuted, slot.String()),
		slot:      slot,
		blockId:   blockId,
		final:     final,
		stateHash: stateHash,
	}
}

func (e *SlotExecuted) Slot() types.Slot        { return e.slot }
func (e *SlotExecuted) BlockId() *types.BlockId { return e.blockId }
func (e *SlotExecuted) IsFinal() bool           { return e.final }
func (e *SlotExecuted) StateHash() [32]byte     { return e.stateHash }

package types

type BlockStatus uint8

const (
	StatusUnknown BlockStatus = iota
	StatusIncoming
	StatusWaitingForSlot
	StatusWaitingForDependencies
	StatusActive
	StatusFinal
	StatusDiscarded
)

func (s BlockStatus) String() string {
	switch s {
	case StatusIncoming:
		return "Incoming"
	case StatusWaitingForSlot:
		return "WaitingForSlot"
	case StatusWaitingForDependencies:
		return "WaitingForDependencies"
	case StatusActive:
		return "Active"
	case StatusFinal:
		return "Final"
	case StatusDiscarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// StatusEvent drives the block lifecycle
type StatusEvent uint8

const (
	EventSlotInFuture StatusEvent = iota
	EventMissingDependencies
	EventReady
	EventFinalized
	EventInvalid
)

func (e StatusEvent) String() string {
	switch e {
	case EventSlotInFuture:
		return "SlotInFuture"
	case EventMissingDependencies:
		return "MissingDependencies"
	case EventReady:
		return "Ready"
	case EventFinalized:
		return "Finalized"
	case EventInvalid:
		return "Invalid"
	}
	return "Unknown"
}

// Transition is defined for every (status, event) pair. ok is false when the
// pair is not a legal lifecycle step; the returned status is then unchanged.
// Final and Discarded are terminal.
func Transition(from BlockStatus, ev StatusEvent) (BlockStatus, bool) {
	switch from {
	case StatusUnknown, StatusIncoming:
		switch ev {
		case EventSlotInFuture:
			return StatusWaitingForSlot, true
		case EventMissingDependencies:
			return StatusWaitingForDependencies, true
		case EventReady:
			return StatusActive, true
		case EventInvalid:
			return StatusDiscarded, true
		}
	case StatusWaitingForSlot:
		switch ev {
		case EventSlotInFuture:
			return StatusWaitingForSlot, true
		case EventMissingDependencies:
			return StatusWaitingForDependencies, true
		case EventReady:
			return StatusActive, true
		case EventInvalid:
			return StatusDiscarded, true
		}
	case StatusWaitingForDependencies:
		switch ev {
		case EventMissingDependencies:
			return StatusWaitingForDependencies, true
		case EventReady:
			return StatusActive, true
		case EventInvalid:
			return StatusDiscarded, true
		}
	case StatusActive:
		switch ev {
		case EventFinalized:
			return StatusFinal, true
		case EventInvalid:
			return StatusDiscarded, true
		}
	}
	return from, false
}

// DiscardReason explains why a block left the graph
type DiscardReason uint8

const (
	DiscardInvalid DiscardReason = iota
	DiscardInvalidParent
	DiscardTooFarInFuture
	DiscardStale
	DiscardIncompatible
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardInvalid:
		return "invalid"
	case DiscardInvalidParent:
		return "invalid_parent"
	case DiscardTooFarInFuture:
		return "too_far_in_future"
	case DiscardStale:
		return "stale"
	case DiscardIncompatible:
		return "incompatible"
	}
	return "unknown"
}

package execution

import (
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/types"
)

// ExecutionEvent is emitted while a slot is executed
type ExecutionEvent struct {
	Slot        types.Slot         `json:"slot"`
	BlockId     *types.BlockId     `json:"block_id,omitempty"`
	OperationId *types.OperationId `json:"operation_id,omitempty"`
	Message     string             `json:"message"`
	IsError     bool               `json:"is_error"`
	IsFinal     bool               `json:"is_final"`
}

// OperationOutcome records how one operation of a block went. A failed
// operation never aborts the block.
type OperationOutcome struct {
	Id      types.OperationId `json:"id"`
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
}

// SlotOutput is everything a slot produced. BlockId is nil for a miss.
type SlotOutput struct {
	Slot      types.Slot          `json:"slot"`
	BlockId   *types.BlockId      `json:"block_id,omitempty"`
	Changes   types.LedgerChanges `json:"changes"`
	Outcomes  []OperationOutcome  `json:"outcomes"`
	Events    []ExecutionEvent    `json:"events"`
	StateHash [32]byte            `json:"state_hash"`

	// operations that paid their fee, and can no longer be executed
	executed map[types.OperationId]uint64
}

func (o *SlotOutput) matches(block *types.Block) bool {
	if block == nil || o.BlockId == nil {
		return block == nil && o.BlockId == nil
	}
	return *o.BlockId == block.Id()
}

type executedSlot struct {
	output *SlotOutput
	// taken right before the slot's layer was pushed
	checkpoint ledger.Checkpoint
}

package graph

import "github.com/mezonai/blockclique/types"

// DiscardedBlock reports a block that left the graph
type DiscardedBlock struct {
	Id     types.BlockId       `json:"id"`
	Slot   types.Slot          `json:"slot"`
	Reason types.DiscardReason `json:"reason"`
}

// Update accumulates what changed in the graph since the last DrainUpdate
type Update struct {
	// Integrated blocks became Active, in integration order
	Integrated []*types.Block
	// NewlyFinal blocks, slot-ordered
	NewlyFinal []*types.Block
	// Blockclique is the current non-final blockclique, slot-ordered
	Blockclique []*types.Block
	// BlockcliqueChanged is set when the blockclique content differs from the previous update
	BlockcliqueChanged bool
	Discarded          []DiscardedBlock
	// Evicted blocks were dropped from the dependency table while still waiting
	Evicted []types.BlockId
	// Requested parents became missing since the last update
	Requested []types.BlockId
	// Cancelled requests are parents no longer missing, because they arrived
	// or because nothing waits on them anymore
	Cancelled []types.BlockId
}

// IsEmpty reports whether nothing happened
func (u *Update) IsEmpty() bool {
	return len(u.Integrated) == 0 && len(u.NewlyFinal) == 0 && !u.BlockcliqueChanged &&
		len(u.Discarded) == 0 && len(u.Evicted) == 0 && len(u.Requested) == 0 && len(u.Cancelled) == 0
}

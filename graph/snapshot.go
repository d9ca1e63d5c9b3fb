package graph

import (
	"sort"

	"github.com/mezonai/blockclique/types"
)

// ExportedBlock is a block known to the graph with its status
type ExportedBlock struct {
	Id     types.BlockId     `json:"id"`
	Slot   types.Slot        `json:"slot"`
	Status types.BlockStatus `json:"status"`
	Block  *types.Block      `json:"block,omitempty"`
}

// Snapshot is an immutable view of the graph published after every mutation
type Snapshot struct {
	CurrentSlot        types.Slot
	Blockclique        []types.BlockId
	BestParents        []types.BlockId
	LatestFinal        []types.BlockId
	LatestFinalPeriods []uint64
	CliqueCount        int
	Wishlist           []types.BlockId

	statuses map[types.BlockId]types.BlockStatus
	slots    map[types.BlockId]types.Slot
	blocks   map[types.BlockId]*types.Block
	discards map[types.BlockId]DiscardedBlock
}

func (g *Graph) publish() {
	s := &Snapshot{
		CurrentSlot:        g.currentSlot,
		Blockclique:        g.blockcliqueIds(),
		LatestFinal:        append([]types.BlockId(nil), g.latestFinal...),
		LatestFinalPeriods: g.latestFinalPeriods(),
		CliqueCount:        len(g.cliques),
		statuses:           make(map[types.BlockId]types.BlockStatus, len(g.active)+len(g.waitingDeps)+len(g.waitingSlot)+len(g.discarded)),
		slots:              make(map[types.BlockId]types.Slot, len(g.active)+len(g.waitingDeps)+len(g.waitingSlot)),
		blocks:             make(map[types.BlockId]*types.Block, len(g.active)),
		discards:           make(map[types.BlockId]DiscardedBlock, len(g.discarded)),
	}
	for id, ab := range g.active {
		s.blocks[id] = ab.block
		s.slots[id] = ab.slot()
		s.statuses[id] = types.StatusActive
		if ab.isFinal {
			s.statuses[id] = types.StatusFinal
		}
	}
	for id, wb := range g.waitingSlot {
		s.statuses[id] = types.StatusWaitingForSlot
		s.slots[id] = wb.block.Header.Slot
	}
	for id, wb := range g.waitingDeps {
		s.statuses[id] = types.StatusWaitingForDependencies
		s.slots[id] = wb.block.Header.Slot
	}
	for id, d := range g.discarded {
		s.statuses[id] = types.StatusDiscarded
		s.slots[id] = d.Slot
		s.discards[id] = d
	}

	s.BestParents = append([]types.BlockId(nil), g.latestFinal...)
	tips := make([]types.Slot, len(g.latestFinal))
	for t := range tips {
		tips[t] = g.active[g.latestFinal[t]].slot()
	}
	for _, id := range s.Blockclique {
		slot := g.active[id].slot()
		if tips[slot.Thread].Less(slot) {
			tips[slot.Thread] = slot
			s.BestParents[slot.Thread] = id
		}
	}

	wanted := make(blockSet)
	for p := range g.dependents {
		if g.statusOf(p) == types.StatusUnknown {
			wanted[p] = struct{}{}
		}
	}
	s.Wishlist = sortedIds(wanted)

	g.snapshot.Store(s)
}

// Snapshot returns the latest published view. It is safe to call from any goroutine.
func (g *Graph) Snapshot() *Snapshot {
	return g.snapshot.Load()
}

// GetBlockclique returns the non-final blockclique in slot order
func (g *Graph) GetBlockclique() []types.BlockId {
	return append([]types.BlockId(nil), g.Snapshot().Blockclique...)
}

// GetBestParents returns, per thread, the tip a new block should reference
func (g *Graph) GetBestParents() []types.BlockId {
	return append([]types.BlockId(nil), g.Snapshot().BestParents...)
}

// GetStatus returns the status of a block, StatusUnknown if it was never seen or already forgotten
func (g *Graph) GetStatus(id types.BlockId) types.BlockStatus {
	return g.Snapshot().Status(id)
}

// GetActiveBlock returns an Active or Final block still held by the graph
func (g *Graph) GetActiveBlock(id types.BlockId) (*types.Block, types.BlockStatus, bool) {
	s := g.Snapshot()
	block, ok := s.blocks[id]
	return block, s.statuses[id], ok
}

// LatestFinalPeriods returns the period of the latest final block of each thread
func (g *Graph) LatestFinalPeriods() []uint64 {
	return append([]uint64(nil), g.Snapshot().LatestFinalPeriods...)
}

// Wishlist returns the missing parents that are not known at all
func (g *Graph) Wishlist() []types.BlockId {
	return append([]types.BlockId(nil), g.Snapshot().Wishlist...)
}

// Export lists every known block with its status, active blocks with their content
func (g *Graph) Export() []ExportedBlock {
	return g.Snapshot().Export()
}

func (s *Snapshot) Status(id types.BlockId) types.BlockStatus {
	if status, ok := s.statuses[id]; ok {
		return status
	}
	return types.StatusUnknown
}

// DiscardReason returns why a block was discarded, false if it is not in the discarded cache
func (s *Snapshot) DiscardReason(id types.BlockId) (types.DiscardReason, bool) {
	d, ok := s.discards[id]
	return d.Reason, ok
}

func (s *Snapshot) Export() []ExportedBlock {
	out := make([]ExportedBlock, 0, len(s.statuses))
	for id, status := range s.statuses {
		out = append(out, ExportedBlock{Id: id, Slot: s.slots[id], Status: status, Block: s.blocks[id]})
	}
	sortExported(out)
	return out
}

// FinalBlocks returns the final blocks still held in memory, slot-ordered
func (s *Snapshot) FinalBlocks() []*types.Block {
	var out []ExportedBlock
	for id, status := range s.statuses {
		if status == types.StatusFinal {
			out = append(out, ExportedBlock{Id: id, Slot: s.slots[id], Block: s.blocks[id]})
		}
	}
	sortExported(out)
	blocks := make([]*types.Block, len(out))
	for i := range out {
		blocks[i] = out[i].Block
	}
	return blocks
}

func sortExported(blocks []ExportedBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		if c := blocks[i].Slot.Compare(blocks[j].Slot); c != 0 {
			return c < 0
		}
		return lessId(blocks[i].Id, blocks[j].Id)
	})
}

package graph

import (
	"fmt"
	"sort"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// BootstrapGraph is the graph state handed to a bootstrapping node: every
// final block still kept in memory and every non-final active block.
// Active blocks may reference any kept final block, not only the latest one
// of a thread.
type BootstrapGraph struct {
	CurrentSlot  types.Slot     `json:"current_slot"`
	FinalBlocks  []*types.Block `json:"final_blocks"`
	ActiveBlocks []*types.Block `json:"active_blocks"`
}

// ExportBootstrap captures the kept blocks from the latest snapshot, slot-ordered
func (g *Graph) ExportBootstrap() BootstrapGraph {
	s := g.Snapshot()
	bs := BootstrapGraph{CurrentSlot: s.CurrentSlot}
	for _, eb := range s.Export() {
		switch eb.Status {
		case types.StatusFinal:
			bs.FinalBlocks = append(bs.FinalBlocks, eb.Block)
		case types.StatusActive:
			bs.ActiveBlocks = append(bs.ActiveBlocks, eb.Block)
		}
	}
	return bs
}

// NewFromBootstrap rebuilds a graph from the kept final blocks and replays the
// active blocks on top of them.
func NewFromBootstrap(cfg config.ConsensusConfig, selector Selector, genesisCreator types.Address, bs BootstrapGraph) (*Graph, error) {
	g := New(cfg, selector, genesisCreator)
	for id := range g.active {
		delete(g.active, id)
	}
	hasFinal := make([]bool, cfg.ThreadCount)
	for _, block := range bs.FinalBlocks {
		thread := block.Header.Slot.Thread
		if thread >= cfg.ThreadCount {
			return nil, fmt.Errorf("bootstrap final block %s is in thread %d", block.Id(), thread)
		}
		id := block.Id()
		g.active[id] = &activeBlock{id: id, block: block, children: make(map[types.BlockId]struct{}), isFinal: true}
		if !hasFinal[thread] || g.latestFinalPeriod(thread) < block.Header.Slot.Period {
			g.latestFinal[thread] = id
			hasFinal[thread] = true
		}
	}
	for t, ok := range hasFinal {
		if !ok {
			return nil, fmt.Errorf("bootstrap carries no final block for thread %d", t)
		}
	}
	for id, ab := range g.active {
		for _, p := range ab.block.Header.Parents {
			if parent, ok := g.active[p]; ok {
				parent.children[id] = struct{}{}
			}
		}
	}
	g.currentSlot = bs.CurrentSlot

	active := append([]*types.Block(nil), bs.ActiveBlocks...)
	sort.Slice(active, func(i, j int) bool { return lessBlock(active[i], active[i].Id(), active[j], active[j].Id()) })
	for _, block := range active {
		status, err := g.process(block.Id(), block, types.StatusIncoming)
		if err != nil {
			return nil, fmt.Errorf("replay bootstrap block %s: %w", block.Id(), err)
		}
		if status != types.StatusActive {
			return nil, fmt.Errorf("replay bootstrap block %s: ended %s", block.Id(), status)
		}
	}
	g.recompute()
	g.pending = Update{}
	logx.Info("GRAPH", fmt.Sprintf("Bootstrapped graph at %s with %d final and %d active blocks", bs.CurrentSlot, len(bs.FinalBlocks), len(active)))
	return g, nil
}

package graph

import "github.com/mezonai/blockclique/types"

type explored struct {
	gen int
	id  types.BlockId
}

// incompatibilities returns every active block the given block conflicts with.
// Head conflicts are same-thread siblings (thread incompatibility) and blocks
// that skip each other across two threads (grandpa incompatibility). The block
// also inherits the conflicts of its parents, and a conflict with a block
// extends to all of its descendants.
func (g *Graph) incompatibilities(block *types.Block) blockSet {
	h := block.Header
	own := h.Slot.Thread
	ownParent := g.active[h.Parents[own]]
	head := make(blockSet)

	for childId := range ownParent.children {
		if g.active[childId].slot().Thread == own {
			head[childId] = struct{}{}
		}
	}

	for tau := uint8(0); tau < g.cfg.ThreadCount; tau++ {
		if tau == own {
			continue
		}
		stack := []explored{{gen: 0, id: h.Parents[tau]}}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			curBlock, ok := g.active[cur.id]
			if !ok {
				continue
			}
			// direct children of the parent in tau never skip the block
			if cur.gen > 1 {
				if seen, ok := g.active[curBlock.block.Header.Parents[own]]; ok && seen.slot().Period < ownParent.slot().Period {
					head[cur.id] = struct{}{}
					continue
				}
			}
			for childId := range curBlock.children {
				if g.active[childId].slot().Thread == tau {
					stack = append(stack, explored{gen: cur.gen + 1, id: childId})
				}
			}
		}
	}

	for _, p := range h.Parents {
		for other := range g.gi[p] {
			head[other] = struct{}{}
		}
	}

	result := make(blockSet, len(head))
	stack := make([]types.BlockId, 0, len(head))
	for id := range head {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := result[id]; done {
			continue
		}
		result[id] = struct{}{}
		for childId := range g.active[id].children {
			stack = append(stack, childId)
		}
	}
	return result
}

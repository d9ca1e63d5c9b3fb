package graph

import (
	"fmt"
	"sort"

	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// recompute brings cliques, stale blocks and the finality frontier to a fixed
// point, prunes old state and publishes a new snapshot.
func (g *Graph) recompute() {
	for {
		g.computeCliques()
		g.discardStale()
		if !g.advanceFinality() {
			break
		}
	}
	g.pruneFinal()
	g.pruneWaiting()

	ids := g.blockcliqueIds()
	if !equalIds(ids, g.lastClique) {
		g.pending.BlockcliqueChanged = true
		g.lastClique = ids
	}
	g.publish()
	g.diffWishlist(g.Snapshot().Wishlist)
}

// diffWishlist records the wishlist delta. A request cancelled before the
// update was drained is dropped instead of being reported twice.
func (g *Graph) diffWishlist(wishlist []types.BlockId) {
	current := make(blockSet, len(wishlist))
	for _, id := range wishlist {
		current[id] = struct{}{}
		if _, ok := g.lastWishlist[id]; !ok {
			g.pending.Requested = append(g.pending.Requested, id)
		}
	}
	for _, id := range sortedIds(g.lastWishlist) {
		if _, ok := current[id]; ok {
			continue
		}
		if i := indexOf(g.pending.Requested, id); i >= 0 {
			g.pending.Requested = append(g.pending.Requested[:i], g.pending.Requested[i+1:]...)
			continue
		}
		g.pending.Cancelled = append(g.pending.Cancelled, id)
	}
	g.lastWishlist = current
}

func indexOf(ids []types.BlockId, id types.BlockId) int {
	for i := range ids {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

// discardStale drops the cliques that fell more than delta_f0 behind the
// blockclique, and the blocks that belonged to no other clique.
func (g *Graph) discardStale() {
	best := g.fitnessOf(g.cliques[g.blockclique])
	bestClique := g.cliques[g.blockclique]
	kept := make(blockSet)
	var surviving [][]types.BlockId
	for _, clique := range g.cliques {
		if g.fitnessOf(clique)+g.cfg.DeltaF0 < best {
			continue
		}
		surviving = append(surviving, clique)
		for _, id := range clique {
			kept[id] = struct{}{}
		}
	}

	var stale []types.BlockId
	for id, ab := range g.active {
		if _, ok := kept[id]; !ok && !ab.isFinal {
			stale = append(stale, id)
		}
	}
	g.removeAndDiscard(stale, types.DiscardStale)

	g.cliques = surviving
	for i, clique := range surviving {
		if equalIds(clique, bestClique) {
			g.blockclique = i
		}
	}
}

// advanceFinality finalizes every block that is in all cliques and, in each
// clique, is followed by descendants worth at least delta_f0 of fitness
// covering every other thread. Ancestors are finalized with it and blocks
// incompatible with a final block are discarded.
func (g *Graph) advanceFinality() bool {
	common := make(map[types.BlockId]int)
	for _, clique := range g.cliques {
		for _, id := range clique {
			common[id]++
		}
	}
	cliqueSets := make([]blockSet, len(g.cliques))
	for i, clique := range g.cliques {
		cliqueSets[i] = make(blockSet, len(clique))
		for _, id := range clique {
			cliqueSets[i][id] = struct{}{}
		}
	}

	newlyFinal := make(blockSet)
	for id, count := range common {
		if count != len(g.cliques) {
			continue
		}
		confirmed := true
		for _, set := range cliqueSets {
			if !g.confirmedIn(id, set) {
				confirmed = false
				break
			}
		}
		if confirmed {
			newlyFinal[id] = struct{}{}
		}
	}
	if len(newlyFinal) == 0 {
		return false
	}

	stack := sortedIds(newlyFinal)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range g.active[id].block.Header.Parents {
			parent, ok := g.active[p]
			if !ok || parent.isFinal {
				continue
			}
			if _, done := newlyFinal[p]; !done {
				newlyFinal[p] = struct{}{}
				stack = append(stack, p)
			}
		}
	}

	incompatible := make(blockSet)
	for _, id := range sortedIds(newlyFinal) {
		ab := g.active[id]
		ab.isFinal = g.transition(id, types.StatusActive, types.EventFinalized) == types.StatusFinal
		g.pending.NewlyFinal = append(g.pending.NewlyFinal, ab.block)
		thread := ab.slot().Thread
		if ab.slot().Period > g.latestFinalPeriod(thread) {
			g.latestFinal[thread] = id
		}
		for other := range g.gi[id] {
			incompatible[other] = struct{}{}
		}
	}
	g.removeAndDiscard(sortedIds(incompatible), types.DiscardIncompatible)
	for id := range newlyFinal {
		delete(g.gi, id)
	}
	logx.Info("GRAPH", fmt.Sprintf("Finalized %d blocks, latest final periods %v", len(newlyFinal), g.latestFinalPeriods()))
	return true
}

// confirmedIn checks the descendants of a block that belong to the clique
func (g *Graph) confirmedIn(id types.BlockId, clique blockSet) bool {
	own := g.active[id].slot().Thread
	threads := make(map[uint8]struct{})
	var fitness uint64
	visited := make(blockSet)
	stack := []types.BlockId{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for childId := range g.active[cur].children {
			if _, ok := clique[childId]; !ok {
				continue
			}
			if _, done := visited[childId]; done {
				continue
			}
			visited[childId] = struct{}{}
			child := g.active[childId]
			fitness += child.block.Fitness()
			threads[child.slot().Thread] = struct{}{}
			stack = append(stack, childId)
		}
	}
	if fitness < g.cfg.DeltaF0 {
		return false
	}
	for t := uint8(0); t < g.cfg.ThreadCount; t++ {
		if _, ok := threads[t]; !ok && t != own {
			return false
		}
	}
	return true
}

func (g *Graph) removeAndDiscard(ids []types.BlockId, reason types.DiscardReason) {
	sort.Slice(ids, func(i, j int) bool {
		return lessBlock(g.active[ids[i]].block, ids[i], g.active[ids[j]].block, ids[j])
	})
	for _, id := range ids {
		slot := g.active[id].slot()
		g.removeActive(id)
		g.discard(id, slot, reason)
	}
}

// pruneFinal forgets final blocks more than force_keep_final_periods behind the
// latest final block of their thread. The latest final block is always kept.
func (g *Graph) pruneFinal() {
	var pruned []types.BlockId
	for id, ab := range g.active {
		thread := ab.slot().Thread
		if !ab.isFinal || id == g.latestFinal[thread] {
			continue
		}
		if ab.slot().Period+g.cfg.ForceKeepFinalPeriods < g.latestFinalPeriod(thread) {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		for _, p := range g.active[id].block.Header.Parents {
			if parent, ok := g.active[p]; ok {
				delete(parent.children, id)
			}
		}
		delete(g.active, id)
	}
	if len(pruned) > 0 {
		logx.Debug("GRAPH", fmt.Sprintf("Pruned %d old final blocks", len(pruned)))
	}
}

// pruneWaiting discards waiting blocks that can no longer become active
func (g *Graph) pruneWaiting() {
	var stale []*waitingBlock
	for _, wb := range g.waitingSlot {
		if wb.block.Header.Slot.Period <= g.latestFinalPeriod(wb.block.Header.Slot.Thread) {
			stale = append(stale, wb)
		}
	}
	for _, wb := range g.waitingDeps {
		if wb.block.Header.Slot.Period <= g.latestFinalPeriod(wb.block.Header.Slot.Thread) {
			stale = append(stale, wb)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return lessBlock(stale[i].block, stale[i].id, stale[j].block, stale[j].id) })
	for _, wb := range stale {
		if status := g.statusOf(wb.id); status == types.StatusDiscarded {
			continue
		}
		g.discard(wb.id, wb.block.Header.Slot, types.DiscardStale)
	}
}

func (g *Graph) latestFinalPeriods() []uint64 {
	periods := make([]uint64, len(g.latestFinal))
	for t := range g.latestFinal {
		periods[t] = g.latestFinalPeriod(uint8(t))
	}
	return periods
}

func equalIds(a, b []types.BlockId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

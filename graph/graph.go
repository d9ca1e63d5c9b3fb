package graph

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// Selector is the part of the draw service the graph validates blocks against
type Selector interface {
	GetProducer(slot types.Slot) (types.Address, error)
	GetEndorsers(slot types.Slot) ([]types.Address, error)
}

type activeBlock struct {
	id       types.BlockId
	block    *types.Block
	children map[types.BlockId]struct{}
	isFinal  bool
}

func (ab *activeBlock) slot() types.Slot {
	return ab.block.Header.Slot
}

type waitingBlock struct {
	id      types.BlockId
	block   *types.Block
	seq     uint64
	missing map[types.BlockId]struct{}
}

type blockSet map[types.BlockId]struct{}

// Graph is the multi-thread block DAG. All mutations go through Submit and
// Tick from a single goroutine; reads go through the published Snapshot.
type Graph struct {
	cfg      config.ConsensusConfig
	selector Selector

	currentSlot types.Slot
	seq         uint64

	active map[types.BlockId]*activeBlock
	// gi holds the incompatibility sets of non-final active blocks
	gi          map[types.BlockId]blockSet
	waitingSlot map[types.BlockId]*waitingBlock
	waitingDeps map[types.BlockId]*waitingBlock
	// dependents maps a missing parent to the blocks waiting on it
	dependents   map[types.BlockId]blockSet
	discarded    map[types.BlockId]DiscardedBlock
	discardOrder []types.BlockId

	latestFinal []types.BlockId
	cliques     [][]types.BlockId
	blockclique int

	pending      Update
	lastClique   []types.BlockId
	lastWishlist blockSet
	snapshot     atomic.Pointer[Snapshot]
	genesisBlock []*types.Block
}

// New builds a graph holding one final genesis block per thread
func New(cfg config.ConsensusConfig, selector Selector, genesisCreator types.Address) *Graph {
	g := &Graph{
		cfg:         cfg,
		selector:    selector,
		active:      make(map[types.BlockId]*activeBlock),
		gi:          make(map[types.BlockId]blockSet),
		waitingSlot: make(map[types.BlockId]*waitingBlock),
		waitingDeps: make(map[types.BlockId]*waitingBlock),
		dependents:  make(map[types.BlockId]blockSet),
		discarded:   make(map[types.BlockId]DiscardedBlock),
		latestFinal: make([]types.BlockId, cfg.ThreadCount),
		cliques:     [][]types.BlockId{{}},
	}
	for t := uint8(0); t < cfg.ThreadCount; t++ {
		genesis := types.NewGenesisBlock(t, genesisCreator)
		id := genesis.Id()
		g.active[id] = &activeBlock{id: id, block: genesis, children: make(map[types.BlockId]struct{}), isFinal: true}
		g.latestFinal[t] = id
		g.genesisBlock = append(g.genesisBlock, genesis)
	}
	g.publish()
	return g
}

// GenesisBlocks returns the genesis block of every thread, in thread order
func (g *Graph) GenesisBlocks() []*types.Block {
	return append([]*types.Block(nil), g.genesisBlock...)
}

func (g *Graph) latestFinalPeriod(thread uint8) uint64 {
	return g.active[g.latestFinal[thread]].slot().Period
}

func (g *Graph) statusOf(id types.BlockId) types.BlockStatus {
	if ab, ok := g.active[id]; ok {
		if ab.isFinal {
			return types.StatusFinal
		}
		return types.StatusActive
	}
	if _, ok := g.waitingSlot[id]; ok {
		return types.StatusWaitingForSlot
	}
	if _, ok := g.waitingDeps[id]; ok {
		return types.StatusWaitingForDependencies
	}
	if _, ok := g.discarded[id]; ok {
		return types.StatusDiscarded
	}
	return types.StatusUnknown
}

// Submit classifies a block, inserts it, promotes the blocks it unblocks and
// recomputes the blockclique and the finality frontier.
// A non-nil error on a Discarded status explains the discard; a fatal error
// leaves the graph untouched.
func (g *Graph) Submit(block *types.Block) (types.BlockStatus, error) {
	id := block.Id()
	if status := g.statusOf(id); status != types.StatusUnknown {
		return status, nil
	}

	_, err := g.process(id, block, types.StatusIncoming)
	if cerrors.IsFatal(err) {
		return types.StatusUnknown, err
	}
	g.recompute()
	// recompute may have finalized or discarded the block already
	return g.statusOf(id), err
}

// Tick advances local time and promotes blocks whose slot has arrived
func (g *Graph) Tick(now types.Slot) error {
	if !g.currentSlot.Less(now) {
		return nil
	}
	g.currentSlot = now

	var ready []*waitingBlock
	for _, wb := range g.waitingSlot {
		if !now.Less(wb.block.Header.Slot) {
			ready = append(ready, wb)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return lessBlock(ready[i].block, ready[i].id, ready[j].block, ready[j].id) })
	for _, wb := range ready {
		delete(g.waitingSlot, wb.id)
		if _, err := g.process(wb.id, wb.block, types.StatusWaitingForSlot); cerrors.IsFatal(err) {
			return err
		}
	}
	g.recompute()
	return nil
}

// DrainUpdate returns the changes accumulated since the previous call
func (g *Graph) DrainUpdate() Update {
	u := g.pending
	g.pending = Update{}
	sort.Slice(u.NewlyFinal, func(i, j int) bool {
		return lessBlock(u.NewlyFinal[i], u.NewlyFinal[i].Id(), u.NewlyFinal[j], u.NewlyFinal[j].Id())
	})
	for _, id := range g.blockcliqueIds() {
		u.Blockclique = append(u.Blockclique, g.active[id].block)
	}
	return u
}

// process runs the classification state machine for one block and then for
// every waiting block it unblocks, breadth first.
func (g *Graph) process(id types.BlockId, block *types.Block, from types.BlockStatus) (types.BlockStatus, error) {
	status, err := g.classify(id, block, from)
	if status != types.StatusActive {
		return status, err
	}

	queue := []types.BlockId{id}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		waiting := g.dependents[parent]
		delete(g.dependents, parent)
		for _, childId := range sortedIds(waiting) {
			wb, ok := g.waitingDeps[childId]
			if !ok {
				continue
			}
			delete(wb.missing, parent)
			if len(wb.missing) > 0 {
				continue
			}
			delete(g.waitingDeps, childId)
			childStatus, childErr := g.classify(childId, wb.block, types.StatusWaitingForDependencies)
			if cerrors.IsFatal(childErr) {
				return status, childErr
			}
			if childStatus == types.StatusActive {
				queue = append(queue, childId)
			}
		}
	}
	return status, err
}

func (g *Graph) transition(id types.BlockId, from types.BlockStatus, ev types.StatusEvent) types.BlockStatus {
	to, ok := types.Transition(from, ev)
	if !ok {
		logx.Warn("GRAPH", fmt.Sprintf("Illegal transition %s --%s--> for block %s", from, ev, id))
	}
	return to
}

func (g *Graph) classify(id types.BlockId, block *types.Block, from types.BlockStatus) (types.BlockStatus, error) {
	slot := block.Header.Slot
	if err := g.checkStructure(block); err != nil {
		g.discard(id, slot, types.DiscardInvalid)
		return g.transition(id, from, types.EventInvalid), err
	}
	if slot.Period > g.currentSlot.Period+g.cfg.FutureBlockProcessingMaxPeriods {
		g.discard(id, slot, types.DiscardTooFarInFuture)
		return g.transition(id, from, types.EventInvalid), cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgTooFarInFuture)
	}
	if slot.Period <= g.latestFinalPeriod(slot.Thread) {
		g.discard(id, slot, types.DiscardStale)
		return g.transition(id, from, types.EventInvalid), cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgStale)
	}
	if g.currentSlot.Less(slot) {
		g.waitForSlot(&waitingBlock{id: id, block: block, seq: g.nextSeq()})
		return g.transition(id, from, types.EventSlotInFuture), nil
	}

	missing := make(blockSet)
	for _, p := range block.Header.Parents {
		if _, ok := g.discarded[p]; ok {
			g.discard(id, slot, types.DiscardInvalidParent)
			return g.transition(id, from, types.EventInvalid), cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidParent)
		}
		if _, ok := g.active[p]; !ok {
			missing[p] = struct{}{}
		}
	}
	if len(missing) > 0 {
		g.waitForDependencies(&waitingBlock{id: id, block: block, seq: g.nextSeq(), missing: missing})
		return g.transition(id, from, types.EventMissingDependencies), nil
	}

	reason, err := g.checkAgainstGraph(id, block)
	if err != nil {
		if cerrors.IsFatal(err) {
			return from, err
		}
		g.discard(id, slot, reason)
		return g.transition(id, from, types.EventInvalid), err
	}
	return g.transition(id, from, types.EventReady), nil
}

func (g *Graph) nextSeq() uint64 {
	g.seq++
	return g.seq
}

// waitForSlot buffers a future block; beyond capacity the furthest slot is dropped
func (g *Graph) waitForSlot(wb *waitingBlock) {
	g.waitingSlot[wb.id] = wb
	if len(g.waitingSlot) <= g.cfg.MaxFutureProcessingBlocks {
		return
	}
	var furthest *waitingBlock
	for _, cand := range g.waitingSlot {
		if furthest == nil || lessBlock(furthest.block, furthest.id, cand.block, cand.id) {
			furthest = cand
		}
	}
	delete(g.waitingSlot, furthest.id)
	logx.Debug("GRAPH", fmt.Sprintf("Dropped future block %s at %s, buffer full", furthest.id, furthest.block.Header.Slot))
}

// waitForDependencies records the block in the dependency table; beyond
// capacity the oldest waiting block is evicted and reported.
func (g *Graph) waitForDependencies(wb *waitingBlock) {
	g.waitingDeps[wb.id] = wb
	for p := range wb.missing {
		if g.dependents[p] == nil {
			g.dependents[p] = make(blockSet)
		}
		g.dependents[p][wb.id] = struct{}{}
	}
	for len(g.waitingDeps) > g.cfg.MaxDependencyBlocks {
		var oldest *waitingBlock
		for _, cand := range g.waitingDeps {
			if oldest == nil || cand.seq < oldest.seq {
				oldest = cand
			}
		}
		g.forgetWaiting(oldest)
		g.pending.Evicted = append(g.pending.Evicted, oldest.id)
		logx.Warn("GRAPH", fmt.Sprintf("Evicted block %s from dependency table: %s", oldest.id, cerrors.ErrMsgDependencyEvicted))
	}
}

func (g *Graph) forgetWaiting(wb *waitingBlock) {
	delete(g.waitingDeps, wb.id)
	for p := range wb.missing {
		if deps, ok := g.dependents[p]; ok {
			delete(deps, wb.id)
			if len(deps) == 0 {
				delete(g.dependents, p)
			}
		}
	}
}

// discard moves a block to the bounded discarded cache and cascades to every
// block waiting on it.
func (g *Graph) discard(id types.BlockId, slot types.Slot, reason types.DiscardReason) {
	stack := []DiscardedBlock{{Id: id, Slot: slot, Reason: reason}}
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := g.discarded[d.Id]; ok {
			continue
		}
		if wb, ok := g.waitingDeps[d.Id]; ok {
			g.forgetWaiting(wb)
		}
		delete(g.waitingSlot, d.Id)
		g.discarded[d.Id] = d
		g.discardOrder = append(g.discardOrder, d.Id)
		g.pending.Discarded = append(g.pending.Discarded, d)
		logx.Debug("GRAPH", fmt.Sprintf("Discarded block %s at %s: %s", d.Id, d.Slot, d.Reason))

		for _, childId := range sortedIds(g.dependents[d.Id]) {
			if wb, ok := g.waitingDeps[childId]; ok {
				stack = append(stack, DiscardedBlock{Id: childId, Slot: wb.block.Header.Slot, Reason: types.DiscardInvalidParent})
			}
		}
		delete(g.dependents, d.Id)
	}
	for len(g.discardOrder) > g.cfg.MaxDiscardedBlocks {
		delete(g.discarded, g.discardOrder[0])
		g.discardOrder = g.discardOrder[1:]
	}
}

// checkStructure runs the checks that need nothing but the block itself
func (g *Graph) checkStructure(block *types.Block) error {
	h := block.Header
	if h.Slot.Thread >= g.cfg.ThreadCount {
		return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidThread)
	}
	if h.Slot.Period == 0 {
		return cerrors.NewError(cerrors.KindValidation, "period 0 is reserved for genesis blocks")
	}
	if len(h.Parents) != int(g.cfg.ThreadCount) {
		return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidParentCount)
	}
	if len(block.Operations) > g.cfg.MaxOperationsPerBlock {
		return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgTooManyOperations)
	}
	if len(h.Endorsements) > g.cfg.EndorsementCount {
		return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgTooManyEndorsements)
	}
	if types.ComputeOperationMerkleRoot(block.Operations) != h.OperationMerkleRoot {
		return cerrors.NewError(cerrors.KindValidation, "operation merkle root mismatch")
	}
	seen := make(map[types.OperationId]struct{}, len(block.Operations))
	for i := range block.Operations {
		op := &block.Operations[i]
		if op.Thread(g.cfg.ThreadCount) != h.Slot.Thread {
			return cerrors.Newf(cerrors.KindValidation, "operation %d belongs to another thread", i)
		}
		if !op.IsValidAt(h.Slot.Period) {
			return cerrors.Newf(cerrors.KindValidation, "operation %d is outside its validity window", i)
		}
		if op.MissingRecipient() {
			return cerrors.Newf(cerrors.KindValidation, "operation %d: %s", i, cerrors.ErrMsgMissingRecipient)
		}
		opId := op.Id()
		if _, dup := seen[opId]; dup {
			return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgDuplicateOperation)
		}
		seen[opId] = struct{}{}
	}
	return nil
}

// checkAgainstGraph runs the checks that need every parent to be active and
// computes the incompatibilities of the block. It inserts the block on success.
func (g *Graph) checkAgainstGraph(id types.BlockId, block *types.Block) (types.DiscardReason, error) {
	h := block.Header
	for t, p := range h.Parents {
		parent := g.active[p].slot()
		if parent.Thread != uint8(t) || !parent.Less(h.Slot) {
			return types.DiscardInvalid, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgParentSlotNotBefore)
		}
	}
	// parents must be topologically consistent: no parent may see a newer block
	// of a thread than the parent chosen for that thread
	for _, p := range h.Parents {
		for t, gp := range g.active[p].block.Header.Parents {
			gpBlock, ok := g.active[gp]
			if !ok {
				continue
			}
			if gpBlock.slot().Period > g.active[h.Parents[t]].slot().Period {
				return types.DiscardInvalid, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgIncompatibleParents)
			}
		}
	}

	producer, err := g.selector.GetProducer(h.Slot)
	if err != nil {
		return types.DiscardInvalid, err
	}
	if producer != h.Creator {
		return types.DiscardInvalid, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgWrongProducer)
	}
	if err := g.checkEndorsements(block); err != nil {
		return types.DiscardInvalid, err
	}

	incompatible := g.incompatibilities(block)
	for _, p := range h.Parents {
		if _, ok := incompatible[p]; ok {
			return types.DiscardInvalid, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgIncompatibleParents)
		}
	}
	for other := range incompatible {
		if g.active[other].isFinal {
			return types.DiscardIncompatible, cerrors.NewError(cerrors.KindValidation, "block conflicts with a final block")
		}
	}

	g.insert(id, block, incompatible)
	return 0, nil
}

func (g *Graph) checkEndorsements(block *types.Block) error {
	h := block.Header
	if len(h.Endorsements) == 0 {
		return nil
	}
	ownParent := g.active[h.Parents[h.Slot.Thread]]
	endorsers, err := g.selector.GetEndorsers(ownParent.slot())
	if err != nil {
		return err
	}
	seen := make(map[uint32]struct{}, len(h.Endorsements))
	for _, e := range h.Endorsements {
		if e.Slot != ownParent.slot() || e.EndorsedBlock != ownParent.id {
			return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidEndorsement)
		}
		if int(e.Index) >= len(endorsers) || endorsers[e.Index] != e.Endorser {
			return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgWrongEndorser)
		}
		if _, dup := seen[e.Index]; dup {
			return cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidEndorsement)
		}
		seen[e.Index] = struct{}{}
	}
	return nil
}

func (g *Graph) insert(id types.BlockId, block *types.Block, incompatible blockSet) {
	g.active[id] = &activeBlock{id: id, block: block, children: make(map[types.BlockId]struct{})}
	for _, p := range block.Header.Parents {
		g.active[p].children[id] = struct{}{}
	}
	g.gi[id] = incompatible
	for other := range incompatible {
		g.gi[other][id] = struct{}{}
	}
	g.pending.Integrated = append(g.pending.Integrated, block)
	logx.Debug("GRAPH", fmt.Sprintf("Integrated block %s at %s with %d incompatibilities", id, block.Header.Slot, len(incompatible)))
}

// removeActive drops a non-final block from the arena and every index
func (g *Graph) removeActive(id types.BlockId) {
	ab, ok := g.active[id]
	if !ok {
		return
	}
	for _, p := range ab.block.Header.Parents {
		if parent, ok := g.active[p]; ok {
			delete(parent.children, id)
		}
	}
	for other := range g.gi[id] {
		delete(g.gi[other], id)
	}
	delete(g.gi, id)
	delete(g.active, id)
}

func lessBlock(a *types.Block, aid types.BlockId, b *types.Block, bid types.BlockId) bool {
	if c := a.Header.Slot.Compare(b.Header.Slot); c != 0 {
		return c < 0
	}
	return lessId(aid, bid)
}

func lessId(a, b types.BlockId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func sortedIds(set blockSet) []types.BlockId {
	ids := make([]types.BlockId, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessId(ids[i], ids[j]) })
	return ids
}

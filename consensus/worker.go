package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/events"
	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/monitoring"
	"github.com/mezonai/blockclique/pool"
	"github.com/mezonai/blockclique/types"
)

var ErrWorkerStopped = errors.New("consensus worker stopped")

// BlockcliqueSink receives the newly final blocks and the current blockclique
type BlockcliqueSink interface {
	UpdateBlockclique(final map[types.Slot]*types.Block, blockclique map[types.Slot]*types.Block)
}

// SpeculativeState exposes the ledger as executed up to the execution cursor
type SpeculativeState interface {
	SpeculativeView() *ledger.LedgerView
}

type submitResult struct {
	status types.BlockStatus
	err    error
}

type submitRequest struct {
	block *types.Block
	reply chan submitResult
}

// Worker owns the block graph. Every graph mutation happens on the Run
// goroutine; readers go through graph snapshots.
type Worker struct {
	cfg          config.ConsensusConfig
	genesisTime  time.Time
	localAddress types.Address
	now          func() time.Time
	rollPrice    uint64
	batchSize    int

	graph    *graph.Graph
	selector graph.Selector
	pool     *pool.Pool
	state    SpeculativeState
	sink     BlockcliqueSink
	router   *events.EventRouter

	requests chan submitRequest
	done     chan struct{}

	lastSlot types.Slot
	started  bool
}

func NewWorker(
	cfg *config.Config,
	genesisTime time.Time,
	localAddress types.Address,
	g *graph.Graph,
	selector graph.Selector,
	p *pool.Pool,
	state SpeculativeState,
	sink BlockcliqueSink,
	router *events.EventRouter,
) *Worker {
	return &Worker{
		cfg:          cfg.Consensus,
		genesisTime:  genesisTime,
		localAddress: localAddress,
		now:          time.Now,
		rollPrice:    cfg.Execution.RollPrice,
		batchSize:    cfg.Pool.OperationBatchSize,
		graph:        g,
		selector:     selector,
		pool:         p,
		state:        state,
		sink:         sink,
		router:       router,
		requests:     make(chan submitRequest),
		done:         make(chan struct{}),
	}
}

// Run ticks once per slot and serves block submissions until ctx is done or
// the graph reports a fatal error.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.T0 / time.Duration(w.cfg.ThreadCount))
	defer ticker.Stop()

	w.propagate()
	if err := w.onTick(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			logx.Info("CONSENSUS", "Worker stopping")
			return nil
		case <-ticker.C:
			if err := w.onTick(); err != nil {
				logx.Error("CONSENSUS", "Fatal error on slot tick:", err)
				return err
			}
		case req := <-w.requests:
			status, err := w.submit(req.block)
			req.reply <- submitResult{status: status, err: err}
			if cerrors.IsFatal(err) {
				logx.Error("CONSENSUS", "Fatal error on block submission:", err)
				return err
			}
		}
	}
}

// SubmitBlock hands a received block to the graph and waits for its status
func (w *Worker) SubmitBlock(ctx context.Context, block *types.Block) (types.BlockStatus, error) {
	req := submitRequest{block: block, reply: make(chan submitResult, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return types.StatusUnknown, ErrWorkerStopped
	case <-ctx.Done():
		return types.StatusUnknown, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.status, res.err
	case <-ctx.Done():
		return types.StatusUnknown, ctx.Err()
	}
}

// SubmitOperations adds operations to the pool, one error slot per operation
func (w *Worker) SubmitOperations(ops []types.Operation) []error {
	return w.pool.AddOperations(ops)
}

// SubmitEndorsements adds endorsements to the pool
func (w *Worker) SubmitEndorsements(es []types.Endorsement) []error {
	return w.pool.AddEndorsements(es)
}

func (w *Worker) onTick() error {
	slot, ok := types.SlotAt(w.now(), w.cfg.ThreadCount, w.cfg.T0, w.genesisTime)
	if !ok {
		return nil
	}
	if w.started && !w.lastSlot.Less(slot) {
		return nil
	}
	return w.handleSlot(slot)
}

func (w *Worker) handleSlot(slot types.Slot) error {
	w.lastSlot, w.started = slot, true
	if err := w.graph.Tick(slot); err != nil {
		return err
	}
	w.pool.UpdateCurrentSlot(slot)
	w.propagate()
	if slot.Period == 0 {
		return nil
	}
	if err := w.createBlock(slot); err != nil {
		return err
	}
	w.propagate()
	return nil
}

func (w *Worker) submit(block *types.Block) (types.BlockStatus, error) {
	status, err := w.graph.Submit(block)
	if err != nil && !cerrors.IsFatal(err) {
		logx.Warn("CONSENSUS", fmt.Sprintf("Block %s at %s is %s: %s", block.Id(), block.Header.Slot, status, cerrors.MessageOf(err)))
	}
	w.propagate()
	return status, err
}

// createBlock produces the block of slot when the local address is drawn
func (w *Worker) createBlock(slot types.Slot) error {
	if w.cfg.DisableBlockCreation || w.localAddress == "" {
		return nil
	}
	producer, err := w.selector.GetProducer(slot)
	if err != nil {
		if cerrors.IsFatal(err) {
			return err
		}
		logx.Warn("CONSENSUS", fmt.Sprintf("No draw for slot %s: %v", slot, err))
		return nil
	}
	if producer != w.localAddress {
		return nil
	}

	parents := w.graph.GetBestParents()
	endorsements, err := w.endorsementsFor(parents[slot.Thread])
	if err != nil {
		return err
	}
	ops := w.selectOperations(slot)
	block := types.AssembleBlock(slot, parents, w.localAddress, endorsements, ops)

	status, err := w.graph.Submit(block)
	if cerrors.IsFatal(err) {
		return err
	}
	if err != nil {
		logx.Error("CONSENSUS", fmt.Sprintf("Own block %s at %s rejected: %s", block.Id(), slot, cerrors.MessageOf(err)))
		return nil
	}
	monitoring.IncreaseCreatedBlocks()
	logx.Info("CONSENSUS", fmt.Sprintf("Created block %s at %s with %d operations and %d endorsements, status %s",
		block.Id(), slot, len(ops), len(endorsements), status))
	return nil
}

// selectOperations keeps, in fee order, the pooled candidates that pay their
// fee and execute on top of the speculative ledger
func (w *Worker) selectOperations(slot types.Slot) []types.Operation {
	candidates := w.pool.PullOperations(slot, w.batchSize)
	if w.state == nil {
		if len(candidates) > w.cfg.MaxOperationsPerBlock {
			candidates = candidates[:w.cfg.MaxOperationsPerBlock]
		}
		return candidates
	}
	view := w.state.SpeculativeView()
	ops := make([]types.Operation, 0, len(candidates))
	for i := range candidates {
		if len(ops) == w.cfg.MaxOperationsPerBlock {
			break
		}
		op := &candidates[i]
		before := view.Snapshot()
		err := view.PayFee(op, w.localAddress)
		if err == nil {
			err = view.ApplyOperation(op, w.rollPrice)
		}
		if err == nil {
			ops = append(ops, *op)
			continue
		}
		view.Restore(before)
		if !cerrors.IsKind(err, cerrors.KindExecution) {
			logx.Warn("CONSENSUS", fmt.Sprintf("Stopped filling block at %s: %v", slot, err))
			break
		}
		logx.Debug("CONSENSUS", fmt.Sprintf("Skipping operation %s at %s: %s", op.Id(), slot, cerrors.MessageOf(err)))
	}
	return ops
}

// endorsementsFor picks, per endorser index, one pooled endorsement of the
// own-thread parent that matches the draw of its slot
func (w *Worker) endorsementsFor(parentId types.BlockId) ([]types.Endorsement, error) {
	if w.cfg.EndorsementCount == 0 {
		return nil, nil
	}
	parent, _, ok := w.graph.GetActiveBlock(parentId)
	if !ok {
		return nil, nil
	}
	parentSlot := parent.Header.Slot
	endorsers, err := w.selector.GetEndorsers(parentSlot)
	if err != nil {
		if cerrors.IsFatal(err) {
			return nil, err
		}
		return nil, nil
	}
	var out []types.Endorsement
	taken := make(map[uint32]struct{})
	for _, e := range w.pool.PullEndorsements(parentSlot, w.cfg.EndorsementCount*2) {
		if e.EndorsedBlock != parentId || int(e.Index) >= len(endorsers) || endorsers[e.Index] != e.Endorser {
			continue
		}
		if _, dup := taken[e.Index]; dup {
			continue
		}
		taken[e.Index] = struct{}{}
		out = append(out, e)
		if len(out) == w.cfg.EndorsementCount {
			break
		}
	}
	return out, nil
}

// endorse pools an endorsement of block for every index the local address holds
func (w *Worker) endorse(block *types.Block) {
	if w.cfg.DisableBlockCreation || w.localAddress == "" || w.cfg.EndorsementCount == 0 {
		return
	}
	slot := block.Header.Slot
	endorsers, err := w.selector.GetEndorsers(slot)
	if err != nil {
		logx.Warn("CONSENSUS", fmt.Sprintf("No endorsement draw for slot %s: %v", slot, err))
		return
	}
	var own []types.Endorsement
	for i, addr := range endorsers {
		if addr == w.localAddress {
			own = append(own, types.Endorsement{Slot: slot, Index: uint32(i), Endorser: addr, EndorsedBlock: block.Id()})
		}
	}
	if len(own) == 0 {
		return
	}
	for _, err := range w.pool.AddEndorsements(own) {
		if err != nil {
			logx.Warn("CONSENSUS", fmt.Sprintf("Own endorsement of %s dropped: %s", block.Id(), cerrors.MessageOf(err)))
		}
	}
}

// propagate forwards what changed in the graph to the executor, the pool,
// the event bus and the metrics
func (w *Worker) propagate() {
	u := w.graph.DrainUpdate()
	if u.IsEmpty() {
		return
	}

	if len(u.NewlyFinal) > 0 || u.BlockcliqueChanged {
		final := make(map[types.Slot]*types.Block, len(u.NewlyFinal))
		for _, block := range u.NewlyFinal {
			final[block.Header.Slot] = block
		}
		clique := make(map[types.Slot]*types.Block, len(u.Blockclique))
		var included []types.OperationId
		for _, block := range u.Blockclique {
			clique[block.Header.Slot] = block
			included = append(included, block.OperationIds()...)
		}
		w.sink.UpdateBlockclique(final, clique)
		w.pool.NotifyIncluded(included)
	}

	if len(u.NewlyFinal) > 0 {
		var finalOps []types.OperationId
		now := w.now()
		for _, block := range u.NewlyFinal {
			finalOps = append(finalOps, block.OperationIds()...)
			if !block.IsGenesis() {
				started := types.SlotTimestamp(block.Header.Slot, w.cfg.ThreadCount, w.cfg.T0, w.genesisTime)
				monitoring.RecordTimeToFinality(now.Sub(started))
			}
		}
		w.pool.NotifyFinal(finalOps)
		periods := w.graph.LatestFinalPeriods()
		w.pool.UpdateLatestFinalPeriods(periods)
		monitoring.SetFinalPeriods(periods)
		monitoring.AddFinalizedBlocks(len(u.NewlyFinal))
	}

	for _, block := range u.Integrated {
		w.endorse(block)
	}
	for _, d := range u.Discarded {
		monitoring.RecordDiscardedBlock(d.Reason.String())
	}
	monitoring.AddIntegratedBlocks(len(u.Integrated))
	monitoring.SetBlockcliqueSize(len(u.Blockclique))
	monitoring.SetCliqueCount(w.graph.Snapshot().CliqueCount)

	if w.router != nil {
		w.router.PublishGraphUpdate(u)
	}
}

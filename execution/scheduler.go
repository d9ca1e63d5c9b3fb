package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/events"
	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/monitoring"
	"github.com/mezonai/blockclique/selector"
	"github.com/mezonai/blockclique/types"
)

const metaStateHash = "state_hash"

// SelectorFeeder receives the inputs of the cycles drawn in the future
type SelectorFeeder interface {
	FeedCycle(cycle uint64, inputs selector.CycleInputs) error
}

// EventPublisher receives a SlotExecuted event per executed slot
type EventPublisher interface {
	Publish(event events.ConsensusEvent)
}

// Scheduler executes the final slots on the final ledger and the blockclique
// slots speculatively on top of it. It is the single writer of the ledger.
type Scheduler struct {
	cfg           config.ExecutionConfig
	threadCount   uint8
	t0            time.Duration
	genesisTime   time.Time
	flushInterval time.Duration
	cycles        cycleFeeder
	now           func() time.Time

	ledger    *ledger.Ledger
	publisher EventPublisher

	inputMu      sync.Mutex
	finalBlocks  map[types.Slot]*types.Block
	finalPeriods []uint64
	blockclique  map[types.Slot]*types.Block
	wake         chan struct{}

	// mu guards the execution state below against concurrent readers
	mu          sync.RWMutex
	lastFinal   types.Slot
	history     []executedSlot
	finalOps    map[types.OperationId]uint64
	finalEvents *eventRing
	stateHash   [32]byte
	halted      error

	readonly chan *readonlyRequest
}

// New starts from the final slot of the ledger, which must already hold the genesis state
func New(cfg *config.Config, genesisTime time.Time, l *ledger.Ledger, feeder SelectorFeeder, publisher EventPublisher) (*Scheduler, error) {
	finalSlot, ok := l.FinalSlot()
	if !ok {
		return nil, fmt.Errorf("ledger has no final state, genesis must be initialized first")
	}
	s := &Scheduler{
		cfg:           cfg.Execution,
		threadCount:   cfg.Consensus.ThreadCount,
		t0:            cfg.Consensus.T0,
		genesisTime:   genesisTime,
		flushInterval: cfg.Ledger.FlushInterval,
		cycles: cycleFeeder{
			feeder:          feeder,
			periodsPerCycle: cfg.Selector.PeriodsPerCycle,
			lookback:        cfg.Selector.LookbackCycles,
			threadCount:     cfg.Consensus.ThreadCount,
		},
		now:          time.Now,
		ledger:       l,
		publisher:    publisher,
		finalBlocks:  make(map[types.Slot]*types.Block),
		finalPeriods: make([]uint64, cfg.Consensus.ThreadCount),
		blockclique:  make(map[types.Slot]*types.Block),
		wake:         make(chan struct{}, 1),
		lastFinal:    finalSlot,
		finalOps:     make(map[types.OperationId]uint64),
		finalEvents:  newEventRing(cfg.Execution.MaxFinalEvents),
		readonly:     make(chan *readonlyRequest, cfg.Execution.ReadonlyQueueLength),
	}
	raw, err := l.GetMetadata(metaStateHash)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if err := jsonx.Unmarshal(raw, &s.stateHash); err != nil {
			return nil, fmt.Errorf("invalid persisted state hash: %w", err)
		}
	}
	if err := s.cycles.restoreSeed(l); err != nil {
		return nil, err
	}
	logx.Info("EXECUTION", fmt.Sprintf("Scheduler starting after final slot %s", finalSlot))
	return s, nil
}

// UpdateBlockclique hands the newly final blocks and the current non-final
// blockclique to the scheduler. It never blocks.
func (s *Scheduler) UpdateBlockclique(final map[types.Slot]*types.Block, blockclique map[types.Slot]*types.Block) {
	s.inputMu.Lock()
	for slot, block := range final {
		s.finalBlocks[slot] = block
		if slot.Period > s.finalPeriods[slot.Thread] {
			s.finalPeriods[slot.Thread] = slot.Period
		}
	}
	s.blockclique = make(map[types.Slot]*types.Block, len(blockclique))
	for slot, block := range blockclique {
		s.blockclique[slot] = block
	}
	s.inputMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is done or a store failure halts it
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.t0 / time.Duration(s.threadCount))
	defer ticker.Stop()
	var flush <-chan time.Time
	if s.flushInterval > 0 {
		flushTicker := time.NewTicker(s.flushInterval)
		defer flushTicker.Stop()
		flush = flushTicker.C
	}

	for {
		if err := s.step(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			if err := s.ledger.Flush(); err != nil {
				logx.Error("EXECUTION", "Final flush failed: ", err)
			}
			return nil
		case <-s.wake:
		case <-ticker.C:
		case <-flush:
			if err := s.ledger.Flush(); err != nil {
				s.halt(err)
				return err
			}
		case req := <-s.readonly:
			s.serveReadonly(req)
		}
	}
}

// inputs is a consistent copy of what the graph handed over
type inputs struct {
	final        map[types.Slot]*types.Block
	finalPeriods []uint64
	blockclique  map[types.Slot]*types.Block
	// highest period holding a known block, per thread
	tips []uint64
}

func (s *Scheduler) snapshotInputs() *inputs {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	in := &inputs{
		final:        make(map[types.Slot]*types.Block, len(s.finalBlocks)),
		finalPeriods: append([]uint64(nil), s.finalPeriods...),
		blockclique:  make(map[types.Slot]*types.Block, len(s.blockclique)),
		tips:         append([]uint64(nil), s.finalPeriods...),
	}
	for slot, block := range s.finalBlocks {
		in.final[slot] = block
	}
	for slot, block := range s.blockclique {
		in.blockclique[slot] = block
		if slot.Period > in.tips[slot.Thread] {
			in.tips[slot.Thread] = slot.Period
		}
	}
	return in
}

func (in *inputs) blockAt(slot types.Slot) *types.Block {
	if block, ok := in.final[slot]; ok {
		return block
	}
	return in.blockclique[slot]
}

// finalAt reports whether slot is final, with its block or nil for a miss
func (in *inputs) finalAt(slot types.Slot) (*types.Block, bool) {
	if block, ok := in.final[slot]; ok {
		return block, true
	}
	return nil, in.finalPeriods[slot.Thread] >= slot.Period
}

// readyAt reports whether slot can be executed: it holds a block, or a later
// block of its thread is known which makes it a miss.
func (in *inputs) readyAt(slot types.Slot) (*types.Block, bool) {
	if block := in.blockAt(slot); block != nil {
		return block, true
	}
	return nil, in.tips[slot.Thread] > slot.Period || in.finalPeriods[slot.Thread] >= slot.Period
}

func (s *Scheduler) step() error {
	s.mu.RLock()
	halted := s.halted
	s.mu.RUnlock()
	if halted != nil {
		return halted
	}

	in := s.snapshotInputs()
	if err := s.executeFinal(in); err != nil {
		s.halt(err)
		return err
	}
	if err := s.truncateDiverged(in); err != nil {
		s.halt(err)
		return err
	}
	if err := s.executeSpeculative(in); err != nil {
		s.halt(err)
		return err
	}
	return nil
}

func (s *Scheduler) halt(err error) {
	s.mu.Lock()
	if s.halted == nil {
		s.halted = err
	}
	s.mu.Unlock()
	logx.Error("EXECUTION", "Scheduler halted: ", err)
}

// executeFinal commits every final slot in order. A speculative output of the
// same slot and block is committed as is, anything else drops the whole
// speculative history and the slot runs again on the final state.
func (s *Scheduler) executeFinal(in *inputs) error {
	for {
		next, err := s.lastFinal.Next(s.threadCount)
		if err != nil {
			return err
		}
		block, final := in.finalAt(next)
		if !final {
			return nil
		}
		start := time.Now()

		var output *SlotOutput
		reused := len(s.history) > 0 && s.history[0].output.Slot == next && s.history[0].output.matches(block)
		if reused {
			output = s.history[0].output
		} else {
			if err := s.rollback(0); err != nil {
				return err
			}
			output, err = s.executeSlot(next, block, s.ledger.FinalView(), s.seenFinal)
			if err != nil {
				return err
			}
		}

		if err := s.stageFinalMetadata(output); err != nil {
			return err
		}
		if reused {
			if _, err := s.ledger.CommitOldest(); err != nil {
				return err
			}
		} else if err := s.ledger.Apply(next, output.Changes); err != nil {
			return err
		}
		s.commitFinal(output, reused)
		s.cycles.afterFinal(next)

		s.inputMu.Lock()
		delete(s.finalBlocks, next)
		s.inputMu.Unlock()
		delete(in.final, next)
		monitoring.RecordExecutedSlot(true, time.Since(start))
	}
}

// stageFinalMetadata queues what must be durable together with the slot changes
func (s *Scheduler) stageFinalMetadata(output *SlotOutput) error {
	hash := ledger.CombineStateHash(s.stateHash, output.StateHash)
	raw, err := jsonx.Marshal(hash)
	if err != nil {
		return err
	}
	s.ledger.StageMetadata(metaStateHash, raw)
	return s.cycles.stage(s.ledger, output)
}

func (s *Scheduler) commitFinal(output *SlotOutput, reused bool) {
	s.mu.Lock()
	if reused {
		s.history[0] = executedSlot{}
		s.history = s.history[1:]
	}
	s.lastFinal = output.Slot
	s.stateHash = ledger.CombineStateHash(s.stateHash, output.StateHash)
	for id, expire := range output.executed {
		s.finalOps[id] = expire
	}
	for id, expire := range s.finalOps {
		if expire < output.Slot.Period {
			delete(s.finalOps, id)
		}
	}
	for _, ev := range output.Events {
		ev.IsFinal = true
		s.finalEvents.push(ev)
	}
	stateHash := s.stateHash
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(events.NewSlotExecuted(output.Slot, output.BlockId, true, stateHash))
	}
	logx.Debug("EXECUTION", fmt.Sprintf("Final slot %s executed | reused=%v | ops=%d", output.Slot, reused, len(output.Outcomes)))
}

// truncateDiverged drops the speculative history from the first slot whose
// content no longer matches the blockclique.
func (s *Scheduler) truncateDiverged(in *inputs) error {
	for i, entry := range s.history {
		block, ready := in.readyAt(entry.output.Slot)
		if ready && entry.output.matches(block) {
			continue
		}
		return s.rollback(i)
	}
	return nil
}

// rollback removes history[from:] and the matching ledger layers
func (s *Scheduler) rollback(from int) error {
	if from >= len(s.history) {
		return nil
	}
	if err := s.ledger.RollbackTo(s.history[from].checkpoint); err != nil {
		return err
	}
	dropped := len(s.history) - from
	s.mu.Lock()
	for i := from; i < len(s.history); i++ {
		s.history[i] = executedSlot{}
	}
	s.history = s.history[:from]
	s.mu.Unlock()
	monitoring.RecordRollback(dropped)
	logx.Info("EXECUTION", fmt.Sprintf("Rolled back %d speculative slots", dropped))
	return nil
}

// executeSpeculative runs the slots up to now - cursor_delay for which data is available
func (s *Scheduler) executeSpeculative(in *inputs) error {
	target, ok := types.SlotAt(s.now().Add(-s.cfg.CursorDelay), s.threadCount, s.t0, s.genesisTime)
	if !ok {
		return nil
	}
	for {
		next, err := s.speculativeSlot().Next(s.threadCount)
		if err != nil {
			return err
		}
		if target.Less(next) {
			return nil
		}
		block, ready := in.readyAt(next)
		if !ready {
			return nil
		}
		start := time.Now()
		output, err := s.executeSlot(next, block, s.ledger.SpeculativeView(), s.seenSpeculative)
		if err != nil {
			return err
		}
		cp := s.ledger.Checkpoint()
		s.ledger.PushSpeculative(next, output.Changes)

		s.mu.Lock()
		s.history = append(s.history, executedSlot{output: output, checkpoint: cp})
		s.mu.Unlock()

		if s.publisher != nil {
			s.publisher.Publish(events.NewSlotExecuted(next, output.BlockId, false, output.StateHash))
		}
		monitoring.RecordExecutedSlot(false, time.Since(start))
	}
}

func (s *Scheduler) seenFinal(id types.OperationId) bool {
	_, ok := s.finalOps[id]
	return ok
}

func (s *Scheduler) seenSpeculative(id types.OperationId) bool {
	if s.seenFinal(id) {
		return true
	}
	for _, entry := range s.history {
		if _, ok := entry.output.executed[id]; ok {
			return true
		}
	}
	return false
}

func (s *Scheduler) speculativeSlot() types.Slot {
	if n := len(s.history); n > 0 {
		return s.history[n-1].output.Slot
	}
	return s.lastFinal
}

// FinalSlot returns the last slot committed to the final ledger
func (s *Scheduler) FinalSlot() types.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFinal
}

// SpeculativeSlot returns the last executed slot, final or not
func (s *Scheduler) SpeculativeSlot() types.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speculativeSlot()
}

// FinalStateHash chains the hashes of every final slot change set
func (s *Scheduler) FinalStateHash() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateHash
}

// GetFinalEvents returns the retained final events, oldest first
func (s *Scheduler) GetFinalEvents() []ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalEvents.list()
}

// GetSpeculativeEvents returns the events of the speculative history, oldest first
func (s *Scheduler) GetSpeculativeEvents() []ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionEvent
	for _, entry := range s.history {
		out = append(out, entry.output.Events...)
	}
	return out
}

// SpeculativeOutputs returns the outputs of the speculative history, oldest first
func (s *Scheduler) SpeculativeOutputs() []*SlotOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SlotOutput, len(s.history))
	for i, entry := range s.history {
		out[i] = entry.output
	}
	return out
}

// Err returns the store failure that halted the scheduler, if any
func (s *Scheduler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

package execution

import (
	"crypto/sha256"
	"fmt"

	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/selector"
	"github.com/mezonai/blockclique/types"
)

const metaCycleSeed = "cycle_seed"

func cycleInputsKey(cycle uint64) string {
	return fmt.Sprintf("cycle_inputs:%d", cycle)
}

// cycleSeed folds the final block ids of a cycle, misses included
type cycleSeed struct {
	Cycle uint64   `json:"cycle"`
	Acc   [32]byte `json:"acc"`
}

type pendingCycle struct {
	cycle  uint64
	inputs selector.CycleInputs
}

// cycleFeeder derives the selector inputs of cycle c+lookback from the final
// state at the end of cycle c. Inputs are persisted with the last final slot
// of the cycle so a restarted node can feed its selector again.
type cycleFeeder struct {
	feeder          SelectorFeeder
	periodsPerCycle uint64
	lookback        uint64
	threadCount     uint8

	seed    cycleSeed
	pending *pendingCycle
}

func (cf *cycleFeeder) restoreSeed(l *ledger.Ledger) error {
	raw, err := l.GetMetadata(metaCycleSeed)
	if err != nil || raw == nil {
		return err
	}
	if err := jsonx.Unmarshal(raw, &cf.seed); err != nil {
		return fmt.Errorf("invalid persisted cycle seed: %w", err)
	}
	return nil
}

// stage updates the seed with a final slot about to be committed
func (cf *cycleFeeder) stage(l *ledger.Ledger, output *SlotOutput) error {
	cycle := output.Slot.Cycle(cf.periodsPerCycle)
	seed := cf.seed
	if seed.Cycle != cycle {
		seed = cycleSeed{Cycle: cycle}
	}
	h := sha256.New()
	h.Write(seed.Acc[:])
	if output.BlockId != nil {
		h.Write([]byte{1})
		h.Write(output.BlockId[:])
	} else {
		h.Write([]byte{0})
	}
	copy(seed.Acc[:], h.Sum(nil))
	raw, err := jsonx.Marshal(seed)
	if err != nil {
		return err
	}
	l.StageMetadata(metaCycleSeed, raw)
	cf.seed = seed
	cf.pending = nil

	if !output.Slot.IsLastOfCycle(cf.periodsPerCycle, cf.threadCount) {
		return nil
	}
	rolls, err := l.FinalRolls()
	if err != nil {
		return err
	}
	for addr, entry := range output.Changes {
		if entry == nil || entry.Rolls == 0 {
			delete(rolls, addr)
			continue
		}
		rolls[addr] = entry.Rolls
	}
	inputs := selector.CycleInputs{Seed: seed.Acc, Rolls: rolls}
	raw, err = jsonx.Marshal(inputs)
	if err != nil {
		return err
	}
	target := cycle + cf.lookback
	l.StageMetadata(cycleInputsKey(target), raw)
	cf.pending = &pendingCycle{cycle: target, inputs: inputs}
	return nil
}

// afterFinal feeds the selector once the cycle inputs are durable
func (cf *cycleFeeder) afterFinal(slot types.Slot) {
	if cf.pending == nil {
		return
	}
	pending := cf.pending
	cf.pending = nil
	if cf.feeder == nil {
		return
	}
	if err := cf.feeder.FeedCycle(pending.cycle, pending.inputs); err != nil {
		logx.Error("EXECUTION", fmt.Sprintf("Feeding cycle %d after slot %s failed: %v", pending.cycle, slot, err))
		return
	}
	logx.Info("EXECUTION", fmt.Sprintf("Fed cycle %d with %d roll holders", pending.cycle, len(pending.inputs.Rolls)))
}

// RestoreSelector feeds the cycle inputs persisted by previous runs, in order
func RestoreSelector(l *ledger.Ledger, feeder SelectorFeeder, lookback uint64) (int, error) {
	fed := 0
	for cycle := lookback; ; cycle++ {
		raw, err := l.GetMetadata(cycleInputsKey(cycle))
		if err != nil {
			return fed, err
		}
		if raw == nil {
			return fed, nil
		}
		var inputs selector.CycleInputs
		if err := jsonx.Unmarshal(raw, &inputs); err != nil {
			return fed, fmt.Errorf("invalid persisted inputs of cycle %d: %w", cycle, err)
		}
		if err := feeder.FeedCycle(cycle, inputs); err != nil {
			return fed, err
		}
		fed++
	}
}

package execution

import (
	"fmt"

	"github.com/holiman/uint256"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/types"
)

const errMsgOperationReused = "operation was already executed"

// executeSlot runs a block (or a miss when block is nil) on top of view.
// Only store failures are returned; operation failures end up in the outcomes.
func (s *Scheduler) executeSlot(slot types.Slot, block *types.Block, view *ledger.LedgerView, seen func(types.OperationId) bool) (*SlotOutput, error) {
	out := &SlotOutput{Slot: slot, executed: make(map[types.OperationId]uint64)}
	if block == nil {
		out.Changes = view.Changes()
		out.StateHash = ledger.ComputeChangesHash(out.Changes)
		return out, nil
	}
	id := block.Id()
	out.BlockId = &id

	creator := block.Header.Creator
	if err := view.Credit(creator, uint256.NewInt(s.cfg.BlockReward)); err != nil {
		if !cerrors.IsKind(err, cerrors.KindExecution) {
			return nil, err
		}
		out.Events = append(out.Events, errorEvent(slot, out.BlockId, nil, fmt.Sprintf("block reward not credited: %v", err)))
	}

	if err := s.executeOperations(out, creator, block.Operations, view, seen); err != nil {
		return nil, err
	}
	out.Changes = view.Changes()
	out.StateHash = ledger.ComputeChangesHash(out.Changes)
	return out, nil
}

// executeOperations applies each operation independently. The fee is taken
// first and kept even when the operation itself fails.
func (s *Scheduler) executeOperations(out *SlotOutput, feeReceiver types.Address, ops []types.Operation, view *ledger.LedgerView, seen func(types.OperationId) bool) error {
	for i := range ops {
		op := &ops[i]
		opId := op.Id()
		fail := func(msg string) {
			out.Outcomes = append(out.Outcomes, OperationOutcome{Id: opId, Error: msg})
			out.Events = append(out.Events, errorEvent(out.Slot, out.BlockId, &opId, msg))
		}

		if _, dup := out.executed[opId]; dup || seen(opId) {
			fail(errMsgOperationReused)
			continue
		}

		if err := view.PayFee(op, feeReceiver); err != nil {
			if !cerrors.IsKind(err, cerrors.KindExecution) {
				return err
			}
			fail(cerrors.MessageOf(err))
			continue
		}
		out.executed[opId] = op.ExpirePeriod

		if err := view.ApplyOperation(op, s.cfg.RollPrice); err != nil {
			if !cerrors.IsKind(err, cerrors.KindExecution) {
				return err
			}
			fail(cerrors.MessageOf(err))
			continue
		}
		out.Outcomes = append(out.Outcomes, OperationOutcome{Id: opId, Success: true})
		if op.Type != types.OpTransaction {
			out.Events = append(out.Events, ExecutionEvent{
				Slot:        out.Slot,
				BlockId:     out.BlockId,
				OperationId: &opId,
				Message:     fmt.Sprintf("%s of %d rolls by %s", op.Type, op.Rolls, op.Sender),
			})
		}
	}
	return nil
}

func errorEvent(slot types.Slot, blockId *types.BlockId, opId *types.OperationId, msg string) ExecutionEvent {
	return ExecutionEvent{Slot: slot, BlockId: blockId, OperationId: opId, Message: msg, IsError: true}
}

package execution

import (
	"context"

	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// ReadOnlyRequest runs operations against a throwaway view of the ledger
type ReadOnlyRequest struct {
	Operations []types.Operation
	// Caller collects the fees like a block creator would
	Caller types.Address
	// Speculative reads through the speculative layers instead of the final state
	Speculative bool
}

type ReadOnlyResult struct {
	// Slot is the state the request ran on top of
	Slot     types.Slot          `json:"slot"`
	Changes  types.LedgerChanges `json:"changes"`
	Outcomes []OperationOutcome  `json:"outcomes"`
	Events   []ExecutionEvent    `json:"events"`
}

type readonlyRequest struct {
	req  ReadOnlyRequest
	resp chan readonlyResponse
}

type readonlyResponse struct {
	result ReadOnlyResult
	err    error
}

// ExecuteReadonly queues a request for the scheduler loop. A full queue is
// reported immediately as a capacity error.
func (s *Scheduler) ExecuteReadonly(ctx context.Context, req ReadOnlyRequest) (ReadOnlyResult, error) {
	if err := s.Err(); err != nil {
		return ReadOnlyResult{}, err
	}
	r := &readonlyRequest{req: req, resp: make(chan readonlyResponse, 1)}
	select {
	case s.readonly <- r:
	default:
		return ReadOnlyResult{}, cerrors.NewError(cerrors.KindCapacity, cerrors.ErrMsgReadonlyQueueFull)
	}
	select {
	case res := <-r.resp:
		return res.result, res.err
	case <-ctx.Done():
		return ReadOnlyResult{}, ctx.Err()
	}
}

func (s *Scheduler) serveReadonly(r *readonlyRequest) {
	var (
		view *ledger.LedgerView
		seen func(types.OperationId) bool
		slot types.Slot
	)
	if r.req.Speculative {
		view, seen, slot = s.ledger.SpeculativeView(), s.seenSpeculative, s.speculativeSlot()
	} else {
		view, seen, slot = s.ledger.FinalView(), s.seenFinal, s.lastFinal
	}
	out := &SlotOutput{Slot: slot, executed: make(map[types.OperationId]uint64)}
	if err := s.executeOperations(out, r.req.Caller, r.req.Operations, view, seen); err != nil {
		logx.Error("EXECUTION", "Read-only request failed: ", err)
		r.resp <- readonlyResponse{err: err}
		return
	}
	r.resp <- readonlyResponse{result: ReadOnlyResult{
		Slot:     slot,
		Changes:  view.Changes(),
		Outcomes: out.Outcomes,
		Events:   out.Events,
	}}
}

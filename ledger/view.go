package ledger

import (
	"github.com/holiman/uint256"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/types"
)

// Reader resolves an entry from some ledger state
type Reader func(addr types.Address) (*types.LedgerEntry, error)

// LedgerView is a copy-on-write overlay used to execute a slot before its
// changes are pushed to the ledger.
type LedgerView struct {
	base    Reader
	overlay types.LedgerChanges
}

func NewLedgerView(base Reader) *LedgerView {
	return &LedgerView{base: base, overlay: types.NewLedgerChanges()}
}

// SpeculativeView reads through every speculative layer
func (l *Ledger) SpeculativeView() *LedgerView {
	return NewLedgerView(l.GetSpeculative)
}

// FinalView reads the final state only
func (l *Ledger) FinalView() *LedgerView {
	return NewLedgerView(l.Get)
}

func (lv *LedgerView) load(addr types.Address) (*types.LedgerEntry, error) {
	if entry, ok := lv.overlay[addr]; ok {
		if entry == nil {
			return &types.LedgerEntry{Balance: uint256.NewInt(0)}, nil
		}
		return entry.Clone(), nil
	}
	base, err := lv.base(addr)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return &types.LedgerEntry{Balance: uint256.NewInt(0)}, nil
	}
	return base, nil
}

// Get returns the current entry of addr, a zero entry if absent
func (lv *LedgerView) Get(addr types.Address) (*types.LedgerEntry, error) {
	return lv.load(addr)
}

func (lv *LedgerView) set(addr types.Address, entry *types.LedgerEntry) {
	lv.overlay.Set(addr, entry)
}

// Credit adds amount to the balance of addr
func (lv *LedgerView) Credit(addr types.Address, amount *uint256.Int) error {
	entry, err := lv.load(addr)
	if err != nil {
		return err
	}
	if _, overflow := entry.Balance.AddOverflow(entry.Balance, amount); overflow {
		return cerrors.Newf(cerrors.KindExecution, "balance overflow on %s", addr)
	}
	lv.set(addr, entry)
	return nil
}

// Debit removes amount from the balance of addr
func (lv *LedgerView) Debit(addr types.Address, amount *uint256.Int) error {
	entry, err := lv.load(addr)
	if err != nil {
		return err
	}
	if entry.Balance.Lt(amount) {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInsufficientBalance)
	}
	entry.Balance.Sub(entry.Balance, amount)
	lv.set(addr, entry)
	return nil
}

// Transfer moves amount between two addresses, all or nothing
func (lv *LedgerView) Transfer(from, to types.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInvalidAmount)
	}
	snapshot := lv.Snapshot()
	if err := lv.Debit(from, amount); err != nil {
		return err
	}
	if err := lv.Credit(to, amount); err != nil {
		lv.Restore(snapshot)
		return err
	}
	return nil
}

// BuyRolls converts rolls*price of balance into rolls
func (lv *LedgerView) BuyRolls(addr types.Address, rolls uint64, price uint64) error {
	if rolls == 0 {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInvalidAmount)
	}
	cost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(rolls), uint256.NewInt(price))
	if overflow {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInvalidAmount)
	}
	entry, err := lv.load(addr)
	if err != nil {
		return err
	}
	if entry.Balance.Lt(cost) {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInsufficientBalance)
	}
	entry.Balance.Sub(entry.Balance, cost)
	entry.Rolls += rolls
	lv.set(addr, entry)
	return nil
}

// SellRolls converts rolls back into rolls*price of balance
func (lv *LedgerView) SellRolls(addr types.Address, rolls uint64, price uint64) error {
	if rolls == 0 {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInvalidAmount)
	}
	entry, err := lv.load(addr)
	if err != nil {
		return err
	}
	if entry.Rolls < rolls {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInsufficientRolls)
	}
	refund, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(rolls), uint256.NewInt(price))
	if overflow {
		return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgInvalidAmount)
	}
	if _, overflow := entry.Balance.AddOverflow(entry.Balance, refund); overflow {
		return cerrors.Newf(cerrors.KindExecution, "balance overflow on %s", addr)
	}
	entry.Rolls -= rolls
	lv.set(addr, entry)
	return nil
}

// PayFee moves the fee of op from its sender to receiver, all or nothing
func (lv *LedgerView) PayFee(op *types.Operation, receiver types.Address) error {
	fee := op.FeeOrZero()
	if fee.IsZero() {
		return nil
	}
	snapshot := lv.Snapshot()
	if err := lv.Debit(op.Sender, fee); err != nil {
		return err
	}
	if err := lv.Credit(receiver, fee); err != nil {
		lv.Restore(snapshot)
		return err
	}
	return nil
}

// ApplyOperation runs the body of op without its fee, all or nothing
func (lv *LedgerView) ApplyOperation(op *types.Operation, rollPrice uint64) error {
	snapshot := lv.Snapshot()
	var err error
	switch op.Type {
	case types.OpTransaction:
		if op.MissingRecipient() {
			return cerrors.NewError(cerrors.KindExecution, cerrors.ErrMsgMissingRecipient)
		}
		err = lv.Transfer(op.Sender, op.Recipient, op.AmountOrZero())
	case types.OpRollBuy:
		err = lv.BuyRolls(op.Sender, op.Rolls, rollPrice)
	case types.OpRollSell:
		err = lv.SellRolls(op.Sender, op.Rolls, rollPrice)
	default:
		err = cerrors.Newf(cerrors.KindExecution, "unknown operation type %d", op.Type)
	}
	if err != nil {
		lv.Restore(snapshot)
	}
	return err
}

// Snapshot copies the overlay so a failed multi-step operation can be undone
func (lv *LedgerView) Snapshot() types.LedgerChanges {
	return lv.overlay.Clone()
}

func (lv *LedgerView) Restore(snapshot types.LedgerChanges) {
	lv.overlay = snapshot.Clone()
}

// Changes returns the accumulated post-state of every touched address
func (lv *LedgerView) Changes() types.LedgerChanges {
	return lv.overlay.Clone()
}

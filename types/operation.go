package types

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/holiman/uint256"
)

type OperationType uint8

const (
	OpTransaction OperationType = iota
	OpRollBuy
	OpRollSell
)

func (t OperationType) String() string {
	switch t {
	case OpTransaction:
		return "transaction"
	case OpRollBuy:
		return "roll_buy"
	case OpRollSell:
		return "roll_sell"
	}
	return "unknown"
}

// Operation is an already signature-checked ledger operation
type Operation struct {
	Type                OperationType `json:"type"`
	Sender              Address       `json:"sender"`
	Recipient           Address       `json:"recipient,omitempty"`
	Amount              *uint256.Int  `json:"amount,omitempty"`
	Rolls               uint64        `json:"rolls,omitempty"`
	Fee                 *uint256.Int  `json:"fee,omitempty"`
	ValidityStartPeriod uint64        `json:"validity_start_period"`
	ExpirePeriod        uint64        `json:"expire_period"`
}

// Id hashes every field of the operation
func (op *Operation) Id() OperationId {
	h := sha256.New()
	buf := make([]byte, 8)
	h.Write([]byte{byte(op.Type)})
	h.Write([]byte(op.Sender))
	h.Write([]byte{0})
	h.Write([]byte(op.Recipient))
	h.Write([]byte{0})
	amount := op.AmountOrZero().Bytes32()
	h.Write(amount[:])
	binary.BigEndian.PutUint64(buf, op.Rolls)
	h.Write(buf)
	fee := op.FeeOrZero().Bytes32()
	h.Write(fee[:])
	binary.BigEndian.PutUint64(buf, op.ValidityStartPeriod)
	h.Write(buf)
	binary.BigEndian.PutUint64(buf, op.ExpirePeriod)
	h.Write(buf)
	var out OperationId
	copy(out[:], h.Sum(nil))
	return out
}

func (op *Operation) FeeOrZero() *uint256.Int {
	if op.Fee == nil {
		return uint256.NewInt(0)
	}
	return op.Fee
}

func (op *Operation) AmountOrZero() *uint256.Int {
	if op.Amount == nil {
		return uint256.NewInt(0)
	}
	return op.Amount
}

// Thread is the thread whose blocks may include this operation
func (op *Operation) Thread(threadCount uint8) uint8 {
	return op.Sender.Thread(threadCount)
}

// IsValidAt reports whether the operation may be included in a block of the given period
func (op *Operation) IsValidAt(period uint64) bool {
	return op.ValidityStartPeriod <= period && period <= op.ExpirePeriod
}

// MissingRecipient reports a transaction that credits nobody
func (op *Operation) MissingRecipient() bool {
	return op.Type == OpTransaction && op.Recipient == ""
}

// InvolvedAddresses lists the ledger entries touched by the operation, sender first
func (op *Operation) InvolvedAddresses() []Address {
	if op.Type == OpTransaction && op.Recipient != "" && op.Recipient != op.Sender {
		return []Address{op.Sender, op.Recipient}
	}
	return []Address{op.Sender}
}

// Endorsement vouches for the own-thread parent of the block carrying it
type Endorsement struct {
	Slot          Slot    `json:"slot"`
	Index         uint32  `json:"index"`
	Endorser      Address `json:"endorser"`
	EndorsedBlock BlockId `json:"endorsed_block"`
}

func (e *Endorsement) Id() EndorsementId {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, e.Slot.Period)
	h.Write(buf)
	h.Write([]byte{e.Slot.Thread})
	binary.BigEndian.PutUint32(buf[:4], e.Index)
	h.Write(buf[:4])
	h.Write([]byte(e.Endorser))
	h.Write(e.EndorsedBlock[:])
	var out EndorsementId
	copy(out[:], h.Sum(nil))
	return out
}

package types

import (
	"sort"

	"github.com/holiman/uint256"
)

type LedgerEntry struct {
	Balance *uint256.Int `json:"balance"`
	Rolls   uint64       `json:"rolls"`
}

func NewLedgerEntry(balance uint64, rolls uint64) *LedgerEntry {
	return &LedgerEntry{Balance: uint256.NewInt(balance), Rolls: rolls}
}

func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	balance := uint256.NewInt(0)
	if e.Balance != nil {
		balance.Set(e.Balance)
	}
	return &LedgerEntry{Balance: balance, Rolls: e.Rolls}
}

func (e *LedgerEntry) Equal(o *LedgerEntry) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Clone().Balance.Eq(o.Clone().Balance) && e.Rolls == o.Rolls
}

// IsEmpty entries are deleted from the ledger instead of stored
func (e *LedgerEntry) IsEmpty() bool {
	return e == nil || ((e.Balance == nil || e.Balance.IsZero()) && e.Rolls == 0)
}

// LedgerChanges holds post-state entries per address; a nil entry is a deletion.
// Merging is last-writer-wins, so replaying changes in order is idempotent.
type LedgerChanges map[Address]*LedgerEntry

func NewLedgerChanges() LedgerChanges {
	return make(LedgerChanges)
}

// Set records the post-state of addr
func (c LedgerChanges) Set(addr Address, entry *LedgerEntry) {
	if entry.IsEmpty() {
		c[addr] = nil
		return
	}
	c[addr] = entry.Clone()
}

// Merge applies other on top of c
func (c LedgerChanges) Merge(other LedgerChanges) {
	for addr, entry := range other {
		c[addr] = entry.Clone()
	}
}

func (c LedgerChanges) Clone() LedgerChanges {
	out := make(LedgerChanges, len(c))
	out.Merge(c)
	return out
}

// SortedAddresses returns the touched addresses in a stable order
func (c LedgerChanges) SortedAddresses() []Address {
	addrs := make([]Address, 0, len(c))
	for addr := range c {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

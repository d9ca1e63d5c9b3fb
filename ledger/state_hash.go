package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/mezonai/blockclique/types"
)

// ComputeChangesHash computes a deterministic hash over a set of ledger changes.
// Each record is encoded as: len(address)|address|deleted(1B)|balance(32B BE)|rolls(8B BE)
// Addresses are sorted for determinism.
func ComputeChangesHash(changes types.LedgerChanges) [32]byte {
	if len(changes) == 0 {
		return [32]byte{}
	}
	h := sha256.New()

	buf := make([]byte, 8)
	for _, addr := range changes.SortedAddresses() {
		entry := changes[addr]
		binary.BigEndian.PutUint64(buf, uint64(len(addr)))
		h.Write(buf)
		h.Write([]byte(addr))
		if entry == nil {
			h.Write([]byte{1})
			continue
		}
		h.Write([]byte{0})
		balance := entry.Clone().Balance.Bytes32()
		h.Write(balance[:])
		binary.BigEndian.PutUint64(buf, entry.Rolls)
		h.Write(buf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CombineStateHash chains a slot's changes hash onto the previous state hash.
// new = SHA256(prev || delta). If prev is zero, returns delta.
func CombineStateHash(prev [32]byte, delta [32]byte) [32]byte {
	if isZeroHash(prev) {
		return delta
	}
	h := sha256.New()
	h.Write(prev[:])
	h.Write(delta[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func isZeroHash(h [32]byte) bool {
	return h == [32]byte{}
}

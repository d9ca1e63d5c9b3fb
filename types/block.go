package types

import (
	"crypto/sha256"
	"encoding/binary"
)

type BlockHeader struct {
	Slot                Slot          `json:"slot"`
	Parents             []BlockId     `json:"parents"`
	Creator             Address       `json:"creator"`
	Endorsements        []Endorsement `json:"endorsements"`
	OperationMerkleRoot [32]byte      `json:"operation_merkle_root"`
}

// Block reaches the core already deserialized and signature-checked
type Block struct {
	Header     BlockHeader `json:"header"`
	Operations []Operation `json:"operations"`
}

func AssembleBlock(
	slot Slot,
	parents []BlockId,
	creator Address,
	endorsements []Endorsement,
	operations []Operation,
) *Block {
	return &Block{
		Header: BlockHeader{
			Slot:                slot,
			Parents:             parents,
			Creator:             creator,
			Endorsements:        endorsements,
			OperationMerkleRoot: ComputeOperationMerkleRoot(operations),
		},
		Operations: operations,
	}
}

// NewGenesisBlock builds the parentless period-0 block of a thread
func NewGenesisBlock(thread uint8, creator Address) *Block {
	return AssembleBlock(Slot{Period: 0, Thread: thread}, nil, creator, nil, nil)
}

// Id hashes the header; operations are bound through the merkle root
func (b *Block) Id() BlockId {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, b.Header.Slot.Period)
	h.Write(buf)
	h.Write([]byte{b.Header.Slot.Thread})
	binary.BigEndian.PutUint64(buf, uint64(len(b.Header.Parents)))
	h.Write(buf)
	for _, p := range b.Header.Parents {
		h.Write(p[:])
	}
	h.Write([]byte(b.Header.Creator))
	h.Write([]byte{0})
	for i := range b.Header.Endorsements {
		eid := b.Header.Endorsements[i].Id()
		h.Write(eid[:])
	}
	h.Write(b.Header.OperationMerkleRoot[:])
	var out BlockId
	copy(out[:], h.Sum(nil))
	return out
}

// Fitness is the endorsement-weighted block count used for clique comparison
func (b *Block) Fitness() uint64 {
	return 1 + uint64(len(b.Header.Endorsements))
}

func (b *Block) IsGenesis() bool {
	return b.Header.Slot.Period == 0 && len(b.Header.Parents) == 0
}

func (b *Block) OperationIds() []OperationId {
	ids := make([]OperationId, len(b.Operations))
	for i := range b.Operations {
		ids[i] = b.Operations[i].Id()
	}
	return ids
}

// ComputeOperationMerkleRoot hashes the concatenation of operation ids
func ComputeOperationMerkleRoot(ops []Operation) [32]byte {
	h := sha256.New()
	for i := range ops {
		id := ops[i].Id()
		h.Write(id[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

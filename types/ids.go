package types

import (
	"crypto/sha256"

	"github.com/mezonai/blockclique/common"
)

// BlockId is the sha256 of a block header
type BlockId [32]byte

func (id BlockId) String() string {
	return common.EncodeBytesToBase58(id[:])
}

func (id BlockId) IsZero() bool {
	return id == BlockId{}
}

func (id BlockId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *BlockId) UnmarshalText(text []byte) error {
	raw, err := common.DecodeBase58To32(string(text))
	if err != nil {
		return err
	}
	*id = raw
	return nil
}

// OperationId is the sha256 of an operation content
type OperationId [32]byte

func (id OperationId) String() string {
	return common.EncodeBytesToBase58(id[:])
}

func (id OperationId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OperationId) UnmarshalText(text []byte) error {
	raw, err := common.DecodeBase58To32(string(text))
	if err != nil {
		return err
	}
	*id = raw
	return nil
}

// EndorsementId is the sha256 of an endorsement content
type EndorsementId [32]byte

func (id EndorsementId) String() string {
	return common.EncodeBytesToBase58(id[:])
}

// Address identifies a stake holder. It is the base58 form of a public key hash.
type Address string

// AddressFromPublicKey derives an address from raw public key bytes
func AddressFromPublicKey(pub []byte) Address {
	h := sha256.Sum256(pub)
	return Address(common.EncodeBytesToBase58(h[:]))
}

// Thread returns the thread operations sent by this address are routed to
func (a Address) Thread(threadCount uint8) uint8 {
	h := sha256.Sum256([]byte(a))
	return h[0] % threadCount
}

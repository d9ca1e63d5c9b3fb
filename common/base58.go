package common

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodeBytesToBase58 encodes bytes directly to base58
func EncodeBytesToBase58(bytes []byte) string {
	return base58.Encode(bytes)
}

// DecodeBase58ToBytes decodes a base58 string, rejecting empty payloads
func DecodeBase58ToBytes(s string) ([]byte, error) {
	bytes, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base58 string: %w", err)
	}
	if len(bytes) == 0 {
		return nil, fmt.Errorf("failed to decode base58 string")
	}
	return bytes, nil
}

// DecodeBase58To32 decodes a base58 string holding exactly 32 bytes (block and operation ids)
func DecodeBase58To32(s string) ([32]byte, error) {
	var out [32]byte
	bytes, err := DecodeBase58ToBytes(s)
	if err != nil {
		return out, err
	}
	if len(bytes) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(bytes))
	}
	copy(out[:], bytes)
	return out, nil
}

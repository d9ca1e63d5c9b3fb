package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/mezonai/blockclique/jsonx"
)

// ErrorKind classifies failures by how the caller must react to them
type ErrorKind string

const (
	// KindValidation: malformed block (slot, parents, draw). Block is discarded, never retried.
	KindValidation ErrorKind = "validation"
	// KindDependencyTimeout: waiting block evicted from the dependency table. Re-requested later.
	KindDependencyTimeout ErrorKind = "dependency_timeout"
	// KindCapacity: a bounded pool, queue or cache is full. Backpressure for the caller.
	KindCapacity ErrorKind = "capacity"
	// KindExecution: an operation failed. Recorded in the block outcome only.
	KindExecution ErrorKind = "execution"
	// KindStore: ledger disk failure. Fatal, block processing must stop.
	KindStore ErrorKind = "store"
	// KindDrawOutOfRange: a draw was requested outside the selector coverage window. Fatal.
	KindDrawOutOfRange ErrorKind = "draw_out_of_range"
)

// Error message constants
const (
	ErrMsgInvalidParentCount     = "block must reference exactly one parent per thread"
	ErrMsgInvalidThread          = "block thread is out of range"
	ErrMsgParentSlotNotBefore    = "parent slot is not strictly before block slot"
	ErrMsgWrongProducer          = "block creator does not match the slot draw"
	ErrMsgWrongEndorser          = "endorser does not match the slot draw"
	ErrMsgInvalidEndorsement     = "endorsement does not target the own-thread parent"
	ErrMsgTooManyOperations      = "block carries too many operations"
	ErrMsgTooManyEndorsements    = "block carries too many endorsements"
	ErrMsgIncompatibleParents    = "block parents are mutually incompatible"
	ErrMsgInvalidParent          = "block references a discarded parent"
	ErrMsgTooFarInFuture         = "block slot is too far in the future"
	ErrMsgStale                  = "block slot is not after the latest final block of its thread"
	ErrMsgDependencyEvicted      = "block waited too long on missing parents"
	ErrMsgPoolFull               = "operation pool is full for this thread"
	ErrMsgReadonlyQueueFull      = "read-only execution queue is full"
	ErrMsgValidityTooFarInFuture = "operation validity start is too far in the future"
	ErrMsgOperationExpired       = "operation has expired"
	ErrMsgDuplicateOperation     = "operation already known"
	ErrMsgInsufficientBalance    = "insufficient balance"
	ErrMsgInsufficientRolls      = "insufficient rolls"
	ErrMsgInvalidAmount          = "amount is invalid or zero"
	ErrMsgMissingRecipient       = "transaction has no recipient"
	ErrMsgEndorsementTooFar      = "endorsement slot is too far in the future"
	ErrMsgEndorsementPoolFull    = "endorsement pool is full"
)

// ConsensusError is the typed error surfaced by every component of the core
type ConsensusError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

// Error implements the error interface
func (e *ConsensusError) Error() string {
	payload := struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message"`
		Cause   string    `json:"cause,omitempty"`
	}{Kind: e.Kind, Message: e.Message}
	if e.cause != nil {
		payload.Cause = e.cause.Error()
	}
	out, err := jsonx.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(out)
}

func (e *ConsensusError) Unwrap() error {
	return e.cause
}

// NewError creates a new ConsensusError and returns it as error interface
func NewError(kind ErrorKind, message string) error {
	return &ConsensusError{Kind: kind, Message: message}
}

// Newf is NewError with formatting
func Newf(kind ErrorKind, format string, args ...interface{}) error {
	return &ConsensusError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind ErrorKind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &ConsensusError{Kind: kind, Message: message, cause: cause}
}

// KindOf returns the kind of the first ConsensusError in the chain, or "" if none
func KindOf(err error) ErrorKind {
	var ce *ConsensusError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether the node must stop processing after err
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindStore, KindDrawOutOfRange:
		return true
	}
	return false
}

// MessageOf returns the message of the first ConsensusError in the chain, err.Error() otherwise
func MessageOf(err error) string {
	var ce *ConsensusError
	if stderrors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfSequence      = errors.New("negotiation step out of sequence")
	ErrInvalidDescription = errors.New("invalid session description")
	ErrNoConnection       = errors.New("no backend connection")
	ErrConnectionClosed   = errors.New("connection torn down")
	ErrCandidateRejected  = errors.New("ice candidate rejected")
	ErrDuplicateChannel   = errors.New("duplicate channel label")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrMediaUnsupported   = errors.New("media capture not supported by backend")
	ErrInvalidConfig      = errors.New("invalid session config")
)

// NegotiationError reports a descriptor operation that was invoked out of
// order or rejected by the backend.
type NegotiationError struct {
	Op    string
	State State
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s failed in state %s: %v", e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// NewNegotiationError wraps err for operation op.
func NewNegotiationError(op string, state State, err error) *NegotiationError {
	return &NegotiationError{Op: op, State: state, Err: err}
}

// IsNegotiationError reports whether err carries a NegotiationError.
func IsNegotiationError(err error) bool {
	var ne *NegotiationError
	return errors.As(err, &ne)
}

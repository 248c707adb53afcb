package protocol

import "fmt"

// ErrorCode classifies a handling failure.
type ErrorCode string

const (
	// ErrValidation marks a malformed or unauthorized request; it is
	// surfaced to the peer as a rejection, never as a local fault.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrProcessing marks an unmet local precondition; handling aborts
	// before any side effect.
	ErrProcessing ErrorCode = "PROCESSING"
	// ErrUnknownOpcode marks an opcode this instance does not dispatch.
	ErrUnknownOpcode ErrorCode = "UNKNOWN_OPCODE"
)

// Error is the tagged failure result of message handling. Handlers return it
// instead of letting faults cross the peer-call boundary: one malformed or
// malicious peer message must not disturb handling for any other peer.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Processingf builds a processing error.
func Processingf(format string, args ...any) *Error {
	return &Error{Code: ErrProcessing, Message: fmt.Sprintf(format, args...)}
}

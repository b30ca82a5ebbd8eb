package wire

import (
	"fmt"

	"github.com/Cutipus/HermesNet/pkg/constants"
)

// Error represents a HermesNet protocol error.
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code (constants.Error*)
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("hermesnet error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("hermesnet error %d: %s", e.Code, e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit || e.Code == constants.ErrorUnavailable
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorUnavailable:
		return "UNAVAILABLE"
	case constants.ErrorUnknownHash:
		return "UNKNOWN_HASH"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorBadFrame:
		return "BAD_FRAME"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrUnavailable creates an unavailable error for a chunk the peer cannot serve
func ErrUnavailable(reason string) *Error {
	return NewError(constants.ErrorUnavailable, reason)
}

// ErrUnknownHash creates an unknown-hash error
func ErrUnknownHash(target string) *Error {
	return NewError(constants.ErrorUnknownHash, fmt.Sprintf("no index entry for %s", target))
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrorFrame creates a frame containing an error response. Kind 0 is
// reserved for errors.
func ErrorFrame(from string, seq uint64, werr *Error) *Frame {
	frame, err := NewFrame(0, from, seq, werr)
	if err != nil {
		// An Error body always encodes; reaching here is a programming bug.
		panic(fmt.Sprintf("failed to encode error frame: %v", err))
	}
	return frame
}

// IsErrorFrame checks if a frame contains an error
func IsErrorFrame(frame *Frame) bool {
	return frame.Kind == 0
}

// ExtractError extracts an Error from an error frame
func ExtractError(frame *Frame) (*Error, error) {
	if !IsErrorFrame(frame) {
		return nil, fmt.Errorf("frame is not an error frame")
	}
	var werr Error
	if err := frame.DecodeBody(&werr); err != nil {
		return nil, fmt.Errorf("frame body is not an Error: %w", err)
	}
	return &werr, nil
}

package types

import (
	"errors"
	"fmt"
)

// Error is the single error type surfaced by the engine. Code identifies the
// failure class, Message carries detail for operators.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes.
const (
	// Format errors: fail fast, no network call, not retryable.
	ErrInvalidFormat = "INVALID_FORMAT"

	// Amount errors: fail fast, not retryable.
	ErrInsufficientAmount     = "INSUFFICIENT_AMOUNT"
	ErrOfflineDisabled        = "OFFLINE_DISABLED"
	ErrOfflineCeilingExceeded = "OFFLINE_CEILING_EXCEEDED"

	// State errors: the same token will fail again, not retryable.
	ErrUntrustedMint    = "UNTRUSTED_MINT"
	ErrInvalidSignature = "INVALID_SIGNATURE"
	ErrAlreadySpent     = "ALREADY_SPENT"

	// Network errors: retryable.
	ErrNetworkTimeout  = "NETWORK_TIMEOUT"
	ErrMintUnavailable = "MINT_UNAVAILABLE"

	// A swap failed after validation succeeded; the mint's actual state is
	// ambiguous and the failure must not be collapsed into a clean one.
	ErrStatusUnknown = "STATUS_UNKNOWN"

	// Session errors.
	ErrSessionBusy  = "SESSION_BUSY"
	ErrSessionState = "SESSION_STATE"

	ErrConfig  = "CONFIG_ERROR"
	ErrStorage = "STORAGE_ERROR"
)

// CodeOf extracts the engine error code from err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkTimeout, ErrMintUnavailable:
		return true
	}
	return false
}

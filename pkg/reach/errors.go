package reach

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for retry decisions and reporting.
type ErrorKind string

const (
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindAuth              ErrorKind = "auth"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
	ErrorKindTargetingRejected ErrorKind = "targeting_rejected"
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindUnknown           ErrorKind = "unknown"
	ErrorKindBatchFailure      ErrorKind = "batch_failure"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// RateLimitScope identifies which remote quota dimension rejected a call.
type RateLimitScope string

const (
	ScopeNone      RateLimitScope = ""
	ScopeApp       RateLimitScope = "app"
	ScopeAdAccount RateLimitScope = "ad_account"
	ScopeBusiness  RateLimitScope = "business_use_case"
)

// Error is the structured error surfaced by the estimate client.
type Error struct {
	Kind    ErrorKind
	Message string

	// Code and Subcode are the remote error codes, when present.
	Code    int
	Subcode int

	// StatusCode is the HTTP status of the failed call (0 for network errors).
	StatusCode int

	// Scope and RetryAfter are set for rate-limited errors.
	Scope      RateLimitScope
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d", e.Code)
		if e.Subcode != 0 {
			msg += fmt.Sprintf("/%d", e.Subcode)
		}
		msg += ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether the remote service throttled the call.
func (e *Error) IsRateLimit() bool {
	return e.Kind == ErrorKindRateLimited
}

// KindOf extracts the ErrorKind of err. Unclassified errors are unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrorKindUnknown
}

// CodeOf returns the remote error code of err, or 0.
func CodeOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

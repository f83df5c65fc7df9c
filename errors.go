package marketgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/evdnx/marketgate/execution"
	"github.com/evdnx/marketgate/failover"
	"github.com/evdnx/marketgate/idempotency"
	"github.com/evdnx/marketgate/provider"
)

// ErrorKind is the closed set of errors callers can see.
type ErrorKind string

const (
	KindUnavailable    ErrorKind = "unavailable"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindInvalidSymbol  ErrorKind = "invalid_symbol"
	KindConflict       ErrorKind = "conflict"
	KindNotFound       ErrorKind = "not_found"
	KindAuthFailure    ErrorKind = "auth_failure"
	KindTimeout        ErrorKind = "timeout"
	KindInternal       ErrorKind = "internal"
)

// Error is a caller-facing error. Message never carries provider payloads.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Sanitize maps any error to an *Error. It returns nil for nil.
func Sanitize(err error) *Error {
	if err == nil {
		return nil
	}

	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var exhausted *failover.ExhaustedError
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		return newError(KindInvalidRequest, err.Error(), err)
	case errors.Is(err, idempotency.ErrConflict):
		return newError(KindConflict, "client order id already used with different parameters", err)
	case errors.Is(err, execution.ErrNotFound):
		return newError(KindNotFound, "order not found", err)
	case errors.Is(err, failover.ErrUnavailable), errors.Is(err, failover.ErrNoProviders):
		return newError(KindUnavailable, "no provider could serve the request", err)
	case errors.As(err, &exhausted):
		return fromProviderKind(exhausted.Kind(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return newError(KindTimeout, "request canceled", err)
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		return fromProviderKind(pe.Kind, err)
	}
	return newError(KindInternal, "internal error", err)
}

func fromProviderKind(kind provider.Kind, cause error) *Error {
	switch kind {
	case provider.KindInvalidSymbol:
		return newError(KindInvalidSymbol, "unknown symbol", cause)
	case provider.KindRateLimited:
		return newError(KindRateLimited, "provider rate limits exhausted, retry later", cause)
	case provider.KindTimeout:
		return newError(KindTimeout, "providers timed out", cause)
	case provider.KindCanceled:
		return newError(KindTimeout, "request canceled", cause)
	default:
		return newError(KindUnavailable, "providers unavailable", cause)
	}
}

// BatchError reports the symbols of a batch request that could not be served.
type BatchError struct {
	Errors map[string]*Error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d symbols failed", len(e.Errors))
}

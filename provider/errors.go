package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Kind classifies provider failures.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindAuthFailure     Kind = "auth_failure"
	KindRateLimited     Kind = "rate_limited"
	KindUnavailable     Kind = "unavailable"
	KindInvalidSymbol   Kind = "invalid_symbol"
	KindRejected        Kind = "rejected"
	KindInvalidResponse Kind = "invalid_response"
	KindCanceled        Kind = "canceled"
)

// CodeBudgetExhausted marks a call refused locally by the rate budget.
const CodeBudgetExhausted = "budget_exhausted"

// Error is returned by every provider client call.
type Error struct {
	Kind       Kind
	Provider   string
	Code       string
	Message    string
	StatusCode int
	// RawResponse is kept for logs and never forwarded to callers.
	RawResponse []byte
	Timestamp   time.Time
	Retryable   bool
	// Ambiguous is set when the request may have reached the provider but
	// its outcome is not known.
	Ambiguous bool
	Cause     error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s:%s:%s] %s (HTTP %d)", e.Provider, e.Kind, e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s:%s:%s] %s", e.Provider, e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewHTTPError maps a non-2xx response to an Error. Order endpoints report
// client errors as rejections rather than invalid symbols.
func NewHTTPError(provider string, statusCode int, body []byte, orderPath bool) *Error {
	e := &Error{
		Provider:    provider,
		Code:        fmt.Sprintf("http_%d", statusCode),
		Message:     http.StatusText(statusCode),
		StatusCode:  statusCode,
		RawResponse: body,
		Timestamp:   time.Now(),
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.Code = "rate_limit_exceeded"
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Kind = KindAuthFailure
		e.Code = "authentication_failed"
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
		e.Retryable = true
		e.Ambiguous = true
	case statusCode >= http.StatusInternalServerError:
		e.Kind = KindUnavailable
		e.Retryable = true
		e.Ambiguous = true
	case orderPath:
		e.Kind = KindRejected
	case statusCode == http.StatusNotFound || statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		e.Kind = KindInvalidSymbol
	default:
		e.Kind = KindInvalidResponse
	}

	return e
}

// NewTransportError classifies a failure that happened before a response arrived.
func NewTransportError(provider string, err error) *Error {
	e := &Error{
		Provider:  provider,
		Message:   "transport error",
		Timestamp: time.Now(),
		Cause:     err,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
		e.Code = "canceled"
		e.Ambiguous = true
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
		e.Code = "deadline_exceeded"
		e.Retryable = true
		e.Ambiguous = true
	case errors.Is(err, syscall.ECONNREFUSED),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no such host"):
		// Never reached the provider.
		e.Kind = KindUnavailable
		e.Code = "connection_refused"
		e.Retryable = true
	default:
		e.Kind = KindUnavailable
		e.Code = "connection_error"
		e.Retryable = true
		e.Ambiguous = true
	}

	return e
}

// NewParseError reports a 2xx response whose body could not be understood.
func NewParseError(provider string, err error, raw []byte) *Error {
	return &Error{
		Kind:        KindInvalidResponse,
		Provider:    provider,
		Code:        "json_parse_error",
		Message:     "unexpected response body",
		RawResponse: raw,
		Timestamp:   time.Now(),
		Ambiguous:   true,
		Cause:       err,
	}
}

// NewBudgetError reports a call refused by the local rate budget.
func NewBudgetError(provider string, cause error) *Error {
	return &Error{
		Kind:      KindRateLimited,
		Provider:  provider,
		Code:      CodeBudgetExhausted,
		Message:   "local rate budget exhausted",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewValidationError reports a response that parsed but carried unusable data.
func NewValidationError(provider, message string) *Error {
	return &Error{
		Kind:      KindInvalidResponse,
		Provider:  provider,
		Code:      "invalid_payload",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Kinded is implemented by errors that aggregate provider failures and
// report one kind for all of them.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind of err, treating unclassified errors as unavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnavailable
	}
}

// IsRetryable reports whether a client may retry the call locally. Auth
// failures and rate limits never are.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Kind == KindAuthFailure || pe.Kind == KindRateLimited {
		return false
	}
	return pe.Retryable
}

// IsAmbiguous reports whether the provider may have acted on the request.
func IsAmbiguous(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return errors.Is(err, context.DeadlineExceeded)
	}
	return pe.Ambiguous
}

// IsLocalBudget reports whether err came from the local rate budget.
func IsLocalBudget(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeBudgetExhausted
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kocbridge/escrow/internal/apperr"
)

// ErrInvalidSignature is returned by VerifyCallback for payloads whose
// signature does not match.
var ErrInvalidSignature = apperr.New(apperr.KindValidation, "invalid_signature", "callback signature mismatch")

// ErrUnknownProvider is returned when no provider is registered under a name.
var ErrUnknownProvider = apperr.New(apperr.KindValidation, "unknown_provider", "unknown payment provider")

// Error is a failed provider call.
//
// Rejected calls (Retryable=false) are definitive: no money moved.
// Ambiguous calls timed out or lost the response; money may have moved and
// the operation must be reconciled through QueryStatus before retrying.
type Error struct {
	Provider  string
	Op        Op
	Code      string
	Message   string
	Retryable bool
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is 503 while the outcome is unknown, 502 otherwise.
func (e *Error) HTTPStatus() int {
	if e.Ambiguous {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// ErrorCode is the API error code for provider failures.
func (e *Error) ErrorCode() string {
	if e.Ambiguous {
		return "provider_pending"
	}
	return "provider_error"
}

// Is lets errors.Is(err, apperr.ErrProvider) match provider failures.
func (e *Error) Is(target error) bool {
	t, ok := target.(*apperr.Error)
	return ok && t.Code == "" && t.Kind == apperr.KindProvider
}

// Rejected builds a definitive provider refusal (the provider's success
// flag was false, or it answered with a business error).
func Rejected(provider string, op Op, code, message string) *Error {
	return &Error{Provider: provider, Op: op, Code: code, Message: message}
}

// Unavailable builds a failure where the request never reached the
// provider (dial error, 5xx before processing).
func Unavailable(provider string, op Op, err error) *Error {
	return &Error{Provider: provider, Op: op, Code: "unavailable", Retryable: true, Err: err}
}

// Ambiguous builds a failure whose outcome is unknown.
func Ambiguous(provider string, op Op, err error) *Error {
	return &Error{Provider: provider, Op: op, Code: "timeout", Retryable: true, Ambiguous: true, Err: err}
}

// Classify turns a transport error into an *Error. Timeouts and
// cancellations are ambiguous; other network errors are unavailable.
// An existing *Error passes through unchanged.
func Classify(provider string, op Op, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Ambiguous(provider, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Ambiguous(provider, op, err)
	}
	return Unavailable(provider, op, err)
}

// IsAmbiguous reports whether err is a provider failure with unknown outcome.
func IsAmbiguous(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Ambiguous
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// IsProviderFailure reports whether err came from a provider (as opposed to
// a validation or state error raised before the call).
func IsProviderFailure(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

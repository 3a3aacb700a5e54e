// Package apperr defines the error taxonomy shared by the escrow engine,
// the auto-release scheduler and the dispute workflow.
//
// Every domain error is an *Error with a Kind. Callers match either the
// kind sentinel (errors.Is(err, apperr.ErrValidation)) or a specific
// named error (errors.Is(err, escrow.ErrAmountMismatch)).
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and for HTTP mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindStateConflict Kind = "state_conflict"
	KindProvider      Kind = "provider"
	KindNotFound      Kind = "not_found"
)

// statusCoder and coder let errors defined outside this package, such as
// provider failures, pick their own response status and code.
type statusCoder interface{ HTTPStatus() int }

type coder interface{ ErrorCode() string }

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields carries per-field detail for validation failures.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code when the target names one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Kind sentinels.
var (
	ErrValidation    = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrAuthorization = &Error{Kind: KindAuthorization, Message: "not authorized"}
	ErrStateConflict = &Error{Kind: KindStateConflict, Message: "invalid state"}
	ErrProvider      = &Error{Kind: KindProvider, Message: "provider failure"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
)

// New returns a named error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation returns a validation error carrying field details.
func Validation(code, message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Fields: fields}
}

// Conflict returns a state-conflict error.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindStateConflict, Code: code, Message: message}
}

// Wrap returns a copy of e wrapping cause. The copy still matches e.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// WithField returns a copy of e with one more field detail.
func (e *Error) WithField(field, detail string) *Error {
	c := *e
	c.Fields = make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.Fields[field] = detail
	return &c
}

// WithFields returns a copy of e carrying fields in addition to its own.
func (e *Error) WithFields(fields map[string]string) *Error {
	c := *e
	c.Fields = make(map[string]string, len(e.Fields)+len(fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	for k, v := range fields {
		c.Fields[k] = v
	}
	return &c
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, falling back to the kind, then "internal_error".
func CodeOf(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return string(e.Kind)
	}
	return "internal_error"
}

// FieldsOf returns validation field details, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

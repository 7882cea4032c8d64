// Package chaterr defines the error taxonomy shared by the gateway, router
// and client. Every error that crosses a component boundary carries a Kind so
// callers can decide whether to drop the connection, reject the operation or
// retry.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindValidation
	KindTimeout
	KindTransport
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation_error"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport_error"
	default:
		return "internal_error"
	}
}

// Retryable reports whether an operation that failed with this kind may
// succeed if repeated unchanged.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransport
}

// Sentinels for errors.Is comparisons. Only the Kind is compared.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrTransport       = &Error{Kind: KindTransport}
	ErrInternal        = &Error{Kind: KindInternal}
)

// Error is a classified error. Message is safe to show to the client; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Forbidden, Validation and friends are shorthands for New.
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }
func Forbidden(message string) *Error       { return New(KindForbidden, message) }
func Validation(message string) *Error      { return New(KindValidation, message) }
func Timeout(message string) *Error         { return New(KindTimeout, message) }
func Transport(message string) *Error       { return New(KindTransport, message) }

// KindOf returns the Kind of the first *Error in err's chain. Context
// deadline errors are reported as KindTimeout; anything unclassified is
// KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if isDeadline(err) {
		return KindTimeout
	}
	return KindInternal
}

// MessageOf returns the client-facing message for err. Unclassified errors
// never leak their text.
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Message != "" {
			return ce.Message
		}
		return ce.Kind.String()
	}
	if isDeadline(err) {
		return "operation timed out"
	}
	return "internal error"
}

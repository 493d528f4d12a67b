// Package errors defines the error taxonomy shared by every goreplica component.
//
// Errors carry a Kind (what went wrong) and an optional Op (where). Two errors
// match under errors.Is when their kinds are equal, so callers can test for a
// category with the exported sentinels:
//
//	if errors.Is(err, rerrors.ErrSignatureMismatch) { ... }
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind categorizes an error.
type Kind string

const (
	KindRegistryNotAcquired Kind = "registry_not_acquired"
	KindHostUrlInvalid      Kind = "host_url_invalid"
	KindListenFailed        Kind = "listen_failed"
	KindSignatureMismatch   Kind = "signature_mismatch"
	KindSocketAccessError   Kind = "socket_access_error"
	KindNoConnection        Kind = "no_connection"
	KindInvalidMessage      Kind = "invalid_message"
	KindTimeout             Kind = "timeout"
	KindUnknownType         Kind = "unknown_type"
	KindNameInUse           Kind = "name_in_use"
	KindNotBound            Kind = "not_bound"
	KindConstantProperty    Kind = "constant_property"
	KindInvalidArgument     Kind = "invalid_argument"
	KindRemoteError         Kind = "remote_error"
)

// Sentinels for errors.Is checks.
var (
	ErrRegistryNotAcquired = &Error{Kind: KindRegistryNotAcquired}
	ErrHostUrlInvalid      = &Error{Kind: KindHostUrlInvalid}
	ErrListenFailed        = &Error{Kind: KindListenFailed}
	ErrSignatureMismatch   = &Error{Kind: KindSignatureMismatch}
	ErrSocketAccessError   = &Error{Kind: KindSocketAccessError}
	ErrNoConnection        = &Error{Kind: KindNoConnection}
	ErrInvalidMessage      = &Error{Kind: KindInvalidMessage}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrUnknownType         = &Error{Kind: KindUnknownType}
	ErrNameInUse           = &Error{Kind: KindNameInUse}
	ErrNotBound            = &Error{Kind: KindNotBound}
	ErrConstantProperty    = &Error{Kind: KindConstantProperty}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrRemoteError         = &Error{Kind: KindRemoteError}
)

// Error is the structured error type used throughout goreplica.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind. Detail is formatted with args when present.
func New(kind Kind, op string, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap creates an error of the given kind caused by err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
// Timeouts reported by context or gRPC map to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if IsTimeout(err) {
		return KindTimeout
	}
	return ""
}

// IsTimeout reports whether err is a timeout error. It checks for KindTimeout,
// context.DeadlineExceeded, and gRPC DeadlineExceeded status codes.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindTimeout {
		return true
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.DeadlineExceeded
	}

	return false
}

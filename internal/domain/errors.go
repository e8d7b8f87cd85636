package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and wire translation.
type Kind string

const (
	KindInvalid             Kind = "invalid"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindDuplicate           Kind = "duplicate"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error is the error type surfaced by services. It carries a stable kind
// token and a human message; internal causes are wrapped, never exposed.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two domain errors match on kind, so sentinel comparisons like
// errors.Is(err, domain.ErrNotFound("")) work across wrapping.
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return e.Kind == de.Kind
	}
	return false
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Invalidf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func QuotaExceeded(msg string) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: msg}
}

func UpstreamUnavailable(provider string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: provider + " unavailable", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// ErrKind extracts the kind from any error; unclassified errors are internal.
func ErrKind(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return ErrKind(err) == kind
}

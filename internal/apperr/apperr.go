// Package apperr defines the error taxonomy shared by the upload engine and
// its HTTP transports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// MaxMessageLen caps messages that reach end users.
const MaxMessageLen = 256

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindPermission
	KindQuotaExceeded
	KindNotFound
	KindConflict
	KindUpstream
	KindSizeExceeded
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuth:
		return "AuthError"
	case KindPermission:
		return "PermissionError"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindUpstream:
		return "UpstreamError"
	case KindSizeExceeded:
		return "SizeExceeded"
	default:
		return "InternalError"
	}
}

// HTTPStatus returns the status code used in the error envelope.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindQuotaExceeded, KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. A sentinel with an empty Message matches any
// error of the same Kind through errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrPermission    = &Error{Kind: KindPermission}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrUpstream      = &Error{Kind: KindUpstream}
	ErrSizeExceeded  = &Error{Kind: KindSizeExceeded}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }
func Auth(format string, args ...any) error       { return newf(KindAuth, format, args...) }
func Permission(format string, args ...any) error { return newf(KindPermission, format, args...) }
func QuotaExceeded(format string, args ...any) error {
	return newf(KindQuotaExceeded, format, args...)
}
func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }
func SizeExceeded(format string, args ...any) error {
	return newf(KindSizeExceeded, format, args...)
}

// Upstream wraps an object store failure.
func Upstream(err error, format string, args ...any) error {
	e := newf(KindUpstream, format, args...)
	e.Err = err
	return e
}

// KindOf reports the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTerminal reports whether err must never be retried automatically.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAuth, KindPermission, KindQuotaExceeded, KindNotFound, KindConflict, KindSizeExceeded:
		return true
	}
	return false
}

// PublicMessage returns the message shown to users, capped at MaxMessageLen.
// Internal errors never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal server error"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	return Truncate(msg)
}

// Truncate caps s at MaxMessageLen bytes without splitting a UTF-8 sequence.
func Truncate(s string) string {
	if len(s) <= MaxMessageLen {
		return s
	}
	cut := MaxMessageLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

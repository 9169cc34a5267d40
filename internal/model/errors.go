package model

import (
	"context"
	"errors"
	"net"
)

var (
	ErrInvalid         = errors.New("invalid")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrCredentials     = errors.New("invalid credentials")
	ErrAlreadyExists   = errors.New("already exists")
)

// ErrorKind is the failure taxonomy shared by the store, reconciler and adapters.
type ErrorKind string

const (
	// KindTransient failures are retryable by the caller; nothing retries them internally.
	KindTransient ErrorKind = "transient"
	// KindPermission is a missing OS or remote capability surfaced as degraded mode.
	KindPermission ErrorKind = "permission"
	// KindConflict is an action on a record that no longer exists remotely.
	KindConflict ErrorKind = "conflict"
	// KindConfiguration is a missing native scheduling capability.
	KindConfiguration ErrorKind = "configuration"
)

// Error carries a taxonomy kind next to the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err. Network and deadline errors are transient even
// when nobody classified them.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	if errors.Is(err, ErrNotFound) {
		return KindConflict, true
	}
	if errors.Is(err, ErrUnauthenticated) {
		return KindPermission, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient, true
	}
	return "", false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ErrorCode maps an error onto the API error code table.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalid):
		return ErrCodeInvalid
	case errors.Is(err, ErrCredentials):
		return ErrCodeCredentials
	case errors.Is(err, ErrUnauthenticated):
		return ErrCodeUnauthenticated
	}
	kind, ok := KindOf(err)
	if !ok {
		return ErrCodeInternal
	}
	switch kind {
	case KindTransient:
		return ErrCodeTransient
	case KindPermission:
		return ErrCodePermission
	case KindConflict:
		return ErrCodeNotFound
	case KindConfiguration:
		return ErrCodeConfiguration
	default:
		return ErrCodeInternal
	}
}

package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies upstream failures for retry decisions.
type ErrorKind string

const (
	ErrKindDisconnected ErrorKind = "disconnected"
	ErrKindTransient    ErrorKind = "transient"
	ErrKindRateLimited  ErrorKind = "rate_limited"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindInvalid      ErrorKind = "invalid"
)

// Error is returned by Gateway implementations.
type Error struct {
	Kind       ErrorKind
	Provider   Name
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s provider error (%s/%s): %s", e.Provider, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a provider error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsDisconnected reports whether the credential behind err is dead.
func IsDisconnected(err error) bool {
	return KindOf(err) == ErrKindDisconnected
}

// IsTransient reports whether err should be retried without touching entity state.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrKindTransient, ErrKindRateLimited:
		return true
	}
	return false
}

func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

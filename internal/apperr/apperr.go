// Package apperr defines the stable error kinds returned by the ledger core.
//
// Every domain failure carries a Kind so callers (HTTP controllers, the MCP
// tools, background jobs) can branch on it with errors.Is against the
// sentinel values below, while the message stays human readable.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindExceedsCapacity     Kind = "exceeds_capacity"
	KindInvalidState        Kind = "invalid_state"
	KindNotFound            Kind = "not_found"
	KindVerificationFailed  Kind = "external_verification_failed"
	KindWalletFrozen        Kind = "wallet_frozen"
	KindForbidden           Kind = "forbidden"
	KindInternal            Kind = "internal"
)

// Error is a domain error with a kind and a message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrExceedsCapacity     = &Error{Kind: KindExceedsCapacity}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrWalletFrozen        = &Error{Kind: KindWalletFrozen}
	ErrForbidden           = &Error{Kind: KindForbidden}
)

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

// NotFound is shorthand for New(KindNotFound, "<what> not found").
func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// InvalidState reports an attempted transition from the wrong status.
func InvalidState(format string, args ...any) error {
	return New(KindInvalidState, format, args...)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsDomain reports whether err carries a domain kind. Domain errors abort a
// transaction and are never retried.
func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

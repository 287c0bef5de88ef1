package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindPayment      Kind = "payment"
	KindNotFound     Kind = "not_found"
)

// Error is a classified domain error. Reason is safe to show to the caller.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports bad input: empty cart, invalid discount, malformed address.
func Validation(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}

// Conflict reports a lost unique-constraint or version race.
func Conflict(reason string, err error) error {
	return &Error{Kind: KindConflict, Reason: reason, Err: err}
}

// InvalidState reports an operation that is illegal for the current state.
func InvalidState(reason string) error {
	return &Error{Kind: KindInvalidState, Reason: reason}
}

// Payment reports a processor failure or timeout.
func Payment(reason string, err error) error {
	return &Error{Kind: KindPayment, Reason: reason, Err: err}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Reason: what + " not found"}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ReasonOf returns the caller-facing reason, or "" for unclassified errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsValidation(err error) bool   { return Is(err, KindValidation) }
func IsConflict(err error) bool     { return Is(err, KindConflict) }
func IsInvalidState(err error) bool { return Is(err, KindInvalidState) }
func IsPayment(err error) bool      { return Is(err, KindPayment) }
func IsNotFound(err error) bool     { return Is(err, KindNotFound) }

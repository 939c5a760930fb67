// Package errs implements the delivery-pipeline error taxonomy of the
// specification: a closed set of kinds the engine classifies every
// adapter/store outcome into, so retry decisions live in exactly one
// place instead of being scattered across channel code.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated by the specification.
type Kind string

const (
	InvalidInput     Kind = "invalid_input"
	TemplateNotFound Kind = "template_not_found"
	TemplateInactive Kind = "template_inactive"
	Suppressed       Kind = "suppressed"
	InvalidHandle    Kind = "invalid_handle"
	RateLimited      Kind = "rate_limited"
	Transient        Kind = "transient"
	Permanent        Kind = "permanent"
	Exhausted        Kind = "exhausted"
	Internal         Kind = "internal"
)

// Error is the concrete error type carried through the pipeline.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, keeping cause for %w chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithCode attaches a provider-specific error code (e.g. "hard_bounce").
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// that were never classified by the adapter/store boundary.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf extracts the provider-specific Code from err, falling back to
// the Kind string when no code was attached.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return string(KindOf(err))
}

// Retryable reports whether the engine should schedule another attempt.
// Only Transient is retryable; every other kind is terminal (either
// immediately dead-lettered, or — for Suppressed/InvalidInput/template
// errors — never enqueued/attempted in the first place).
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// Terminal reports whether err represents a dead-letter-worthy outcome.
func Terminal(err error) bool {
	switch KindOf(err) {
	case Permanent, Exhausted, InvalidHandle, Suppressed:
		return true
	default:
		return false
	}
}

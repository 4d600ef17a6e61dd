// Package pipeline orchestrates predictions: validation, cache lookup, model
// resolution, feature extraction, inference, post-processing, and audit.
// It is the only place that converts internal failures into the discriminated
// error kinds the HTTP adapter maps to status codes.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates pipeline errors for the transport boundary.
type Kind string

// Error kinds, in increasing severity.
const (
	// KindValidation is a client-side constraint violation. Never retried.
	KindValidation Kind = "validation"

	// KindUnavailable means no Active model exists for the family. Retryable.
	KindUnavailable Kind = "unavailable"

	// KindTransient is infrastructure unavailability below the prediction
	// path. Cache and audit transients are swallowed before reaching callers;
	// registry transients surface with this kind after retries are exhausted.
	KindTransient Kind = "transient"

	// KindFatal is a predictor or feature-extractor failure. Logged, audited
	// as Failure, and re-raised.
	KindFatal Kind = "fatal"
)

// Error is a pipeline failure tagged with its kind. The wrapped cause remains
// reachable through errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// NewValidationError joins the individual validator messages into one
// client-facing error.
func NewValidationError(messages []string) *Error {
	return &Error{Kind: KindValidation, Message: strings.Join(messages, "; ")}
}

// NewUnavailableError reports a family without an Active model.
func NewUnavailableError(family string, cause error) *Error {
	return &Error{
		Kind:    KindUnavailable,
		Message: fmt.Sprintf("no active model for family %s", family),
		cause:   cause,
	}
}

// NewTransientError wraps an infrastructure failure that callers may retry.
func NewTransientError(operation string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: operation, cause: cause}
}

// NewFatalError wraps a predictor or extractor failure.
func NewFatalError(operation string, cause error) *Error {
	return &Error{Kind: KindFatal, Message: operation, cause: cause}
}

// KindOf returns the pipeline kind of err, or KindFatal for untagged errors.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}

	return KindFatal
}

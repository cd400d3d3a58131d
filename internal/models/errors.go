package models

import (
	"errors"
	"fmt"
)

// Record store contract errors. These indicate caller misuse and are
// propagated, never swallowed.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateID       = errors.New("record id already exists")
	ErrInvalidTransition = errors.New("invalid sync status transition")
	ErrUnknownKind       = errors.New("unknown record kind")
	ErrEmptyPayload      = errors.New("payload is empty")
	ErrMalformedPayload  = errors.New("malformed payload")
)

// Model lifecycle errors
var (
	ErrModelNotFound     = errors.New("model not found")
	ErrNoActiveModel     = errors.New("no active model")
	ErrModelNotReady     = errors.New("model artifact is not ready")
	ErrModelInUse        = errors.New("model artifact is in use")
	ErrQuotaExceeded     = errors.New("model storage quota exceeded")
	ErrChecksumMismatch  = errors.New("artifact checksum mismatch")
	ErrInvalidModelState = errors.New("invalid model artifact state transition")
)

// SubmitError wraps a batch submission failure with a retryability verdict.
// Transient failures (timeouts, connection resets, 5xx) go back through the
// backoff schedule; permanent ones (validation rejects, 4xx) park the record.
type SubmitError struct {
	Err       error
	Transient bool
}

func (e *SubmitError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient submit failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent submit failure: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable submission failure
func Transient(err error) *SubmitError {
	return &SubmitError{Err: err, Transient: true}
}

// Permanent wraps err as a non-retryable submission failure
func Permanent(err error) *SubmitError {
	return &SubmitError{Err: err, Transient: false}
}

// IsTransient reports whether err should be retried with backoff. Unclassified
// errors count as transient: the server may have committed the batch, and the
// idempotency key makes the retry safe.
func IsTransient(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

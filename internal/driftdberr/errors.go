// Package driftdberr defines the tagged error kinds DriftDB surfaces to
// callers across the segment, WAL, MVCC, planner, and engine packages.
//
// What: a stable Kind enum attached to every error the storage engine
// returns, so callers can branch on retryability (Conflict/Serialization are
// retryable by restarting the transaction; Deadlock/Timeout are retryable
// outright; Corruption is auto-repaired locally; everything else propagates).
// How: a single wrapped error type compatible with errors.Is/errors.As,
// following tinySQL's sentinel-error convention (storage.ErrRowNotFound,
// mvcc.ErrTxNotActive) but upgraded so the *kind*, not just the message, is
// inspectable.
package driftdberr

import (
	"errors"
	"fmt"
)

// Kind is a stable, comparable error classification.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindNotFound
	KindConflict
	KindSerialization
	KindDeadlock
	KindTimeout
	KindCorruption
	KindIntegrityViolation
	KindIO
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindSerialization:
		return "Serialization"
	case KindDeadlock:
		return "Deadlock"
	case KindTimeout:
		return "Timeout"
	case KindCorruption:
		return "Corruption"
	case KindIntegrityViolation:
		return "IntegrityViolation"
	case KindIO:
		return "IO"
	case KindInternal:
		return "Internal"
	default:
		return "Unspecified"
	}
}

// Error wraps an underlying cause with a stable Kind tag.
type Error struct {
	Kind    Kind
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

// New builds a tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind tag to an existing error.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, walking the unwrap chain. Returns
// KindUnspecified if err does not carry a tagged Kind.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindUnspecified
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a caller may retry the operation that produced
// err by restarting the transaction: Conflict and Serialization are
// restart-retryable, Deadlock and Timeout are outright retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindSerialization, KindDeadlock, KindTimeout:
		return true
	default:
		return false
	}
}

// Sentinel convenience constructors mirroring §7 of the specification.
var (
	ErrNotFound           = New(KindNotFound, "not found")
	ErrConflict           = New(KindConflict, "write conflict")
	ErrSerialization      = New(KindSerialization, "serialization failure")
	ErrDeadlock           = New(KindDeadlock, "deadlock victim")
	ErrTimeout            = New(KindTimeout, "transaction timeout")
	ErrCorruption         = New(KindCorruption, "frame corruption")
	ErrIntegrityViolation = New(KindIntegrityViolation, "integrity violation")
)

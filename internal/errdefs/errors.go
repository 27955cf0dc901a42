// internal/errdefs/errors.go
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for simple checks.
var (
	// ErrPending is returned when no pipeline is ready to accept work, or the
	// pipeline is already busy. Callers should retry once the configuration settles.
	ErrPending = errors.New("cannot execute pipeline, it has not yet been prepared")

	// ErrNotSupported is returned when no provider can satisfy a request.
	ErrNotSupported = errors.New("not supported")

	// ErrCancelled is returned when an operation was cancelled. It is never
	// counted as a build failure.
	ErrCancelled = errors.New("operation was cancelled")
)

// PendingError carries the reason a request could not be accepted yet.
type PendingError struct {
	Reason string
}

func (e *PendingError) Error() string {
	return e.Reason
}

func (e *PendingError) Is(target error) bool {
	return target == ErrPending
}

// NewPending returns a pending error with the given reason.
func NewPending(format string, args ...any) error {
	return &PendingError{Reason: fmt.Sprintf(format, args...)}
}

// NotSupportedError is returned when no provider can install an entity.
type NotSupportedError struct {
	Kind string
	ID   string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("failed to locate provider for %s: %s", e.Kind, e.ID)
}

func (e *NotSupportedError) Is(target error) bool {
	return target == ErrNotSupported
}

// CancelledError wraps the context error that stopped an operation.
type CancelledError struct {
	Op    string
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Op == "" {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s was cancelled", e.Op)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancelledError) Unwrap() error {
	if e.Cause == nil {
		return context.Canceled
	}
	return e.Cause
}

// Cancelled returns a CancelledError for op. cause is usually ctx.Err().
func Cancelled(op string, cause error) error {
	return &CancelledError{Op: op, Cause: cause}
}

// StageError is returned when a stage fails to execute or clean.
type StageError struct {
	Stage   string
	EntryID uint
	Phase   string
	Op      string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q (%s, entry %d) failed to %s: %v", e.Stage, e.Phase, e.EntryID, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// SetupError is returned when a pipeline could not be prepared, either
// because the runtime could not be ensured or because initialization failed.
type SetupError struct {
	ConfigID string
	Err      error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to setup build pipeline for configuration %q: %v", e.ConfigID, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// IsPending returns true if err signals a not-yet-actionable request.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending)
}

// IsNotSupported returns true if err signals a missing provider.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// IsCancelled returns true if err was caused by cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsStageFailed returns true if err contains a StageError.
func IsStageFailed(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// IsSetupFailed returns true if err contains a SetupError.
func IsSetupFailed(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// internal/errdefs/errors_test.go
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingError(t *testing.T) {
	err := NewPending("pipeline %s is busy", "p1")
	assert.True(t, IsPending(err))
	assert.Equal(t, "pipeline p1 is busy", err.Error())

	wrapped := fmt.Errorf("failed to build: %w", err)
	assert.True(t, IsPending(wrapped))
	assert.False(t, IsCancelled(wrapped))
}

func TestNotSupportedError(t *testing.T) {
	err := &NotSupportedError{Kind: "runtime", ID: "missing"}
	assert.True(t, IsNotSupported(err))
	assert.Equal(t, "failed to locate provider for runtime: missing", err.Error())
}

func TestCancelledError(t *testing.T) {
	err := Cancelled("build", context.Canceled)
	assert.True(t, IsCancelled(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsStageFailed(err))

	deadline := Cancelled("clean", context.DeadlineExceeded)
	assert.True(t, errors.Is(deadline, context.DeadlineExceeded))
	assert.True(t, errors.Is(deadline, ErrCancelled))
}

func TestStageError(t *testing.T) {
	cause := errors.New("exit status 2")
	err := fmt.Errorf("build failed: %w", &StageError{Stage: "make", EntryID: 3, Phase: "build", Op: "execute", Err: cause})

	assert.True(t, IsStageFailed(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), `stage "make" (build, entry 3) failed to execute`)

	var se *StageError
	if assert.True(t, errors.As(err, &se)) {
		assert.Equal(t, uint(3), se.EntryID)
	}
}

func TestSetupError(t *testing.T) {
	err := &SetupError{ConfigID: "default", Err: &NotSupportedError{Kind: "runtime", ID: "x"}}
	assert.True(t, IsSetupFailed(err))
	assert.True(t, IsNotSupported(err))
	assert.False(t, IsSetupFailed(errors.New("other")))
}

package bridge

import (
	"errors"
	"fmt"

	"github.com/feellmoose/typedkv/internal/native"
)

var (
	// ErrNotCompleted is matched by every *NotCompletedError.
	ErrNotCompleted = errors.New("operation did not complete successfully")

	// ErrUnknownHandle is returned when a token was never issued or was
	// already reclaimed by an earlier callback.
	ErrUnknownHandle = errors.New("unknown or already reclaimed completion handle")

	// ErrHandleType is returned when a token belongs to a completion of a
	// different value type.
	ErrHandleType = errors.New("completion handle has a different value type")

	// ErrReceiverGone is reported (and swallowed) when a value arrives for a
	// caller that stopped waiting.
	ErrReceiverGone = errors.New("completion receiver is gone")
)

// NotCompletedError is what a caller observes when the engine reported a
// non-success status. All non-success statuses are treated alike; Status is
// kept for diagnostics only.
type NotCompletedError struct {
	Status native.Status
}

func (e *NotCompletedError) Error() string {
	return fmt.Sprintf("operation did not complete successfully (status %s)", e.Status)
}

func (e *NotCompletedError) Is(target error) bool { return target == ErrNotCompleted }

// MergePanicError wraps a panic raised by the application's merge function.
type MergePanicError struct {
	Value interface{}
}

func (e *MergePanicError) Error() string {
	return fmt.Sprintf("merge function panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *MergePanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// CallbackPanicError wraps a panic raised inside a callback outside the merge
// function, typically by a codec.
type CallbackPanicError struct {
	Op    string
	Value interface{}
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("%s callback panicked: %v", e.Op, e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *CallbackPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

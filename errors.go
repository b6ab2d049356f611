package typedkv

import (
	"errors"
	"fmt"

	"github.com/feellmoose/typedkv/internal/bridge"
	"github.com/feellmoose/typedkv/internal/codec"
)

var (
	// ErrNotCompleted matches every failure where the engine reported a
	// status other than OK, including *StatusError and *NotCompletedError.
	ErrNotCompleted = bridge.ErrNotCompleted

	// ErrNotFound matches a *StatusError carrying StatusNotFound.
	ErrNotFound = errors.New("key not found")

	// ErrNoMerge is returned by RMW when no merge function is configured.
	ErrNoMerge = errors.New("no merge function configured for value type")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("store is closed")

	// ErrReceiverGone is the result of a Completion whose value arrived
	// after Abandon.
	ErrReceiverGone = bridge.ErrReceiverGone
)

// Codec and callback failures.
type (
	EncodeError       = codec.EncodeError
	DecodeError       = codec.DecodeError
	NotCompletedError = bridge.NotCompletedError
	MergePanicError   = bridge.MergePanicError

	// CallbackPanicError wraps a panic raised by a codec inside a callback.
	CallbackPanicError = bridge.CallbackPanicError
)

// StatusError reports a non-OK status returned by the engine.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: engine returned %s", e.Op, e.Status)
}

// Is matches ErrNotCompleted, and ErrNotFound when Status is StatusNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotCompleted:
		return true
	case ErrNotFound:
		return e.Status == StatusNotFound
	}
	return false
}

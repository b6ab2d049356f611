package bridge

import (
	"context"
	"sync/atomic"

	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/opid"
)

// Completion is the single-use conduit between one read callback and the
// caller waiting for its value. It resolves exactly once: with a value, with
// a decode failure, or dropped because the engine reported a non-success
// status. Closing Done publishes the result to every waiter.
type Completion[V any] struct {
	id        opid.ID
	done      chan struct{}
	resolved  atomic.Bool
	abandoned atomic.Bool

	// Written once before done is closed.
	value  V
	err    error
	status native.Status
}

// NewCompletion creates an unresolved completion with a fresh ID.
func NewCompletion[V any]() *Completion[V] {
	return &Completion[V]{
		id:   handleIDs.Next(),
		done: make(chan struct{}),
	}
}

// ID renders the completion's operation ID for logs.
func (c *Completion[V]) ID() string { return handleIDs.String(c.id) }

// Done is closed once the completion resolves.
func (c *Completion[V]) Done() <-chan struct{} { return c.done }

// Status returns the engine status the completion resolved with, or
// StatusPending while unresolved.
func (c *Completion[V]) Status() native.Status {
	select {
	case <-c.done:
		return c.status
	default:
		return native.StatusPending
	}
}

// Abandon tells the producer nobody is waiting any more. A later delivery is
// discarded and the completion resolves with ErrReceiverGone and
// StatusAborted.
func (c *Completion[V]) Abandon() { c.abandoned.Store(true) }

// Wait blocks until the completion resolves or ctx is done. A non-success
// status yields a *NotCompletedError (errors.Is ErrNotCompleted); a decode
// failure yields the codec's *DecodeError. If ctx ends first ctx.Err() is
// returned and the completion stays pending, so Wait may be called again.
// A completion that has already resolved always returns its result.
func (c *Completion[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
	}

	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Completion[V]) resolve(v V, err error, status native.Status) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.value, c.err, c.status = v, err, status
	close(c.done)
	return true
}

// deliver resolves with a value. It returns ErrReceiverGone when the caller
// abandoned the completion; the value is then discarded.
func (c *Completion[V]) deliver(v V) error {
	if c.abandoned.Load() {
		var zero V
		c.resolve(zero, ErrReceiverGone, native.StatusAborted)
		return ErrReceiverGone
	}
	if !c.resolve(v, nil, native.StatusOK) {
		return ErrUnknownHandle
	}
	return nil
}

// fail resolves with an error, e.g. a DecodeError.
func (c *Completion[V]) fail(err error, status native.Status) bool {
	var zero V
	return c.resolve(zero, err, status)
}

// drop resolves without a value.
func (c *Completion[V]) drop(status native.Status) bool {
	var zero V
	return c.resolve(zero, &NotCompletedError{Status: status}, status)
}

// abort lets the handle table resolve a completion it cannot type.
func (c *Completion[V]) abort(status native.Status) bool { return c.drop(status) }

type aborter interface {
	abort(status native.Status) bool
}

package bridge

import (
	"errors"
	"fmt"

	"github.com/feellmoose/typedkv/internal/codec"
	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/logging"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

// ReadCompletion returns the read callback to register with the engine for
// values of type V. Each invocation reclaims the completion behind the token,
// decodes the borrowed buffer on StatusOK and delivers the value, or drops
// the completion on any other status without touching the buffer.
func ReadCompletion[V any](c codec.Codec[V]) native.ReadCallback {
	return func(handle native.Token, value native.Raw, status native.Status) {
		defer func() {
			if r := recover(); r != nil {
				escalate("read", &CallbackPanicError{Op: "read", Value: r})
			}
		}()
		if err := completeRead(c, handle, Borrow(value), status); err != nil {
			escalate("read", err)
		}
	}
}

func completeRead[V any](c codec.Codec[V], handle native.Token, buf Borrowed, status native.Status) (err error) {
	comp, err := ReclaimHandle[V](handle)
	if err != nil {
		return fmt.Errorf("read callback for token %d: %w", handle, err)
	}

	// The handle is reclaimed, so the waiter depends on this call resolving it.
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackPanicError{Op: "read", Value: r}
			comp.fail(err, native.StatusAborted)
		}
	}()

	if !status.OK() {
		comp.drop(status)
		return nil
	}

	v, err := c.Decode(buf.Bytes())
	if err != nil {
		// Resolve first so a handler that chooses to continue still leaves
		// the caller with the DecodeError rather than a hang.
		comp.fail(err, status)
		return err
	}

	if err := comp.deliver(v); err != nil {
		if errors.Is(err, ErrReceiverGone) {
			logging.Debug("read result discarded, caller stopped waiting", "op", comp.ID())
			return nil
		}
		return err
	}
	return nil
}

// RMWMerge returns the read-modify-write callback for values of type V. The
// merged value is encoded into a buffer from alloc whose ownership passes to
// the engine when the callback returns. On failure the callback escalates and
// returns a nil Raw.
func RMWMerge[V any](c codec.Codec[V], merge MergeFunc[V], alloc *pool.Pool) native.RMWCallback {
	return func(current, modification native.Raw) (result native.Raw) {
		defer func() {
			if r := recover(); r != nil {
				escalate("rmw", &CallbackPanicError{Op: "rmw", Value: r})
				result = native.Raw{}
			}
		}()
		out, err := mergeRMW(c, merge, alloc, Borrow(current), Borrow(modification))
		if err != nil {
			escalate("rmw", err)
			return native.Raw{}
		}
		return out.IntoRaw()
	}
}

func mergeRMW[V any](c codec.Codec[V], merge MergeFunc[V], alloc *pool.Pool, current, modification Borrowed) (*Owned, error) {
	if merge == nil {
		return nil, errors.New("no merge function registered")
	}

	cur, err := c.Decode(current.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode current value: %w", err)
	}
	mod, err := c.Decode(modification.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decode modification: %w", err)
	}

	merged, err := safeMerge(merge, cur, mod)
	if err != nil {
		return nil, err
	}

	data, err := c.Encode(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged value: %w", err)
	}
	return NewOwned(alloc, data), nil
}

func safeMerge[V any](merge MergeFunc[V], cur, mod V) (merged V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &MergePanicError{Value: r}
		}
	}()
	return merge(cur, mod), nil
}

// Package typedkv provides typed access to an asynchronous byte-level
// key-value engine.
//
// The engine stores opaque bytes and reports results through raw callbacks.
// typedkv binds a key type and a value type to codecs and supplies the two
// callbacks the engine needs: a read-completion callback that decodes the
// engine's borrowed buffer and hands the value to the waiting caller, and a
// read-modify-write callback that merges values in Go and transfers the
// encoded result back to the engine.
//
// Example (Counter):
//
//	type Counter struct {
//	    Value uint64 `cbor:"value"`
//	}
//
//	func (c Counter) Merge(m Counter) Counter { return Counter{Value: c.Value + m.Value} }
//
//	store, _ := typedkv.NewInMemory[uint64, Counter](nil, nil)
//	defer store.Close()
//
//	store.Upsert(ctx, 5, Counter{Value: 12})
//	store.RMW(ctx, 5, Counter{Value: 17})
//	c, _ := store.Get(ctx, 5) // c.Value == 29
//
// Thread-safety: All public methods are safe for concurrent access.
package typedkv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/feellmoose/typedkv/internal/bridge"
	"github.com/feellmoose/typedkv/internal/engine"
	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/logging"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

// Engine is the byte-level engine a Store drives.
//
// Read must either return StatusPending or StatusOK and invoke cb exactly
// once, or return any other status and never invoke cb. RMW result buffers
// returned by the callback are allocated from Allocator and become the
// engine's to free.
type Engine interface {
	Upsert(key []byte, value Raw) Status
	Read(key []byte, handle Token, cb ReadCallback) Status
	RMW(key []byte, modification Raw, cb RMWCallback) Status
	Delete(key []byte) Status
	CompletePending()
	Allocator() *Allocator
}

// Store is a typed view of an Engine.
type Store[K, V any] struct {
	eng   Engine
	owned io.Closer // engine created by NewInMemory
	alloc *pool.Pool

	keys   Codec[K]
	values Codec[V]

	readCB native.ReadCallback
	rmwCB  native.RMWCallback

	closed atomic.Bool
}

// New creates a Store over eng. The caller keeps ownership of eng; Close
// does not close it.
//
// Parameters:
//   - eng: The engine to drive (required)
//   - opts: Codecs, merge function and logging (nil for all defaults)
//
// Returns:
//   - *Store[K, V]: Ready to use
//   - error: eng is nil
func New[K, V any](eng Engine, opts *Options[K, V]) (*Store[K, V], error) {
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	opts = opts.withDefaults()

	if opts.Log != nil {
		logging.Configure(opts.Log)
	}

	alloc := eng.Allocator()
	if alloc == nil {
		alloc = pool.Default
	}

	s := &Store[K, V]{
		eng:    eng,
		alloc:  alloc,
		keys:   opts.KeyCodec,
		values: opts.ValueCodec,
		readCB: bridge.ReadCompletion(opts.ValueCodec),
	}
	if opts.Merge != nil {
		s.rmwCB = bridge.RMWMerge(opts.ValueCodec, opts.Merge, alloc)
	}

	logging.Debug("store created", "keyCodec", opts.KeyCodec.Name(), "valueCodec", opts.ValueCodec.Name(),
		"merge", opts.Merge != nil)
	return s, nil
}

// NewInMemory creates a Store backed by a new built-in engine, which the
// Store owns and closes.
//
// Example:
//
//	store, err := typedkv.NewInMemory[string, Session](nil, &typedkv.EngineOptions{
//	    Storage: &typedkv.StorageOptions{Backend: typedkv.BackendMemorySharded, MaxMemoryMB: 512},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewInMemory[K, V any](opts *Options[K, V], engOpts *EngineOptions) (*Store[K, V], error) {
	eng, err := engine.New(engOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s, err := New[K, V](eng, opts)
	if err != nil {
		eng.Close()
		return nil, err
	}
	s.owned = eng
	return s, nil
}

func (s *Store[K, V]) begin(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *Store[K, V]) encodeKey(k K) ([]byte, error) {
	key, err := s.keys.Encode(k)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	return key, nil
}

// Upsert stores v under k, replacing any previous value.
//
// Errors:
//   - *EncodeError: k or v could not be encoded
//   - *StatusError: the engine rejected the write (e.g. StatusOutOfMemory)
//   - ErrClosed, ctx.Err()
//
// Panic safety: Recovers from internal panics and returns error.
func (s *Store[K, V]) Upsert(ctx context.Context, k K, v V) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Upsert operation: %v", r)
			logging.Error(err, "Upsert panic recovered")
		}
	}()

	if err := s.begin(ctx); err != nil {
		return err
	}
	key, err := s.encodeKey(k)
	if err != nil {
		return err
	}
	data, err := s.values.Encode(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	// The engine copies during the call, so the buffer stays ours.
	buf := bridge.NewOwned(s.alloc, data)
	defer buf.Release()

	if status := s.eng.Upsert(key, buf.Raw()); !status.OK() {
		return &StatusError{Op: "upsert", Status: status}
	}
	return nil
}

// Read starts an asynchronous lookup of k and returns its Completion. The
// value arrives when the engine invokes the read callback; use
// Completion.Wait to receive it. A Wait that gives up on its ctx leaves the
// completion pending and can be retried; call Completion.Abandon to discard
// a result nobody will collect.
//
// A missing key resolves the completion with a *NotCompletedError whose
// Status is StatusNotFound. A stored value that fails to decode is treated as
// unrecoverable and escalated to the FatalHandler; if the handler returns,
// the completion resolves with the *DecodeError.
//
// Errors (returned immediately, no completion):
//   - *EncodeError: k could not be encoded
//   - *StatusError: the engine refused to schedule the read
//   - ErrClosed, ctx.Err()
func (s *Store[K, V]) Read(ctx context.Context, k K) (comp *Completion[V], err error) {
	var tok native.Token
	defer func() {
		if r := recover(); r != nil {
			if tok != 0 {
				// A no-op if the callback already reclaimed it.
				bridge.DropHandle[V](tok, native.StatusAborted)
			}
			comp = nil
			err = fmt.Errorf("panic in Read operation: %v", r)
			logging.Error(err, "Read panic recovered")
		}
	}()

	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	key, err := s.encodeKey(k)
	if err != nil {
		return nil, err
	}

	comp = bridge.NewCompletion[V]()
	tok = bridge.NewHandle(comp)

	switch status := s.eng.Read(key, tok, s.readCB); status {
	case native.StatusPending, native.StatusOK:
		return comp, nil
	default:
		// The callback will never run, so the handle is still ours.
		bridge.DropHandle[V](tok, status)
		return nil, &StatusError{Op: "read", Status: status}
	}
}

// Get reads k and waits for the value.
//
// Errors:
//   - ErrNotFound (as *StatusError): k does not exist
//   - *StatusError: any other non-OK engine status
//   - *DecodeError: the stored bytes are not a valid V
//   - ctx.Err(): ctx ended before the value arrived
//
// Example:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//
//	c, err := store.Get(ctx, 5)
//	if errors.Is(err, typedkv.ErrNotFound) {
//	    // not stored yet
//	}
func (s *Store[K, V]) Get(ctx context.Context, k K) (V, error) {
	var zero V
	comp, err := s.Read(ctx, k)
	if err != nil {
		return zero, err
	}

	v, err := comp.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			// Nobody else holds comp; a late value has no one to go to.
			comp.Abandon()
			return zero, err
		}
		var nc *NotCompletedError
		if errors.As(err, &nc) {
			return zero, &StatusError{Op: "read", Status: nc.Status}
		}
		return zero, err
	}
	return v, nil
}

// RMW merges mod into the value stored under k using the configured merge
// function. If k is absent, mod becomes its value.
//
// The merge runs inside the engine's callback. A merge that panics, or a
// stored value that fails to decode, is escalated to the FatalHandler.
//
// Errors:
//   - ErrNoMerge: no merge function configured
//   - *EncodeError: k or mod could not be encoded
//   - *StatusError: the engine reported a non-OK status (StatusAborted when
//     the merge produced no result)
//   - ErrClosed, ctx.Err()
//
// Panic safety: Recovers from internal panics and returns error.
func (s *Store[K, V]) RMW(ctx context.Context, k K, mod V) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in RMW operation: %v", r)
			logging.Error(err, "RMW panic recovered")
		}
	}()

	if err := s.begin(ctx); err != nil {
		return err
	}
	if s.rmwCB == nil {
		return ErrNoMerge
	}
	key, err := s.encodeKey(k)
	if err != nil {
		return err
	}
	data, err := s.values.Encode(mod)
	if err != nil {
		return fmt.Errorf("encode modification: %w", err)
	}

	// Lent to the engine for the call only; the merge result is a separate
	// buffer that the engine takes over.
	buf := bridge.NewOwned(s.alloc, data)
	defer buf.Release()

	if status := s.eng.RMW(key, buf.Raw(), s.rmwCB); !status.OK() {
		return &StatusError{Op: "rmw", Status: status}
	}
	return nil
}

// Delete removes k. Deleting a missing key is not an error.
//
// Panic safety: Recovers from internal panics and returns error.
func (s *Store[K, V]) Delete(ctx context.Context, k K) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Delete operation: %v", r)
			logging.Error(err, "Delete panic recovered")
		}
	}()

	if err := s.begin(ctx); err != nil {
		return err
	}
	key, err := s.encodeKey(k)
	if err != nil {
		return err
	}

	switch status := s.eng.Delete(key); status {
	case native.StatusOK, native.StatusNotFound:
		return nil
	default:
		return &StatusError{Op: "delete", Status: status}
	}
}

// CompletePending blocks until every read scheduled so far has invoked its
// callback.
func (s *Store[K, V]) CompletePending() {
	s.eng.CompletePending()
}

// Close marks the Store closed and, for NewInMemory stores, closes the
// engine after its pending callbacks finish. Safe to call more than once.
func (s *Store[K, V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

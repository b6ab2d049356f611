package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feellmoose/typedkv/internal/codec"
	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

type counter struct {
	Value uint64 `cbor:"value"`
}

func (c counter) Merge(modification counter) counter {
	return counter{Value: c.Value + modification.Value}
}

// countingCodec records how often Decode runs.
type countingCodec[T any] struct {
	codec.Codec[T]
	decodes atomic.Int64
}

func (c *countingCodec[T]) Decode(data []byte) (T, error) {
	c.decodes.Add(1)
	return c.Codec.Decode(data)
}

// failingEncoder always fails to encode.
type failingEncoder[T any] struct {
	codec.Codec[T]
}

func (failingEncoder[T]) Encode(T) ([]byte, error) {
	return nil, &codec.EncodeError{Codec: "failing", Type: "test", Err: errors.New("unrepresentable")}
}

type fatalRecorder struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (r *fatalRecorder) handle(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *fatalRecorder) last() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func recordFatal(t *testing.T) *fatalRecorder {
	t.Helper()
	rec := &fatalRecorder{}
	restore := SetFatalHandler(rec.handle)
	t.Cleanup(restore)
	return rec
}

func encode(t *testing.T, v counter) []byte {
	t.Helper()
	data, err := codec.CBOR[counter]().Encode(v)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	return data
}

func waitShort[V any](t *testing.T, c *Completion[V]) (V, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Wait(ctx)
}

func TestReadCompletionDeliversValue(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())

	comp := NewCompletion[counter]()
	tok := NewHandle(comp)

	cb(tok, native.RawOf(encode(t, counter{Value: 29})), native.StatusOK)

	got, err := waitShort(t, comp)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got.Value != 29 {
		t.Errorf("expected 29, got %d", got.Value)
	}
	if comp.Status() != native.StatusOK {
		t.Errorf("expected status OK, got %s", comp.Status())
	}
	if rec.count() != 0 {
		t.Errorf("unexpected escalation: %v", rec.last())
	}
}

func TestReadCompletionNonSuccessNeverDecodes(t *testing.T) {
	rec := recordFatal(t)
	cc := &countingCodec[counter]{Codec: codec.CBOR[counter]()}
	cb := ReadCompletion[counter](cc)

	garbage := native.RawOf([]byte{0xff, 0xee})
	for _, status := range []native.Status{
		native.StatusNotFound,
		native.StatusIOError,
		native.StatusCorruption,
		native.StatusAborted,
		native.Status(99),
	} {
		comp := NewCompletion[counter]()
		cb(NewHandle(comp), garbage, status)

		_, err := waitShort(t, comp)
		if !errors.Is(err, ErrNotCompleted) {
			t.Errorf("status %s: expected ErrNotCompleted, got %v", status, err)
		}
		if codec.IsDecodeError(err) {
			t.Errorf("status %s: not-completed must not look like a decode failure", status)
		}
		var nc *NotCompletedError
		if !errors.As(err, &nc) || nc.Status != status {
			t.Errorf("status %s: expected NotCompletedError carrying the status, got %v", status, err)
		}
	}

	// A nil buffer is also fine for non-success statuses
	comp := NewCompletion[counter]()
	cb(NewHandle(comp), native.Raw{}, native.StatusNotFound)
	if _, err := waitShort(t, comp); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("expected ErrNotCompleted, got %v", err)
	}

	if n := cc.decodes.Load(); n != 0 {
		t.Errorf("buffer decoded %d times on failure statuses", n)
	}
	if rec.count() != 0 {
		t.Errorf("failure statuses must not escalate: %v", rec.last())
	}
}

func TestReadCompletionDecodeFailureEscalates(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())

	comp := NewCompletion[counter]()
	cb(NewHandle(comp), native.RawOf([]byte{0x63, 'a', 'b', 'c'}), native.StatusOK)

	if rec.count() != 1 {
		t.Fatalf("expected one escalation, got %d", rec.count())
	}
	if !codec.IsDecodeError(rec.last()) {
		t.Errorf("expected DecodeError escalated, got %v", rec.last())
	}
	if rec.ops[0] != "read" {
		t.Errorf("expected op read, got %q", rec.ops[0])
	}

	_, err := waitShort(t, comp)
	if !codec.IsDecodeError(err) {
		t.Errorf("caller should observe the DecodeError, got %v", err)
	}
	if errors.Is(err, ErrNotCompleted) {
		t.Error("decode failure must be distinguishable from not-completed")
	}
}

func TestReadCompletionReceiverGone(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())

	comp := NewCompletion[counter]()
	tok := NewHandle(comp)
	comp.Abandon()

	cb(tok, native.RawOf(encode(t, counter{Value: 1})), native.StatusOK)

	if rec.count() != 0 {
		t.Errorf("send to a gone receiver must be swallowed, got %v", rec.last())
	}
	_, err := waitShort(t, comp)
	if !errors.Is(err, ErrReceiverGone) {
		t.Errorf("expected ErrReceiverGone, got %v", err)
	}
	if comp.Status() != native.StatusAborted {
		t.Errorf("expected status ABORTED, got %s", comp.Status())
	}
}

func TestWaitTimeoutKeepsResult(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())

	comp := NewCompletion[counter]()
	tok := NewHandle(comp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if _, err := comp.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if comp.Status() != native.StatusPending {
		t.Errorf("expected PENDING after a timed out wait, got %s", comp.Status())
	}

	cb(tok, native.RawOf(encode(t, counter{Value: 29})), native.StatusOK)

	got, err := waitShort(t, comp)
	if err != nil {
		t.Fatalf("second Wait returned error: %v", err)
	}
	if got.Value != 29 {
		t.Errorf("expected 29, got %d", got.Value)
	}
	if rec.count() != 0 {
		t.Errorf("unexpected escalation: %v", rec.last())
	}
}

func TestWaitPrefersResolvedResult(t *testing.T) {
	cb := ReadCompletion(codec.CBOR[counter]())

	comp := NewCompletion[counter]()
	cb(NewHandle(comp), native.RawOf(encode(t, counter{Value: 7})), native.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		got, err := comp.Wait(ctx)
		if err != nil || got.Value != 7 {
			t.Fatalf("attempt %d: expected 7, got %v, %v", i, got, err)
		}
	}
}

// panickingCodec panics in Decode or Encode.
type panickingCodec[T any] struct {
	codec.Codec[T]
	onDecode bool
	onEncode bool
}

func (c panickingCodec[T]) Decode(data []byte) (T, error) {
	if c.onDecode {
		panic("decoder blew up")
	}
	return c.Codec.Decode(data)
}

func (c panickingCodec[T]) Encode(v T) ([]byte, error) {
	if c.onEncode {
		panic("encoder blew up")
	}
	return c.Codec.Encode(v)
}

func TestReadCompletionCodecPanic(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion[counter](panickingCodec[counter]{Codec: codec.CBOR[counter](), onDecode: true})

	before := OutstandingHandles()
	comp := NewCompletion[counter]()
	cb(NewHandle(comp), native.RawOf(encode(t, counter{Value: 1})), native.StatusOK)

	_, err := waitShort(t, comp)
	var cp *CallbackPanicError
	if !errors.As(err, &cp) || cp.Op != "read" {
		t.Fatalf("expected CallbackPanicError from Wait, got %v", err)
	}
	if comp.Status() != native.StatusAborted {
		t.Errorf("expected status ABORTED, got %s", comp.Status())
	}
	if rec.count() != 1 || !errors.As(rec.last(), &cp) {
		t.Errorf("expected one CallbackPanicError escalation, got %d: %v", rec.count(), rec.last())
	}
	if after := OutstandingHandles(); after != before {
		t.Errorf("handle leaked: %d -> %d", before, after)
	}
}

func TestRMWCodecPanic(t *testing.T) {
	for name, c := range map[string]panickingCodec[counter]{
		"decode": {Codec: codec.CBOR[counter](), onDecode: true},
		"encode": {Codec: codec.CBOR[counter](), onEncode: true},
	} {
		t.Run(name, func(t *testing.T) {
			rec := recordFatal(t)
			alloc := pool.NewPool()
			cb := RMWMerge[counter](c, MergeOf[counter](), alloc)

			raw := cb(native.RawOf(encode(t, counter{Value: 1})), native.RawOf(encode(t, counter{Value: 2})))
			if !raw.IsNil() {
				t.Error("expected nil result when the codec panics")
			}
			var cp *CallbackPanicError
			if rec.count() != 1 || !errors.As(rec.last(), &cp) || cp.Op != "rmw" {
				t.Errorf("expected one rmw CallbackPanicError, got %d: %v", rec.count(), rec.last())
			}
			if alloc.Live() != 0 {
				t.Errorf("panicking merge leaked %d buffers", alloc.Live())
			}
		})
	}
}

func TestHandleSingleUse(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())
	before := OutstandingHandles()

	comp := NewCompletion[counter]()
	tok := NewHandle(comp)
	if OutstandingHandles() != before+1 {
		t.Fatalf("expected %d outstanding handles, got %d", before+1, OutstandingHandles())
	}

	cb(tok, native.RawOf(encode(t, counter{Value: 7})), native.StatusOK)
	if OutstandingHandles() != before {
		t.Errorf("handle should be consumed by the callback")
	}

	// A second invocation with the same token cannot reach the completion
	cb(tok, native.RawOf(encode(t, counter{Value: 8})), native.StatusOK)
	if rec.count() != 1 || !errors.Is(rec.last(), ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle escalation, got %v", rec.last())
	}

	got, err := waitShort(t, comp)
	if err != nil || got.Value != 7 {
		t.Errorf("first result must be kept, got %v, %v", got, err)
	}

	if _, err := ReclaimHandle[counter](tok); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestHandleTypeMismatch(t *testing.T) {
	comp := NewCompletion[counter]()
	tok := NewHandle(comp)

	if _, err := ReclaimHandle[string](tok); !errors.Is(err, ErrHandleType) {
		t.Fatalf("expected ErrHandleType, got %v", err)
	}
	if _, err := ReclaimHandle[counter](tok); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("mistyped reclaim must consume the handle, got %v", err)
	}

	_, err := waitShort(t, comp)
	if !errors.Is(err, ErrNotCompleted) {
		t.Errorf("orphaned completion should be dropped, got %v", err)
	}
}

func TestDropHandle(t *testing.T) {
	comp := NewCompletion[counter]()
	tok := NewHandle(comp)

	if !DropHandle[counter](tok, native.StatusAborted) {
		t.Fatal("DropHandle should resolve a parked completion")
	}
	if DropHandle[counter](tok, native.StatusAborted) {
		t.Error("second DropHandle must report false")
	}

	_, err := waitShort(t, comp)
	var nc *NotCompletedError
	if !errors.As(err, &nc) || nc.Status != native.StatusAborted {
		t.Errorf("expected NotCompletedError(ABORTED), got %v", err)
	}
}

func TestRMWMergeCorrectness(t *testing.T) {
	rec := recordFatal(t)
	alloc := pool.NewPool()
	cb := RMWMerge(codec.CBOR[counter](), MergeOf[counter](), alloc)

	pairs := [][2]uint64{{12, 17}, {0, 0}, {0, 5}, {1 << 40, 1}, {99, 1000}}
	for _, p := range pairs {
		cur, mod := encode(t, counter{Value: p[0]}), encode(t, counter{Value: p[1]})

		raw := cb(native.RawOf(cur), native.RawOf(mod))
		if raw.IsNil() {
			t.Fatalf("merge of %v returned nil", p)
		}

		got, err := codec.CBOR[counter]().Decode(raw.Bytes())
		if err != nil {
			t.Fatalf("engine-side decode failed: %v", err)
		}
		if got.Value != p[0]+p[1] {
			t.Errorf("merge(%d, %d) = %d", p[0], p[1], got.Value)
		}
		if err := alloc.FreeAddr(raw.Addr); err != nil {
			t.Errorf("engine free failed: %v", err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("unexpected escalation: %v", rec.last())
	}
}

func TestRMWOwnershipTransfer(t *testing.T) {
	alloc := pool.NewPool()
	cb := RMWMerge(codec.CBOR[counter](), MergeOf[counter](), alloc)

	cur := encode(t, counter{Value: 12})
	mod := encode(t, counter{Value: 17})
	raw := cb(native.RawOf(cur), native.RawOf(mod))

	// The bridge must not have released the result
	if alloc.Live() != 1 {
		t.Fatalf("expected 1 live buffer after transfer, got %d", alloc.Live())
	}
	if !alloc.Owns(raw.Addr) {
		t.Fatal("returned address is not a live allocation")
	}

	// Scribble over the inputs; the result must be independent of them
	for i := range cur {
		cur[i] = 0xff
	}
	for i := range mod {
		mod[i] = 0xff
	}

	got, err := codec.CBOR[counter]().Decode(raw.Bytes())
	if err != nil {
		t.Fatalf("result unreadable after callback returned: %v", err)
	}
	if got.Value != 29 {
		t.Errorf("expected 29, got %d", got.Value)
	}

	if err := alloc.FreeAddr(raw.Addr); err != nil {
		t.Fatalf("engine free failed: %v", err)
	}
	if err := alloc.FreeAddr(raw.Addr); !errors.Is(err, pool.ErrNotAllocated) {
		t.Errorf("second free should be detected, got %v", err)
	}
}

func TestRMWDecodeFailureEscalates(t *testing.T) {
	rec := recordFatal(t)
	alloc := pool.NewPool()
	cb := RMWMerge(codec.CBOR[counter](), MergeOf[counter](), alloc)

	good := encode(t, counter{Value: 1})
	bad := []byte{0x63, 'x', 'y', 'z'}

	if raw := cb(native.RawOf(bad), native.RawOf(good)); !raw.IsNil() {
		t.Error("expected nil result for undecodable current value")
	}
	if raw := cb(native.RawOf(good), native.RawOf(bad)); !raw.IsNil() {
		t.Error("expected nil result for undecodable modification")
	}

	if rec.count() != 2 {
		t.Fatalf("expected 2 escalations, got %d", rec.count())
	}
	for _, err := range rec.errs {
		if !codec.IsDecodeError(err) {
			t.Errorf("expected DecodeError, got %v", err)
		}
	}
	if alloc.Live() != 0 {
		t.Errorf("failed merge leaked %d buffers", alloc.Live())
	}
}

func TestRMWEncodeFailureEscalates(t *testing.T) {
	rec := recordFatal(t)
	alloc := pool.NewPool()
	c := failingEncoder[counter]{Codec: codec.CBOR[counter]()}
	cb := RMWMerge[counter](c, MergeOf[counter](), alloc)

	raw := cb(native.RawOf(encode(t, counter{Value: 1})), native.RawOf(encode(t, counter{Value: 2})))
	if !raw.IsNil() {
		t.Error("expected nil result on encode failure")
	}
	if !codec.IsEncodeError(rec.last()) {
		t.Errorf("expected EncodeError, got %v", rec.last())
	}
}

func TestRMWMergePanicEscalates(t *testing.T) {
	rec := recordFatal(t)
	alloc := pool.NewPool()
	merge := func(current, modification counter) counter {
		panic("overflow")
	}
	cb := RMWMerge(codec.CBOR[counter](), merge, alloc)

	raw := cb(native.RawOf(encode(t, counter{Value: 1})), native.RawOf(encode(t, counter{Value: 2})))
	if !raw.IsNil() {
		t.Error("expected nil result when merge panics")
	}

	var mp *MergePanicError
	if !errors.As(rec.last(), &mp) || mp.Value != "overflow" {
		t.Errorf("expected MergePanicError(overflow), got %v", rec.last())
	}
}

func TestOwnedLifecycle(t *testing.T) {
	alloc := pool.NewPool()

	o := NewOwned(alloc, []byte("abc"))
	if string(o.Bytes()) != "abc" || alloc.Live() != 1 {
		t.Fatalf("unexpected owned state: %q live=%d", o.Bytes(), alloc.Live())
	}
	if err := o.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if !o.IntoRaw().IsNil() {
		t.Error("released buffer cannot be transferred")
	}
	if alloc.Live() != 0 {
		t.Errorf("expected 0 live, got %d", alloc.Live())
	}

	o = NewOwned(alloc, []byte("xyz"))
	raw := o.IntoRaw()
	if err := o.Release(); err != nil {
		t.Fatalf("Release after transfer returned error: %v", err)
	}
	if alloc.Live() != 1 {
		t.Errorf("transferred buffer must stay live, got %d", alloc.Live())
	}
	if !o.IntoRaw().IsNil() {
		t.Error("a buffer can only be transferred once")
	}
	_ = alloc.FreeAddr(raw.Addr)
}

func TestOwnedEmptyPayload(t *testing.T) {
	alloc := pool.NewPool()
	o := NewOwned(alloc, nil)

	raw := o.IntoRaw()
	if raw.IsNil() || raw.Len != 0 {
		t.Fatalf("empty payload should still transfer an address, got %+v", raw)
	}
	if err := alloc.FreeAddr(raw.Addr); err != nil {
		t.Errorf("engine free failed: %v", err)
	}
}

func TestBorrowedCopyOutlivesSource(t *testing.T) {
	src := []byte("borrowed")
	b := Borrow(native.RawOf(src))
	kept := b.Copy()

	for i := range src {
		src[i] = 0
	}
	if string(kept) != "borrowed" || b.Len() != 8 {
		t.Errorf("copy should be independent of engine memory, got %q", kept)
	}
}

type pointerMerger struct{ N int }

func (p *pointerMerger) Merge(modification pointerMerger) pointerMerger {
	return pointerMerger{N: p.N * modification.N}
}

func TestMergeFor(t *testing.T) {
	if m := MergeFor[counter](); m == nil || m(counter{3}, counter{4}).Value != 7 {
		t.Error("value-receiver Merge should be discovered")
	}
	if m := MergeFor[pointerMerger](); m == nil || m(pointerMerger{3}, pointerMerger{4}).N != 12 {
		t.Error("pointer-receiver Merge should be discovered")
	}
	if MergeFor[string]() != nil {
		t.Error("string has no Merge method")
	}
}

func TestConcurrentCallbacks(t *testing.T) {
	rec := recordFatal(t)
	cb := ReadCompletion(codec.CBOR[counter]())

	const n = 200
	comps := make([]*Completion[counter], n)
	toks := make([]native.Token, n)
	payloads := make([][]byte, n)
	for i := range comps {
		comps[i] = NewCompletion[counter]()
		toks[i] = NewHandle(comps[i])
		payloads[i] = encode(t, counter{Value: uint64(i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := native.StatusOK
			if i%5 == 0 {
				status = native.StatusNotFound
			}
			cb(toks[i], native.RawOf(payloads[i]), status)
		}(i)
	}
	wg.Wait()

	for i, c := range comps {
		got, err := waitShort(t, c)
		if i%5 == 0 {
			if !errors.Is(err, ErrNotCompleted) {
				t.Errorf("op %d: expected ErrNotCompleted, got %v", i, err)
			}
			continue
		}
		if err != nil || got.Value != uint64(i) {
			t.Errorf("op %d: got %v, %v", i, got, err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("unexpected escalation: %v", rec.last())
	}
}

package bridge

import (
	"unsafe"

	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

// Borrowed is a read-only view of an engine-owned buffer. It is valid only
// for the duration of the callback that received it and must never be
// retained. Use Copy to keep the bytes.
type Borrowed struct {
	raw native.Raw
}

// Borrow wraps a buffer supplied by the engine.
func Borrow(raw native.Raw) Borrowed {
	return Borrowed{raw: raw}
}

// Len returns the length of the borrowed region.
func (b Borrowed) Len() int { return int(b.raw.Len) }

// Bytes aliases engine memory. The slice must not escape the callback.
func (b Borrowed) Bytes() []byte { return b.raw.Bytes() }

// Copy returns a bridge-owned copy of the borrowed bytes.
func (b Borrowed) Copy() []byte {
	return append([]byte(nil), b.raw.Bytes()...)
}

// Owned is a buffer allocated by the bridge from the engine's allocator.
// Until IntoRaw is called the bridge is responsible for releasing it; after
// IntoRaw the engine is, and the bridge's reference is gone.
type Owned struct {
	buf   []byte // backing lease, never empty while held
	n     int    // payload length, may be zero
	alloc *pool.Pool
}

// NewOwned allocates a bridge-owned buffer holding a copy of data. An empty
// payload still gets a one byte lease so it has an address to transfer.
func NewOwned(alloc *pool.Pool, data []byte) *Owned {
	size := len(data)
	if size == 0 {
		size = 1
	}
	buf := alloc.Alloc(size)
	copy(buf, data)
	return &Owned{buf: buf, n: len(data), alloc: alloc}
}

// Bytes returns the payload, or nil once transferred or released.
func (o *Owned) Bytes() []byte {
	if o.buf == nil {
		return nil
	}
	return o.buf[:o.n]
}

// Len returns the payload length.
func (o *Owned) Len() int { return o.n }

// Raw describes the buffer without giving it up. Used when the engine only
// borrows the bytes for a call (e.g. upsert, which copies).
func (o *Owned) Raw() native.Raw {
	if o.buf == nil {
		return native.Raw{}
	}
	return native.Raw{Addr: unsafe.Pointer(unsafe.SliceData(o.buf)), Len: uint64(o.n)}
}

// IntoRaw hands the buffer to the engine. The allocator lease stays live and
// the Owned is emptied, so a later Release is a no-op and IntoRaw cannot be
// repeated with the same memory.
func (o *Owned) IntoRaw() native.Raw {
	raw := o.Raw()
	o.buf = nil
	return raw
}

// Release returns a buffer that was never transferred to the allocator.
func (o *Owned) Release() error {
	if o.buf == nil {
		return nil
	}
	buf := o.buf
	o.buf = nil
	return o.alloc.Free(buf)
}

package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrNotAllocated is returned when freeing memory that is not a live lease of
// the pool, either because it was never allocated here or because it was
// already freed.
var ErrNotAllocated = errors.New("pool: buffer not allocated or already freed")

// Default size classes (128B, 1KB, 10KB, 64KB). Larger requests are allocated
// directly but still tracked.
var DefaultClasses = []int{128, 1024, 10240, 65536}

// Pool is a size-classed byte allocator that tracks every outstanding buffer
// by address. A buffer handed out by Alloc stays live until exactly one Free
// with the same address; whoever holds the address at that point is the owner.
//
// This lets two parties (the bridge and the engine) hand a buffer across a
// raw (address, length) boundary and still detect a double free.
type Pool struct {
	classes []int
	pools   []sync.Pool

	live sync.Map // uintptr -> *lease

	allocs atomic.Int64
	frees  atomic.Int64
	misses atomic.Int64 // allocations larger than the biggest class
}

type lease struct {
	buf   *[]byte
	class int // -1 when not pooled
}

// NewPool creates a pool with the given ascending size classes.
//
// Parameters:
//   - classes: capacities of the pooled buffers, smallest first
//
// Returns:
//   - *Pool: A new allocator
func NewPool(classes ...int) *Pool {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	p := &Pool{
		classes: append([]int(nil), classes...),
		pools:   make([]sync.Pool, len(classes)),
	}
	for i, size := range p.classes {
		size := size
		p.pools[i].New = func() interface{} {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

// Default is the process-wide allocator shared by the engine and the bridge
// unless configured otherwise.
var Default = NewPool()

func (p *Pool) classFor(n int) int {
	for i, size := range p.classes {
		if n <= size {
			return i
		}
	}
	return -1
}

// Alloc returns a buffer of length n. The buffer stays live until Free.
// Alloc(0) returns nil and registers nothing.
func (p *Pool) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}

	class := p.classFor(n)
	var bufp *[]byte
	if class >= 0 {
		bufp = p.pools[class].Get().(*[]byte)
	} else {
		buf := make([]byte, n)
		bufp = &buf
		p.misses.Add(1)
	}

	buf := (*bufp)[:n]
	p.live.Store(addrOf(buf), &lease{buf: bufp, class: class})
	p.allocs.Add(1)
	return buf
}

// Copy allocates a live buffer holding a copy of src.
func (p *Pool) Copy(src []byte) []byte {
	buf := p.Alloc(len(src))
	copy(buf, src)
	return buf
}

// Free releases the buffer starting at b[0]. Freeing an empty slice is a no-op.
func (p *Pool) Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return p.FreeAddr(unsafe.Pointer(unsafe.SliceData(b)))
}

// FreeAddr releases the live buffer starting at addr.
func (p *Pool) FreeAddr(addr unsafe.Pointer) error {
	if addr == nil {
		return nil
	}
	v, ok := p.live.LoadAndDelete(uintptr(addr))
	if !ok {
		return ErrNotAllocated
	}
	l := v.(*lease)
	p.frees.Add(1)
	if l.class >= 0 {
		*l.buf = (*l.buf)[:cap(*l.buf)]
		p.pools[l.class].Put(l.buf)
	}
	return nil
}

// Owns reports whether addr is the start of a live buffer.
func (p *Pool) Owns(addr unsafe.Pointer) bool {
	_, ok := p.live.Load(uintptr(addr))
	return ok
}

// Live returns the number of outstanding buffers.
func (p *Pool) Live() int64 {
	return p.allocs.Load() - p.frees.Load()
}

// Stats provides allocator counters for monitoring.
type Stats struct {
	Allocs int64
	Frees  int64
	Live   int64
	Misses int64
}

// Stats returns a snapshot of the allocator counters.
func (p *Pool) Stats() Stats {
	allocs, frees := p.allocs.Load(), p.frees.Load()
	return Stats{
		Allocs: allocs,
		Frees:  frees,
		Live:   allocs - frees,
		Misses: p.misses.Load(),
	}
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

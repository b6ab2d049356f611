// Package engine is an in-process asynchronous key-value engine that speaks
// the raw callback protocol of package native. Values cross its boundary only
// as (address, length) pairs; reads complete out of line on worker
// goroutines; read-modify-write merges are delegated to a caller-supplied
// callback whose result buffer the engine takes ownership of and frees.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/storage"
	"github.com/feellmoose/typedkv/internal/utils/hlc"
	"github.com/feellmoose/typedkv/internal/utils/logging"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

// poisonByte is written over borrowed buffers after their callback returns
// when Options.PoisonBorrowed is set.
const poisonByte = 0xDB

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	// Storage selects the record store (default: MemorySharded, 1024MB)
	Storage *storage.StorageOptions

	// Workers sizes the callback worker pool (default: 4 * NumCPU, min 16)
	Workers int

	// Stripes is the number of per-key write locks (default: 256)
	Stripes int

	// Allocator is shared with the bridge for transferred buffers
	// (default: pool.Default)
	Allocator *pool.Pool

	// PoisonBorrowed scribbles over every borrowed buffer once its callback
	// has returned, so retaining one shows up as corrupted data.
	PoisonBorrowed bool
}

// Engine is the asynchronous record engine.
//
// Thread-safety: All methods are safe for concurrent access.
type Engine struct {
	id      string
	store   storage.Storage
	workers *ants.Pool
	alloc   *pool.Pool
	poison  bool

	stripes    []sync.Mutex
	stripeMask uint64
	clock      *hlc.Clock // record versions

	mu      sync.RWMutex // guards closed against in-flight scheduling
	closed  bool
	pending sync.WaitGroup

	reads      atomic.Int64
	inflight   atomic.Int64
	upserts    atomic.Int64
	rmws       atomic.Int64
	rmwInitial atomic.Int64
	rmwAborted atomic.Int64
	deletes    atomic.Int64
	notFound   atomic.Int64
	badFrees   atomic.Int64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Reads        int64
	PendingReads int64
	Upserts      int64
	RMWs         int64
	RMWInitial   int64 // RMWs on absent keys that stored the modification
	RMWAborted   int64 // RMWs whose callback produced no result
	Deletes      int64
	NotFound     int64
	BadFrees     int64 // transferred buffers the allocator did not recognise
	LastWrite    time.Time
	Storage      storage.StorageStats
	Allocator    pool.Stats
}

// New creates an engine. A nil opts uses all defaults.
func New(opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}

	store, err := storage.NewStorage(opts.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 4
		if workers < 16 {
			workers = 16
		}
	}
	wp, err := ants.NewPool(workers,
		ants.WithNonblocking(false), // Block when pool is full
		ants.WithPanicHandler(func(p interface{}) {
			logging.Error(fmt.Errorf("panic in engine worker: %v", p), "engine callback panic")
		}),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	stripes := opts.Stripes
	if stripes <= 0 {
		stripes = 256
	}
	stripes = int(storage.NextPowerOf2(uint64(stripes)))

	alloc := opts.Allocator
	if alloc == nil {
		alloc = pool.Default
	}

	e := &Engine{
		id:         uuid.NewString(),
		store:      store,
		workers:    wp,
		alloc:      alloc,
		poison:     opts.PoisonBorrowed,
		stripes:    make([]sync.Mutex, stripes),
		stripeMask: uint64(stripes - 1),
		clock:      hlc.New(),
	}

	logging.Info("engine started", "id", e.id, "backend", backendName(opts.Storage), "workers", workers)
	return e, nil
}

func backendName(opts *storage.StorageOptions) storage.StorageBackendType {
	if opts == nil || opts.Backend == "" {
		return storage.BackendMemorySharded
	}
	return opts.Backend
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() string { return e.id }

// Allocator returns the allocator transferred buffers must come from.
func (e *Engine) Allocator() *pool.Pool { return e.alloc }

func (e *Engine) stripe(key string) *sync.Mutex {
	return &e.stripes[xxhash.Sum64String(key)&e.stripeMask]
}

// enter reports whether the engine accepts new operations. On true the
// caller must call e.mu.RUnlock.
func (e *Engine) enter() bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	return true
}

func statusFor(err error) native.Status {
	switch {
	case err == nil:
		return native.StatusOK
	case errors.Is(err, storage.ErrItemNotFound):
		return native.StatusNotFound
	case errors.Is(err, storage.ErrMemoryLimit):
		return native.StatusOutOfMemory
	case errors.Is(err, storage.ErrCorruptRecord):
		return native.StatusCorruption
	default:
		return native.StatusIOError
	}
}

// Upsert stores a copy of value under key. value is only borrowed for the call.
func (e *Engine) Upsert(key []byte, value native.Raw) native.Status {
	if len(key) == 0 {
		return native.StatusAborted
	}
	if !e.enter() {
		return native.StatusAborted
	}
	defer e.mu.RUnlock()

	k := string(key)
	mu := e.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	e.upserts.Add(1)
	err := e.store.Set(k, &storage.StoredItem{Version: e.clock.Now(), Value: value.Bytes()})
	return statusFor(err)
}

// Read looks key up on a worker goroutine and invokes cb exactly once with
// the result, returning StatusPending. Any other return value means cb will
// never be invoked and handle still belongs to the caller.
func (e *Engine) Read(key []byte, handle native.Token, cb native.ReadCallback) native.Status {
	if len(key) == 0 || cb == nil {
		return native.StatusAborted
	}
	if !e.enter() {
		return native.StatusAborted
	}
	defer e.mu.RUnlock()

	k := string(key)
	e.reads.Add(1)
	e.inflight.Add(1)
	e.pending.Add(1)
	if err := e.workers.Submit(func() {
		defer e.pending.Done()
		defer e.inflight.Add(-1)
		e.completeRead(k, handle, cb)
	}); err != nil {
		e.inflight.Add(-1)
		e.pending.Done()
		logging.Warn("read not scheduled", "error", err.Error())
		return native.StatusAborted
	}
	return native.StatusPending
}

func (e *Engine) completeRead(key string, handle native.Token, cb native.ReadCallback) {
	item, err := e.store.Get(key)
	if err != nil {
		status := statusFor(err)
		if status == native.StatusNotFound {
			e.notFound.Add(1)
		}
		cb(handle, native.Raw{}, status)
		return
	}

	raw, buf := e.lend(item.Value)
	storage.PutStoredItem(item)
	defer e.reclaim(buf)

	cb(handle, raw, native.StatusOK)
}

// lend copies value into an engine-owned buffer to pass as a borrowed Raw.
func (e *Engine) lend(value []byte) (native.Raw, []byte) {
	size := len(value)
	if size == 0 {
		size = 1
	}
	buf := e.alloc.Alloc(size)
	copy(buf, value)
	return native.Raw{Addr: unsafe.Pointer(unsafe.SliceData(buf)), Len: uint64(len(value))}, buf
}

// reclaim ends a loan made by lend.
func (e *Engine) reclaim(buf []byte) {
	if e.poison {
		for i := range buf {
			buf[i] = poisonByte
		}
	}
	if err := e.alloc.Free(buf); err != nil {
		logging.Error(err, "engine buffer freed twice")
	}
}

// RMW applies a read-modify-write to key. If key is absent the modification
// becomes the initial value and cb is not invoked. Otherwise cb receives the
// current value and the modification, both borrowed, and its result buffer
// becomes engine-owned: the engine stores a copy and frees it through the
// allocator. A nil result aborts the update and leaves the value unchanged.
func (e *Engine) RMW(key []byte, modification native.Raw, cb native.RMWCallback) native.Status {
	if len(key) == 0 || cb == nil {
		return native.StatusAborted
	}
	if !e.enter() {
		return native.StatusAborted
	}
	defer e.mu.RUnlock()

	k := string(key)
	mu := e.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	e.rmws.Add(1)

	item, err := e.store.Get(k)
	if errors.Is(err, storage.ErrItemNotFound) {
		e.rmwInitial.Add(1)
		err = e.store.Set(k, &storage.StoredItem{Version: e.clock.Now(), Value: modification.Bytes()})
		return statusFor(err)
	}
	if err != nil {
		return statusFor(err)
	}

	// Records persisted by an earlier run may carry versions ahead of the clock.
	e.clock.Observe(item.Version)
	current, buf := e.lend(item.Value)
	storage.PutStoredItem(item)
	result := e.merge(cb, current, modification, buf)

	if result.IsNil() {
		e.rmwAborted.Add(1)
		return native.StatusAborted
	}

	err = e.store.Set(k, &storage.StoredItem{Version: e.clock.Now(), Value: result.Bytes()})
	if ferr := e.alloc.FreeAddr(result.Addr); ferr != nil {
		e.badFrees.Add(1)
		logging.Error(ferr, "rmw result is not a live allocation", "len", result.Len)
	}
	return statusFor(err)
}

// merge runs cb and ends the loan of current whether or not cb returns. A
// panicking callback counts as an aborted merge.
func (e *Engine) merge(cb native.RMWCallback, current, modification native.Raw, buf []byte) (result native.Raw) {
	defer e.reclaim(buf)
	defer func() {
		if r := recover(); r != nil {
			logging.Error(fmt.Errorf("panic in rmw callback: %v", r), "rmw callback panic")
			result = native.Raw{}
		}
	}()
	return cb(current, modification)
}

// Delete removes key. Returns StatusNotFound if it was absent.
func (e *Engine) Delete(key []byte) native.Status {
	if len(key) == 0 {
		return native.StatusAborted
	}
	if !e.enter() {
		return native.StatusAborted
	}
	defer e.mu.RUnlock()

	k := string(key)
	mu := e.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	e.deletes.Add(1)
	item, err := e.store.Get(k)
	if err != nil {
		return statusFor(err)
	}
	storage.PutStoredItem(item)
	return statusFor(e.store.Delete(k))
}

func lastWrite(version int64) time.Time {
	if version == 0 {
		return time.Time{}
	}
	return hlc.Time(version)
}

// Version returns the version stamped on the record under key.
func (e *Engine) Version(key []byte) (int64, native.Status) {
	if len(key) == 0 {
		return 0, native.StatusAborted
	}
	item, err := e.store.Get(string(key))
	if err != nil {
		return 0, statusFor(err)
	}
	defer storage.PutStoredItem(item)
	return item.Version, native.StatusOK
}

// CompletePending blocks until every scheduled read callback has returned.
func (e *Engine) CompletePending() {
	e.pending.Wait()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Reads:        e.reads.Load(),
		PendingReads: e.inflight.Load(),
		Upserts:      e.upserts.Load(),
		RMWs:         e.rmws.Load(),
		RMWInitial:   e.rmwInitial.Load(),
		RMWAborted:   e.rmwAborted.Load(),
		Deletes:      e.deletes.Load(),
		NotFound:     e.notFound.Load(),
		BadFrees:     e.badFrees.Load(),
		LastWrite:    lastWrite(e.clock.Last()),
		Storage:      e.store.Stats(),
		Allocator:    e.alloc.Stats(),
	}
}

// Close stops accepting operations, waits for scheduled callbacks and
// releases the worker pool and storage. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pending.Wait()
	e.workers.Release()
	logging.Info("engine closed", "id", e.id, "reads", e.reads.Load(), "rmws", e.rmws.Load())
	return e.store.Close()
}

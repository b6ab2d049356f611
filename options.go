package typedkv

import (
	"google.golang.org/protobuf/proto"

	"github.com/feellmoose/typedkv/internal/bridge"
	"github.com/feellmoose/typedkv/internal/codec"
	"github.com/feellmoose/typedkv/internal/engine"
	"github.com/feellmoose/typedkv/internal/native"
	"github.com/feellmoose/typedkv/internal/storage"
	"github.com/feellmoose/typedkv/internal/utils/logging"
	"github.com/feellmoose/typedkv/internal/utils/pool"
)

// Codec converts between a Go type and the bytes the engine stores.
type Codec[T any] = codec.Codec[T]

// CBOR returns the default deterministic CBOR codec for T.
func CBOR[T any]() Codec[T] { return codec.CBOR[T]() }

// Proto returns a deterministic protobuf codec for message type T.
func Proto[T proto.Message]() Codec[T] { return codec.Proto[T]() }

// Compressed wraps inner with zstd compression for payloads of at least
// threshold bytes (0 uses DefaultCompressionThreshold).
func Compressed[T any](inner Codec[T], threshold int) Codec[T] {
	return codec.Compressed(inner, threshold)
}

// CompressedWithLimit is Compressed with a cap on the decompressed size,
// typically StorageOptions.MaxMemoryMB << 20 (0 uses the 1024MB default).
func CompressedWithLimit[T any](inner Codec[T], threshold int, maxDecoded uint64) Codec[T] {
	return codec.CompressedWithLimit(inner, threshold, maxDecoded)
}

// Checksummed wraps inner with an xxhash64 trailer verified on decode.
func Checksummed[T any](inner Codec[T]) Codec[T] { return codec.Checksummed(inner) }

// Authenticated wraps inner with a keyed BLAKE3 MAC. key must be
// AuthKeySize bytes.
func Authenticated[T any](inner Codec[T], key []byte) (Codec[T], error) {
	return codec.Authenticated(inner, key)
}

// AuthKeySize is the key length Authenticated requires.
const AuthKeySize = codec.AuthKeySize

// DefaultCompressionThreshold is the payload size at which Compressed starts
// compressing.
const DefaultCompressionThreshold = codec.DefaultCompressionThreshold

// Mergeable is implemented by value types that carry their own
// read-modify-write logic.
type Mergeable[T any] = bridge.Mergeable[T]

// MergeFunc combines the stored value with a modification.
type MergeFunc[T any] = bridge.MergeFunc[T]

// MergeOf adapts a Mergeable type's method to a MergeFunc.
func MergeOf[T Mergeable[T]]() MergeFunc[T] { return bridge.MergeOf[T]() }

// Completion is the pending result of a Read.
type Completion[V any] = bridge.Completion[V]

// Status is an engine status code.
type Status = native.Status

const (
	StatusOK          = native.StatusOK
	StatusPending     = native.StatusPending
	StatusNotFound    = native.StatusNotFound
	StatusOutOfMemory = native.StatusOutOfMemory
	StatusIOError     = native.StatusIOError
	StatusCorruption  = native.StatusCorruption
	StatusAborted     = native.StatusAborted
)

// Raw ABI types, for plugging in an Engine other than the built-in one.
type (
	Raw          = native.Raw
	Token        = native.Token
	ReadCallback = native.ReadCallback
	RMWCallback  = native.RMWCallback
	Allocator    = pool.Pool
)

// LogOptions configures the package logger.
type LogOptions = logging.LogOptions

// EngineOptions configures the built-in engine used by NewInMemory.
type EngineOptions = engine.Options

// StorageOptions selects and sizes the built-in engine's record store.
type StorageOptions = storage.StorageOptions

// StorageBackendType identifies a storage backend implementation.
type StorageBackendType = storage.StorageBackendType

const (
	// BackendMemory is a single sync.Map with LRU eviction and zstd
	// compression of large values.
	BackendMemory = storage.BackendMemory

	// BackendMemorySharded spreads records over xxhash-selected shards.
	// Recommended for concurrent workloads.
	BackendMemorySharded = storage.BackendMemorySharded

	// BackendBolt keeps records in a bbolt file at StorageOptions.Path.
	// Unavailable when built with -tags nobolt.
	BackendBolt = storage.BackendBolt
)

// FatalHandler receives failures raised inside engine callbacks.
type FatalHandler = bridge.FatalHandler

// SetFatalHandler replaces the handler invoked when a callback cannot report
// an error to its caller. The default logs and exits the process. The returned
// function restores the previous handler.
func SetFatalHandler(h FatalHandler) (restore func()) { return bridge.SetFatalHandler(h) }

// Options configures a Store.
//
// Zero fields take defaults:
//   - KeyCodec, ValueCodec: CBOR
//   - Merge: V's Merge method when V implements Mergeable[V]
//   - Log: leave the package logger unchanged
type Options[K, V any] struct {
	KeyCodec   Codec[K]
	ValueCodec Codec[V]

	// Merge is required for RMW. Without it RMW returns ErrNoMerge.
	Merge MergeFunc[V]

	Log *LogOptions
}

func (o *Options[K, V]) withDefaults() *Options[K, V] {
	out := Options[K, V]{}
	if o != nil {
		out = *o
	}
	if out.KeyCodec == nil {
		out.KeyCodec = CBOR[K]()
	}
	if out.ValueCodec == nil {
		out.ValueCodec = CBOR[V]()
	}
	if out.Merge == nil {
		out.Merge = bridge.MergeFor[V]()
	}
	return &out
}

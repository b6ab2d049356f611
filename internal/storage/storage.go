package storage

import (
	"errors"
)

// StoredItem is one engine record: an opaque value and the version stamped
// by the engine when it was written.
type StoredItem struct {
	Version int64
	Value   []byte
}

// Storage is the record store behind the engine. Keys are the raw encoded
// key bytes converted to string. Implementations copy values on both Set and
// Get so callers never share memory with the store.
type Storage interface {
	Set(key string, item *StoredItem) error
	Get(key string) (*StoredItem, error)
	Delete(key string) error
	Keys() []string
	Clear() error
	Close() error

	// Monitoring and statistics
	Stats() StorageStats
}

// ErrItemNotFound is returned when the requested item is not found in the store.
var ErrItemNotFound = errors.New("item not found")

// ErrCorruptRecord is returned when a persisted record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// ErrMemoryLimit is returned when a write does not fit in the configured memory.
var ErrMemoryLimit = errors.New("memory limit exceeded")

var (
	errEmptyKey = errors.New("empty key not allowed")
	errNilItem  = errors.New("nil item not allowed")
)

// StorageBackendType identifies the storage backend type
type StorageBackendType string

const (
	BackendMemory        StorageBackendType = "Memory"        // sync.Map with LRU eviction and zstd value compression
	BackendMemorySharded StorageBackendType = "MemorySharded" // xxhash-sharded sync.Map, CPU-adaptive shard count
	BackendBolt          StorageBackendType = "Bolt"          // bbolt file, excluded with -tags nobolt
)

// StorageOptions configures the storage backend
type StorageOptions struct {
	Backend StorageBackendType

	// MaxMemoryMB caps in-memory backends (default: 1024MB, 0 in NewXxx = unlimited)
	MaxMemoryMB int64

	// ShardCount overrides the MemorySharded shard count (rounded up to a power of 2)
	ShardCount int

	// Path is the database file for the Bolt backend (required for Bolt)
	Path string

	// NoSync skips fsync on Bolt commits. Only for tests and rebuildable data.
	NoSync bool
}

// StorageStats provides runtime statistics for monitoring
type StorageStats struct {
	KeyCount     int64
	CacheHitRate float64
	DBSize       int64
	Evictions    int64
}

// itemOverhead approximates per-record bookkeeping bytes for memory accounting.
const itemOverhead = 64

// NextPowerOf2 rounds up to the next power of 2 (shard sizing, exported for backends)
func NextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

package storage

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ShardedMemoryStorage spreads records over CPU-adaptive shards selected by
// xxhash of the key, each a lock-free sync.Map.
//
// Use Case: high-throughput engines with many concurrent callbacks.
type ShardedMemoryStorage struct {
	shards      []*memoryShard
	shardCount  int
	shardMask   uint64
	maxMemoryMB int64
	totalBytes  atomic.Int64
	totalKeys   atomic.Int64
	hitCount    atomic.Int64
	missCount   atomic.Int64
}

type memoryShard struct {
	data sync.Map // map[string]*StoredItem

	keyCount  atomic.Int64
	byteCount atomic.Int64

	// Padding to prevent false sharing (cache line = 64 bytes)
	_ [8]uint64
}

// NewShardedMemoryStorage creates a sharded memory storage. shardCount of 0
// picks 16 * NumCPU (at least 64); any count is rounded up to a power of 2.
func NewShardedMemoryStorage(maxMemoryMB int64, shardCount int) (*ShardedMemoryStorage, error) {
	if shardCount <= 0 {
		shardCount = runtime.NumCPU() * 16
		if shardCount < 64 {
			shardCount = 64
		}
	}
	shardCount = int(NextPowerOf2(uint64(shardCount)))

	s := &ShardedMemoryStorage{
		shards:      make([]*memoryShard, shardCount),
		shardCount:  shardCount,
		shardMask:   uint64(shardCount - 1),
		maxMemoryMB: maxMemoryMB,
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{}
	}

	return s, nil
}

func (s *ShardedMemoryStorage) getShard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// ShardCount returns the number of shards in use.
func (s *ShardedMemoryStorage) ShardCount() int { return s.shardCount }

// Set stores a deep copy of item.
func (s *ShardedMemoryStorage) Set(key string, item *StoredItem) error {
	if key == "" {
		return errEmptyKey
	}
	if item == nil {
		return errNilItem
	}

	shard := s.getShard(key)
	size := int64(len(key) + len(item.Value) + itemOverhead)

	if s.maxMemoryMB > 0 && s.totalBytes.Load()+size > s.maxMemoryMB*1024*1024 {
		return ErrMemoryLimit
	}

	itemCopy := &StoredItem{
		Version: item.Version,
		Value:   append([]byte(nil), item.Value...),
	}

	old, exists := shard.data.Swap(key, itemCopy)
	if exists {
		delta := size - int64(len(key)+len(old.(*StoredItem).Value)+itemOverhead)
		shard.byteCount.Add(delta)
		s.totalBytes.Add(delta)
	} else {
		shard.keyCount.Add(1)
		shard.byteCount.Add(size)
		s.totalKeys.Add(1)
		s.totalBytes.Add(size)
	}

	return nil
}

// Get returns a pooled copy of the record.
func (s *ShardedMemoryStorage) Get(key string) (*StoredItem, error) {
	if key == "" {
		return nil, errEmptyKey
	}

	value, ok := s.getShard(key).data.Load(key)
	if !ok {
		s.missCount.Add(1)
		return nil, ErrItemNotFound
	}
	s.hitCount.Add(1)

	item := value.(*StoredItem)
	result := GetStoredItem()
	result.Version = item.Version
	result.Value = append([]byte(nil), item.Value...)
	return result, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *ShardedMemoryStorage) Delete(key string) error {
	if key == "" {
		return errEmptyKey
	}

	shard := s.getShard(key)
	if value, loaded := shard.data.LoadAndDelete(key); loaded {
		size := int64(len(key) + len(value.(*StoredItem).Value) + itemOverhead)
		shard.keyCount.Add(-1)
		shard.byteCount.Add(-size)
		s.totalKeys.Add(-1)
		s.totalBytes.Add(-size)
	}
	return nil
}

// Keys returns all keys across all shards
func (s *ShardedMemoryStorage) Keys() []string {
	keys := make([]string, 0, s.totalKeys.Load())
	for _, shard := range s.shards {
		shard.data.Range(func(key, _ interface{}) bool {
			keys = append(keys, key.(string))
			return true
		})
	}
	return keys
}

// Clear removes all data from all shards
func (s *ShardedMemoryStorage) Clear() error {
	for _, shard := range s.shards {
		shard.data.Range(func(key, _ interface{}) bool {
			shard.data.Delete(key)
			return true
		})
		shard.keyCount.Store(0)
		shard.byteCount.Store(0)
	}
	s.totalKeys.Store(0)
	s.totalBytes.Store(0)
	return nil
}

// Close closes the storage
func (s *ShardedMemoryStorage) Close() error {
	return s.Clear()
}

// Stats returns storage statistics
func (s *ShardedMemoryStorage) Stats() StorageStats {
	hits := s.hitCount.Load()
	misses := s.missCount.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return StorageStats{
		KeyCount:     s.totalKeys.Load(),
		CacheHitRate: hitRate,
		DBSize:       s.totalBytes.Load(),
	}
}

package storage

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// MemoryStorage keeps engine records in a sync.Map with value compression.
//
// Features:
//   - zstd compression for values >= 256 bytes, kept only when smaller
//   - LRU eviction when the memory limit is reached
//   - Memory usage tracking
type MemoryStorage struct {
	data sync.Map // map[string]*compressedItem

	encoderPool sync.Pool
	decoderPool sync.Pool

	lruMu      sync.Mutex
	lruList    *list.List
	lruMap     map[string]*list.Element
	evictCount atomic.Int64

	keyCount        atomic.Int64
	hitCount        atomic.Int64
	missCount       atomic.Int64
	compressedBytes atomic.Int64
	originalBytes   atomic.Int64

	maxMemoryBytes    int64 // 0 = unlimited
	currentBytes      atomic.Int64
	compressionThresh int
}

// compressedItem stores a value and whether it went through zstd
type compressedItem struct {
	Version    int64
	Value      []byte
	Compressed bool
	OrigSize   int
}

// NewMemoryStorage creates an in-memory storage with compression and LRU
// eviction. maxMemoryMB of 0 means unlimited.
func NewMemoryStorage(maxMemoryMB int64) (*MemoryStorage, error) {
	maxBytes := int64(0)
	if maxMemoryMB > 0 {
		maxBytes = maxMemoryMB * 1024 * 1024
	}

	m := &MemoryStorage{
		maxMemoryBytes:    maxBytes,
		compressionThresh: 256,
		lruList:           list.New(),
		lruMap:            make(map[string]*list.Element),
	}

	m.encoderPool.New = func() interface{} {
		encoder, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		return encoder
	}
	decoderOpts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if maxBytes > 0 {
		// A stored value can never decompress past the memory limit.
		decoderOpts = append(decoderOpts, zstd.WithDecoderMaxMemory(uint64(maxBytes)))
	}
	m.decoderPool.New = func() interface{} {
		decoder, _ := zstd.NewReader(nil, decoderOpts...)
		return decoder
	}

	return m, nil
}

func (m *MemoryStorage) compress(data []byte) ([]byte, bool) {
	if len(data) < m.compressionThresh {
		return append([]byte(nil), data...), false
	}

	encoder := m.encoderPool.Get().(*zstd.Encoder)
	defer m.encoderPool.Put(encoder)

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) < len(data) {
		return compressed, true
	}
	return append([]byte(nil), data...), false
}

func (m *MemoryStorage) decompress(data []byte, wasCompressed bool) ([]byte, error) {
	if !wasCompressed {
		return append([]byte(nil), data...), nil
	}

	decoder := m.decoderPool.Get().(*zstd.Decoder)
	defer m.decoderPool.Put(decoder)

	return decoder.DecodeAll(data, make([]byte, 0, len(data)*2))
}

func itemSize(key string, item *compressedItem) int64 {
	return int64(len(key) + len(item.Value) + itemOverhead)
}

// evictLRU evicts the least recently used item
func (m *MemoryStorage) evictLRU() bool {
	m.lruMu.Lock()
	oldest := m.lruList.Back()
	if oldest == nil {
		m.lruMu.Unlock()
		return false
	}
	key := oldest.Value.(string)
	m.lruList.Remove(oldest)
	delete(m.lruMap, key)
	m.lruMu.Unlock()

	if value, ok := m.data.LoadAndDelete(key); ok {
		m.evictCount.Add(1)
		m.forget(key, value.(*compressedItem))
	}
	return true
}

func (m *MemoryStorage) forget(key string, item *compressedItem) {
	m.keyCount.Add(-1)
	m.currentBytes.Add(-itemSize(key, item))
	m.compressedBytes.Add(-int64(len(item.Value)))
	m.originalBytes.Add(-int64(item.OrigSize))
}

func (m *MemoryStorage) touchLRU(key string) {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()

	if elem, ok := m.lruMap[key]; ok {
		m.lruList.MoveToFront(elem)
	} else {
		m.lruMap[key] = m.lruList.PushFront(key)
	}
}

func (m *MemoryStorage) dropLRU(key string) {
	m.lruMu.Lock()
	if elem, ok := m.lruMap[key]; ok {
		m.lruList.Remove(elem)
		delete(m.lruMap, key)
	}
	m.lruMu.Unlock()
}

// Set stores a record, compressing large values.
func (m *MemoryStorage) Set(key string, item *StoredItem) error {
	if key == "" {
		return errEmptyKey
	}
	if item == nil {
		return errNilItem
	}

	value, isCompressed := m.compress(item.Value)
	compItem := &compressedItem{
		Version:    item.Version,
		Value:      value,
		Compressed: isCompressed,
		OrigSize:   len(item.Value),
	}
	size := itemSize(key, compItem)

	if m.maxMemoryBytes > 0 {
		if size > m.maxMemoryBytes {
			return ErrMemoryLimit
		}
		for m.currentBytes.Load()+size > m.maxMemoryBytes {
			if !m.evictLRU() {
				return ErrMemoryLimit
			}
		}
	}

	old, exists := m.data.Swap(key, compItem)
	if exists {
		oldItem := old.(*compressedItem)
		m.currentBytes.Add(size - itemSize(key, oldItem))
		m.compressedBytes.Add(int64(len(value) - len(oldItem.Value)))
		m.originalBytes.Add(int64(compItem.OrigSize - oldItem.OrigSize))
	} else {
		m.keyCount.Add(1)
		m.currentBytes.Add(size)
		m.compressedBytes.Add(int64(len(value)))
		m.originalBytes.Add(int64(compItem.OrigSize))
	}
	m.touchLRU(key)

	return nil
}

// Get retrieves a record, decompressing if needed. The returned item comes
// from the object pool and owns its value.
func (m *MemoryStorage) Get(key string) (*StoredItem, error) {
	if key == "" {
		return nil, errEmptyKey
	}

	value, ok := m.data.Load(key)
	if !ok {
		m.missCount.Add(1)
		return nil, ErrItemNotFound
	}
	m.hitCount.Add(1)
	m.touchLRU(key)

	compItem := value.(*compressedItem)
	plain, err := m.decompress(compItem.Value, compItem.Compressed)
	if err != nil {
		return nil, err
	}

	result := GetStoredItem()
	result.Version = compItem.Version
	result.Value = plain
	return result, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (m *MemoryStorage) Delete(key string) error {
	if key == "" {
		return errEmptyKey
	}

	if value, loaded := m.data.LoadAndDelete(key); loaded {
		m.forget(key, value.(*compressedItem))
		m.dropLRU(key)
	}
	return nil
}

// Keys returns all stored keys.
func (m *MemoryStorage) Keys() []string {
	keys := make([]string, 0, m.keyCount.Load())
	m.data.Range(func(key, _ interface{}) bool {
		keys = append(keys, key.(string))
		return true
	})
	return keys
}

// Clear removes all data.
func (m *MemoryStorage) Clear() error {
	m.data.Range(func(key, _ interface{}) bool {
		m.data.Delete(key)
		return true
	})
	m.keyCount.Store(0)
	m.currentBytes.Store(0)
	m.compressedBytes.Store(0)
	m.originalBytes.Store(0)

	m.lruMu.Lock()
	m.lruList = list.New()
	m.lruMap = make(map[string]*list.Element)
	m.lruMu.Unlock()

	return nil
}

// Close closes the storage.
func (m *MemoryStorage) Close() error {
	return m.Clear()
}

// CompressionRatio returns stored bytes over original bytes (1.0 when empty).
func (m *MemoryStorage) CompressionRatio() float64 {
	original := m.originalBytes.Load()
	if original == 0 {
		return 1.0
	}
	return float64(m.compressedBytes.Load()) / float64(original)
}

// Stats returns storage statistics.
func (m *MemoryStorage) Stats() StorageStats {
	hits := m.hitCount.Load()
	misses := m.missCount.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return StorageStats{
		KeyCount:     m.keyCount.Load(),
		CacheHitRate: hitRate,
		DBSize:       m.currentBytes.Load(),
		Evictions:    m.evictCount.Load(),
	}
}

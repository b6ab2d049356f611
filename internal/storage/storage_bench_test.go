package storage

import (
	"fmt"
	"runtime"
	"testing"
)

// Benchmark Memory vs MemorySharded with engine-sized records

func benchmarkSetGet(b *testing.B, store Storage, valueSize, keySpace int) {
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i % 10) // Compressible pattern
	}
	item := &StoredItem{Version: 1, Value: value}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%keySpace)
			_ = store.Set(key, item)
			if got, err := store.Get(key); err == nil {
				PutStoredItem(got)
			}
			i++
		}
	})

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "ops/sec")
}

// BenchmarkMemory_SmallValues benchmarks Memory below the compression threshold
func BenchmarkMemory_SmallValues(b *testing.B) {
	store, _ := NewMemoryStorage(1024)
	defer store.Close()
	benchmarkSetGet(b, store, 100, 10000)
}

// BenchmarkMemory_LargeValues benchmarks Memory with compressed values
func BenchmarkMemory_LargeValues(b *testing.B) {
	store, _ := NewMemoryStorage(2048)
	defer store.Close()
	benchmarkSetGet(b, store, 4096, 1000)

	ratio := store.CompressionRatio()
	b.ReportMetric(ratio*100, "compression%")
	b.Logf("Keys: %d, Memory: %d KB", store.Stats().KeyCount, store.Stats().DBSize/1024)
}

// BenchmarkMemorySharded_SmallValues benchmarks MemorySharded with small values
func BenchmarkMemorySharded_SmallValues(b *testing.B) {
	store, _ := NewShardedMemoryStorage(1024, 0)
	defer store.Close()
	benchmarkSetGet(b, store, 100, 10000)
	b.Logf("Shards: %d (CPU: %d)", store.ShardCount(), runtime.NumCPU())
}

// BenchmarkMemorySharded_ReadHeavy benchmarks MemorySharded with 95% reads
func BenchmarkMemorySharded_ReadHeavy(b *testing.B) {
	store, _ := NewShardedMemoryStorage(1024, 0)
	defer store.Close()

	item := &StoredItem{Version: 1, Value: make([]byte, 64)}
	for i := 0; i < 10000; i++ {
		_ = store.Set(fmt.Sprintf("key-%d", i), item)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d", i%10000)
			if i%20 == 0 {
				_ = store.Set(key, item)
			} else if got, err := store.Get(key); err == nil {
				PutStoredItem(got)
			}
			i++
		}
	})

	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "ops/sec")
	b.Logf("Hit rate: %.2f%%", store.Stats().CacheHitRate*100)
}

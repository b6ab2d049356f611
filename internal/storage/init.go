package storage

const defaultMaxMemoryMB = 1024

func init() {
	RegisterBackend(BackendMemory, func(opts *StorageOptions) (Storage, error) {
		maxMem := opts.MaxMemoryMB
		if maxMem == 0 {
			maxMem = defaultMaxMemoryMB
		}
		return NewMemoryStorage(maxMem)
	})

	RegisterBackend(BackendMemorySharded, func(opts *StorageOptions) (Storage, error) {
		maxMem := opts.MaxMemoryMB
		if maxMem == 0 {
			maxMem = defaultMaxMemoryMB
		}
		return NewShardedMemoryStorage(maxMem, opts.ShardCount)
	})
}

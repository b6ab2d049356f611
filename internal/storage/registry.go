package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BackendFactory is a function that creates a storage backend from options
type BackendFactory func(opts *StorageOptions) (Storage, error)

var (
	backendRegistry   = make(map[StorageBackendType]BackendFactory)
	backendRegistryMu sync.RWMutex
)

// RegisterBackend registers a storage backend factory. Registering the same
// type twice replaces the earlier factory.
func RegisterBackend(backend StorageBackendType, factory BackendFactory) {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	backendRegistry[backend] = factory
}

// NewStorage creates a storage backend using the registered factory.
// nil options select MemorySharded with the default memory limit.
func NewStorage(opts *StorageOptions) (Storage, error) {
	if opts == nil {
		opts = &StorageOptions{Backend: BackendMemorySharded}
	}
	if opts.Backend == "" {
		opts.Backend = BackendMemorySharded
	}

	backendRegistryMu.RLock()
	factory, exists := backendRegistry[opts.Backend]
	backendRegistryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("storage backend '%s' not available (registered: %s)", opts.Backend, GetBackendInfo())
	}

	return factory(opts)
}

// AvailableBackends returns the registered backends in name order.
func AvailableBackends() []StorageBackendType {
	backendRegistryMu.RLock()
	defer backendRegistryMu.RUnlock()

	backends := make([]StorageBackendType, 0, len(backendRegistry))
	for backend := range backendRegistry {
		backends = append(backends, backend)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i] < backends[j] })
	return backends
}

// IsBackendAvailable checks if a specific backend is available.
func IsBackendAvailable(backend StorageBackendType) bool {
	backendRegistryMu.RLock()
	defer backendRegistryMu.RUnlock()
	_, exists := backendRegistry[backend]
	return exists
}

// GetBackendInfo lists the registered backends as a comma separated string.
func GetBackendInfo() string {
	backends := AvailableBackends()
	if len(backends) == 0 {
		return "none"
	}

	names := make([]string, len(backends))
	for i, backend := range backends {
		names[i] = string(backend)
	}
	return strings.Join(names, ", ")
}

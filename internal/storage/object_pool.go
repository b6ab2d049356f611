package storage

import (
	"sync"
)

// storedItemPool recycles the records returned by Get. Engine reads copy the
// value out and hand the record straight back.
var storedItemPool = sync.Pool{
	New: func() interface{} {
		return &StoredItem{}
	},
}

// GetStoredItem retrieves a zeroed StoredItem from the pool.
// IMPORTANT: Call PutStoredItem when done to return it to the pool.
func GetStoredItem() *StoredItem {
	item := storedItemPool.Get().(*StoredItem)
	item.Value = nil
	item.Version = 0
	return item
}

// PutStoredItem returns a StoredItem to the pool.
// The item should not be used after calling this function.
func PutStoredItem(item *StoredItem) {
	if item != nil {
		item.Value = nil // Clear value to avoid holding references
		storedItemPool.Put(item)
	}
}

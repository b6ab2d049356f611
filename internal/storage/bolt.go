//go:build !nobolt

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

func init() {
	RegisterBackend(BackendBolt, func(opts *StorageOptions) (Storage, error) {
		store, err := NewBoltStorage(opts.Path)
		if err != nil {
			return nil, err
		}
		store.db.NoSync = opts.NoSync
		return store, nil
	})
}

var recordsBucket = []byte("records")

// recordHeader is the big-endian version prefix of every persisted record.
const recordHeader = 8

// BoltStorage persists records in a single bbolt bucket. Each value is stored
// as an 8 byte version followed by the record bytes.
//
// Use Case: engines that must survive a restart. Writes are durable when Set
// returns.
type BoltStorage struct {
	db   *bbolt.DB
	path string

	keyCount  atomic.Int64
	hitCount  atomic.Int64
	missCount atomic.Int64
}

// NewBoltStorage opens (or creates) the database file at path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if path == "" {
		return nil, errors.New("bolt backend requires a path")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	s := &BoltStorage{db: db, path: path}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordsBucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", recordsBucket, err)
		}
		s.keyCount.Store(int64(b.Stats().KeyN))
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func encodeRecord(item *StoredItem) []byte {
	buf := make([]byte, recordHeader+len(item.Value))
	binary.BigEndian.PutUint64(buf, uint64(item.Version))
	copy(buf[recordHeader:], item.Value)
	return buf
}

// decodeRecord copies out of data, which bbolt only guarantees for the
// lifetime of the transaction.
func decodeRecord(data []byte) (*StoredItem, error) {
	if len(data) < recordHeader {
		return nil, fmt.Errorf("%w: %d byte record shorter than header", ErrCorruptRecord, len(data))
	}
	item := GetStoredItem()
	item.Version = int64(binary.BigEndian.Uint64(data))
	item.Value = append([]byte(nil), data[recordHeader:]...)
	return item, nil
}

// Set writes the record in its own transaction.
func (s *BoltStorage) Set(key string, item *StoredItem) error {
	if key == "" {
		return errEmptyKey
	}
	if item == nil {
		return errNilItem
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		k := []byte(key)
		existed := b.Get(k) != nil
		if err := b.Put(k, encodeRecord(item)); err != nil {
			return err
		}
		if !existed {
			s.keyCount.Add(1)
		}
		return nil
	})
}

// Get returns a pooled copy of the record. A record too short to hold its
// header yields ErrCorruptRecord.
func (s *BoltStorage) Get(key string) (*StoredItem, error) {
	if key == "" {
		return nil, errEmptyKey
	}

	var item *StoredItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(key))
		if data == nil {
			return ErrItemNotFound
		}
		var err error
		item, err = decodeRecord(data)
		return err
	})
	if errors.Is(err, ErrItemNotFound) {
		s.missCount.Add(1)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.hitCount.Add(1)
	return item, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *BoltStorage) Delete(key string) error {
	if key == "" {
		return errEmptyKey
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		k := []byte(key)
		if b.Get(k) == nil {
			return nil
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		s.keyCount.Add(-1)
		return nil
	})
}

// Keys returns all stored keys.
func (s *BoltStorage) Keys() []string {
	keys := make([]string, 0, s.keyCount.Load())
	s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys
}

// Clear drops and recreates the records bucket.
func (s *BoltStorage) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(recordsBucket)
		return err
	})
	if err != nil {
		return err
	}
	s.keyCount.Store(0)
	return nil
}

// Close closes the database file. Records are kept.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStorage) Path() string { return s.path }

// Stats returns storage statistics. DBSize is the size of the database file.
func (s *BoltStorage) Stats() StorageStats {
	hits := s.hitCount.Load()
	misses := s.missCount.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var size int64
	s.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})

	return StorageStats{
		KeyCount:     s.keyCount.Load(),
		CacheHitRate: hitRate,
		DBSize:       size,
	}
}

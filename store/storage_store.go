package store

import (
	"sync"

	"popfork/db"
	"popfork/errors"
	"popfork/jsonx"
	"popfork/types"
	"popfork/utils"
)

// storageEntry is the stored form of a cached remote storage value. An
// empty entry records that the remote chain has no value under the key,
// so the miss is never re-fetched.
type storageEntry struct {
	Value   []byte `json:"value,omitempty"`
	IsEmpty bool   `json:"is_empty,omitempty"`
}

// StorageStore is the persistent cache of remote storage reads, keyed by
// (block hash, storage key). Entries are immutable once written: the
// first writer wins and later writes for the same pair are ignored.
type StorageStore struct {
	mu       sync.Mutex
	provider db.IterableProvider
}

// NewStorageStore creates a storage cache over the given provider
func NewStorageStore(provider db.IterableProvider) *StorageStore {
	return &StorageStore{provider: provider}
}

// Get returns the cached value for (blockHash, key). The second return
// is false when the pair has never been cached.
func (s *StorageStore) Get(blockHash types.Hash, key []byte) (types.StorageValue, bool, error) {
	raw, err := s.provider.Get(storageKey(blockHash, key))
	if err != nil {
		return types.StorageValue{}, false, errors.Wrap(errors.KindInternal, "storage.get", err)
	}
	if raw == nil {
		return types.StorageValue{}, false, nil
	}
	var entry storageEntry
	if err := jsonx.Unmarshal(raw, &entry); err != nil {
		return types.StorageValue{}, false, errors.Wrap(errors.KindInternal, "storage.get", err)
	}
	return types.StorageValue{Value: entry.Value, IsEmpty: entry.IsEmpty}, true, nil
}

// Put caches a value for (blockHash, key). If the pair is already
// cached the existing entry is kept and Put reports inserted=false.
func (s *StorageStore) Put(blockHash types.Hash, key []byte, value types.StorageValue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(blockHash, key, value)
}

func (s *StorageStore) putLocked(blockHash types.Hash, key []byte, value types.StorageValue) (bool, error) {
	dbKey := storageKey(blockHash, key)
	exists, err := s.provider.Has(dbKey)
	if err != nil {
		return false, errors.Wrap(errors.KindInternal, "storage.put", err)
	}
	if exists {
		return false, nil
	}
	raw, err := jsonx.Marshal(storageEntry{Value: value.Value, IsEmpty: value.IsEmpty})
	if err != nil {
		return false, errors.Wrap(errors.KindInternal, "storage.put", err)
	}
	if err := s.provider.Put(dbKey, raw); err != nil {
		return false, errors.Wrap(errors.KindInternal, "storage.put", err)
	}
	return true, nil
}

// PutBatch caches many values for one block. Pairs that are already
// cached are skipped; the rest are written.
func (s *StorageStore) PutBatch(blockHash types.Hash, entries map[string]types.StorageValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range entries {
		if _, err := s.putLocked(blockHash, []byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// KeysByPrefix returns all cached storage keys under prefix for the
// given block, in byte order. Empty-marker entries are included: the
// caller decides whether a known-missing key counts.
func (s *StorageStore) KeysByPrefix(blockHash types.Hash, prefix []byte) ([][]byte, error) {
	base := len(PrefixStorage) + types.HashSize
	var keys [][]byte
	err := s.provider.IteratePrefix(storagePrefix(blockHash, prefix), func(key, value []byte) bool {
		keys = append(keys, key[base:])
		return true
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "storage.keys_by_prefix", err)
	}
	return keys, nil
}

// NonEmptyKeysByPrefix is KeysByPrefix restricted to entries that hold a
// real remote value.
func (s *StorageStore) NonEmptyKeysByPrefix(blockHash types.Hash, prefix []byte) ([][]byte, error) {
	base := len(PrefixStorage) + types.HashSize
	var keys [][]byte
	err := s.provider.IteratePrefix(storagePrefix(blockHash, prefix), func(key, value []byte) bool {
		var entry storageEntry
		if jsonx.Unmarshal(value, &entry) == nil && !entry.IsEmpty {
			keys = append(keys, key[base:])
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "storage.keys_by_prefix", err)
	}
	return keys, nil
}

// NextKeyAfter returns the smallest cached non-empty key strictly
// greater than key for the given block, or nil when none is cached.
func (s *StorageStore) NextKeyAfter(blockHash types.Hash, key []byte) ([]byte, error) {
	base := len(PrefixStorage) + types.HashSize
	start := storageKey(blockHash, key)
	start = append(start, 0x00) // smallest key strictly after
	limit := utils.IncrementPrefix(storagePrefix(blockHash, nil))

	var next []byte
	err := s.provider.IterateRange(start, limit, func(dbKey, value []byte) bool {
		var entry storageEntry
		if jsonx.Unmarshal(value, &entry) != nil || entry.IsEmpty {
			return true
		}
		next = dbKey[base:]
		return false
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "storage.next_key", err)
	}
	return next, nil
}

// CountByPrefix counts cached entries under prefix for the given block
func (s *StorageStore) CountByPrefix(blockHash types.Hash, prefix []byte) (int, error) {
	count := 0
	err := s.provider.IteratePrefix(storagePrefix(blockHash, prefix), func(key, value []byte) bool {
		count++
		return true
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindInternal, "storage.count_by_prefix", err)
	}
	return count, nil
}

// ClearBlock drops every cached entry for the given block
func (s *StorageStore) ClearBlock(blockHash types.Hash) error {
	batch := s.provider.Batch()
	err := s.provider.IteratePrefix(storagePrefix(blockHash, nil), func(key, value []byte) bool {
		batch.Delete(key)
		return true
	})
	if err != nil {
		return errors.Wrap(errors.KindInternal, "storage.clear_block", err)
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(errors.KindInternal, "storage.clear_block", err)
	}
	return nil
}

package store

import (
	"bytes"
	"sync"

	"popfork/db"
	"popfork/errors"
	"popfork/jsonx"
	"popfork/types"
	"popfork/utils"
)

// overlayEntry is the stored form of one overlay window. ValidUntil of
// zero means the window is still open.
type overlayEntry struct {
	ValidUntil uint64 `json:"valid_until,omitempty"`
	Value      []byte `json:"value,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// OverlayValue is a resolved overlay read. Deleted means the key is
// locally deleted and remote state must not show through.
type OverlayValue struct {
	Value   []byte
	Deleted bool
}

// OverlayStore holds local state modifications as validity-windowed
// entries. A write at block N opens a window [N, open); a later write to
// the same key closes the previous window at the new start. Reads at any
// block number resolve to the window covering that number, so historical
// local state stays queryable.
type OverlayStore struct {
	mu       sync.Mutex
	provider db.IterableProvider
}

// NewOverlayStore creates an overlay over the given provider
func NewOverlayStore(provider db.IterableProvider) *OverlayStore {
	return &OverlayStore{provider: provider}
}

// Write opens a window for key starting at validFrom holding value.
// Any open window for the key is closed at validFrom first.
func (s *OverlayStore) Write(key, value []byte, validFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.provider.Batch()
	if err := s.stageWrite(batch, key, overlayEntry{Value: value}, validFrom); err != nil {
		return err
	}
	return errors.Wrap(errors.KindInternal, "overlay.write", batch.Write())
}

// Delete opens a deletion window for key starting at validFrom. Reads
// inside the window see the key as locally deleted rather than absent.
func (s *OverlayStore) Delete(key []byte, validFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.provider.Batch()
	if err := s.stageWrite(batch, key, overlayEntry{Deleted: true}, validFrom); err != nil {
		return err
	}
	return errors.Wrap(errors.KindInternal, "overlay.delete", batch.Write())
}

// WriteBatch applies a block's worth of deltas in one atomic write. All
// windows open at validFrom; either every delta lands or none does.
func (s *OverlayStore) WriteBatch(deltas []types.StorageDelta, validFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.provider.Batch()
	for _, delta := range deltas {
		entry := overlayEntry{Value: delta.Value, Deleted: delta.Deleted}
		if err := s.stageWrite(batch, delta.Key, entry, validFrom); err != nil {
			return err
		}
	}
	return errors.Wrap(errors.KindInternal, "overlay.write_batch", batch.Write())
}

// StageBatch stages a block's deltas into an externally owned batch so
// callers can commit overlay and ledger changes in one write. Nothing is
// visible until the caller commits the batch.
func (s *OverlayStore) StageBatch(batch db.DatabaseBatch, deltas []types.StorageDelta, validFrom uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, delta := range deltas {
		entry := overlayEntry{Value: delta.Value, Deleted: delta.Deleted}
		if err := s.stageWrite(batch, delta.Key, entry, validFrom); err != nil {
			return err
		}
	}
	return nil
}

// stageWrite adds the window-open (and any window-close) operations for
// one key to batch. Callers hold the mutex; nothing is visible until the
// batch commits.
func (s *OverlayStore) stageWrite(batch db.DatabaseBatch, key []byte, entry overlayEntry, validFrom uint64) error {
	openRaw, err := s.provider.Get(overlayOpenKey(key))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "overlay.write", err)
	}
	if openRaw != nil {
		openFrom := utils.BytesToUint64(openRaw)
		if openFrom >= validFrom {
			return errors.Newf(errors.KindInvariantViolation, "overlay.write",
				"window starting at %d cannot close earlier open window at %d", validFrom, openFrom)
		}
		closedRaw, err := s.provider.Get(overlayValueKey(key, openFrom))
		if err != nil {
			return errors.Wrap(errors.KindInternal, "overlay.write", err)
		}
		if closedRaw == nil {
			return errors.New(errors.KindInternal, "overlay.write",
				"open-window pointer refers to missing entry")
		}
		var closed overlayEntry
		if err := jsonx.Unmarshal(closedRaw, &closed); err != nil {
			return errors.Wrap(errors.KindInternal, "overlay.write", err)
		}
		closed.ValidUntil = validFrom
		reRaw, err := jsonx.Marshal(closed)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "overlay.write", err)
		}
		batch.Put(overlayValueKey(key, openFrom), reRaw)
	}

	raw, err := jsonx.Marshal(entry)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "overlay.write", err)
	}
	batch.Put(overlayValueKey(key, validFrom), raw)
	batch.Put(overlayOpenKey(key), utils.Uint64ToBytes(validFrom))
	return nil
}

// ReadAt resolves key at block number at. The second return is false
// when no overlay window covers the key at that height.
func (s *OverlayStore) ReadAt(key []byte, at uint64) (OverlayValue, bool, error) {
	var (
		result OverlayValue
		found  bool
	)
	err := s.provider.IteratePrefix(append([]byte(PrefixOverlayValue), key...), func(dbKey, raw []byte) bool {
		entryKey, validFrom, ok := splitOverlayValueKey(dbKey)
		if !ok || !bytes.Equal(entryKey, key) {
			return true
		}
		if validFrom > at {
			return false // entries are ordered by start, nothing later applies
		}
		var entry overlayEntry
		if jsonx.Unmarshal(raw, &entry) != nil {
			return true
		}
		if entry.ValidUntil == 0 || at < entry.ValidUntil {
			result = OverlayValue{Value: entry.Value, Deleted: entry.Deleted}
			found = true
		}
		return true
	})
	if err != nil {
		return OverlayValue{}, false, errors.Wrap(errors.KindInternal, "overlay.read_at", err)
	}
	return result, found, nil
}

// KeysByPrefixAt returns keys with a live, non-deleted window under
// prefix at block number at, in byte order.
func (s *OverlayStore) KeysByPrefixAt(prefix []byte, at uint64) ([][]byte, error) {
	return s.keysByPrefixAt(prefix, at, false)
}

// DeletedKeysByPrefixAt returns keys locally deleted under prefix at
// block number at, in byte order.
func (s *OverlayStore) DeletedKeysByPrefixAt(prefix []byte, at uint64) ([][]byte, error) {
	return s.keysByPrefixAt(prefix, at, true)
}

func (s *OverlayStore) keysByPrefixAt(prefix []byte, at uint64, deleted bool) ([][]byte, error) {
	var keys [][]byte
	var last []byte
	err := s.provider.IteratePrefix(append([]byte(PrefixOverlayValue), prefix...), func(dbKey, raw []byte) bool {
		entryKey, validFrom, ok := splitOverlayValueKey(dbKey)
		if !ok || validFrom > at {
			return true
		}
		// the iterated range can include a shorter key whose validFrom
		// bytes extend it into the prefix; only real prefix matches count
		if !bytes.HasPrefix(entryKey, prefix) {
			return true
		}
		var entry overlayEntry
		if jsonx.Unmarshal(raw, &entry) != nil {
			return true
		}
		if entry.ValidUntil != 0 && at >= entry.ValidUntil {
			return true
		}
		if entry.Deleted != deleted {
			return true
		}
		// windows for one key never overlap, so each key matches once
		if last != nil && bytes.Equal(last, entryKey) {
			return true
		}
		last = append([]byte(nil), entryKey...)
		keys = append(keys, last)
		return true
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "overlay.keys_by_prefix", err)
	}
	return keys, nil
}

// Clear drops every overlay window and open pointer
func (s *OverlayStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.provider.Batch()
	for _, prefix := range [][]byte{[]byte(PrefixOverlayValue), []byte(PrefixOverlayOpen)} {
		err := s.provider.IteratePrefix(prefix, func(key, value []byte) bool {
			batch.Delete(key)
			return true
		})
		if err != nil {
			return errors.Wrap(errors.KindInternal, "overlay.clear", err)
		}
	}
	return errors.Wrap(errors.KindInternal, "overlay.clear", batch.Write())
}

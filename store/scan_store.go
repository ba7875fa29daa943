package store

import (
	"bytes"
	"sync"

	"popfork/db"
	"popfork/errors"
	"popfork/jsonx"
	"popfork/types"
)

// scanEntry records how far a prefix scan against the remote chain has
// progressed for one (block hash, prefix) pair.
type scanEntry struct {
	LastScannedKey []byte `json:"last_scanned_key,omitempty"`
	IsComplete     bool   `json:"is_complete,omitempty"`
}

// ScanProgress is the externally visible scan state for a prefix
type ScanProgress struct {
	LastScannedKey []byte
	IsComplete     bool
}

// ScanStore tracks resumable prefix-scan progress. Progress for a pair
// only moves forward: the recorded cursor is monotonically increasing
// and a completed scan never reopens.
type ScanStore struct {
	mu       sync.Mutex
	provider db.IterableProvider
}

// NewScanStore creates a scan ledger over the given provider
func NewScanStore(provider db.IterableProvider) *ScanStore {
	return &ScanStore{provider: provider}
}

// Progress returns the recorded scan state for (blockHash, prefix). The
// second return is false when no scan has been recorded yet.
func (s *ScanStore) Progress(blockHash types.Hash, prefix []byte) (ScanProgress, bool, error) {
	raw, err := s.provider.Get(scanKey(blockHash, prefix))
	if err != nil {
		return ScanProgress{}, false, errors.Wrap(errors.KindInternal, "scan.progress", err)
	}
	if raw == nil {
		return ScanProgress{}, false, nil
	}
	var entry scanEntry
	if err := jsonx.Unmarshal(raw, &entry); err != nil {
		return ScanProgress{}, false, errors.Wrap(errors.KindInternal, "scan.progress", err)
	}
	return ScanProgress{LastScannedKey: entry.LastScannedKey, IsComplete: entry.IsComplete}, true, nil
}

// Advance moves the scan cursor for (blockHash, prefix) forward to
// lastKey, marking the scan complete when complete is set. A cursor that
// would move backward is rejected, and a completed scan cannot change.
func (s *ScanStore) Advance(blockHash types.Hash, prefix, lastKey []byte, complete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found, err := s.Progress(blockHash, prefix)
	if err != nil {
		return err
	}
	if found {
		if current.IsComplete {
			return errors.New(errors.KindInvariantViolation, "scan.advance",
				"scan already complete for prefix")
		}
		if bytes.Compare(lastKey, current.LastScannedKey) < 0 {
			return errors.New(errors.KindInvariantViolation, "scan.advance",
				"scan cursor would move backward")
		}
	}

	raw, err := jsonx.Marshal(scanEntry{LastScannedKey: lastKey, IsComplete: complete})
	if err != nil {
		return errors.Wrap(errors.KindInternal, "scan.advance", err)
	}
	if err := s.provider.Put(scanKey(blockHash, prefix), raw); err != nil {
		return errors.Wrap(errors.KindInternal, "scan.advance", err)
	}
	return nil
}

// CoveringScan looks for a recorded scan whose prefix covers the given
// prefix, i.e. a scan over a shorter prefix that the given one extends.
// A complete covering scan means every remote key under prefix is
// already cached.
func (s *ScanStore) CoveringScan(blockHash types.Hash, prefix []byte) (ScanProgress, bool, error) {
	for end := len(prefix); end >= 0; end-- {
		progress, found, err := s.Progress(blockHash, prefix[:end])
		if err != nil {
			return ScanProgress{}, false, err
		}
		if found && progress.IsComplete {
			return progress, true, nil
		}
	}
	return ScanProgress{}, false, nil
}

// ClearBlock drops every recorded scan for the given block
func (s *ScanStore) ClearBlock(blockHash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.provider.Batch()
	err := s.provider.IteratePrefix(scanKey(blockHash, nil), func(key, value []byte) bool {
		batch.Delete(key)
		return true
	})
	if err != nil {
		return errors.Wrap(errors.KindInternal, "scan.clear_block", err)
	}
	return errors.Wrap(errors.KindInternal, "scan.clear_block", batch.Write())
}

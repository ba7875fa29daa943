package store

import (
	"sync"

	"popfork/db"
	"popfork/errors"
	"popfork/jsonx"
	"popfork/types"
	"popfork/utils"
)

// BlockStore holds the linear ledger of locally produced blocks plus a
// cache of remote block headers. The local ledger is append-only: block
// numbers are contiguous and each block's parent is the previous tip.
type BlockStore struct {
	mu       sync.Mutex
	provider db.IterableProvider
}

// NewBlockStore creates a block ledger over the given provider
func NewBlockStore(provider db.IterableProvider) *BlockStore {
	return &BlockStore{provider: provider}
}

// Init seeds the ledger with its base block, normally the fork-point
// block carried over from the remote chain. Init on a non-empty ledger
// succeeds only when the recorded base matches.
func (s *BlockStore) Init(base types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, found, err := s.tipNumberLocked()
	if err != nil {
		return err
	}
	if found {
		existing, err := s.byNumberLocked(base.Number)
		if err != nil {
			return err
		}
		if existing == nil || !existing.Hash.Equal(base.Hash) {
			return errors.New(errors.KindInvariantViolation, "block.init",
				"ledger already initialized with a different base block")
		}
		_ = tip
		return nil
	}

	batch := s.provider.Batch()
	if err := s.stageBlock(batch, base); err != nil {
		return err
	}
	batch.Put(blockMetaKey(KeyTip), utils.Uint64ToBytes(base.Number))
	if err := batch.Write(); err != nil {
		return errors.Wrap(errors.KindInternal, "block.init", err)
	}
	return nil
}

// Append adds the next block to the ledger. The block must extend the
// current tip: its number is tip+1 and its parent hash is the tip hash.
func (s *BlockStore) Append(block types.Block) error {
	batch := s.provider.Batch()
	if err := s.StageAppend(batch, block); err != nil {
		return err
	}
	return errors.Wrap(errors.KindInternal, "block.append", batch.Write())
}

// StageAppend validates that block extends the current tip and stages
// the append, including the tip update, into an externally owned batch.
// The caller commits the batch; until then the ledger is unchanged.
func (s *BlockStore) StageAppend(batch db.DatabaseBatch, block types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipNum, found, err := s.tipNumberLocked()
	if err != nil {
		return err
	}
	if !found {
		return errors.New(errors.KindInvariantViolation, "block.append",
			"ledger not initialized")
	}
	tip, err := s.byNumberLocked(tipNum)
	if err != nil {
		return err
	}
	if tip == nil {
		return errors.New(errors.KindInternal, "block.append", "tip block missing")
	}
	if block.Number != tipNum+1 {
		return errors.Newf(errors.KindInvariantViolation, "block.append",
			"block number %d does not extend tip %d", block.Number, tipNum)
	}
	if !block.ParentHash.Equal(tip.Hash) {
		return errors.Newf(errors.KindInvariantViolation, "block.append",
			"parent hash %s does not match tip %s", block.ParentHash.Short(), tip.Hash.Short())
	}

	if err := s.stageBlock(batch, block); err != nil {
		return err
	}
	batch.Put(blockMetaKey(KeyTip), utils.Uint64ToBytes(block.Number))
	return nil
}

func (s *BlockStore) stageBlock(batch db.DatabaseBatch, block types.Block) error {
	raw, err := jsonx.Marshal(block)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "block.store", err)
	}
	batch.Put(blockKey(block.Hash), raw)
	batch.Put(blockNumKey(block.Number), block.Hash.Bytes())
	return nil
}

// ByHash returns the local block with the given hash, nil if unknown
func (s *BlockStore) ByHash(hash types.Hash) (*types.Block, error) {
	raw, err := s.provider.Get(blockKey(hash))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_hash", err)
	}
	if raw == nil {
		return nil, nil
	}
	var block types.Block
	if err := jsonx.Unmarshal(raw, &block); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_hash", err)
	}
	return &block, nil
}

// ByNumber returns the local block with the given number, nil if unknown
func (s *BlockStore) ByNumber(number uint64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byNumberLocked(number)
}

func (s *BlockStore) byNumberLocked(number uint64) (*types.Block, error) {
	hashBytes, err := s.provider.Get(blockNumKey(number))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_number", err)
	}
	if hashBytes == nil {
		return nil, nil
	}
	hash, err := types.HashFromBytes(hashBytes)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_number", err)
	}
	raw, err := s.provider.Get(blockKey(hash))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_number", err)
	}
	if raw == nil {
		return nil, errors.New(errors.KindInternal, "block.by_number",
			"number index points at missing block")
	}
	var block types.Block
	if err := jsonx.Unmarshal(raw, &block); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.by_number", err)
	}
	return &block, nil
}

// Tip returns the current tip block, nil when the ledger is empty
func (s *BlockStore) Tip() (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number, found, err := s.tipNumberLocked()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return s.byNumberLocked(number)
}

// TipNumber returns the current tip block number. The second return is
// false when the ledger is empty.
func (s *BlockStore) TipNumber() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tipNumberLocked()
}

func (s *BlockStore) tipNumberLocked() (uint64, bool, error) {
	raw, err := s.provider.Get(blockMetaKey(KeyTip))
	if err != nil {
		return 0, false, errors.Wrap(errors.KindInternal, "block.tip", err)
	}
	if raw == nil {
		return 0, false, nil
	}
	return utils.BytesToUint64(raw), true, nil
}

// PutRemote caches a remote block header. Unlike the local ledger the
// remote cache is upsertable: a later fetch of the same header replaces
// the earlier one.
func (s *BlockStore) PutRemote(block types.Block) error {
	raw, err := jsonx.Marshal(block)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "block.put_remote", err)
	}
	batch := s.provider.Batch()
	batch.Put(remoteBlockKey(block.Hash), raw)
	batch.Put(remoteBlockNumKey(block.Number), block.Hash.Bytes())
	if err := batch.Write(); err != nil {
		return errors.Wrap(errors.KindInternal, "block.put_remote", err)
	}
	return nil
}

// RemoteByHash returns a cached remote header by hash, nil if unknown
func (s *BlockStore) RemoteByHash(hash types.Hash) (*types.Block, error) {
	raw, err := s.provider.Get(remoteBlockKey(hash))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.remote_by_hash", err)
	}
	if raw == nil {
		return nil, nil
	}
	var block types.Block
	if err := jsonx.Unmarshal(raw, &block); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.remote_by_hash", err)
	}
	return &block, nil
}

// RemoteByNumber returns a cached remote header by number, nil if unknown
func (s *BlockStore) RemoteByNumber(number uint64) (*types.Block, error) {
	hashBytes, err := s.provider.Get(remoteBlockNumKey(number))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.remote_by_number", err)
	}
	if hashBytes == nil {
		return nil, nil
	}
	hash, err := types.HashFromBytes(hashBytes)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "block.remote_by_number", err)
	}
	return s.RemoteByHash(hash)
}

// Clear drops the local ledger and the remote header cache. The store
// must be re-initialized before it can append again.
func (s *BlockStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefixes := []string{
		PrefixBlock, PrefixBlockNum, PrefixBlockMeta,
		PrefixRemoteBlock, PrefixRemoteBlockNum,
	}
	batch := s.provider.Batch()
	for _, prefix := range prefixes {
		err := s.provider.IteratePrefix([]byte(prefix), func(key, value []byte) bool {
			batch.Delete(key)
			return true
		})
		if err != nil {
			return errors.Wrap(errors.KindInternal, "block.clear", err)
		}
	}
	return errors.Wrap(errors.KindInternal, "block.clear", batch.Write())
}

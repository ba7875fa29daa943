package fork

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"popfork/db"
	"popfork/errors"
	"popfork/logx"
	"popfork/remote"
	"popfork/runtime"
	"popfork/store"
	"popfork/types"
	"popfork/utils"
)

// Config selects the fork point and tunes the remote layer. Exactly one
// of ForkHash, ForkNumber may be set; with neither the latest finalized
// remote block is used.
type Config struct {
	ForkHash   types.Hash
	ForkNumber *uint64

	// ExpectedChain, when set, must match the remote node's chain name
	ExpectedChain string

	PageSize       int
	WarmupDisabled bool
}

// Fork coordinates the whole engine: it pins a remote block, serves
// reads through the overlay and the remote cache, and appends locally
// produced blocks on top.
type Fork struct {
	cfg      Config
	rpc      remote.ChainRPC
	exec     runtime.Executor
	provider db.IterableProvider

	storage *store.StorageStore
	scans   *store.ScanStore
	blocks  *store.BlockStore
	overlay *store.OverlayStore
	layer   *remote.Layer
	bus     *types.EventBus

	state     stateMachine
	forkPoint types.Block

	produceMu sync.Mutex

	closeMu   sync.RWMutex
	closing   bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New creates a fork over the given remote client, storage provider and
// executor. Call Init before anything else.
func New(cfg Config, rpc remote.ChainRPC, provider db.IterableProvider, exec runtime.Executor) *Fork {
	return &Fork{
		cfg:      cfg,
		rpc:      rpc,
		exec:     exec,
		provider: provider,
		storage:  store.NewStorageStore(provider),
		scans:    store.NewScanStore(provider),
		blocks:   store.NewBlockStore(provider),
		overlay:  store.NewOverlayStore(provider),
		bus:      types.NewEventBus(),
	}
}

// Init probes the remote node, resolves the fork point and seeds the
// local ledger with it. Failures leave the fork in its initial state so
// Init can be retried.
func (f *Fork) Init(ctx context.Context) error {
	if f.state.load() != StateInitializing {
		return errors.Newf(errors.KindInvariantViolation, "fork.init",
			"init in state %s", f.state.load())
	}

	chainName, err := f.rpc.SystemChain(ctx)
	if err != nil {
		return err
	}
	if f.cfg.ExpectedChain != "" && chainName != f.cfg.ExpectedChain {
		return errors.Newf(errors.KindProtocolIncompatible, "fork.init",
			"remote chain is %q, want %q", chainName, f.cfg.ExpectedChain)
	}

	hash := f.cfg.ForkHash
	if hash.IsZero() {
		if f.cfg.ForkNumber != nil {
			hash, err = f.rpc.GetBlockHash(ctx, *f.cfg.ForkNumber)
		} else {
			hash, err = f.rpc.GetFinalizedHead(ctx)
		}
		if err != nil {
			return err
		}
	}

	header, err := f.rpc.GetHeader(ctx, hash)
	if err != nil {
		return err
	}

	if err := f.blocks.PutRemote(*header); err != nil {
		return err
	}
	if err := f.blocks.Init(*header); err != nil {
		return err
	}

	f.forkPoint = *header
	f.layer = remote.NewLayer(remote.LayerConfig{
		ForkHash:       header.Hash,
		PageSize:       f.cfg.PageSize,
		WarmupDisabled: f.cfg.WarmupDisabled,
		RemoteObserver: f.noteRemote,
		FailFast:       f.degraded,
	}, f.rpc, f.storage, f.scans)

	f.state.set(StateReady)
	logx.Info("FORK", "forked", chainName, "at block", header.Number, header.Hash.Short())
	return nil
}

// State returns the current lifecycle state
func (f *Fork) State() State {
	return f.state.load()
}

// Status returns the lifecycle state as a string
func (f *Fork) Status() string {
	return f.state.load().String()
}

// ForkPoint returns the pinned remote block the fork was taken at
func (f *Fork) ForkPoint() types.Block {
	return f.forkPoint
}

// Events returns the bus publishing block production and teardown events
func (f *Fork) Events() *types.EventBus {
	return f.bus
}

// enter registers an operation so Close can drain in-flight work
func (f *Fork) enter(op string) error {
	f.closeMu.RLock()
	defer f.closeMu.RUnlock()
	if f.closing {
		return errors.New(errors.KindClosed, op, "fork is closed")
	}
	if f.state.load() == StateInitializing {
		return errors.New(errors.KindInvariantViolation, op, "fork not initialized")
	}
	f.inflight.Add(1)
	return nil
}

func (f *Fork) leave() {
	f.inflight.Done()
}

// noteRemote flips Ready to Degraded on a transport failure and back on
// the next successful remote round trip. Only actual RPC outcomes are
// reported here; reads served from the cache never reach this, so a
// cache hit cannot mask a dead upstream. Other failure kinds do not
// change the state.
func (f *Fork) noteRemote(err error) {
	if err == nil {
		if f.state.swap(StateDegraded, StateReady) {
			logx.Info("FORK", "remote recovered, leaving degraded mode")
		}
		return
	}
	if errors.IsKind(err, errors.KindTransport) {
		if f.state.swap(StateReady, StateDegraded) {
			logx.Warn("FORK", "remote unreachable, entering degraded mode:", err.Error())
		}
	}
}

// degraded reports whether the upstream is currently unreachable
func (f *Fork) degraded() bool {
	return f.state.load() == StateDegraded
}

// rpcCtx marks ctx for a single fail-fast attempt while degraded
func (f *Fork) rpcCtx(ctx context.Context) context.Context {
	if f.degraded() {
		return remote.WithFailFast(ctx)
	}
	return ctx
}

// resolveHeight maps an optional block hash to a local height. Nil means
// the current tip.
func (f *Fork) resolveHeight(at *types.Hash) (uint64, error) {
	if at == nil {
		number, found, err := f.blocks.TipNumber()
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, errors.New(errors.KindInvariantViolation, "fork.resolve", "ledger empty")
		}
		return number, nil
	}
	block, err := f.blocks.ByHash(*at)
	if err != nil {
		return 0, err
	}
	if block == nil {
		return 0, errors.Newf(errors.KindNotFound, "fork.resolve",
			"unknown block %s", at.Short())
	}
	return block.Number, nil
}

// GetStorage resolves key at the given block, nil hash meaning the tip.
// Local overlay windows win; deleted keys read as absent; everything
// else falls through to the cached remote state at the fork point. A nil
// return with nil error means the key has no value.
func (f *Fork) GetStorage(ctx context.Context, key []byte, at *types.Hash) ([]byte, error) {
	if err := f.enter("fork.get_storage"); err != nil {
		return nil, err
	}
	defer f.leave()

	height, err := f.resolveHeight(at)
	if err != nil {
		return nil, err
	}
	return f.readAt(ctx, key, height)
}

func (f *Fork) readAt(ctx context.Context, key []byte, height uint64) ([]byte, error) {
	local, found, err := f.overlay.ReadAt(key, height)
	if err != nil {
		return nil, err
	}
	if found {
		if local.Deleted {
			return nil, nil
		}
		return local.Value, nil
	}

	value, err := f.layer.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return value.Data(), nil
}

// GetStorageBatch resolves many keys at one block in a single pass
func (f *Fork) GetStorageBatch(ctx context.Context, keys [][]byte, at *types.Hash) (map[string][]byte, error) {
	if err := f.enter("fork.get_storage_batch"); err != nil {
		return nil, err
	}
	defer f.leave()

	height, err := f.resolveHeight(at)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	var remoteKeys [][]byte
	for _, key := range keys {
		local, found, err := f.overlay.ReadAt(key, height)
		if err != nil {
			return nil, err
		}
		if found {
			if !local.Deleted {
				result[string(key)] = local.Value
			} else {
				result[string(key)] = nil
			}
			continue
		}
		remoteKeys = append(remoteKeys, key)
	}

	if len(remoteKeys) > 0 {
		values, err := f.layer.GetBatch(ctx, remoteKeys)
		if err != nil {
			return nil, err
		}
		for key, value := range values {
			result[key] = value.Data()
		}
	}
	return result, nil
}

// NextKey returns the smallest key strictly greater than key that has a
// value at the given block, merging local overlay keys with remote
// state and skipping locally deleted keys.
func (f *Fork) NextKey(ctx context.Context, key []byte, at *types.Hash) ([]byte, error) {
	if err := f.enter("fork.next_key"); err != nil {
		return nil, err
	}
	defer f.leave()

	height, err := f.resolveHeight(at)
	if err != nil {
		return nil, err
	}

	liveKeys, err := f.overlay.KeysByPrefixAt(nil, height)
	if err != nil {
		return nil, err
	}
	var localNext []byte
	for _, candidate := range liveKeys {
		if bytes.Compare(candidate, key) > 0 {
			if localNext == nil || bytes.Compare(candidate, localNext) < 0 {
				localNext = candidate
			}
		}
	}

	var remoteNext []byte
	cursor := key
	for {
		next, err := f.layer.NextKey(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		local, found, err := f.overlay.ReadAt(next, height)
		if err != nil {
			return nil, err
		}
		if found && local.Deleted {
			cursor = next // locally deleted, keep walking
			continue
		}
		remoteNext = next
		break
	}

	return utils.MinNonEmpty(localNext, remoteNext), nil
}

// KeysByPrefix returns every key under prefix with a value at the given
// block, in byte order. The remote keyspace under prefix is scanned and
// cached on first use.
func (f *Fork) KeysByPrefix(ctx context.Context, prefix []byte, at *types.Hash) ([][]byte, error) {
	if err := f.enter("fork.keys_by_prefix"); err != nil {
		return nil, err
	}
	defer f.leave()

	height, err := f.resolveHeight(at)
	if err != nil {
		return nil, err
	}

	err = f.layer.PrefetchPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	remoteKeys, err := f.storage.NonEmptyKeysByPrefix(f.forkPoint.Hash, prefix)
	if err != nil {
		return nil, err
	}
	liveKeys, err := f.overlay.KeysByPrefixAt(prefix, height)
	if err != nil {
		return nil, err
	}
	deletedKeys, err := f.overlay.DeletedKeysByPrefixAt(prefix, height)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]bool, len(remoteKeys)+len(liveKeys))
	for _, key := range remoteKeys {
		merged[string(key)] = true
	}
	for _, key := range deletedKeys {
		delete(merged, string(key))
	}
	for _, key := range liveKeys {
		merged[string(key)] = true
	}

	keys := make([][]byte, 0, len(merged))
	for key := range merged {
		keys = append(keys, []byte(key))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, nil
}

// BlockByNumber returns the block at the given height: a local block,
// the fork point, or a remote header below the fork point fetched and
// cached on demand.
func (f *Fork) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if err := f.enter("fork.block_by_number"); err != nil {
		return nil, err
	}
	defer f.leave()

	block, err := f.blocks.ByNumber(number)
	if err != nil {
		return nil, err
	}
	if block != nil {
		return block, nil
	}
	if number >= f.forkPoint.Number {
		return nil, errors.Newf(errors.KindNotFound, "fork.block_by_number",
			"no block at height %d", number)
	}

	block, err = f.blocks.RemoteByNumber(number)
	if err != nil {
		return nil, err
	}
	if block != nil {
		return block, nil
	}

	hash, err := f.rpc.GetBlockHash(f.rpcCtx(ctx), number)
	f.noteRemote(err)
	if err != nil {
		return nil, err
	}
	header, err := f.rpc.GetHeader(f.rpcCtx(ctx), hash)
	f.noteRemote(err)
	if err != nil {
		return nil, err
	}
	if err := f.blocks.PutRemote(*header); err != nil {
		return nil, err
	}
	return header, nil
}

// BlockByHash returns a local block or cached remote header by hash
func (f *Fork) BlockByHash(hash types.Hash) (*types.Block, error) {
	if err := f.enter("fork.block_by_hash"); err != nil {
		return nil, err
	}
	defer f.leave()

	block, err := f.blocks.ByHash(hash)
	if err != nil {
		return nil, err
	}
	if block != nil {
		return block, nil
	}
	return f.blocks.RemoteByHash(hash)
}

// Tip returns the current tip of the local ledger
func (f *Fork) Tip() (*types.Block, error) {
	if err := f.enter("fork.tip"); err != nil {
		return nil, err
	}
	defer f.leave()
	return f.blocks.Tip()
}

// ProduceBlock builds and commits the next local block from the given
// extrinsics. The executor interprets them and reports the deltas the
// block commits. Production is serialized; the commit is all or
// nothing; a canceled context aborts with no trace in any store.
func (f *Fork) ProduceBlock(ctx context.Context, extrinsics [][]byte) (*types.Block, error) {
	if err := f.enter("fork.produce"); err != nil {
		return nil, err
	}
	defer f.leave()

	f.produceMu.Lock()
	defer f.produceMu.Unlock()

	if !f.state.swap(StateReady, StateProducing) {
		return nil, errors.Newf(errors.KindInvariantViolation, "fork.produce",
			"cannot produce in state %s", f.state.load())
	}
	defer f.state.swap(StateProducing, StateReady)

	tip, err := f.blocks.Tip()
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return nil, errors.New(errors.KindInvariantViolation, "fork.produce", "ledger empty")
	}

	result, err := f.exec.BuildBlock(ctx, *tip, extrinsics, &stateView{fork: f, height: tip.Number})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindClosed, "fork.produce", err)
	}

	batch := f.provider.Batch()
	if err := f.blocks.StageAppend(batch, result.Block); err != nil {
		return nil, err
	}
	if err := f.overlay.StageBatch(batch, result.Deltas, result.Block.Number); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "fork.produce", err)
	}

	modified := make([][]byte, len(result.Deltas))
	for i, delta := range result.Deltas {
		modified[i] = delta.Key
	}
	f.bus.Publish(types.NewNewBlockEvent(result.Block, modified))
	logx.Info("FORK", "produced block", result.Block.Number, result.Block.Hash.Short(),
		"with", len(result.Deltas), "changes")

	block := result.Block
	return &block, nil
}

// SetStorage commits arbitrary state changes as a new local block. The
// deltas travel to the executor as dev extrinsics.
func (f *Fork) SetStorage(ctx context.Context, deltas []types.StorageDelta) (*types.Block, error) {
	extrinsics, err := runtime.EncodeDevExtrinsics(deltas)
	if err != nil {
		return nil, err
	}
	return f.ProduceBlock(ctx, extrinsics)
}

// Fund grants an account a balance in a new local block. A nil amount
// grants the default.
func (f *Fork) Fund(ctx context.Context, account string, amount *uint256.Int) (*types.Block, error) {
	if amount == nil {
		amount = DefaultFundAmount
	}
	delta := types.StorageDelta{
		Key:   DevAccountStorageKey(account),
		Value: EncodeBalance(amount),
	}
	return f.SetStorage(ctx, []types.StorageDelta{delta})
}

// Close tears the fork down. In-flight operations drain first; new ones
// fail with a closed error. The cached state stays on disk so the fork
// can be reopened against the same provider.
func (f *Fork) Close() error {
	f.closeOnce.Do(func() {
		f.closeMu.Lock()
		f.closing = true
		f.closeMu.Unlock()

		f.inflight.Wait()
		f.state.set(StateClosed)

		f.bus.Publish(types.NewForkClosedEvent(f.forkPoint.Hash))
		if err := f.rpc.Close(); err != nil {
			logx.Warn("FORK", "remote close:", err.Error())
		}
		logx.Info("FORK", "closed fork at", f.forkPoint.Hash.Short())
	})
	return nil
}

// CloseAndPurge closes the fork and then wipes its persisted state: the
// remote storage cache, the scan ledger, the overlay and the block
// ledger. A fork reopened over the same provider starts from scratch.
func (f *Fork) CloseAndPurge() error {
	if err := f.Close(); err != nil {
		return err
	}

	forkHash := f.forkPoint.Hash
	if err := f.storage.ClearBlock(forkHash); err != nil {
		return err
	}
	if err := f.scans.ClearBlock(forkHash); err != nil {
		return err
	}
	if err := f.overlay.Clear(); err != nil {
		return err
	}
	if err := f.blocks.Clear(); err != nil {
		return err
	}
	logx.Info("FORK", "purged fork state at", forkHash.Short())
	return nil
}

// stateView is the executor's resolved view of state at one height
type stateView struct {
	fork   *Fork
	height uint64
}

func (v *stateView) Get(ctx context.Context, key []byte) ([]byte, error) {
	return v.fork.readAt(ctx, key, v.height)
}

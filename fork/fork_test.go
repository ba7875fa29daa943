package fork

import (
	"bytes"
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popfork/db"
	"popfork/errors"
	"popfork/remote"
	"popfork/runtime"
	"popfork/types"
)

// fakeChain serves a fixed remote chain: one head block and a flat
// state map. failAll simulates a network outage.
type fakeChain struct {
	head    types.Block
	state   map[string][]byte
	failAll bool

	storageCalls int
	failFastSeen bool
}

func newFakeChain(head types.Block, state map[string][]byte) *fakeChain {
	return &fakeChain{head: head, state: state}
}

func (c *fakeChain) transportErr() error {
	return errors.New(errors.KindTransport, "fakechain", "connection refused")
}

func (c *fakeChain) sortedKeys() [][]byte {
	var keys [][]byte
	for key := range c.state {
		keys = append(keys, []byte(key))
	}
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if bytes.Compare(keys[j], keys[i]) < 0 {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

func (c *fakeChain) GetStorage(ctx context.Context, key []byte, at types.Hash) (types.StorageValue, error) {
	c.storageCalls++
	c.failFastSeen = remote.IsFailFast(ctx)
	if c.failAll {
		return types.StorageValue{}, c.transportErr()
	}
	if value, ok := c.state[string(key)]; ok {
		return types.StorageValue{Value: value}, nil
	}
	return types.StorageValue{IsEmpty: true}, nil
}

func (c *fakeChain) GetStorageBatch(ctx context.Context, keys [][]byte, at types.Hash) (map[string]types.StorageValue, error) {
	if c.failAll {
		return nil, c.transportErr()
	}
	result := make(map[string]types.StorageValue, len(keys))
	for _, key := range keys {
		value, _ := c.GetStorage(ctx, key, at)
		result[string(key)] = value
	}
	return result, nil
}

func (c *fakeChain) GetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, at types.Hash) ([][]byte, error) {
	if c.failAll {
		return nil, c.transportErr()
	}
	var out [][]byte
	for _, key := range c.sortedKeys() {
		if prefix != nil && !bytes.HasPrefix(key, prefix) {
			continue
		}
		if startKey != nil && bytes.Compare(key, startKey) <= 0 {
			continue
		}
		out = append(out, key)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func (c *fakeChain) GetHeader(ctx context.Context, hash types.Hash) (*types.Block, error) {
	if c.failAll {
		return nil, c.transportErr()
	}
	if hash.Equal(c.head.Hash) {
		head := c.head
		return &head, nil
	}
	return nil, errors.Newf(errors.KindNotFound, "fakechain", "no header %s", hash.Short())
}

func (c *fakeChain) GetBlockHash(ctx context.Context, number uint64) (types.Hash, error) {
	if c.failAll {
		return types.ZeroHash, c.transportErr()
	}
	if number == c.head.Number {
		return c.head.Hash, nil
	}
	return types.ZeroHash, errors.Newf(errors.KindNotFound, "fakechain", "no block %d", number)
}

func (c *fakeChain) GetFinalizedHead(ctx context.Context) (types.Hash, error) {
	if c.failAll {
		return types.ZeroHash, c.transportErr()
	}
	return c.head.Hash, nil
}

func (c *fakeChain) SystemChain(ctx context.Context) (string, error) {
	if c.failAll {
		return "", c.transportErr()
	}
	return "fakechain", nil
}

func (c *fakeChain) Close() error { return nil }

func newTestFork(t *testing.T, state map[string][]byte) (*Fork, *fakeChain) {
	t.Helper()
	head := types.Block{
		Hash:       types.Hash{0xF0},
		Number:     500,
		ParentHash: types.Hash{0xEF},
		Header:     []byte("remote-header"),
	}
	chain := newFakeChain(head, state)
	f := New(Config{WarmupDisabled: true}, chain, db.NewMemoryProvider(), runtime.NewDevExecutor())
	require.NoError(t, f.Init(context.Background()))
	return f, chain
}

func TestForkInitPinsFinalizedHead(t *testing.T) {
	f, _ := newTestFork(t, nil)
	defer f.Close()

	assert.Equal(t, StateReady, f.State())
	assert.Equal(t, uint64(500), f.ForkPoint().Number)

	tip, err := f.Tip()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), tip.Number)
	assert.Equal(t, types.Hash{0xF0}, tip.Hash)
}

func TestForkRejectsWrongChain(t *testing.T) {
	chain := newFakeChain(types.Block{Hash: types.Hash{1}, Number: 1}, nil)
	f := New(Config{ExpectedChain: "mainnet", WarmupDisabled: true},
		chain, db.NewMemoryProvider(), runtime.NewDevExecutor())

	err := f.Init(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindProtocolIncompatible))
	assert.Equal(t, StateInitializing, f.State())
}

func TestForkOperationsRequireInit(t *testing.T) {
	chain := newFakeChain(types.Block{Hash: types.Hash{1}, Number: 1}, nil)
	f := New(Config{WarmupDisabled: true}, chain, db.NewMemoryProvider(), runtime.NewDevExecutor())

	_, err := f.GetStorage(context.Background(), []byte("k"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))
}

func TestForkFundAndHistoricalReads(t *testing.T) {
	alice := DevAccountStorageKey("alice")
	remoteBalance := []byte("remote-100")
	f, _ := newTestFork(t, map[string][]byte{string(alice): remoteBalance})
	defer f.Close()
	ctx := context.Background()

	// before any local block the remote value shows through
	value, err := f.GetStorage(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, remoteBalance, value)

	// funding seals block 501 with the new balance
	block, err := f.Fund(ctx, "Alice", uint256.NewInt(250))
	require.NoError(t, err)
	assert.Equal(t, uint64(501), block.Number)
	assert.Equal(t, f.ForkPoint().Hash, block.ParentHash)

	value, err = f.GetStorage(ctx, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(250), DecodeBalance(value))

	// an empty block keeps the ledger moving without touching state
	empty, err := f.ProduceBlock(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(502), empty.Number)
	assert.Equal(t, block.Hash, empty.ParentHash)

	// reads pinned to the fork point still see the remote value
	forkHash := f.ForkPoint().Hash
	value, err = f.GetStorage(ctx, alice, &forkHash)
	require.NoError(t, err)
	assert.Equal(t, remoteBalance, value)

	// reads pinned to block 501 see the funded balance
	value, err = f.GetStorage(ctx, alice, &block.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(250), DecodeBalance(value))
}

func TestForkDeleteHidesRemoteState(t *testing.T) {
	key := []byte("balance:bob")
	f, _ := newTestFork(t, map[string][]byte{string(key): []byte("owned")})
	defer f.Close()
	ctx := context.Background()

	_, err := f.SetStorage(ctx, []types.StorageDelta{{Key: key, Deleted: true}})
	require.NoError(t, err)

	value, err := f.GetStorage(ctx, key, nil)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestForkNextKeyMergesOverlayAndRemote(t *testing.T) {
	f, _ := newTestFork(t, map[string][]byte{
		"k1": []byte("a"),
		"k3": []byte("c"),
		"k5": []byte("e"),
	})
	defer f.Close()
	ctx := context.Background()

	// local write between the remote keys, local delete of a remote key
	_, err := f.SetStorage(ctx, []types.StorageDelta{
		{Key: []byte("k2"), Value: []byte("local")},
		{Key: []byte("k3"), Deleted: true},
	})
	require.NoError(t, err)

	next, err := f.NextKey(ctx, []byte("k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("k2"), next)

	// k3 is locally deleted so the walk lands on k5
	next, err = f.NextKey(ctx, []byte("k2"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("k5"), next)

	next, err = f.NextKey(ctx, []byte("k5"), nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	// at the fork point the remote keyspace is untouched
	forkHash := f.ForkPoint().Hash
	next, err = f.NextKey(ctx, []byte("k2"), &forkHash)
	require.NoError(t, err)
	assert.Equal(t, []byte("k3"), next)
}

func TestForkKeysByPrefixMerged(t *testing.T) {
	f, _ := newTestFork(t, map[string][]byte{
		"acct:alice": []byte("1"),
		"acct:bob":   []byte("2"),
		"sys:nonce":  []byte("9"),
	})
	defer f.Close()
	ctx := context.Background()

	_, err := f.SetStorage(ctx, []types.StorageDelta{
		{Key: []byte("acct:carol"), Value: []byte("3")},
		{Key: []byte("acct:bob"), Deleted: true},
	})
	require.NoError(t, err)

	keys, err := f.KeysByPrefix(ctx, []byte("acct:"), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("acct:alice"), []byte("acct:carol")}, keys)

	forkHash := f.ForkPoint().Hash
	keys, err = f.KeysByPrefix(ctx, []byte("acct:"), &forkHash)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("acct:alice"), []byte("acct:bob")}, keys)
}

func TestForkCanceledProductionLeavesNoTrace(t *testing.T) {
	f, _ := newTestFork(t, nil)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.SetStorage(ctx, []types.StorageDelta{{Key: []byte("k"), Value: []byte("v")}})
	require.Error(t, err)

	tip, err := f.Tip()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), tip.Number, "aborted build must not advance the ledger")

	value, err := f.GetStorage(context.Background(), []byte("k"), nil)
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Equal(t, StateReady, f.State())
}

func TestForkDegradedAndRecovery(t *testing.T) {
	key := []byte("cached")
	f, chain := newTestFork(t, map[string][]byte{string(key): []byte("v")})
	defer f.Close()
	ctx := context.Background()

	// warm the cache, then cut the network
	_, err := f.GetStorage(ctx, key, nil)
	require.NoError(t, err)
	chain.failAll = true

	_, err = f.GetStorage(ctx, []byte("uncached"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransport))
	assert.Equal(t, StateDegraded, f.State())

	// cached reads keep working while degraded
	value, err := f.GetStorage(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, StateDegraded, f.State())

	// production is refused while degraded
	_, err = f.ProduceBlock(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))

	// remote comes back, next successful call restores Ready
	chain.failAll = false
	_, err = f.GetStorage(ctx, []byte("uncached"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, f.State())
}

func TestForkDegradedReadsFailFast(t *testing.T) {
	key := []byte("cached")
	f, chain := newTestFork(t, map[string][]byte{string(key): []byte("v")})
	defer f.Close()
	ctx := context.Background()

	_, err := f.GetStorage(ctx, key, nil)
	require.NoError(t, err)
	assert.False(t, chain.failFastSeen)
	chain.failAll = true

	_, err = f.GetStorage(ctx, []byte("miss-1"), nil)
	require.Error(t, err)
	require.Equal(t, StateDegraded, f.State())

	// while degraded, a read that needs a fetch makes a single marked
	// attempt instead of walking the retry ladder
	calls := chain.storageCalls
	_, err = f.GetStorage(ctx, []byte("miss-2"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransport))
	assert.True(t, chain.failFastSeen)
	assert.Equal(t, calls+1, chain.storageCalls)

	// cached reads are untouched by the outage
	value, err := f.GetStorage(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestForkBlockProductionEvents(t *testing.T) {
	f, _ := newTestFork(t, nil)
	defer f.Close()
	ctx := context.Background()

	events := f.Events().Subscribe()
	defer f.Events().Unsubscribe(events)

	block, err := f.SetStorage(ctx, []types.StorageDelta{{Key: []byte("k"), Value: []byte("v")}})
	require.NoError(t, err)

	event := <-events
	produced, ok := event.(*types.NewBlockEvent)
	require.True(t, ok)
	assert.Equal(t, block.Hash, produced.Block().Hash)
	assert.Equal(t, [][]byte{[]byte("k")}, produced.ModifiedKeys())
}

func TestForkCloseRejectsNewWork(t *testing.T) {
	f, _ := newTestFork(t, nil)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "close is idempotent")
	assert.Equal(t, StateClosed, f.State())

	_, err := f.GetStorage(context.Background(), []byte("k"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindClosed))

	_, err = f.ProduceBlock(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindClosed))
}

func TestForkReopenFromSameProvider(t *testing.T) {
	provider := db.NewMemoryProvider()
	head := types.Block{Hash: types.Hash{0xF0}, Number: 500, ParentHash: types.Hash{0xEF}}
	chain := newFakeChain(head, map[string][]byte{"k": []byte("v")})
	ctx := context.Background()

	first := New(Config{WarmupDisabled: true}, chain, provider, runtime.NewDevExecutor())
	require.NoError(t, first.Init(ctx))
	_, err := first.GetStorage(ctx, []byte("k"), nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// a new fork over the same provider reuses the cache
	chain2 := newFakeChain(head, nil) // remote state gone, cache must answer
	second := New(Config{WarmupDisabled: true}, chain2, provider, runtime.NewDevExecutor())
	require.NoError(t, second.Init(ctx))
	defer second.Close()

	value, err := second.GetStorage(ctx, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

// recordingExecutor seals like the dev executor but keeps the raw
// extrinsics it was handed.
type recordingExecutor struct {
	inner *runtime.DevExecutor
	seen  [][]byte
}

func (r *recordingExecutor) BuildBlock(ctx context.Context, parent types.Block, extrinsics [][]byte, reader runtime.StateReader) (*runtime.Result, error) {
	r.seen = append(r.seen, extrinsics...)
	return r.inner.BuildBlock(ctx, parent, extrinsics, reader)
}

func TestForkHandsExtrinsicsToExecutor(t *testing.T) {
	head := types.Block{Hash: types.Hash{0xF0}, Number: 500, ParentHash: types.Hash{0xEF}}
	chain := newFakeChain(head, nil)
	exec := &recordingExecutor{inner: runtime.NewDevExecutor()}
	ctx := context.Background()

	f := New(Config{WarmupDisabled: true}, chain, db.NewMemoryProvider(), exec)
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	deltas := []types.StorageDelta{{Key: []byte("k"), Value: []byte("v")}}
	block, err := f.SetStorage(ctx, deltas)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), block.Number)

	// the executor receives opaque extrinsic bytes and derives the
	// committed deltas itself
	require.Len(t, exec.seen, 1)
	extrinsics, err := runtime.EncodeDevExtrinsics(deltas)
	require.NoError(t, err)
	assert.Equal(t, extrinsics[0], exec.seen[0])

	value, err := f.GetStorage(ctx, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestForkCloseAndPurgeWipesState(t *testing.T) {
	provider := db.NewMemoryProvider()
	head := types.Block{Hash: types.Hash{0xF0}, Number: 500, ParentHash: types.Hash{0xEF}}
	chain := newFakeChain(head, map[string][]byte{"k": []byte("v")})
	ctx := context.Background()

	first := New(Config{WarmupDisabled: true}, chain, provider, runtime.NewDevExecutor())
	require.NoError(t, first.Init(ctx))
	_, err := first.GetStorage(ctx, []byte("k"), nil)
	require.NoError(t, err)
	_, err = first.SetStorage(ctx, []types.StorageDelta{{Key: []byte("local"), Value: []byte("x")}})
	require.NoError(t, err)

	require.NoError(t, first.CloseAndPurge())

	// a fork reopened over the same provider starts from scratch: the
	// ledger is back at the fork point and reads go to the remote again
	calls := chain.storageCalls
	second := New(Config{WarmupDisabled: true}, chain, provider, runtime.NewDevExecutor())
	require.NoError(t, second.Init(ctx))
	defer second.Close()

	tip, err := second.Tip()
	require.NoError(t, err)
	assert.Equal(t, uint64(500), tip.Number)

	value, err := second.GetStorage(ctx, []byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.Equal(t, calls+1, chain.storageCalls, "purged cache must not answer")

	value, err = second.GetStorage(ctx, []byte("local"), nil)
	require.NoError(t, err)
	assert.Nil(t, value, "purged overlay must not answer")
}

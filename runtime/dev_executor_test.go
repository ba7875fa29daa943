package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popfork/errors"
	"popfork/types"
)

func mustExtrinsics(t *testing.T, deltas []types.StorageDelta) [][]byte {
	t.Helper()
	extrinsics, err := EncodeDevExtrinsics(deltas)
	require.NoError(t, err)
	return extrinsics
}

func TestDevExecutorSealsSuccessor(t *testing.T) {
	parent := types.Block{Hash: types.Hash{1}, Number: 10}
	deltas := []types.StorageDelta{{Key: []byte("k"), Value: []byte("v")}}

	result, err := NewDevExecutor().BuildBlock(context.Background(), parent, mustExtrinsics(t, deltas), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), result.Block.Number)
	assert.Equal(t, parent.Hash, result.Block.ParentHash)
	assert.False(t, result.Block.Hash.IsZero())
	assert.NotEmpty(t, result.Block.Header)
	assert.Equal(t, deltas, result.Deltas)
}

func TestDevExecutorHashIsDeterministic(t *testing.T) {
	parent := types.Block{Hash: types.Hash{1}, Number: 0}
	write := mustExtrinsics(t, []types.StorageDelta{{Key: []byte("k"), Value: []byte("v")}})
	exec := NewDevExecutor()

	a, err := exec.BuildBlock(context.Background(), parent, write, nil)
	require.NoError(t, err)
	b, err := exec.BuildBlock(context.Background(), parent, write, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Block.Hash, b.Block.Hash)

	changed, err := exec.BuildBlock(context.Background(), parent,
		mustExtrinsics(t, []types.StorageDelta{{Key: []byte("k"), Value: []byte("other")}}), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Block.Hash, changed.Block.Hash)

	deleted, err := exec.BuildBlock(context.Background(), parent,
		mustExtrinsics(t, []types.StorageDelta{{Key: []byte("k"), Deleted: true}}), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Block.Hash, deleted.Block.Hash)
}

func TestDevExecutorRejectsDuplicateKeys(t *testing.T) {
	parent := types.Block{Hash: types.Hash{1}, Number: 0}
	extrinsics := mustExtrinsics(t, []types.StorageDelta{
		{Key: []byte("k"), Value: []byte("1")},
		{Key: []byte("k"), Value: []byte("2")},
	})

	_, err := NewDevExecutor().BuildBlock(context.Background(), parent, extrinsics, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))
}

func TestDevExecutorRejectsMalformedExtrinsics(t *testing.T) {
	parent := types.Block{Hash: types.Hash{1}, Number: 0}
	exec := NewDevExecutor()

	_, err := exec.BuildBlock(context.Background(), parent, [][]byte{[]byte("not json")}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))

	_, err = exec.BuildBlock(context.Background(), parent, [][]byte{[]byte(`{"value":"dg=="}`)}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation), "empty key must be rejected")
}

func TestDevExtrinsicRoundTrip(t *testing.T) {
	deltas := []types.StorageDelta{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Deleted: true},
	}

	extrinsics, err := EncodeDevExtrinsics(deltas)
	require.NoError(t, err)
	require.Len(t, extrinsics, 2)

	decoded, err := decodeDevExtrinsics(extrinsics)
	require.NoError(t, err)
	assert.Equal(t, deltas, decoded)
}

func TestDevExecutorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDevExecutor().BuildBlock(ctx, types.Block{}, nil, nil)
	require.Error(t, err)
}

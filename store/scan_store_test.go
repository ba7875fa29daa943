package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popfork/db"
	"popfork/errors"
)

func TestScanStoreProgressLifecycle(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())
	block := testHash(1)
	prefix := []byte("acct:")

	_, found, err := s.Progress(block, prefix)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Advance(block, prefix, []byte("acct:m"), false))

	progress, found, err := s.Progress(block, prefix)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("acct:m"), progress.LastScannedKey)
	assert.False(t, progress.IsComplete)

	require.NoError(t, s.Advance(block, prefix, []byte("acct:z"), true))

	progress, _, err = s.Progress(block, prefix)
	require.NoError(t, err)
	assert.True(t, progress.IsComplete)
}

func TestScanStoreRejectsBackwardCursor(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())
	block := testHash(1)
	prefix := []byte("acct:")

	require.NoError(t, s.Advance(block, prefix, []byte("acct:m"), false))

	err := s.Advance(block, prefix, []byte("acct:a"), false)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))
}

func TestScanStoreCompleteIsFinal(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())
	block := testHash(1)
	prefix := []byte("acct:")

	require.NoError(t, s.Advance(block, prefix, []byte("acct:z"), true))

	err := s.Advance(block, prefix, []byte("acct:zz"), false)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvariantViolation))
}

func TestScanStoreCoveringScan(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())
	block := testHash(1)

	require.NoError(t, s.Advance(block, []byte("acct:"), []byte("acct:z"), true))

	_, covered, err := s.CoveringScan(block, []byte("acct:alice"))
	require.NoError(t, err)
	assert.True(t, covered)

	_, covered, err = s.CoveringScan(block, []byte("sys:"))
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestScanStorePerBlockIsolation(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())

	require.NoError(t, s.Advance(testHash(1), []byte("p"), []byte("pz"), true))

	_, found, err := s.Progress(testHash(2), []byte("p"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanStoreClearBlock(t *testing.T) {
	s := NewScanStore(db.NewMemoryProvider())

	require.NoError(t, s.Advance(testHash(1), []byte("a"), []byte("a1"), true))
	require.NoError(t, s.Advance(testHash(1), []byte("b"), []byte("b1"), false))
	require.NoError(t, s.Advance(testHash(2), []byte("a"), []byte("a9"), true))

	require.NoError(t, s.ClearBlock(testHash(1)))

	_, found, err := s.Progress(testHash(1), []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Progress(testHash(1), []byte("b"))
	require.NoError(t, err)
	assert.False(t, found)

	// scans for other blocks survive
	progress, found, err := s.Progress(testHash(2), []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, progress.IsComplete)
}

package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openProviders(t *testing.T) map[string]IterableProvider {
	t.Helper()
	dir := t.TempDir()

	ldb, err := NewLevelDBProvider(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	bdb, err := NewBoltProvider(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	return map[string]IterableProvider{
		"leveldb": ldb,
		"bolt":    bdb,
		"memory":  NewMemoryProvider(),
	}
}

func TestProviderBasicOps(t *testing.T) {
	for name, provider := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			value, err := provider.Get([]byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, value)

			require.NoError(t, provider.Put([]byte("k1"), []byte("v1")))

			value, err = provider.Get([]byte("k1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), value)

			has, err := provider.Has([]byte("k1"))
			require.NoError(t, err)
			assert.True(t, has)

			require.NoError(t, provider.Delete([]byte("k1")))
			has, err = provider.Has([]byte("k1"))
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestProviderGetBatch(t *testing.T) {
	for name, provider := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, provider.Put([]byte("a"), []byte("1")))
			require.NoError(t, provider.Put([]byte("b"), []byte("2")))

			result, err := provider.GetBatch([][]byte{[]byte("a"), []byte("b"), []byte("c")})
			require.NoError(t, err)
			assert.Len(t, result, 2)
			assert.Equal(t, []byte("1"), result["a"])
			assert.Equal(t, []byte("2"), result["b"])
		})
	}
}

func TestProviderBatchWrite(t *testing.T) {
	for name, provider := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, provider.Put([]byte("stale"), []byte("x")))

			batch := provider.Batch()
			batch.Put([]byte("b1"), []byte("v1"))
			batch.Put([]byte("b2"), []byte("v2"))
			batch.Delete([]byte("stale"))
			require.NoError(t, batch.Write())

			value, err := provider.Get([]byte("b1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), value)

			has, err := provider.Has([]byte("stale"))
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestProviderIteratePrefixOrdered(t *testing.T) {
	for name, provider := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, provider.Put([]byte("p:b"), []byte("2")))
			require.NoError(t, provider.Put([]byte("p:a"), []byte("1")))
			require.NoError(t, provider.Put([]byte("p:c"), []byte("3")))
			require.NoError(t, provider.Put([]byte("q:x"), []byte("other")))

			var keys []string
			err := provider.IteratePrefix([]byte("p:"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"p:a", "p:b", "p:c"}, keys)
		})
	}
}

func TestProviderIterateRangeStops(t *testing.T) {
	for name, provider := range openProviders(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"r1", "r2", "r3", "r4"} {
				require.NoError(t, provider.Put([]byte(k), []byte(k)))
			}

			var keys []string
			err := provider.IterateRange([]byte("r2"), []byte("r4"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"r2", "r3"}, keys)

			keys = nil
			err = provider.IterateRange([]byte("r1"), nil, func(key, value []byte) bool {
				keys = append(keys, string(key))
				return len(keys) < 2
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"r1", "r2"}, keys)
		})
	}
}

package indexcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/config"
	"ragengine/internal/store"
	"ragengine/internal/vectorindex"
)

func newTestCache(t *testing.T, obj store.ObjectStore, size int) *Cache {
	t.Helper()
	c, err := New(obj, 3, config.IndexCacheConfig{Size: size, FlushInterval: time.Hour})
	require.NoError(t, err)
	return c
}

func TestWithIndex_LoadsEmptyIndexOnFirstTouch(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	c := newTestCache(t, obj, 10)

	var seenDim int
	err := c.WithIndex(context.Background(), "t1", Read, func(ix *vectorindex.Index) error {
		seenDim = ix.Dimension()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, seenDim)
}

func TestWithIndex_WriteMutationsPersistOnEviction(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	c := newTestCache(t, obj, 1) // capacity 1 forces eviction on the 2nd tenant

	err := c.WithIndex(context.Background(), "t1", Write, func(ix *vectorindex.Index) error {
		_, err := ix.Upsert([][]float32{{1, 0, 0}})
		return err
	})
	require.NoError(t, err)

	_, ok, err := obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)
	require.False(t, ok, "not yet evicted, so not yet persisted")

	// Touching a second tenant evicts t1 from the size-1 LRU.
	err = c.WithIndex(context.Background(), "t2", Read, func(*vectorindex.Index) error { return nil })
	require.NoError(t, err)

	_, ok, err = obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)
	require.True(t, ok, "eviction must persist a dirty entry")
}

func TestWithIndex_ReadDoesNotMarkDirty(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	c := newTestCache(t, obj, 1)

	err := c.WithIndex(context.Background(), "t1", Read, func(*vectorindex.Index) error { return nil })
	require.NoError(t, err)

	err = c.WithIndex(context.Background(), "t2", Read, func(*vectorindex.Index) error { return nil })
	require.NoError(t, err)

	_, ok, err := obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)
	require.False(t, ok, "a pure read should never trigger a persist")
}

func TestFlushDue_PersistsOnlyAfterInterval(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	c, err := New(obj, 3, config.IndexCacheConfig{Size: 10, FlushInterval: time.Hour})
	require.NoError(t, err)

	err = c.WithIndex(context.Background(), "t1", Write, func(ix *vectorindex.Index) error {
		_, err := ix.Upsert([][]float32{{1, 0, 0}})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, c.FlushDue(context.Background(), "t1"))
	_, ok, err := obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)
	require.True(t, ok, "first FlushDue call for a dirty entry always flushes")
	first, _, err := obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)

	err = c.WithIndex(context.Background(), "t1", Write, func(ix *vectorindex.Index) error {
		_, err := ix.Upsert([][]float32{{0, 1, 0}})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, c.FlushDue(context.Background(), "t1"))
	second, _, err := obj.Get(context.Background(), "indexes/t1/index.bin")
	require.NoError(t, err)
	require.Equal(t, first, second, "a dirty entry is not persisted again within the flush interval")

	require.NoError(t, c.FlushDue(context.Background(), "nonexistent-tenant"))
}

func TestClose_PersistsAllDirtyEntries(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	c := newTestCache(t, obj, 10)

	for _, tenant := range []string{"t1", "t2"} {
		tenant := tenant
		err := c.WithIndex(context.Background(), tenant, Write, func(ix *vectorindex.Index) error {
			_, err := ix.Upsert([][]float32{{1, 1, 1}})
			return err
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.Close(context.Background()))

	for _, tenant := range []string{"t1", "t2"} {
		_, ok, err := obj.Get(context.Background(), "indexes/"+tenant+"/index.bin")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

package respcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprint_SortsDocScopeAndNormalizesQuestion(t *testing.T) {
	a := Fingerprint("t1", "  What Is A Contract?  ", []string{"doc2", "doc1"}, "v1")
	b := Fingerprint("t1", "what is a contract?", []string{"doc1", "doc2"}, "v1")
	require.Equal(t, a, b)
}

func TestFingerprint_DiffersByTenant(t *testing.T) {
	a := Fingerprint("t1", "question", []string{"doc1"}, "v1")
	b := Fingerprint("t2", "question", []string{"doc1"}, "v1")
	require.NotEqual(t, a, b)
}

func TestFingerprint_DiffersByPipelineVersion(t *testing.T) {
	a := Fingerprint("t1", "question", []string{"doc1"}, "v1")
	b := Fingerprint("t1", "question", []string{"doc1"}, "v2")
	require.NotEqual(t, a, b)
}

func TestGetOrBuild_MissBuildsAndPopulates(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Hour)
	var calls int32
	build := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("answer"), nil
	}

	v, hit, err := c.GetOrBuild(context.Background(), "t1", "key", build)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []byte("answer"), v)

	v, hit, err = c.GetOrBuild(context.Background(), "t1", "key", build)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("answer"), v)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrBuild_ConcurrentCallersShareOneExecution(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Hour)
	var calls int32
	release := make(chan struct{})
	build := func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("answer"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrBuild(context.Background(), "t1", "shared-key", build)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		require.Equal(t, []byte("answer"), r)
	}
}

func TestGetOrBuild_BuildErrorIsNotCached(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Hour)
	boom := errors.New("build failed")
	failing := func() ([]byte, error) { return nil, boom }

	_, _, err := c.GetOrBuild(context.Background(), "t1", "key", failing)
	require.ErrorIs(t, err, boom)

	v, hit, err := c.GetOrBuild(context.Background(), "t1", "key", func() ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []byte("recovered"), v)
}

func TestInvalidate_MakesPriorEntryInvisible(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Hour)
	_, _, err := c.GetOrBuild(context.Background(), "t1", "key", func() ([]byte, error) {
		return []byte("answer"), nil
	})
	require.NoError(t, err)

	c.Invalidate("t1")

	_, hit, err := c.Get(context.Background(), "t1", "key")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestInvalidate_DoesNotAffectOtherTenants(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Hour)
	_, _, err := c.GetOrBuild(context.Background(), "t1", "key", func() ([]byte, error) {
		return []byte("answer"), nil
	})
	require.NoError(t, err)

	c.Invalidate("t2")

	v, hit, err := c.Get(context.Background(), "t1", "key")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("answer"), v)
}

func TestGet_ExpiredEntryIsInvisible(t *testing.T) {
	c := New(NewInMemoryCache(0), time.Millisecond)
	_, _, err := c.GetOrBuild(context.Background(), "t1", "key", func() ([]byte, error) {
		return []byte("answer"), nil
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, hit, err := c.Get(context.Background(), "t1", "key")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestInMemoryCache_JanitorEvictsExpiredEntries(t *testing.T) {
	c := NewInMemoryCache(2 * time.Millisecond)
	defer c.Close()
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Millisecond))

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(context.Background(), "k")
		return !ok
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestInMemoryCache_DeleteRemovesEntry(t *testing.T) {
	c := NewInMemoryCache(0)
	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Hour))
	require.NoError(t, c.Delete(context.Background(), "k"))

	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryCache_SetIsIsolatedFromCallerMutation(t *testing.T) {
	c := NewInMemoryCache(0)
	buf := []byte("original")
	require.NoError(t, c.Set(context.Background(), "k", buf, time.Hour))
	buf[0] = 'X'

	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), v)
}

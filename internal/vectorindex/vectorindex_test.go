package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ragengine/internal/store"
)

func unit(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	n := float32(1)
	if sum > 0 {
		n = float32(1) / sqrt32(sum)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * n
	}
	return out
}

func sqrt32(x float32) float32 {
	// Newton's method is overkill here; tests only need a stable sqrt.
	lo, hi := float32(0), x+1
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		if mid*mid > x {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}

func TestUpsert_ReturnsContiguousSlots(t *testing.T) {
	ix := New(3)
	slots, err := ix.Upsert([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, slots)
	require.Equal(t, 3, ix.LiveCount())
}

func TestUpsert_RejectsWrongDimension(t *testing.T) {
	ix := New(3)
	_, err := ix.Upsert([][]float32{{1, 0}})
	require.Error(t, err)
}

func TestSearch_OrdersByDotProductDescending(t *testing.T) {
	ix := New(2)
	_, err := ix.Upsert([][]float32{{1, 0}, {0, 1}, {0.7071, 0.7071}})
	require.NoError(t, err)

	results, err := ix.Search([]float32{1, 0}, 3)
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Slot)
	require.Equal(t, 2, results[1].Slot)
	require.Equal(t, 1, results[2].Slot)
}

func TestSearch_TiesBreakBySmallerSlot(t *testing.T) {
	ix := New(2)
	_, err := ix.Upsert([][]float32{{1, 0}, {1, 0}})
	require.NoError(t, err)

	results, err := ix.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Equal(t, 0, results[0].Slot)
	require.Equal(t, 1, results[1].Slot)
}

func TestSearch_SkipsTombstonedSlots(t *testing.T) {
	ix := New(2)
	slots, err := ix.Upsert([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	ix.Remove([]int{slots[0]})

	results, err := ix.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].Slot)
}

func TestNeedsCompaction_CrossesThreshold(t *testing.T) {
	ix := New(1)
	slots, err := ix.Upsert([][]float32{{1}, {1}, {1}, {1}})
	require.NoError(t, err)
	require.False(t, ix.NeedsCompaction())

	ix.Remove(slots[:2])
	require.True(t, ix.NeedsCompaction(), "2/4 tombstoned exceeds 0.25")
}

func TestCompact_ReassignsSlotsContiguouslyAndDropsTombstones(t *testing.T) {
	ix := New(1)
	slots, err := ix.Upsert([][]float32{{1}, {2}, {3}, {4}})
	require.NoError(t, err)
	ix.Remove([]int{slots[1]}) // tombstone slot 1 (value 2)

	mapping := ix.Compact()
	require.Equal(t, 3, ix.LiveCount())
	require.Equal(t, 3, ix.Len())

	require.Equal(t, 0, mapping[0])
	require.Equal(t, 1, mapping[2])
	require.Equal(t, 2, mapping[3])
	_, tombstonedPresent := mapping[1]
	require.False(t, tombstonedPresent)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ix := New(3)
	slots, err := ix.Upsert([][]float32{unit([]float32{1, 2, 3}), unit([]float32{4, 5, 6})})
	require.NoError(t, err)
	ix.Remove([]int{slots[0]})

	decoded, err := Decode(ix.Encode())
	require.NoError(t, err)
	require.Equal(t, ix.Dimension(), decoded.Dimension())
	require.Equal(t, ix.LiveCount(), decoded.LiveCount())
	require.Equal(t, ix.Len(), decoded.Len())
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestLoad_MissingBlobReturnsEmptyIndex(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	ix, err := Load(context.Background(), obj, "tenant-a", 4)
	require.NoError(t, err)
	require.Equal(t, 0, ix.Len())
	require.Equal(t, 4, ix.Dimension())
}

func TestPersistThenLoad_RoundTrip(t *testing.T) {
	obj := store.NewMemoryObjectStore()
	ctx := context.Background()

	ix := New(2)
	_, err := ix.Upsert([][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)
	require.NoError(t, Persist(ctx, obj, "tenant-a", ix))

	loaded, err := Load(ctx, obj, "tenant-a", 2)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.LiveCount())
}

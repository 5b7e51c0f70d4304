package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/config"
	"ragengine/internal/embed"
	"ragengine/internal/indexcache"
	"ragengine/internal/lexical"
	"ragengine/internal/store"
	"ragengine/internal/vectorindex"
)

type staticSlotResolver struct {
	byTenantSlot map[string]map[int]string
}

func (s *staticSlotResolver) ChunkIDForSlot(_ context.Context, tenantID string, slot int) (string, bool, error) {
	id, ok := s.byTenantSlot[tenantID][slot]
	return id, ok, nil
}

func setup(t *testing.T) (*Retriever, store.RelationalStore, *staticSlotResolver) {
	t.Helper()
	rel := store.NewMemoryRelationalStore()
	obj := store.NewMemoryObjectStore()
	lex := lexical.New(rel)
	indexes, err := indexcache.New(obj, 4, config.IndexCacheConfig{Size: 10, FlushInterval: time.Hour})
	require.NoError(t, err)
	embedder := embed.New(embed.NullProvider{Dimension: 4}, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 1})
	resolver := &staticSlotResolver{byTenantSlot: map[string]map[int]string{}}
	cfg := config.RetrievalConfig{KRetrieval: 10, KFused: 5, KRRF: 60}
	return New(lex, indexes, embedder, resolver, cfg), rel, resolver
}

func TestRetrieve_FusesLexicalAndVectorHits(t *testing.T) {
	r, rel, resolver := setup(t)
	ctx := context.Background()

	require.NoError(t, rel.PutDocument(ctx, store.Document{ID: "d1", TenantID: "t1", Status: store.DocumentReady, UploadedAt: time.Now()}))
	require.NoError(t, rel.PutChunks(ctx, []store.ChunkRecord{
		{ID: "c1", DocumentID: "d1", TenantID: "t1", Ordinal: 0, Text: "contract termination clause", EmbeddingSlot: 0},
		{ID: "c2", DocumentID: "d1", TenantID: "t1", Ordinal: 1, Text: "unrelated filler text about weather", EmbeddingSlot: 1},
	}))

	resolver.byTenantSlot["t1"] = map[int]string{0: "c1", 1: "c2"}

	vec, err := embed.NullProvider{Dimension: 4}.Embed(ctx, []string{"contract termination clause", "unrelated filler text about weather"})
	require.NoError(t, err)
	err = r.indexes.WithIndex(ctx, "t1", indexcache.Write, func(ix *vectorindex.Index) error {
		_, err := ix.Upsert(vec)
		return err
	})
	require.NoError(t, err)

	hits, degraded, err := r.Retrieve(ctx, "t1", "contract termination clause")
	require.NoError(t, err)
	require.False(t, degraded)
	require.NotEmpty(t, hits)
}

func TestRetrieve_EmptyTenantReturnsEmpty(t *testing.T) {
	r, _, _ := setup(t)
	hits, degraded, err := r.Retrieve(context.Background(), "empty-tenant", "anything")
	require.NoError(t, err)
	require.False(t, degraded)
	require.Empty(t, hits)
}

func TestFuse_PrefersItemsRankedHighlyByBothRetrievers(t *testing.T) {
	lexRanked := []string{"a", "b", "c"}
	vecRanked := []string{"b", "a", "c"}
	hits := fuse(lexRanked, vecRanked, map[string]float32{"a": 0.9, "b": 0.8, "c": 0.1}, 60)
	require.Equal(t, "a", hits[0].ChunkID)
}

func TestFuse_TiesBreakByVectorScore(t *testing.T) {
	hits := fuse([]string{"x"}, []string{"y"}, map[string]float32{"x": 0.1, "y": 0.9}, 60)
	require.Equal(t, "y", hits[0].ChunkID)
}

type failingProvider struct{}

func (failingProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding provider unavailable")
}

func TestRetrieve_VectorFailureDegradesToLexicalOnly(t *testing.T) {
	rel := store.NewMemoryRelationalStore()
	obj := store.NewMemoryObjectStore()
	lex := lexical.New(rel)
	indexes, err := indexcache.New(obj, 4, config.IndexCacheConfig{Size: 10, FlushInterval: time.Hour})
	require.NoError(t, err)
	embedder := embed.New(failingProvider{}, config.EmbedConfig{MaxBatchCount: 8, MaxBatchTokens: 1000, MaxRetries: 1})
	resolver := &staticSlotResolver{byTenantSlot: map[string]map[int]string{}}
	cfg := config.RetrievalConfig{KRetrieval: 10, KFused: 5, KRRF: 60}
	r := New(lex, indexes, embedder, resolver, cfg)

	ctx := context.Background()
	require.NoError(t, rel.PutDocument(ctx, store.Document{ID: "d1", TenantID: "t1", Status: store.DocumentReady, UploadedAt: time.Now()}))
	require.NoError(t, rel.PutChunks(ctx, []store.ChunkRecord{
		{ID: "c1", DocumentID: "d1", TenantID: "t1", Ordinal: 0, Text: "contract termination clause", EmbeddingSlot: 0},
	}))

	hits, degraded, err := r.Retrieve(ctx, "t1", "contract termination clause")
	require.NoError(t, err)
	require.True(t, degraded)
	require.NotEmpty(t, hits)
}

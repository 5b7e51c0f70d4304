package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragengine/internal/config"
	"ragengine/internal/embed"
	"ragengine/internal/errs"
	"ragengine/internal/extract"
	"ragengine/internal/indexcache"
	"ragengine/internal/lexical"
	"ragengine/internal/quota"
	"ragengine/internal/store"
	"ragengine/internal/vectorindex"
)

// commitFailingStore wraps a MemoryRelationalStore and fails every
// CommitReady call, so tests can exercise the §4.6 step 7 rollback path
// without a real Postgres transaction to break.
type commitFailingStore struct {
	*store.MemoryRelationalStore
}

func (s *commitFailingStore) CommitReady(context.Context, store.Document, []store.ChunkRecord) error {
	return errors.New("simulated relational commit failure")
}

func setup(t *testing.T) (*Pipeline, store.RelationalStore, *indexcache.Cache) {
	t.Helper()
	relational := store.NewMemoryRelationalStore()
	objects := store.NewMemoryObjectStore()
	indexes, err := indexcache.New(objects, 4, config.IndexCacheConfig{Size: 10, FlushInterval: time.Hour})
	require.NoError(t, err)
	lex := lexical.New(relational)
	embedder := embed.New(embed.NullProvider{Dimension: 4}, config.EmbedConfig{MaxBatchCount: 64, MaxBatchTokens: 16000, MaxRetries: 1})
	governor := quota.New(config.QuotaConfig{MaxDocuments: 10, MaxStorageBytes: 1 << 20, DailyQueries: 100, DailyTokens: 100000})
	chunkCfg := config.ChunkConfig{TargetTokens: 50, OverlapTokens: 5, MinTokens: 5, TokenizerID: "cl100k_base"}

	p := New(relational, indexes, lex, embedder, governor, chunkCfg, 2)
	return p, relational, indexes
}

func waitForStatus(t *testing.T, relational store.RelationalStore, tenantID, docID string, want store.DocumentStatus) store.Document {
	t.Helper()
	var doc store.Document
	require.Eventually(t, func() bool {
		d, ok, err := relational.GetDocument(context.Background(), tenantID, docID)
		require.NoError(t, err)
		if !ok {
			return false
		}
		doc = d
		return d.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return doc
}

func TestIngest_ProcessesToReadyAndPopulatesChunksAndSlots(t *testing.T) {
	p, relational, _ := setup(t)
	blob := []byte("Clause one states the obligation. Clause two states the remedy. Clause three states the term.")

	res, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)
	require.Equal(t, store.DocumentProcessing, res.Status)

	doc := waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentReady)
	require.Greater(t, doc.ChunkCount, 0)

	chunks, err := relational.GetChunks(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.GreaterOrEqual(t, c.EmbeddingSlot, 0)
	}
}

func TestIngest_IsIdempotentOnContentDigest(t *testing.T) {
	p, _, _ := setup(t)
	blob := []byte("identical content for both uploads, long enough to chunk cleanly into at least one segment.")

	first, err := p.Ingest(context.Background(), "t1", "a.txt", blob, extract.TypePlainText)
	require.NoError(t, err)

	second, err := p.Ingest(context.Background(), "t1", "b.txt", blob, extract.TypePlainText)
	require.NoError(t, err)

	require.Equal(t, first.DocumentID, second.DocumentID)
}

func TestIngest_DeniesWhenDocumentQuotaExhausted(t *testing.T) {
	p, _, _ := setup(t)
	for i := 0; i < 10; i++ {
		_, err := p.Ingest(context.Background(), "t1", "doc", []byte("unique document content number "+string(rune('a'+i))), extract.TypePlainText)
		require.NoError(t, err)
	}
	_, err := p.Ingest(context.Background(), "t1", "overflow", []byte("one more document past the ceiling"), extract.TypePlainText)
	require.Error(t, err)
	require.Equal(t, errs.QuotaExceeded, errs.KindOf(err))
}

func TestIngest_UnsupportedTypeFailsDocumentWithoutPanicking(t *testing.T) {
	p, relational, _ := setup(t)
	res, err := p.Ingest(context.Background(), "t1", "doc.bin", []byte("binary content"), extract.DeclaredType("application/octet-stream"))
	require.NoError(t, err)

	doc := waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentFailed)
	require.NotEmpty(t, doc.FailureNote)
}

func TestIngest_TenantsAreIsolated(t *testing.T) {
	p, relational, _ := setup(t)
	blob := []byte("tenant scoped content that chunks into at least one full segment of text.")

	res1, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)
	waitForStatus(t, relational, "t1", res1.DocumentID, store.DocumentReady)

	docs, err := relational.ListDocuments(context.Background(), "t2")
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestDelete_RemovesDocumentChunksAndVectors(t *testing.T) {
	p, relational, _ := setup(t)
	blob := []byte("content that will be deleted after ingestion completes successfully in full.")

	res, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)
	waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentReady)

	require.NoError(t, p.Delete(context.Background(), "t1", res.DocumentID))

	_, ok, err := relational.GetDocument(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.False(t, ok)

	chunks, err := relational.GetChunks(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestSlotResolver_ResolvesChunkIDForKnownSlot(t *testing.T) {
	p, relational, _ := setup(t)
	blob := []byte("resolvable content long enough to produce exactly one indexed chunk of text.")

	res, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)
	waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentReady)

	chunks, err := relational.GetChunks(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	resolver := NewSlotResolver(relational)
	id, ok, err := resolver.ChunkIDForSlot(context.Background(), "t1", chunks[0].EmbeddingSlot)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chunks[0].ID, id)
}

func TestIngest_ClassifierTagsChunksWhenRegistered(t *testing.T) {
	p, relational, _ := setup(t)
	p.SetClassifier(func(text string) []string {
		if strings.Contains(strings.ToLower(text), "obligation") {
			return []string{"contract"}
		}
		return []string{"general"}
	})

	blob := []byte("Clause one states the obligation. Clause two states the remedy. Clause three states the term.")
	res, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)
	waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentReady)

	chunks, err := relational.GetChunks(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.NotEmpty(t, c.Tags)
	}
}

func TestIngest_CommitReadyFailureRollsBackSlotsAndMarksFailed(t *testing.T) {
	relational := &commitFailingStore{store.NewMemoryRelationalStore()}
	objects := store.NewMemoryObjectStore()
	indexes, err := indexcache.New(objects, 4, config.IndexCacheConfig{Size: 10, FlushInterval: time.Hour})
	require.NoError(t, err)
	lex := lexical.New(relational)
	embedder := embed.New(embed.NullProvider{Dimension: 4}, config.EmbedConfig{MaxBatchCount: 64, MaxBatchTokens: 16000, MaxRetries: 1})
	governor := quota.New(config.QuotaConfig{MaxDocuments: 10, MaxStorageBytes: 1 << 20, DailyQueries: 100, DailyTokens: 100000})
	chunkCfg := config.ChunkConfig{TargetTokens: 50, OverlapTokens: 5, MinTokens: 5, TokenizerID: "cl100k_base"}
	p := New(relational, indexes, lex, embedder, governor, chunkCfg, 2)

	blob := []byte("Clause one states the obligation. Clause two states the remedy. Clause three states the term.")
	res, err := p.Ingest(context.Background(), "t1", "doc.txt", blob, extract.TypePlainText)
	require.NoError(t, err)

	doc := waitForStatus(t, relational, "t1", res.DocumentID, store.DocumentFailed)
	require.NotEmpty(t, doc.FailureNote)
	require.Zero(t, doc.ChunkCount)

	chunks, err := relational.GetChunks(context.Background(), "t1", res.DocumentID)
	require.NoError(t, err)
	require.Empty(t, chunks, "chunk rows must not survive a failed CommitReady")

	require.NoError(t, indexes.WithIndex(context.Background(), "t1", indexcache.Read, func(ix *vectorindex.Index) error {
		require.Zero(t, ix.LiveCount(), "vector slots assigned in build() must be rolled back when CommitReady fails")
		return nil
	}))
}

func TestSlotResolver_UnknownSlotReturnsFalse(t *testing.T) {
	_, relational, _ := setup(t)
	resolver := NewSlotResolver(relational)
	_, ok, err := resolver.ChunkIDForSlot(context.Background(), "t1", 999)
	require.NoError(t, err)
	require.False(t, ok)
}

// Package ingest implements the document ingestion pipeline: extraction,
// deterministic chunking, embedding, vector-index upsert, and the
// relational bookkeeping that ties a document to its chunks and embedding
// slots. Ingestion is idempotent on (tenant, content digest), runs on a
// worker pool distinct from the request-serving path, and serializes
// concurrent uploads for the same tenant so duplicate-content races resolve
// to a single document.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragengine/internal/chunk"
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

// Result is what Ingest returns: the external interface's
// {document_id, status} pair.
type Result struct {
	DocumentID string
	Status     store.DocumentStatus
}

// Pipeline wires extraction, chunking, embedding, and index persistence
// into one ingestion path.
type Pipeline struct {
	relational store.RelationalStore
	indexes    *indexcache.Cache
	lexicalIdx *lexical.Retriever
	embedder   *embed.Client
	governor   *quota.Governor
	chunkCfg   config.ChunkConfig

	sem chan struct{}

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex

	now func() time.Time

	// onCommit is invoked after a document transitions to READY or after a
	// Delete completes, so the response cache's tenant epoch advances per
	// §4.6 step 8 / §4.4 "invalidate response cache for that tenant". Wired
	// by engine.New; nil is a valid no-op default for tests that don't care
	// about cache invalidation.
	onCommit func(tenantID string)

	// classifier tags each chunk's text after chunking, generalized from the
	// teacher's classifyLegalDomain/calculateConfidence pair into a
	// domain-agnostic hook. Nil (the default) leaves Chunk.Tags empty.
	classifier func(text string) []string
}

func New(relational store.RelationalStore, indexes *indexcache.Cache, lexicalIdx *lexical.Retriever, embedder *embed.Client, governor *quota.Governor, chunkCfg config.ChunkConfig, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		relational:  relational,
		indexes:     indexes,
		lexicalIdx:  lexicalIdx,
		embedder:    embedder,
		governor:    governor,
		chunkCfg:    chunkCfg,
		sem:         make(chan struct{}, workers),
		tenantLocks: make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

// OnCommit registers fn to be called with the tenant id after every
// document reaches READY and after every Delete, so callers can invalidate
// tenant-scoped state (the response cache's epoch) in one place.
func (p *Pipeline) OnCommit(fn func(tenantID string)) {
	p.onCommit = fn
}

// SetClassifier registers fn to tag each chunk's text after chunking. Passing
// nil restores the no-op default.
func (p *Pipeline) SetClassifier(fn func(text string) []string) {
	p.classifier = fn
}

func (p *Pipeline) lockFor(tenantID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		p.tenantLocks[tenantID] = l
	}
	return l
}

// Ingest registers blob as a new document for tenantID, or returns the
// existing document if its content digest was already uploaded. On a fresh
// upload it reserves document-count and storage quota synchronously, then
// hands processing to the worker pool and returns immediately with status
// Processing; the caller observes the final Ready/Failed status via a
// subsequent lookup.
func (p *Pipeline) Ingest(ctx context.Context, tenantID, name string, blob []byte, declared extract.DeclaredType) (Result, error) {
	digest := contentDigest(blob)

	lock := p.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok, err := p.relational.FindDocumentByDigest(ctx, tenantID, digest); err != nil {
		return Result{}, err
	} else if ok {
		return Result{DocumentID: existing.ID, Status: existing.Status}, nil
	}

	if err := p.governor.TryConsume(tenantID, quota.Documents, 1); err != nil {
		return Result{}, err
	}
	if err := p.governor.TryConsume(tenantID, quota.Storage, int64(len(blob))); err != nil {
		p.governor.Release(tenantID, quota.Documents, 1)
		return Result{}, err
	}

	docID := uuid.NewString()
	doc := store.Document{
		ID:          docID,
		TenantID:    tenantID,
		Title:       name,
		Digest:      digest,
		SourceType:  string(declared),
		StorageSize: int64(len(blob)),
		Status:      store.DocumentProcessing,
		UploadedAt:  p.now(),
	}
	if err := p.relational.PutDocument(ctx, doc); err != nil {
		return Result{}, err
	}

	detached := detachContext(ctx, tenantID)
	go p.process(detached, doc, blob, declared)

	return Result{DocumentID: docID, Status: store.DocumentProcessing}, nil
}

// process carries the document row it was handed through to completion,
// rather than re-fetching it from the relational store: a GetDocument
// failure can then never strand the document in PROCESSING, since every
// path below already holds everything it needs to write a terminal
// Ready/Failed row.
func (p *Pipeline) process(ctx context.Context, doc store.Document, blob []byte, declared extract.DeclaredType) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	tenantID, documentID := doc.TenantID, doc.ID

	chunks, slots, err := p.build(ctx, tenantID, documentID, blob, declared)
	if err != nil {
		p.fail(ctx, doc, err)
		return
	}

	records := p.toChunkRecords(documentID, tenantID, chunks, slots)

	ready := doc
	ready.Status = store.DocumentReady
	ready.ChunkCount = len(chunks)
	ready.ProcessedAt = p.now()

	if err := p.relational.CommitReady(ctx, ready, records); err != nil {
		// §4.6 step 7: the relational transaction failed, so the vector
		// slots just assigned in build() must be rolled back before the
		// document is marked FAILED, or embedding_slot would point at live
		// vectors for a document that never reached READY.
		rollbackErr := p.indexes.WithIndex(ctx, tenantID, indexcache.Write, func(ix *vectorindex.Index) error {
			ix.Remove(slots)
			return nil
		})
		if rollbackErr != nil {
			err = errs.Wrap(errs.Unavailable, tenantID, "chunk commit failed and vector slot rollback also failed", err)
		} else {
			err = errs.Wrap(errs.Unavailable, tenantID, "chunk commit failed", err)
		}
		p.fail(ctx, doc, err)
		return
	}

	if p.lexicalIdx != nil {
		p.lexicalIdx.Invalidate(tenantID)
	}
	if p.onCommit != nil {
		p.onCommit(tenantID)
	}
}

// build runs extraction, chunking, embedding, and the vector-index upsert,
// returning the chunks and their assigned slots. It does not write the new
// document's chunk rows or status: the caller commits both atomically via
// CommitReady so there is never a window where chunk rows carry a live
// embedding_slot for a document that isn't READY. When the upsert pushes
// the index past its compaction threshold, build compacts it and rewrites
// the embedding_slot of the tenant's existing chunk rows via RemapSlots.
func (p *Pipeline) build(ctx context.Context, tenantID, documentID string, blob []byte, declared extract.DeclaredType) ([]chunk.Chunk, []int, error) {
	pages, err := extract.Extract(tenantID, blob, declared)
	if err != nil {
		return nil, nil, err
	}

	chunks, err := chunk.Chunks(pages, p.chunkCfg)
	if err != nil {
		return nil, nil, err
	}
	if len(chunks) == 0 {
		return nil, nil, errs.New(errs.CorruptInput, tenantID, "no chunks produced")
	}

	if p.classifier != nil {
		for i := range chunks {
			chunks[i].Tags = p.classifier(chunks[i].Text)
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.Embed(ctx, tenantID, texts)
	if err != nil {
		return nil, nil, err
	}

	var slots []int
	err = p.indexes.WithIndex(ctx, tenantID, indexcache.Write, func(ix *vectorindex.Index) error {
		assigned, err := ix.Upsert(vectors)
		if err != nil {
			return err
		}
		slots = assigned

		if ix.NeedsCompaction() {
			remap := ix.Compact()
			for i, s := range slots {
				if newSlot, ok := remap[s]; ok {
					slots[i] = newSlot
				}
			}
			if err := p.relational.RemapSlots(ctx, tenantID, remap); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unavailable, tenantID, "vector index upsert failed", err)
	}

	return chunks, slots, nil
}

func (p *Pipeline) toChunkRecords(documentID, tenantID string, chunks []chunk.Chunk, slots []int) []store.ChunkRecord {
	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkRecord{
			ID:            uuid.NewString(),
			DocumentID:    documentID,
			TenantID:      tenantID,
			Ordinal:       c.Ordinal,
			Text:          c.Text,
			TokenCount:    c.TokenCount,
			Page:          c.Page,
			Tags:          c.Tags,
			EmbeddingSlot: slots[i],
		}
	}
	return records
}

func (p *Pipeline) fail(ctx context.Context, doc store.Document, cause error) {
	doc.Status = store.DocumentFailed
	doc.FailureNote = cause.Error()
	doc.ProcessedAt = p.now()
	_ = p.relational.PutDocument(ctx, doc)
}

// Delete removes a document, its chunk records, and its vectors from the
// tenant's index. Queries issued after Delete returns never see the
// document again; queries in flight when Delete is called see either the
// pre- or post-delete state, never a partial one, since the index mutation
// happens under the tenant's exclusive write lock.
func (p *Pipeline) Delete(ctx context.Context, tenantID, documentID string) error {
	chunks, err := p.relational.GetChunks(ctx, tenantID, documentID)
	if err != nil {
		return err
	}

	slots := make([]int, 0, len(chunks))
	for _, c := range chunks {
		slots = append(slots, c.EmbeddingSlot)
	}

	if len(slots) > 0 {
		err = p.indexes.WithIndex(ctx, tenantID, indexcache.Write, func(ix *vectorindex.Index) error {
			ix.Remove(slots)
			return nil
		})
		if err != nil {
			return errs.Wrap(errs.Unavailable, tenantID, "vector index delete failed", err)
		}
	}

	if err := p.relational.DeleteChunks(ctx, tenantID, documentID); err != nil {
		return err
	}
	if err := p.relational.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return err
	}

	if p.lexicalIdx != nil {
		p.lexicalIdx.Invalidate(tenantID)
	}
	if p.onCommit != nil {
		p.onCommit(tenantID)
	}
	return nil
}

func contentDigest(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// detachContext carries tenantID forward for logging/errors but drops the
// inbound request's cancellation, since ingestion continues after Ingest
// returns.
func detachContext(ctx context.Context, _ string) context.Context {
	return context.WithoutCancel(ctx)
}

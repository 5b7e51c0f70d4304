// Package lexical implements a per-tenant BM25 retriever over chunk text,
// built lazily on first query after any ingest changes the tenant's chunk
// set and memoized until the next invalidation. Grounded in gocognigo's
// blevesearch/bleve/v2 wiring (bleve.NewMemOnly + mapping), adapted from a
// persistent on-disk index to an in-memory one rebuilt per tenant since the
// durable copy of a chunk already lives in the relational store.
package lexical

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"ragengine/internal/store"
)

// Result is one lexical hit.
type Result struct {
	ChunkID string
	Score   float64
}

type tenantIndex struct {
	mu      sync.Mutex
	bleve   bleve.Index
	epoch   int64
	builtAt int64
}

// Retriever holds one lazily-built bleve index per tenant. A generation
// counter per tenant (bumped by Invalidate) tells the next Search call to
// rebuild before querying.
type Retriever struct {
	relational store.RelationalStore

	mu    sync.Mutex
	byID  map[string]*tenantIndex
	epoch map[string]int64
}

func New(relational store.RelationalStore) *Retriever {
	return &Retriever{
		relational: relational,
		byID:       make(map[string]*tenantIndex),
		epoch:      make(map[string]int64),
	}
}

// Invalidate marks tenantID's lexical index stale; the next Search rebuilds
// it from the relational store before querying.
func (r *Retriever) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch[tenantID]++
}

// Search returns the top-k chunks by BM25 score for query within tenantID,
// rebuilding the tenant's bleve index first if it is missing or stale.
func (r *Retriever) Search(ctx context.Context, tenantID, text string, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}

	ti, err := r.ensureCurrent(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()

	q := query.NewMatchQuery(text)
	req := bleve.NewSearchRequest(q)
	req.Size = k
	searchResult, err := ti.bleve.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		results = append(results, Result{ChunkID: hit.ID, Score: hit.Score})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func (r *Retriever) ensureCurrent(ctx context.Context, tenantID string) (*tenantIndex, error) {
	r.mu.Lock()
	ti, ok := r.byID[tenantID]
	currentEpoch := r.epoch[tenantID]
	r.mu.Unlock()

	if ok {
		ti.mu.Lock()
		stale := ti.epoch != currentEpoch
		ti.mu.Unlock()
		if !stale {
			return ti, nil
		}
	}

	docs, err := r.relational.ListDocuments(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lexical: list documents: %w", err)
	}

	bi, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("lexical: new index: %w", err)
	}
	for _, doc := range docs {
		if doc.Status != store.DocumentReady {
			continue
		}
		chunks, err := r.relational.GetChunks(ctx, tenantID, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("lexical: get chunks: %w", err)
		}
		for _, c := range chunks {
			if err := bi.Index(c.ID, map[string]any{"text": c.Text}); err != nil {
				return nil, fmt.Errorf("lexical: index chunk: %w", err)
			}
		}
	}

	next := &tenantIndex{bleve: bi, epoch: currentEpoch}
	r.mu.Lock()
	r.byID[tenantID] = next
	r.mu.Unlock()
	return next, nil
}

// Package retrieval fuses the lexical (BM25) and dense (vector) retrievers
// via Reciprocal Rank Fusion, the hybrid-search pattern the teacher's
// go-enhanced-rag-service vector_store.go approximates with ad hoc recency
// boosting; here the fusion weight is principled (1/(rank+k)) rather than
// a hand-tuned multiplier.
package retrieval

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"ragengine/internal/config"
	"ragengine/internal/embed"
	"ragengine/internal/indexcache"
	"ragengine/internal/lexical"
	"ragengine/internal/vectorindex"
)

// Hit is one fused retrieval result.
type Hit struct {
	ChunkID     string
	VectorScore float32
	FusedScore  float64
}

// SlotResolver maps a tenant's vector-index slot back to the chunk id it
// stores, the sidecar mapping owned by the ingestion pipeline.
type SlotResolver interface {
	ChunkIDForSlot(ctx context.Context, tenantID string, slot int) (string, bool, error)
}

// Retriever runs lexical and vector search concurrently and fuses them.
type Retriever struct {
	lexical  *lexical.Retriever
	indexes  *indexcache.Cache
	embedder *embed.Client
	slots    SlotResolver
	cfg      config.RetrievalConfig
}

func New(lex *lexical.Retriever, indexes *indexcache.Cache, embedder *embed.Client, slots SlotResolver, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{lexical: lex, indexes: indexes, embedder: embedder, slots: slots, cfg: cfg}
}

// Retrieve runs both retrievers at k=k_retrieval and returns the top
// k_fused fused hits. A failure in the vector leg degrades to lexical-only
// and reports degraded=true so the caller can cap confidence at "low" per
// §7; a failure in the lexical leg degrades to vector-only without
// affecting confidence. Both failing is surfaced as an error.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, question string) (hits []Hit, degraded bool, err error) {
	var lexResults []lexical.Result
	var vecResults []vectorindex.Result
	var lexErr, vecErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexResults, lexErr = r.lexical.Search(gctx, tenantID, question, r.cfg.KRetrieval)
		return nil
	})
	g.Go(func() error {
		vecResults, vecErr = r.searchVector(gctx, tenantID, question)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	if lexErr != nil && vecErr != nil {
		return nil, false, errors.Join(lexErr, vecErr)
	}

	lexRanked := rankedChunkIDs(lexResults)
	vecRanked, vecScoreByID, err := r.resolveVectorRanks(ctx, tenantID, vecResults)
	if err != nil {
		return nil, false, err
	}

	if lexErr != nil {
		return topFromRanked(vecRanked, vecScoreByID, r.cfg.KFused), false, nil
	}
	if vecErr != nil {
		return topFromRanked(lexRanked, nil, r.cfg.KFused), true, nil
	}

	fused := fuse(lexRanked, vecRanked, vecScoreByID, r.cfg.KRRF)
	if len(fused) > r.cfg.KFused {
		fused = fused[:r.cfg.KFused]
	}
	return fused, false, nil
}

func (r *Retriever) searchVector(ctx context.Context, tenantID, question string) ([]vectorindex.Result, error) {
	vecs, err := r.embedder.Embed(ctx, tenantID, []string{question})
	if err != nil {
		return nil, err
	}
	var out []vectorindex.Result
	err = r.indexes.WithIndex(ctx, tenantID, indexcache.Read, func(ix *vectorindex.Index) error {
		res, err := ix.Search(vecs[0], r.cfg.KRetrieval)
		out = res
		return err
	})
	return out, err
}

func (r *Retriever) resolveVectorRanks(ctx context.Context, tenantID string, results []vectorindex.Result) ([]string, map[string]float32, error) {
	ranked := make([]string, 0, len(results))
	scores := make(map[string]float32, len(results))
	for _, res := range results {
		chunkID, ok, err := r.slots.ChunkIDForSlot(ctx, tenantID, res.Slot)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		ranked = append(ranked, chunkID)
		scores[chunkID] = res.Score
	}
	return ranked, scores, nil
}

func rankedChunkIDs(results []lexical.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func topFromRanked(ranked []string, vecScores map[string]float32, limit int) []Hit {
	out := make([]Hit, 0, len(ranked))
	for _, id := range ranked {
		out = append(out, Hit{ChunkID: id, VectorScore: vecScores[id]})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// fuse implements Reciprocal Rank Fusion: score(c) = sum over retrievers of
// 1/(rank_i(c)+k). Ties break by higher original vector score.
func fuse(lexRanked, vecRanked []string, vecScores map[string]float32, k int) []Hit {
	scores := make(map[string]float64)
	for rank, id := range lexRanked {
		scores[id] += 1.0 / float64(rank+1+k)
	}
	for rank, id := range vecRanked {
		scores[id] += 1.0 / float64(rank+1+k)
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return vecScores[ids[i]] > vecScores[ids[j]]
	})

	out := make([]Hit, len(ids))
	for i, id := range ids {
		out[i] = Hit{ChunkID: id, VectorScore: vecScores[id], FusedScore: scores[id]}
	}
	return out
}

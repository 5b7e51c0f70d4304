// Package rerank rescores a fused retrieval list with a capability-style
// interface: a cross-encoder-like Scorer when one is configured, falling
// back to a lightweight lexical-overlap score when it is not. Mirrors the
// Embedder/LLM capability-interface pattern used throughout this engine.
package rerank

import (
	"context"
	"sort"
	"strings"

	"ragengine/internal/retrieval"
)

// Candidate is one item to be rescored.
type Candidate struct {
	ChunkID string
	Text    string
}

// Scored is a candidate with its rerank score in [0,1].
type Scored struct {
	ChunkID string
	Score   float64
}

// Scorer is the capability a concrete reranking backend implements.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []Candidate) ([]float64, error)
}

// Reranker rescores retrieval hits, falling back to LexicalOverlapScorer
// when Enabled is false or the configured Scorer errors.
type Reranker struct {
	scorer  Scorer
	enabled bool
}

func New(scorer Scorer, enabled bool) *Reranker {
	return &Reranker{scorer: scorer, enabled: enabled}
}

// Rerank scores hits against question and returns them sorted by score
// descending. candidateText supplies each chunk's text, since retrieval.Hit
// only carries ids and fusion scores.
func (r *Reranker) Rerank(ctx context.Context, question string, hits []retrieval.Hit, candidateText map[string]string) ([]Scored, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	candidates := make([]Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = Candidate{ChunkID: h.ChunkID, Text: candidateText[h.ChunkID]}
	}

	var scores []float64
	if r.enabled {
		s, err := r.scorer.Score(ctx, question, candidates)
		if err == nil {
			scores = s
		}
	}
	if scores == nil {
		scores = LexicalOverlapScorer{}.score(question, candidates)
	}

	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{ChunkID: c.ChunkID, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// LexicalOverlapScorer is the null/degraded-mode Scorer: it scores a
// candidate by the fraction of question terms it contains.
type LexicalOverlapScorer struct{}

func (LexicalOverlapScorer) Score(_ context.Context, query string, candidates []Candidate) ([]float64, error) {
	return LexicalOverlapScorer{}.score(query, candidates), nil
}

func (LexicalOverlapScorer) score(query string, candidates []Candidate) []float64 {
	terms := tokenize(query)
	out := make([]float64, len(candidates))
	if len(terms) == 0 {
		return out
	}
	for i, c := range candidates {
		present := make(map[string]bool)
		for _, t := range tokenize(c.Text) {
			present[t] = true
		}
		hits := 0
		for _, t := range terms {
			if present[t] {
				hits++
			}
		}
		out[i] = float64(hits) / float64(len(terms))
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

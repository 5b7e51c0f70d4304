package rerank

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ragengine/internal/retrieval"
)

func TestRerank_DisabledUsesLexicalOverlap(t *testing.T) {
	r := New(nil, false)
	hits := []retrieval.Hit{{ChunkID: "a"}, {ChunkID: "b"}}
	text := map[string]string{
		"a": "termination clause and indemnification obligations",
		"b": "completely unrelated weather report",
	}

	scored, err := r.Rerank(context.Background(), "termination clause obligations", hits, text)
	require.NoError(t, err)
	require.Equal(t, "a", scored[0].ChunkID)
	require.Greater(t, scored[0].Score, scored[1].Score)
}

func TestRerank_EmptyHitsReturnsNil(t *testing.T) {
	r := New(nil, false)
	scored, err := r.Rerank(context.Background(), "anything", nil, nil)
	require.NoError(t, err)
	require.Nil(t, scored)
}

type fakeScorer struct {
	scores []float64
	err    error
}

func (f fakeScorer) Score(context.Context, string, []Candidate) ([]float64, error) {
	return f.scores, f.err
}

func TestRerank_UsesConfiguredScorerWhenEnabled(t *testing.T) {
	r := New(fakeScorer{scores: []float64{0.1, 0.9}}, true)
	hits := []retrieval.Hit{{ChunkID: "a"}, {ChunkID: "b"}}

	scored, err := r.Rerank(context.Background(), "q", hits, map[string]string{"a": "x", "b": "y"})
	require.NoError(t, err)
	require.Equal(t, "b", scored[0].ChunkID)
}

func TestRerank_FallsBackOnScorerError(t *testing.T) {
	r := New(fakeScorer{err: errors.New("scorer unavailable")}, true)
	hits := []retrieval.Hit{{ChunkID: "a"}}
	scored, err := r.Rerank(context.Background(), "clause", hits, map[string]string{"a": "clause text"})
	require.NoError(t, err)
	require.Len(t, scored, 1)
}

func TestLexicalOverlapScorer_NoQueryTermsYieldsZero(t *testing.T) {
	scores, err := LexicalOverlapScorer{}.Score(context.Background(), "", []Candidate{{ChunkID: "a", Text: "something"}})
	require.NoError(t, err)
	require.Equal(t, []float64{0}, scores)
}

package compress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tokenizer = "cl100k_base"

func TestCompress_SelectsWithinBudget(t *testing.T) {
	candidates := []Candidate{
		{ChunkID: "a", Text: "Short sentence one."},
		{ChunkID: "b", Text: "Short sentence two."},
	}
	selected, err := Compress(candidates, 1000, tokenizer)
	require.NoError(t, err)
	require.Len(t, selected, 2)
}

func TestCompress_StopsAtBudgetExhaustion(t *testing.T) {
	candidates := []Candidate{
		{ChunkID: "a", Text: strings.Repeat("word ", 50)},
		{ChunkID: "b", Text: strings.Repeat("word ", 50)},
		{ChunkID: "c", Text: strings.Repeat("word ", 50)},
	}
	selected, err := Compress(candidates, 60, tokenizer)
	require.NoError(t, err)
	require.Less(t, len(selected), 3)
}

func TestCompress_TruncatesOversizedChunkToSentenceBoundary(t *testing.T) {
	candidates := []Candidate{
		{ChunkID: "a", Text: "First sentence here. Second sentence follows. " + strings.Repeat("padding word ", 100)},
	}
	selected, err := Compress(candidates, 5, tokenizer)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	require.True(t, strings.HasSuffix(selected[0].Text, "."))
}

func TestCompress_EmptyCandidatesYieldsNoSelection(t *testing.T) {
	selected, err := Compress(nil, 1000, tokenizer)
	require.NoError(t, err)
	require.Nil(t, selected)
}

func TestCompress_ZeroBudgetYieldsNoSelection(t *testing.T) {
	selected, err := Compress([]Candidate{{ChunkID: "a", Text: "anything"}}, 0, tokenizer)
	require.NoError(t, err)
	require.Empty(t, selected)
}

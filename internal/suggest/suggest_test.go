package suggest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"ragengine/internal/compress"
)

type fakeGenerator struct {
	out string
	err error
}

func (f fakeGenerator) Generate(context.Context, string) (string, error) { return f.out, f.err }

func TestSuggest_UsesGeneratorOutputWhenAvailable(t *testing.T) {
	gen := fakeGenerator{out: "Q1?\nQ2?\nQ3?\nQ4?"}
	out := Suggest(context.Background(), gen, "question", "answer", nil)
	require.Len(t, out, 3)
	require.Equal(t, "Q1?", out[0])
}

func TestSuggest_FallsBackOnGeneratorError(t *testing.T) {
	gen := fakeGenerator{err: errors.New("unavailable")}
	selected := []compress.Selected{{Text: "indemnification obligations under termination clauses"}}
	out := Suggest(context.Background(), gen, "what is a contract", "answer", selected)
	require.NotEmpty(t, out)
}

func TestSuggest_NilGeneratorUsesFallback(t *testing.T) {
	selected := []compress.Selected{{Text: "indemnification obligations under termination clauses"}}
	out := Suggest(context.Background(), nil, "what is a contract", "answer", selected)
	require.NotEmpty(t, out)
}

func TestFallback_ExcludesQuestionTerms(t *testing.T) {
	selected := []compress.Selected{{Text: "contract termination obligations indemnification"}}
	out := Fallback("what is a contract", selected)
	for _, s := range out {
		require.NotContains(t, s, "contract?")
	}
}

func TestFallback_EmptyContextYieldsNoSuggestions(t *testing.T) {
	out := Fallback("anything", nil)
	require.Empty(t, out)
}

func TestFallback_CapsAtThree(t *testing.T) {
	selected := []compress.Selected{{Text: "alpha bravo charlie delta echo foxtrot golf hotel india juliet"}}
	out := Fallback("question", selected)
	require.LessOrEqual(t, len(out), 3)
}

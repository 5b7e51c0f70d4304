// Package compress implements the context compressor: greedy, budget-bound
// selection over a reranked list, truncating an over-budget chunk to the
// nearest sentence boundary within budget rather than dropping it outright.
package compress

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Selected is one chunk admitted into the LLM context window.
type Selected struct {
	ChunkID string
	DocID   string
	Page    int
	Text    string
	Score   float64
}

// Candidate is a reranked chunk with enough metadata to build the final
// context entry.
type Candidate struct {
	ChunkID string
	DocID   string
	Page    int
	Text    string
	Score   float64
}

// Compress greedily selects candidates in order, keeping cumulative tokens
// within budgetTokens. The first candidate that does not fit in the
// remaining budget is truncated to a sentence boundary within what remains
// and included if any text is left; selection stops there either way.
func Compress(candidates []Candidate, budgetTokens int, tokenizerID string) ([]Selected, error) {
	enc, err := tiktoken.GetEncoding(tokenizerID)
	if err != nil {
		return nil, err
	}

	var out []Selected
	remaining := budgetTokens
	for _, c := range candidates {
		if remaining <= 0 {
			break
		}
		count := len(enc.Encode(c.Text, nil, nil))
		if count <= remaining {
			out = append(out, Selected{ChunkID: c.ChunkID, DocID: c.DocID, Page: c.Page, Text: c.Text, Score: c.Score})
			remaining -= count
			continue
		}

		truncated := truncateToSentenceBoundary(enc, c.Text, remaining)
		if truncated == "" {
			break
		}
		out = append(out, Selected{ChunkID: c.ChunkID, DocID: c.DocID, Page: c.Page, Text: truncated, Score: c.Score})
		remaining = 0
	}
	return out, nil
}

// truncateToSentenceBoundary decodes the first budget tokens of text and
// backs off to the last sentence terminator ('.', '!' or '?' followed by a
// space or newline) within that window. If the window holds no such
// terminator, the decoded token prefix is returned as is.
func truncateToSentenceBoundary(enc *tiktoken.Tiktoken, text string, budget int) string {
	ids := enc.Encode(text, nil, nil)
	if len(ids) > budget {
		ids = ids[:budget]
	}
	decoded := enc.Decode(ids)

	cut := -1
	for _, terminator := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(decoded, terminator); idx > cut {
			cut = idx
		}
	}
	if cut >= 0 {
		return strings.TrimSpace(decoded[:cut+1])
	}
	return strings.TrimSpace(decoded)
}

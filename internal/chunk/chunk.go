// Package chunk implements deterministic, token-bounded segmentation of
// page-tagged text with overlap. Given identical inputs and configuration
// it reproduces byte-identical chunk sequences.
package chunk

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"ragengine/internal/config"
	"ragengine/internal/extract"
)

// Chunk is one deterministically produced segment of a document.
type Chunk struct {
	Ordinal    int
	Text       string
	TokenCount int
	Page       int

	// Tags is populated after chunking by a pluggable classifier hook (see
	// ingest.Pipeline.SetClassifier), not by Chunks itself: classification is
	// a domain-specific concern layered on top of the deterministic
	// segmentation this package performs, generalized from the teacher's
	// classifyLegalDomain heuristic into a no-op-by-default hook.
	Tags []string
}

var (
	encodingCacheMu sync.Mutex
	encodingCache   = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(tokenizerID string) (*tiktoken.Tiktoken, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()
	if enc, ok := encodingCache[tokenizerID]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(tokenizerID)
	if err != nil {
		return nil, err
	}
	encodingCache[tokenizerID] = enc
	return enc, nil
}

// token is one tokenizer token with its decoded text and source page,
// carried alongside the raw token id so sentence-boundary snapping can
// inspect the decoded surface form without repeated round-trips.
type token struct {
	id   int
	text string
	page int
}

// Chunks runs the full windowing algorithm over pages and returns the
// ordered chunk sequence.
func Chunks(pages []extract.Page, cfg config.ChunkConfig) ([]Chunk, error) {
	enc, err := encodingFor(cfg.TokenizerID)
	if err != nil {
		return nil, err
	}

	// Tokenize per page (rather than the raw concatenation) so the
	// token->page map is exact instead of inferred from character offsets;
	// every token is attributed to exactly one page, and this sidesteps
	// BPE merges across a synthetic page-join character.
	var toks []token
	for _, p := range pages {
		ids := enc.Encode(p.Text, nil, nil)
		for _, id := range ids {
			toks = append(toks, token{id: id, text: enc.Decode([]int{id}), page: p.Number})
		}
	}

	if len(toks) == 0 {
		return nil, nil
	}

	target := cfg.TargetTokens
	overlap := cfg.OverlapTokens
	minTok := cfg.MinTokens

	var chunks []Chunk
	var starts []int
	pos := 0
	ordinal := 0
	for pos < len(toks) {
		hardEnd := pos + target
		if hardEnd > len(toks) {
			hardEnd = len(toks)
		}

		end := hardEnd
		if hardEnd < len(toks) {
			if snapped, ok := snapToSentenceBoundary(toks, pos, hardEnd, minTok); ok {
				end = snapped
			}
		}

		chunkToks := toks[pos:end]
		chunks = append(chunks, Chunk{
			Ordinal:    ordinal,
			Text:       decodeTokens(chunkToks),
			TokenCount: len(chunkToks),
			Page:       toks[pos].page,
		})
		starts = append(starts, pos)
		ordinal++

		if end >= len(toks) {
			break
		}

		next := end - overlap
		if next <= pos {
			next = end
		}
		pos = next
	}

	return dropTrailingUndersizedChunk(chunks, starts, minTok), nil
}

// snapToSentenceBoundary searches backward from hardEnd-1 for the nearest
// token whose decoded text ends in a sentence terminator, provided
// accepting it keeps the window at least minTokens long. The backward scan
// returns the first hit, i.e. the boundary with the highest index; each
// index is visited once, so no tie-break is needed.
func snapToSentenceBoundary(toks []token, start, hardEnd, minTokens int) (int, bool) {
	floor := start + minTokens
	if floor >= hardEnd {
		return 0, false
	}
	for i := hardEnd - 1; i >= floor; i-- {
		if endsSentence(toks, i) {
			return i + 1, true
		}
	}
	return 0, false
}

func endsSentence(toks []token, i int) bool {
	text := strings.TrimRight(toks[i].text, " \t")
	if text == "" {
		return false
	}
	last := rune(text[len(text)-1])
	switch last {
	case '.', '!', '?':
		return true
	}
	if last == '\n' && i+1 < len(toks) {
		next := strings.TrimLeft(toks[i+1].text, " \t\n")
		if next != "" && unicode.IsUpper(rune(next[0])) {
			return true
		}
	}
	return false
}

func decodeTokens(toks []token) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.text)
	}
	return strings.TrimSpace(b.String())
}

// dropTrailingUndersizedChunk drops a trailing chunk if its size is below
// minTokens AND it contributes no tokens beyond the previous chunk's end
// (i.e. every token it covers was already emitted as part of the previous
// chunk's overlap region). starts[i] is the token index the i-th chunk
// began at, recorded during the walk in Chunks (overlap means chunks are
// not generally contiguous, so offsets must come from the walk itself, not
// be reconstructed from token counts).
//
// Comparing against the configured overlap directly is wrong: lastStart is
// always prevEnd-overlap (or prevEnd, clamped), so that comparison holds on
// every call with >=2 chunks and would drop real trailing content whenever
// prevEnd < len(toks). The only content actually safe to drop is the part
// of the trailing chunk that does not extend past prevEnd.
func dropTrailingUndersizedChunk(chunks []Chunk, starts []int, minTokens int) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	if last.TokenCount >= minTokens {
		return chunks
	}

	prev := chunks[len(chunks)-2]
	prevEnd := starts[len(chunks)-2] + prev.TokenCount
	lastStart := starts[len(chunks)-1]
	lastEnd := lastStart + last.TokenCount
	if lastEnd <= prevEnd {
		return chunks[:len(chunks)-1]
	}
	return chunks
}

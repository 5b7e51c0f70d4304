// Package suggest produces follow-up query suggestions: an LLM-backed path
// when a Generator is configured, and otherwise a deterministic fallback
// that templates the most frequent single context words (multi-word noun
// phrases are not extracted), the same capability/null-implementation
// split used by embed and llmclient.
package suggest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ragengine/internal/compress"
)

const count = 3

// Generator is the capability an LLM-backed suggester implements.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Suggest returns up to count follow-up questions. If gen is non-nil and
// returns at least one non-empty line, those lines are used verbatim,
// truncated to count; fewer lines are returned as they are, without
// padding. Otherwise Fallback is used.
func Suggest(ctx context.Context, gen Generator, question, answer string, selected []compress.Selected) []string {
	if gen != nil {
		if out, err := gen.Generate(ctx, suggestPrompt(question, answer)); err == nil {
			lines := splitNonEmptyLines(out)
			if len(lines) > 0 {
				return capAt(lines, count)
			}
		}
	}
	return Fallback(question, selected)
}

func suggestPrompt(question, answer string) string {
	return fmt.Sprintf("Given the question %q and the answer %q, propose %d short, distinct follow-up questions, one per line.", question, answer, count)
}

// Fallback extracts the most frequent content words appearing in the
// selected context but not in the question, and templates them into
// generic follow-up questions.
func Fallback(question string, selected []compress.Selected) []string {
	questionTerms := termSet(question)

	freq := make(map[string]int)
	for _, s := range selected {
		for _, t := range tokenize(s.Text) {
			if len(t) < 4 || questionTerms[t] {
				continue
			}
			freq[t]++
		}
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	templates := []string{
		"What about %s?",
		"How does %s relate to this?",
		"Can you explain %s in more detail?",
	}

	out := make([]string, 0, count)
	for i := 0; i < count && i < len(terms); i++ {
		out = append(out, fmt.Sprintf(templates[i%len(templates)], terms[i]))
	}
	return out
}

func capAt(lines []string, n int) []string {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func termSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

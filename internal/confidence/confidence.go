// Package confidence scores a generated answer against the context it was
// grounded in, combining rerank scores with lexical overlap between the
// answer and the selected context.
package confidence

import (
	"strings"

	"ragengine/internal/compress"
	"ragengine/internal/config"
	"ragengine/internal/rerank"
)

// Level is a qualitative confidence bucket.
type Level string

const (
	High   Level = "high"
	Medium Level = "medium"
	Low    Level = "low"
	None   Level = "none"
)

// Result is the scored confidence of one answer.
type Result struct {
	Level Level
	Score float64
}

var insufficientPhrases = []string{
	"insufficient information",
	"do not have enough information",
	"does not contain the answer",
	"unable to find",
	"cannot answer",
}

// Score weighs the top rerank score (0.4), the mean of the top-3 rerank
// scores (0.2), and token overlap between answer and context (0.3) into a
// single [0,1] score, then maps it to a Level via thresholds. An answer
// containing explicit "insufficient information" phrasing is forced to
// None regardless of the other signals.
func Score(answer string, reranked []rerank.Scored, selected []compress.Selected, thresholds config.ConfidenceThresholds) Result {
	if containsInsufficientPhrasing(answer) {
		return Result{Level: None, Score: 0}
	}
	if len(reranked) == 0 || len(selected) == 0 {
		return Result{Level: None, Score: 0}
	}

	top := reranked[0].Score

	n := len(reranked)
	if n > 3 {
		n = 3
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += reranked[i].Score
	}
	meanTop3 := sum / float64(n)

	overlap := tokenOverlap(answer, selected)

	score := 0.4*top + 0.2*meanTop3 + 0.3*overlap
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	return Result{Level: levelFor(score, thresholds), Score: score}
}

func levelFor(score float64, t config.ConfidenceThresholds) Level {
	switch {
	case score >= t.High:
		return High
	case score >= t.Medium:
		return Medium
	case score >= t.Low:
		return Low
	default:
		return None
	}
}

func containsInsufficientPhrasing(answer string) bool {
	lower := strings.ToLower(answer)
	for _, p := range insufficientPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func tokenOverlap(answer string, selected []compress.Selected) float64 {
	answerTokens := tokenize(answer)
	if len(answerTokens) == 0 {
		return 0
	}

	contextTokens := make(map[string]bool)
	for _, s := range selected {
		for _, t := range tokenize(s.Text) {
			contextTokens[t] = true
		}
	}

	hits := 0
	for _, t := range answerTokens {
		if contextTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(answerTokens))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

package evaluators

import (
	"context"
	"fmt"
	"strings"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// minWordLen drops short stop-ish words from the overlap sets.
const minWordLen = 3

// LexicalSimilarity scores the candidate against the reference by Jaccard
// word overlap, scaled to 0-100.
type LexicalSimilarity struct{}

// NewLexicalSimilarity builds the evaluator.
func NewLexicalSimilarity() LexicalSimilarity { return LexicalSimilarity{} }

// Name implements evaluation.Evaluator.
func (LexicalSimilarity) Name() string { return "lexical_similarity" }

// Evaluate implements evaluation.Evaluator.
func (LexicalSimilarity) Evaluate(_ context.Context, in evaluation.Input) (evaluation.Outcome, error) {
	if in.ReferenceText == "" {
		return evaluation.Outcome{}, fmt.Errorf("%w: referenceText", evaluation.ErrMissingField)
	}
	similarity, overlap := jaccard(in.CandidateText, in.ReferenceText)
	return evaluation.Outcome{
		Name:     "lexical_similarity",
		Score:    evaluation.NumericScore(similarity * 100),
		Feedback: fmt.Sprintf("%d overlapping words, Jaccard similarity %.2f", overlap, similarity),
	}, nil
}

// jaccard returns intersection/union over the word sets plus the
// intersection size. Both empty counts as full similarity.
func jaccard(a, b string) (float64, int) {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1, 0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0, 0
	}
	intersection := 0
	union := len(setA) + len(setB)
	for w := range setA {
		if setB[w] {
			intersection++
			union--
		}
	}
	return float64(intersection) / float64(union), intersection
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= minWordLen {
			set[w] = true
		}
	}
	return set
}

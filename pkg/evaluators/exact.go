// Package evaluators bundles ready-made evaluator implementations: exact
// text match, lexical word-overlap similarity, and an LLM judge speaking
// the OpenAI-compatible chat completions protocol.
package evaluators

import (
	"context"
	"fmt"
	"strings"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// Exact-match categorical labels
const (
	LabelMatch    = "match"
	LabelMismatch = "mismatch"
)

// ExactMatch compares the candidate against the reference after trimming
// and case-folding, producing a categorical verdict.
type ExactMatch struct{}

// NewExactMatch builds the evaluator.
func NewExactMatch() ExactMatch { return ExactMatch{} }

// Name implements evaluation.Evaluator.
func (ExactMatch) Name() string { return "exact_match" }

// Evaluate implements evaluation.Evaluator.
func (ExactMatch) Evaluate(_ context.Context, in evaluation.Input) (evaluation.Outcome, error) {
	if in.ReferenceText == "" {
		return evaluation.Outcome{}, fmt.Errorf("%w: referenceText", evaluation.ErrMissingField)
	}
	candidate := fold(in.CandidateText)
	reference := fold(in.ReferenceText)
	out := evaluation.Outcome{Name: "exact_match"}
	if candidate == reference {
		out.Score = evaluation.CategoricalScore(LabelMatch)
		out.Feedback = "candidate matches reference exactly"
	} else {
		out.Score = evaluation.CategoricalScore(LabelMismatch)
		out.Feedback = "candidate differs from reference"
	}
	return out, nil
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

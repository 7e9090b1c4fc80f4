// Package evaluation defines the data model shared by the batch engine,
// the input parsers, the exporters, and the evaluator implementations.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Input is one row of the tabular source: the unit of evaluation, retry,
// and commit. CandidateText is required; everything else is optional.
// Fields the engine does not know about travel in Extra and survive JSON
// round-trips at the top level of the object.
type Input struct {
	ID            string
	CandidateText string
	ReferenceText string
	SourceText    string
	Prompt        string
	ContentType   string
	Language      string
	Extra         map[string]any
}

// knownInputKeys are the semantic field names of Input on the wire.
var knownInputKeys = [...]string{
	"id", "candidateText", "referenceText", "sourceText",
	"prompt", "contentType", "language",
}

// MarshalJSON flattens Extra into the same object as the semantic fields.
func (in Input) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(knownInputKeys)+len(in.Extra))
	for k, v := range in.Extra {
		m[k] = v
	}
	put := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	put("id", in.ID)
	put("candidateText", in.CandidateText)
	put("referenceText", in.ReferenceText)
	put("sourceText", in.SourceText)
	put("prompt", in.Prompt)
	put("contentType", in.ContentType)
	put("language", in.Language)
	return json.Marshal(m)
}

// UnmarshalJSON pulls the semantic fields out of the object and keeps the
// remainder in Extra. Non-string semantic values are coerced to strings,
// matching the permissiveness of typical row sources.
func (in *Input) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*in = Input{}
	take := func(key string) string {
		v, ok := m[key]
		if !ok {
			return ""
		}
		delete(m, key)
		if v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	in.ID = take("id")
	in.CandidateText = take("candidateText")
	in.ReferenceText = take("referenceText")
	in.SourceText = take("sourceText")
	in.Prompt = take("prompt")
	in.ContentType = take("contentType")
	in.Language = take("language")
	if len(m) > 0 {
		in.Extra = m
	}
	return nil
}

// MergeDefaults returns the effective input: empty fields are filled from
// defaults and the Extra maps are unioned, with the row winning every
// conflict. A nil defaults returns the row unchanged.
func (in Input) MergeDefaults(defaults *Input) Input {
	if defaults == nil {
		return in
	}
	out := in
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&out.ID, defaults.ID)
	fill(&out.CandidateText, defaults.CandidateText)
	fill(&out.ReferenceText, defaults.ReferenceText)
	fill(&out.SourceText, defaults.SourceText)
	fill(&out.Prompt, defaults.Prompt)
	fill(&out.ContentType, defaults.ContentType)
	fill(&out.Language, defaults.Language)
	if len(defaults.Extra) > 0 {
		merged := make(map[string]any, len(defaults.Extra)+len(in.Extra))
		for k, v := range defaults.Extra {
			merged[k] = v
		}
		for k, v := range in.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// Evaluator is the single capability the engine requires of user code:
// consume an Input, produce an Outcome, possibly failing. Implementations
// must be safe for concurrent calls when the engine runs rows in parallel.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, input Input) (Outcome, error)
}

type evaluatorFunc struct {
	name string
	fn   func(ctx context.Context, input Input) (Outcome, error)
}

// NewFunc wraps fn as a named Evaluator.
func NewFunc(name string, fn func(ctx context.Context, input Input) (Outcome, error)) Evaluator {
	return evaluatorFunc{name: name, fn: fn}
}

func (e evaluatorFunc) Name() string { return e.name }

func (e evaluatorFunc) Evaluate(ctx context.Context, input Input) (Outcome, error) {
	return e.fn(ctx, input)
}

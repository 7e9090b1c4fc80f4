package evaluators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

func TestExactMatch(t *testing.T) {
	t.Parallel()
	ev := NewExactMatch()
	assert.Equal(t, "exact_match", ev.Name())

	out, err := ev.Evaluate(context.Background(), evaluation.Input{
		CandidateText: "  Hello World ",
		ReferenceText: "hello world",
	})
	require.NoError(t, err)
	assert.Equal(t, LabelMatch, out.Score.Label)

	out, err = ev.Evaluate(context.Background(), evaluation.Input{
		CandidateText: "hello",
		ReferenceText: "goodbye",
	})
	require.NoError(t, err)
	assert.Equal(t, LabelMismatch, out.Score.Label)
}

func TestExactMatchMissingReference(t *testing.T) {
	t.Parallel()
	_, err := NewExactMatch().Evaluate(context.Background(), evaluation.Input{CandidateText: "x"})
	assert.ErrorIs(t, err, evaluation.ErrMissingField)
}

func TestLexicalSimilarity(t *testing.T) {
	t.Parallel()
	ev := NewLexicalSimilarity()

	out, err := ev.Evaluate(context.Background(), evaluation.Input{
		CandidateText: "the quick brown fox",
		ReferenceText: "the quick brown fox",
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, out.Score.Float64(), 0.001)

	// {quick, brown, fox} vs {slow, brown, fox}: 2 shared of 4 total
	out, err = ev.Evaluate(context.Background(), evaluation.Input{
		CandidateText: "the quick brown fox",
		ReferenceText: "the slow brown fox",
	})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, out.Score.Float64(), 0.001)
	assert.Contains(t, out.Feedback, "2 overlapping words")

	out, err = ev.Evaluate(context.Background(), evaluation.Input{
		CandidateText: "alpha beta",
		ReferenceText: "gamma delta",
	})
	require.NoError(t, err)
	assert.Zero(t, out.Score.Float64())
}

func TestLexicalSimilarityIgnoresShortWordsAndPunctuation(t *testing.T) {
	t.Parallel()
	out, err := NewLexicalSimilarity().Evaluate(context.Background(), evaluation.Input{
		CandidateText: "Hello, world!",
		ReferenceText: "hello world",
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, out.Score.Float64(), 0.001)
}

func TestLexicalSimilarityMissingReference(t *testing.T) {
	t.Parallel()
	_, err := NewLexicalSimilarity().Evaluate(context.Background(), evaluation.Input{CandidateText: "x"})
	assert.ErrorIs(t, err, evaluation.ErrMissingField)
}

func verdictHandler(t *testing.T, content string, usage bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "judge-model", req["model"])

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		if usage {
			resp["usage"] = map[string]any{
				"prompt_tokens":     100,
				"completion_tokens": 20,
				"total_tokens":      120,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func judgeFor(t *testing.T, url string) *LLMJudge {
	t.Helper()
	j, err := NewLLMJudge(LLMConfig{
		BaseURL:  url,
		APIKey:   "secret",
		Model:    "judge-model",
		Criteria: "clarity",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return j
}

func TestLLMJudgeParsesVerdict(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(verdictHandler(t, `{"score": 85, "feedback": "well structured"}`, true))
	defer srv.Close()

	out, err := judgeFor(t, srv.URL).Evaluate(context.Background(), evaluation.Input{
		CandidateText: "candidate",
		ReferenceText: "reference",
	})
	require.NoError(t, err)
	assert.InDelta(t, 85.0, out.Score.Float64(), 0.001)
	assert.Equal(t, "well structured", out.Feedback)
	require.NotNil(t, out.Stats.Tokens)
	assert.Equal(t, int64(120), out.Stats.Tokens.Total)
	assert.Equal(t, int64(100), out.Stats.Tokens.Input)
}

func TestLLMJudgeFencedVerdict(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(verdictHandler(t, "```json\n{\"score\": 60, \"feedback\": \"ok\"}\n```", true))
	defer srv.Close()

	out, err := judgeFor(t, srv.URL).Evaluate(context.Background(), evaluation.Input{CandidateText: "c"})
	require.NoError(t, err)
	assert.InDelta(t, 60.0, out.Score.Float64(), 0.001)
}

func TestLLMJudgeEstimatesTokensWithoutUsage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(verdictHandler(t, `{"score": 50, "feedback": "meh"}`, false))
	defer srv.Close()

	out, err := judgeFor(t, srv.URL).Evaluate(context.Background(), evaluation.Input{CandidateText: "candidate text"})
	require.NoError(t, err)
	require.NotNil(t, out.Stats.Tokens)
	assert.Positive(t, out.Stats.Tokens.Total)
	assert.Equal(t, out.Stats.Tokens.Input+out.Stats.Tokens.Output, out.Stats.Tokens.Total)
}

func TestLLMJudge4xxIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := judgeFor(t, srv.URL).Evaluate(context.Background(), evaluation.Input{CandidateText: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat status 400")
	assert.Equal(t, int64(1), hits.Load())
}

func TestLLMJudge429IsRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		verdictHandler(t, `{"score": 70, "feedback": "fine"}`, true)(w, r)
	}))
	defer srv.Close()

	out, err := judgeFor(t, srv.URL).Evaluate(context.Background(), evaluation.Input{CandidateText: "c"})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, out.Score.Float64(), 0.001)
	assert.GreaterOrEqual(t, hits.Load(), int64(2))
}

func TestNewLLMJudgeValidation(t *testing.T) {
	t.Parallel()
	_, err := NewLLMJudge(LLMConfig{Model: "m"})
	assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	_, err = NewLLMJudge(LLMConfig{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
}

func TestLLMJudgeCustomName(t *testing.T) {
	t.Parallel()
	j, err := NewLLMJudge(LLMConfig{BaseURL: "http://localhost", Model: "m", EvaluatorName: "tone_judge"})
	require.NoError(t, err)
	assert.Equal(t, "tone_judge", j.Name())
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		score   float64
		wantErr bool
	}{
		{"plain", `{"score": 42, "feedback": "x"}`, 42, false},
		{"fenced", "```json\n{\"score\": 10, \"feedback\": \"y\"}\n```", 10, false},
		{"bare fence", "```\n{\"score\": 5, \"feedback\": \"z\"}\n```", 5, false},
		{"prose around", `Here is my verdict: {"score": 99, "feedback": "good"} as requested.`, 99, false},
		{"no json", "I cannot evaluate this.", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v, err := parseVerdict(tc.content)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.score, v.Score, 0.001)
		})
	}
}

func TestEstimateTokensFallback(t *testing.T) {
	t.Parallel()
	n := estimateTokens("unknown-model-name", "four char heuristic text")
	assert.Positive(t, n)
}

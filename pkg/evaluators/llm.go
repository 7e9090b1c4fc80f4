package evaluators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/textx"
)

// LLM judge defaults
const (
	DefaultLLMTimeout     = 60 * time.Second
	DefaultLLMMaxTokens   = 800
	DefaultLLMTemperature = 0.1
)

const judgeSystemPrompt = `You are an evaluation judge. Score the candidate text against the given criteria.
Respond with a single JSON object: {"score": <number 0-100>, "feedback": "<short explanation>"}.
Respond with JSON only, no prose around it.`

// LLMConfig configures the judge's provider connection and prompt.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible API, without trailing slash.
	BaseURL string
	APIKey  string
	Model   string
	// Criteria is injected into the user prompt; the row's own Prompt
	// field, when set, is appended after it.
	Criteria    string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	// EvaluatorName overrides the default name, letting several judges
	// with different criteria coexist in one evaluator set.
	EvaluatorName string
}

// LLMJudge scores rows through an OpenAI-compatible chat completions
// endpoint and parses a JSON verdict from the reply. Provider-reported
// usage is mapped onto TokenUsage; when the provider omits usage the
// counts are estimated locally.
type LLMJudge struct {
	cfg    LLMConfig
	name   string
	client *http.Client
}

// NewLLMJudge builds a judge. The API key may be empty for local or
// proxied providers that do not authenticate.
func NewLLMJudge(cfg LLMConfig) (*LLMJudge, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: llm base url required", evaluation.ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: llm model required", evaluation.ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLLMTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultLLMTemperature
	}
	name := cfg.EvaluatorName
	if name == "" {
		name = "llm_judge"
	}
	return &LLMJudge{
		cfg:  cfg,
		name: name,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Name implements evaluation.Evaluator.
func (j *LLMJudge) Name() string { return j.name }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Evaluate implements evaluation.Evaluator.
func (j *LLMJudge) Evaluate(ctx context.Context, in evaluation.Input) (evaluation.Outcome, error) {
	userPrompt := j.buildPrompt(in)
	body, _ := json.Marshal(map[string]any{
		"model":       j.cfg.Model,
		"temperature": j.cfg.Temperature,
		"max_tokens":  j.cfg.MaxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": judgeSystemPrompt},
			{"role": "user", "content": userPrompt},
		},
	})

	start := time.Now()
	var out chatResponse
	op := func() error {
		// Recreate the request each attempt to avoid reusing consumed bodies.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if j.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+j.cfg.APIKey)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", ulid.Make().String())

		resp, err := j.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			// Retryable: let backoff handle it
			slog.Warn("llm provider rate limited",
				slog.String("model", j.cfg.Model),
				slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(respBody)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("llm provider 4xx",
				slog.String("model", j.cfg.Model),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = j.cfg.Timeout
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return evaluation.Outcome{}, fmt.Errorf("llm judge: %w", err)
	}
	if len(out.Choices) == 0 {
		return evaluation.Outcome{}, errors.New("llm judge: empty choices in response")
	}

	content := out.Choices[0].Message.Content
	verdict, err := parseVerdict(content)
	if err != nil {
		return evaluation.Outcome{}, fmt.Errorf("llm judge: %w", err)
	}

	tokens := evaluation.TokenUsage{
		Input:  out.Usage.PromptTokens,
		Output: out.Usage.CompletionTokens,
		Total:  out.Usage.TotalTokens,
	}
	if tokens.Total == 0 {
		tokens.Input = estimateTokens(j.cfg.Model, judgeSystemPrompt+userPrompt)
		tokens.Output = estimateTokens(j.cfg.Model, content)
		tokens.Total = tokens.Input + tokens.Output
	}
	return evaluation.Outcome{
		Name:     j.name,
		Score:    evaluation.NumericScore(verdict.Score),
		Feedback: verdict.Feedback,
		Stats: evaluation.ProcessingStats{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Tokens:          &tokens,
		},
	}, nil
}

func (j *LLMJudge) buildPrompt(in evaluation.Input) string {
	var b strings.Builder
	if j.cfg.Criteria != "" {
		b.WriteString("Criteria: ")
		b.WriteString(j.cfg.Criteria)
		b.WriteString("\n\n")
	}
	if in.Prompt != "" {
		b.WriteString("Task: ")
		b.WriteString(in.Prompt)
		b.WriteString("\n\n")
	}
	if in.SourceText != "" {
		b.WriteString("Source:\n")
		b.WriteString(textx.SanitizeText(in.SourceText))
		b.WriteString("\n\n")
	}
	if in.ReferenceText != "" {
		b.WriteString("Reference:\n")
		b.WriteString(textx.SanitizeText(in.ReferenceText))
		b.WriteString("\n\n")
	}
	b.WriteString("Candidate:\n")
	b.WriteString(textx.SanitizeText(in.CandidateText))
	return b.String()
}

type verdict struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// parseVerdict extracts the JSON verdict, tolerating markdown code fences
// and prose around the object.
func parseVerdict(content string) (verdict, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if start := strings.Index(cleaned, "{"); start > 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}
	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return verdict{}, fmt.Errorf("unparseable verdict %q: %w", truncate(content, 120), err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

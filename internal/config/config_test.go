package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loveholidays/eval-kit/pkg/batch"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/export"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, "eval-kit", cfg.ServiceName)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLMBaseURL)
	assert.Equal(t, time.Minute, cfg.LLMTimeout)
	assert.True(t, cfg.IsDev())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LLM_BASE_URL", "http://proxy.internal/v1")
	t.Setenv("LLM_MODEL", "judge-large")
	t.Setenv("LLM_TIMEOUT", "90s")
	t.Setenv("METRICS_ADDR", ":9091")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.AppEnv)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "http://proxy.internal/v1", cfg.LLMBaseURL)
	assert.Equal(t, "judge-large", cfg.LLMModel)
	assert.Equal(t, 90*time.Second, cfg.LLMTimeout)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
}

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const fullSpec = `
input:
  path: rows.csv
  format: csv
  startIndex: 2
  csv:
    separator: ";"
    skipEmptyLines: true
    fieldMapping:
      answer: candidateText
  defaults:
    language: en
    team: search
evaluators:
  - type: exact
  - type: lexical
  - type: llm
    name: clarity_judge
    criteria: clarity and structure
    model: judge-model
    baseUrl: http://localhost:9999/v1
    timeout: 30s
options:
  concurrency: 8
  executionMode: sequential
  rateLimit:
    maxRequestsPerMinute: 60
  retry:
    maxRetries: 5
    retryDelay: 2s
    retryOnErrors: ["rate limit"]
  timeout: 45s
  stopOnError: true
  progressInterval: 3s
  statePath: state.json
  saveStateInterval: 10s
  tokensPerRow: 1200
  pricePerMillionTokens: 4.5
stream:
  format: csv
  path: stream.csv
export:
  format: webhook
  url: http://hooks.internal/results
  method: PUT
  batchSize: 25
`

func TestLoadJobSpecAndCompile(t *testing.T) {
	t.Parallel()
	path := writeSpec(t, fullSpec)
	spec, err := LoadJobSpec(path)
	require.NoError(t, err)

	job, err := spec.Compile(Config{
		LLMBaseURL: "https://api.openai.com/v1",
		LLMModel:   "default-model",
		LLMTimeout: time.Minute,
	})
	require.NoError(t, err)

	require.Len(t, job.Evaluators, 3)
	assert.Equal(t, "exact_match", job.Evaluators[0].Name())
	assert.Equal(t, "lexical_similarity", job.Evaluators[1].Name())
	assert.Equal(t, "clarity_judge", job.Evaluators[2].Name())

	assert.Equal(t, 8, job.Options.Concurrency)
	assert.Equal(t, batch.ExecutionSequential, job.Options.ExecutionMode)
	require.NotNil(t, job.Options.RateLimit)
	assert.Equal(t, 60, job.Options.RateLimit.PerMinute)
	require.NotNil(t, job.Options.Retry)
	assert.Equal(t, 5, job.Options.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, job.Options.Retry.Delay)
	assert.Equal(t, []string{"rate limit"}, job.Options.Retry.RetryOnErrors)
	assert.Equal(t, 45*time.Second, job.Options.Timeout)
	assert.True(t, job.Options.StopOnError)
	assert.Equal(t, "state.json", job.Options.StatePath)
	assert.Equal(t, 10*time.Second, job.Options.SaveStateInterval)
	require.NotNil(t, job.Options.Cost)
	assert.Equal(t, int64(1200), job.Options.Cost.TokensPerRow)
	require.NotNil(t, job.Options.DefaultInput)
	assert.Equal(t, "en", job.Options.DefaultInput.Language)
	assert.Equal(t, "search", job.Options.DefaultInput.Extra["team"])

	require.NotNil(t, job.Options.StreamExport)
	assert.Equal(t, export.FormatCSV, job.Options.StreamExport.Format)

	assert.Equal(t, "rows.csv", job.Input.Path)
	assert.Equal(t, 2, job.Input.StartIndex)
	assert.Equal(t, ';', job.Input.CSV.Comma)
	assert.Equal(t, "candidateText", job.Input.CSV.FieldMapping["answer"])

	require.NotNil(t, job.Export)
	assert.Equal(t, export.FormatWebhook, job.Export.Format)
	assert.Equal(t, "PUT", job.Export.Method)
	assert.Equal(t, 25, job.Export.BatchSize)
}

func TestLoadJobSpecValidation(t *testing.T) {
	t.Parallel()

	t.Run("missing input path", func(t *testing.T) {
		t.Parallel()
		path := writeSpec(t, "evaluators:\n  - type: exact\n")
		_, err := LoadJobSpec(path)
		assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	})

	t.Run("no evaluators", func(t *testing.T) {
		t.Parallel()
		path := writeSpec(t, "input:\n  path: rows.csv\n")
		_, err := LoadJobSpec(path)
		assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	})

	t.Run("unknown evaluator type", func(t *testing.T) {
		t.Parallel()
		path := writeSpec(t, "input:\n  path: rows.csv\nevaluators:\n  - type: regex\n")
		_, err := LoadJobSpec(path)
		assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		path := writeSpec(t, "input: [unclosed\n")
		_, err := LoadJobSpec(path)
		assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	})
}

func TestCompileInvalidDuration(t *testing.T) {
	t.Parallel()
	path := writeSpec(t, `
input:
  path: rows.csv
evaluators:
  - type: exact
options:
  timeout: not-a-duration
`)
	spec, err := LoadJobSpec(path)
	require.NoError(t, err)
	_, err = spec.Compile(Config{})
	require.ErrorIs(t, err, evaluation.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "not-a-duration")
}

func TestCompileLLMFallsBackToProcessConfig(t *testing.T) {
	t.Parallel()
	path := writeSpec(t, `
input:
  path: rows.csv
evaluators:
  - type: llm
    criteria: accuracy
`)
	spec, err := LoadJobSpec(path)
	require.NoError(t, err)

	job, err := spec.Compile(Config{
		LLMBaseURL: "http://fallback/v1",
		LLMModel:   "fallback-model",
		LLMTimeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, job.Evaluators, 1)
	assert.Equal(t, "llm_judge", job.Evaluators[0].Name())
}

func TestCompileExportWithoutURLFails(t *testing.T) {
	t.Parallel()
	path := writeSpec(t, `
input:
  path: rows.csv
evaluators:
  - type: exact
export:
  format: webhook
`)
	spec, err := LoadJobSpec(path)
	require.NoError(t, err)
	_, err = spec.Compile(Config{})
	assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
}

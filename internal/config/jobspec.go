package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/loveholidays/eval-kit/pkg/batch"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/evaluators"
	"github.com/loveholidays/eval-kit/pkg/export"
	"github.com/loveholidays/eval-kit/pkg/input"
)

// JobSpec is a YAML document describing one batch run: the input source,
// the evaluator set, the engine options, and optional stream/export
// destinations.
type JobSpec struct {
	Input      InputSpec       `yaml:"input" validate:"required"`
	Evaluators []EvaluatorSpec `yaml:"evaluators" validate:"required,min=1,dive"`
	Options    OptionsSpec     `yaml:"options"`
	Stream     *ExportSpec     `yaml:"stream"`
	Export     *ExportSpec     `yaml:"export"`
}

// InputSpec names the row source.
type InputSpec struct {
	Path       string            `yaml:"path" validate:"required"`
	Format     string            `yaml:"format" validate:"omitempty,oneof=auto csv json"`
	StartIndex int               `yaml:"startIndex" validate:"gte=0"`
	ArrayPath  string            `yaml:"arrayPath"`
	CSV        CSVSpec           `yaml:"csv"`
	Defaults   map[string]string `yaml:"defaults"`
}

// CSVSpec tunes the delimited-text parser.
type CSVSpec struct {
	Separator      string            `yaml:"separator"`
	NoHeader       bool              `yaml:"noHeader"`
	LazyQuotes     bool              `yaml:"lazyQuotes"`
	SkipEmptyLines bool              `yaml:"skipEmptyLines"`
	FieldMapping   map[string]string `yaml:"fieldMapping"`
}

// EvaluatorSpec is a type-discriminated evaluator declaration.
type EvaluatorSpec struct {
	Type     string  `yaml:"type" validate:"required,oneof=exact lexical llm"`
	Name     string  `yaml:"name"`
	Criteria string  `yaml:"criteria"`
	Model    string  `yaml:"model"`
	BaseURL  string  `yaml:"baseUrl"`
	APIKey   string  `yaml:"apiKey"`
	Timeout  string  `yaml:"timeout"`
	MaxTok   int     `yaml:"maxTokens" validate:"gte=0"`
	Temp     float64 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// OptionsSpec mirrors batch.Options for YAML.
type OptionsSpec struct {
	Concurrency      int        `yaml:"concurrency" validate:"gte=0"`
	ExecutionMode    string     `yaml:"executionMode" validate:"omitempty,oneof=parallel sequential"`
	RateLimit        *RateSpec  `yaml:"rateLimit"`
	Retry            *RetrySpec `yaml:"retry"`
	Timeout          string     `yaml:"timeout"`
	StopOnError      bool       `yaml:"stopOnError"`
	ProgressInterval string     `yaml:"progressInterval"`
	StatePath        string     `yaml:"statePath"`
	SaveInterval     string     `yaml:"saveStateInterval"`
	TokensPerRow     int64      `yaml:"tokensPerRow" validate:"gte=0"`
	PricePerMillion  float64    `yaml:"pricePerMillionTokens" validate:"gte=0"`
}

// RateSpec mirrors batch.RateLimitConfig.
type RateSpec struct {
	PerMinute int `yaml:"maxRequestsPerMinute" validate:"gte=0"`
	PerHour   int `yaml:"maxRequestsPerHour" validate:"gte=0"`
}

// RetrySpec mirrors batch.RetryConfig.
type RetrySpec struct {
	MaxRetries         int      `yaml:"maxRetries" validate:"gte=0"`
	Delay              string   `yaml:"retryDelay"`
	ExponentialBackoff *bool    `yaml:"exponentialBackoff"`
	RetryOnErrors      []string `yaml:"retryOnErrors"`
}

// ExportSpec mirrors export.Config.
type ExportSpec struct {
	Format           string            `yaml:"format" validate:"required,oneof=csv json webhook"`
	Path             string            `yaml:"path"`
	AppendToExisting bool              `yaml:"appendToExisting"`
	FlattenOutcomes  *bool             `yaml:"flattenOutcomes"`
	URL              string            `yaml:"url"`
	Method           string            `yaml:"method" validate:"omitempty,oneof=POST PUT"`
	Headers          map[string]string `yaml:"headers"`
	Timeout          string            `yaml:"timeout"`
	BatchSize        int               `yaml:"batchSize" validate:"gte=0"`
	IncludeFields    []string          `yaml:"includeFields"`
	ExcludeFields    []string          `yaml:"excludeFields"`
}

var validateSpec = validator.New()

// LoadJobSpec reads and validates a YAML job specification.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parse job spec: %v", evaluation.ErrInvalidConfig, err)
	}
	if err := validateSpec.Struct(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", evaluation.ErrInvalidConfig, err)
	}
	return &spec, nil
}

// CompiledJob is a job spec bound to runnable engine inputs.
type CompiledJob struct {
	Evaluators []evaluation.Evaluator
	Options    batch.Options
	Input      batch.InputConfig
	Export     *export.Config
}

// Compile resolves the spec against process defaults into evaluator
// instances and engine configuration.
func (s *JobSpec) Compile(cfg Config) (*CompiledJob, error) {
	evs := make([]evaluation.Evaluator, 0, len(s.Evaluators))
	for i, es := range s.Evaluators {
		ev, err := es.build(cfg)
		if err != nil {
			return nil, fmt.Errorf("evaluator %d: %w", i, err)
		}
		evs = append(evs, ev)
	}

	opts := batch.Options{
		Concurrency:   s.Options.Concurrency,
		ExecutionMode: batch.ExecutionMode(s.Options.ExecutionMode),
		StopOnError:   s.Options.StopOnError,
		StatePath:     s.Options.StatePath,
	}
	var err error
	if opts.Timeout, err = parseDuration(s.Options.Timeout, 0); err != nil {
		return nil, err
	}
	if opts.ProgressInterval, err = parseDuration(s.Options.ProgressInterval, 0); err != nil {
		return nil, err
	}
	if opts.SaveStateInterval, err = parseDuration(s.Options.SaveInterval, 0); err != nil {
		return nil, err
	}
	if rl := s.Options.RateLimit; rl != nil {
		opts.RateLimit = &batch.RateLimitConfig{PerMinute: rl.PerMinute, PerHour: rl.PerHour}
	}
	if rs := s.Options.Retry; rs != nil {
		delay, err := parseDuration(rs.Delay, 0)
		if err != nil {
			return nil, err
		}
		opts.Retry = &batch.RetryConfig{
			MaxRetries:         rs.MaxRetries,
			Delay:              delay,
			ExponentialBackoff: rs.ExponentialBackoff,
			RetryOnErrors:      rs.RetryOnErrors,
		}
	}
	if s.Options.TokensPerRow > 0 {
		opts.Cost = &batch.CostModel{
			TokensPerRow:          s.Options.TokensPerRow,
			PricePerMillionTokens: s.Options.PricePerMillion,
		}
	}
	if len(s.Input.Defaults) > 0 {
		opts.DefaultInput = defaultsToInput(s.Input.Defaults)
	}
	if s.Stream != nil {
		streamCfg, err := s.Stream.compile()
		if err != nil {
			return nil, err
		}
		opts.StreamExport = streamCfg
	}

	in := batch.InputConfig{
		Path:       s.Input.Path,
		Format:     input.Format(s.Input.Format),
		StartIndex: s.Input.StartIndex,
		ArrayPath:  s.Input.ArrayPath,
		CSV: input.CSVOptions{
			NoHeader:       s.Input.CSV.NoHeader,
			LazyQuotes:     s.Input.CSV.LazyQuotes,
			SkipEmptyLines: s.Input.CSV.SkipEmptyLines,
			FieldMapping:   s.Input.CSV.FieldMapping,
		},
	}
	if s.Input.CSV.Separator != "" {
		in.CSV.Comma = []rune(s.Input.CSV.Separator)[0]
	}

	job := &CompiledJob{Evaluators: evs, Options: opts, Input: in}
	if s.Export != nil {
		exportCfg, err := s.Export.compile()
		if err != nil {
			return nil, err
		}
		job.Export = exportCfg
	}
	return job, nil
}

func (es EvaluatorSpec) build(cfg Config) (evaluation.Evaluator, error) {
	switch es.Type {
	case "exact":
		return evaluators.NewExactMatch(), nil
	case "lexical":
		return evaluators.NewLexicalSimilarity(), nil
	case "llm":
		timeout, err := parseDuration(es.Timeout, cfg.LLMTimeout)
		if err != nil {
			return nil, err
		}
		lc := evaluators.LLMConfig{
			BaseURL:       firstNonEmpty(es.BaseURL, cfg.LLMBaseURL),
			APIKey:        firstNonEmpty(es.APIKey, cfg.LLMAPIKey),
			Model:         firstNonEmpty(es.Model, cfg.LLMModel),
			Criteria:      es.Criteria,
			Timeout:       timeout,
			MaxTokens:     es.MaxTok,
			Temperature:   es.Temp,
			EvaluatorName: es.Name,
		}
		return evaluators.NewLLMJudge(lc)
	default:
		return nil, fmt.Errorf("%w: evaluator type %q", evaluation.ErrInvalidConfig, es.Type)
	}
}

func (es ExportSpec) compile() (*export.Config, error) {
	timeout, err := parseDuration(es.Timeout, 0)
	if err != nil {
		return nil, err
	}
	cfg := &export.Config{
		Format:           export.Format(es.Format),
		Path:             es.Path,
		AppendToExisting: es.AppendToExisting,
		FlattenOutcomes:  es.FlattenOutcomes,
		URL:              es.URL,
		Method:           es.Method,
		Headers:          es.Headers,
		Timeout:          timeout,
		BatchSize:        es.BatchSize,
		IncludeFields:    es.IncludeFields,
		ExcludeFields:    es.ExcludeFields,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultsToInput(defaults map[string]string) *evaluation.Input {
	in := &evaluation.Input{}
	for k, v := range defaults {
		switch k {
		case "candidateText":
			in.CandidateText = v
		case "referenceText":
			in.ReferenceText = v
		case "sourceText":
			in.SourceText = v
		case "prompt":
			in.Prompt = v
		case "contentType":
			in.ContentType = v
		case "language":
			in.Language = v
		default:
			if in.Extra == nil {
				in.Extra = make(map[string]any)
			}
			in.Extra[k] = v
		}
	}
	return in
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", evaluation.ErrInvalidConfig, s, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package config loads process configuration from the environment and
// batch job specifications from YAML files.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the process-level configuration, parsed from the environment.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"eval-kit"`

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR"`

	// LLM judge provider defaults; job specs may override per evaluator.
	LLMBaseURL string        `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMModel   string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the process runs in the dev environment.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

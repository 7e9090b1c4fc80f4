// Package export writes committed row results to external destinations,
// either incrementally during a batch (streaming sinks) or in bulk after
// it. Three destination kinds exist: delimited-text files (csv),
// structured-document files (json), and outbound HTTP webhooks.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// Format selects the destination kind. The "auto" sentinel is valid only
// on the input side; exporters require an explicit format.
type Format string

// Destination kinds
const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatWebhook Format = "webhook"
)

// DefaultWebhookTimeout bounds a single webhook delivery attempt.
const DefaultWebhookTimeout = 30 * time.Second

// DefaultWebhookBatchSize chunks bulk webhook posts.
const DefaultWebhookBatchSize = 10

// Config describes one export destination.
type Config struct {
	Format Format `validate:"required,oneof=csv json webhook"`

	// File destinations
	Path             string
	AppendToExisting bool
	// FlattenOutcomes spreads evaluator outcomes into CSV columns instead
	// of one JSON-encoded results column. Nil means flatten.
	FlattenOutcomes *bool

	// Webhook destination
	URL     string
	Method  string `validate:"omitempty,oneof=POST PUT"`
	Headers map[string]string
	Timeout time.Duration `validate:"gte=0"`
	// BatchSize chunks bulk webhook posts; streaming ignores it.
	BatchSize int `validate:"gte=0"`

	// Projection
	IncludeFields   []string
	ExcludeFields   []string
	FilterCondition func(evaluation.RowResult) bool
}

var validate = validator.New()

// Validate checks the configuration beyond struct tags: file formats need
// a path, webhooks need a URL.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", evaluation.ErrInvalidConfig, err)
	}
	switch c.Format {
	case FormatCSV, FormatJSON:
		if c.Path == "" {
			return fmt.Errorf("%w: %s export requires a path", evaluation.ErrInvalidConfig, c.Format)
		}
	case FormatWebhook:
		if c.URL == "" {
			return fmt.Errorf("%w: webhook export requires a url", evaluation.ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) flatten() bool {
	return c.FlattenOutcomes == nil || *c.FlattenOutcomes
}

// Sink writes row results incrementally to one destination. Sinks are not
// safe for concurrent use; the engine serializes calls under its commit
// section.
type Sink interface {
	// Initialize prepares the destination before the first result.
	Initialize() error
	// ExportResult writes one projected row. A return without error is
	// the acknowledgement the engine's commit sequence relies on.
	ExportResult(ctx context.Context, r evaluation.RowResult) error
	// Finalize completes the destination after the last result.
	Finalize() error
}

// NewSink routes by format tag at initialization, not per row.
func NewSink(cfg Config) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case FormatCSV:
		return newCSVSink(cfg), nil
	case FormatJSON:
		return newJSONSink(cfg), nil
	case FormatWebhook:
		return newWebhookSink(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", evaluation.ErrUnsupportedFormat, cfg.Format)
	}
}

// project applies the filter predicate and the include/exclude field lists
// to one row. The second return is false when the row is filtered out.
func (c Config) project(r evaluation.RowResult) (map[string]any, bool, error) {
	if c.FilterCondition != nil && !c.FilterCondition(r) {
		return nil, false, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, false, fmt.Errorf("marshal row result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("project row result: %w", err)
	}
	if len(c.IncludeFields) > 0 {
		kept := make(map[string]any, len(c.IncludeFields))
		for _, f := range c.IncludeFields {
			if v, ok := m[f]; ok {
				kept[f] = v
			}
		}
		m = kept
	}
	for _, f := range c.ExcludeFields {
		delete(m, f)
	}
	return m, true, nil
}

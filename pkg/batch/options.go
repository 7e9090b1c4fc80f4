package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/export"
	"github.com/loveholidays/eval-kit/pkg/input"
)

// ExecutionMode orders evaluator calls within one row.
type ExecutionMode string

// Evaluator execution modes
const (
	ExecutionParallel   ExecutionMode = "parallel"
	ExecutionSequential ExecutionMode = "sequential"
)

// Engine defaults
const (
	DefaultConcurrency      = 5
	DefaultProgressInterval = time.Second
)

// Options configures one Engine. The zero value is usable: five slots, no
// rate limit, default retry policy, no streaming, no state management.
type Options struct {
	// Concurrency caps simultaneous admitted row tasks; zero means 5.
	Concurrency int `validate:"gte=0,lte=10000"`
	// ExecutionMode runs a row's evaluators in parallel (default) or in
	// declaration order.
	ExecutionMode ExecutionMode `validate:"omitempty,oneof=parallel sequential"`
	// RateLimit enforces sliding-window admission caps.
	RateLimit *RateLimitConfig
	// Retry tunes the per-row retry budget; nil means all defaults.
	Retry *RetryConfig

	// OnProgress receives progress events, at most one per
	// ProgressInterval except lifecycle kinds.
	OnProgress       func(evaluation.ProgressEvent)
	ProgressInterval time.Duration `validate:"gte=0"`

	// OnResult runs after a row's export and before its commit; an error
	// re-enters the row's retry loop.
	OnResult func(ctx context.Context, r *evaluation.RowResult) error

	// StreamExport writes every committed row through a streaming sink.
	StreamExport *export.Config

	// ResumeFromState seeds batch id, start time, processed set, and
	// results from a prior snapshot.
	ResumeFromState *evaluation.StateSnapshot
	// StatePath persists snapshots to this file; empty disables the
	// file write (OnStateSave may still observe snapshots).
	StatePath string
	// SaveStateInterval fires a periodic save; zero saves only at end.
	SaveStateInterval time.Duration `validate:"gte=0"`
	// OnStateSave observes every saved snapshot.
	OnStateSave func(evaluation.StateSnapshot) error

	// StopOnError aborts the batch after the first terminal row failure.
	StopOnError bool
	// Timeout bounds each evaluator call; zero means no fuse.
	Timeout time.Duration `validate:"gte=0"`

	// CombineScores produces the combined score on the success path.
	CombineScores func([]evaluation.Outcome) float64
	// DefaultInput is merged under every row; the row wins conflicts.
	DefaultInput *evaluation.Input

	// Cost feeds the tracker's best-effort cost projection.
	Cost *CostModel
}

var validateOpts = validator.New()

func (o *Options) normalize() error {
	if err := validateOpts.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", evaluation.ErrInvalidConfig, err)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ExecutionMode == "" {
		o.ExecutionMode = ExecutionParallel
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.StreamExport != nil {
		if err := o.StreamExport.Validate(); err != nil {
			return err
		}
	}
	if o.ResumeFromState != nil && o.ResumeFromState.Version != evaluation.StateSchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", evaluation.ErrIncompatibleState,
			o.ResumeFromState.Version, evaluation.StateSchemaVersion)
	}
	return nil
}

// stateEnabled reports whether state management should be active.
func (o *Options) stateEnabled() bool {
	return o.StatePath != "" || o.OnStateSave != nil || o.SaveStateInterval > 0 || o.ResumeFromState != nil
}

// InputConfig names the row source for one Evaluate call. Either Rows is
// set, or Path points at a file parsed by pkg/input.
type InputConfig struct {
	// Rows is an in-memory row sequence; takes precedence over Path.
	Rows []evaluation.Input
	// Path is the input file; Format defaults to auto-detection.
	Path   string
	Format input.Format `validate:"omitempty,oneof=auto csv json"`
	// CSV and ArrayPath are format-specific parser options.
	CSV       input.CSVOptions
	ArrayPath string
	// StartIndex skips a prefix of the sequence, pre-populating the
	// processed set with {0..StartIndex-1}.
	StartIndex int `validate:"gte=0"`
}

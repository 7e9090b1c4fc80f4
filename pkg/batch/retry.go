package batch

import (
	"strings"
	"time"
)

// Retry defaults
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// defaultRetryMatchers are the transient-error signatures retried when no
// user allow-list is configured. Matched case-insensitively.
var defaultRetryMatchers = []string{
	"econnreset",
	"etimedout",
	"enotfound",
	"rate limit",
	"429",
	"503",
	"timeout",
}

// RetryConfig tunes the per-row retry budget. A nil config means all
// defaults; a non-nil config with MaxRetries 0 disables retries.
type RetryConfig struct {
	// MaxRetries caps retries per row; total attempts = MaxRetries + 1.
	MaxRetries int `validate:"gte=0"`
	// Delay is the base backoff; zero falls back to one second.
	Delay time.Duration `validate:"gte=0"`
	// ExponentialBackoff doubles the delay per retry. Nil means on.
	ExponentialBackoff *bool
	// RetryOnErrors replaces the default classifier with a case-sensitive
	// substring allow-list when non-empty.
	RetryOnErrors []string
}

// retryPolicy is the compiled form used by the engine's per-row loop.
type retryPolicy struct {
	maxRetries  int
	delay       time.Duration
	exponential bool
	matchers    []string
}

func newRetryPolicy(cfg *RetryConfig) retryPolicy {
	p := retryPolicy{
		maxRetries:  DefaultMaxRetries,
		delay:       DefaultRetryDelay,
		exponential: true,
	}
	if cfg == nil {
		return p
	}
	p.maxRetries = cfg.MaxRetries
	if cfg.Delay > 0 {
		p.delay = cfg.Delay
	}
	if cfg.ExponentialBackoff != nil {
		p.exponential = *cfg.ExponentialBackoff
	}
	p.matchers = cfg.RetryOnErrors
	return p
}

// shouldRetry classifies msg after retriesSoFar consumed retries.
func (p retryPolicy) shouldRetry(retriesSoFar int, msg string) bool {
	if retriesSoFar >= p.maxRetries {
		return false
	}
	if len(p.matchers) > 0 {
		for _, m := range p.matchers {
			if strings.Contains(msg, m) {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(msg)
	for _, m := range defaultRetryMatchers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// delayFor returns the backoff before the attempt-th retry (1-based).
// No jitter is added; retries already spread out behind the gate's slots.
func (p retryPolicy) delayFor(attempt int) time.Duration {
	if !p.exponential || attempt <= 1 {
		return p.delay
	}
	return p.delay * (1 << uint(attempt-1))
}

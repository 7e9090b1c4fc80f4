package evaluation

import "time"

// TokenUsage counts tokens consumed by one evaluator call.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// ProcessingStats describes how one evaluator call spent its time.
type ProcessingStats struct {
	ExecutionTimeMs int64       `json:"executionTimeMs"`
	Tokens          *TokenUsage `json:"tokens,omitempty"`
}

// Outcome is one evaluator's verdict on one row.
type Outcome struct {
	Name     string          `json:"name"`
	Score    Score           `json:"score"`
	Feedback string          `json:"feedback,omitempty"`
	Stats    ProcessingStats `json:"processingStats"`
	Error    string          `json:"error,omitempty"`
}

// RowResult is the committed record of one row. On success Input is the
// effective (defaults-merged) input; on terminal failure it is the raw row
// as supplied, Outcomes is empty, and Error carries the last message.
type RowResult struct {
	ID            string    `json:"id"`
	Index         int       `json:"index"`
	Input         Input     `json:"input"`
	Outcomes      []Outcome `json:"results"`
	CombinedScore *Score    `json:"combinedScore,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"durationMs"`
	RetryCount    int       `json:"retryCount"`
	Error         string    `json:"error,omitempty"`
}

// Succeeded reports whether the row committed without a terminal error.
func (r RowResult) Succeeded() bool { return r.Error == "" }

// TotalTokens sums outcome token totals; missing stats count as zero.
func (r RowResult) TotalTokens() int64 {
	var total int64
	for _, o := range r.Outcomes {
		if o.Stats.Tokens != nil {
			total += o.Stats.Tokens.Total
		}
	}
	return total
}

// BatchSummary aggregates a finished batch.
type BatchSummary struct {
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	TotalTokensUsed         int64   `json:"totalTokensUsed,omitempty"`
	ErrorRate               float64 `json:"errorRate"`
}

// BatchResult is the final product of Engine.Evaluate.
type BatchResult struct {
	BatchID        string       `json:"batchId"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    time.Time    `json:"completedAt"`
	DurationMs     int64        `json:"durationMs"`
	TotalRows      int          `json:"totalRows"`
	SuccessfulRows int          `json:"successfulRows"`
	FailedRows     int          `json:"failedRows"`
	Results        []RowResult  `json:"results"`
	Summary        BatchSummary `json:"summary"`
}

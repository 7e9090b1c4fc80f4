package evaluation

import "time"

// EventKind classifies progress events.
type EventKind string

// Progress event kinds
const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
	EventRetry     EventKind = "retry"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
)

// CostEstimate is a best-effort projection from a fixed tokens-per-row
// assumption; it never feeds control decisions.
type CostEstimate struct {
	EstimatedCost   float64 `json:"estimatedCost"`
	RemainingTokens int64   `json:"remainingTokens"`
}

// ProgressEvent is a consistent snapshot of batch progress counters plus
// derived statistics, emitted through the OnProgress callback.
type ProgressEvent struct {
	Kind                     EventKind     `json:"type"`
	Timestamp                time.Time     `json:"timestamp"`
	TotalRows                int           `json:"totalRows"`
	ProcessedRows            int           `json:"processedRows"`
	SuccessfulRows           int           `json:"successfulRows"`
	FailedRows               int           `json:"failedRows"`
	CurrentIndex             *int          `json:"currentIndex,omitempty"`
	PercentComplete          float64       `json:"percentComplete"`
	EstimatedTimeRemainingMs *int64        `json:"estimatedTimeRemainingMs,omitempty"`
	AverageRowTimeMs         *float64      `json:"averageRowTimeMs,omitempty"`
	CurrentError             string        `json:"currentError,omitempty"`
	RetryCount               int           `json:"retryCount,omitempty"`
	Cost                     *CostEstimate `json:"costEstimate,omitempty"`
}

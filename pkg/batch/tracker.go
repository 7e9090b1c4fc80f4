package batch

import (
	"sync"
	"time"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// rollingWindowCap bounds the duration samples kept for the ETA average.
const rollingWindowCap = 1000

// CostModel is a fixed assumption used for best-effort cost projection in
// progress events. It never feeds control decisions.
type CostModel struct {
	TokensPerRow          int64   `validate:"gte=0"`
	PricePerMillionTokens float64 `validate:"gte=0"`
}

// Tracker maintains the batch's cumulative counters, derives rolling
// statistics, and emits progress events through a user callback at most
// once per interval. Lifecycle kinds (started, completed, retry, paused,
// resumed) bypass the cadence.
type Tracker struct {
	mu          sync.Mutex
	total       int
	processed   int
	successful  int
	failed      int
	startedAt   time.Time
	lastEmit    time.Time
	samples     []float64
	sampleSum   float64
	totalTokens int64

	interval   time.Duration
	onProgress func(evaluation.ProgressEvent)
	cost       *CostModel

	now func() time.Time
}

// NewTracker builds a tracker for total rows. onProgress may be nil;
// interval ≤ 0 falls back to one second.
func NewTracker(total int, interval time.Duration, onProgress func(evaluation.ProgressEvent), cost *CostModel) *Tracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tracker{
		total:      total,
		interval:   interval,
		onProgress: onProgress,
		cost:       cost,
		now:        time.Now,
	}
}

// Start records the epoch and emits a started event immediately.
func (t *Tracker) Start() {
	t.mu.Lock()
	t.startedAt = t.now()
	ev := t.eventLocked(evaluation.EventStarted)
	t.mu.Unlock()
	t.emit(ev)
}

// RecordSuccess counts one committed row and samples its wall time.
func (t *Tracker) RecordSuccess(index int, durationMs int64, tokens int64) {
	t.mu.Lock()
	t.processed++
	t.successful++
	t.totalTokens += tokens
	t.addSampleLocked(float64(durationMs))
	ev, due := t.maybeEventLocked(evaluation.EventProgress)
	ev.CurrentIndex = intPtr(index)
	t.mu.Unlock()
	if due {
		t.emit(ev)
	}
}

// RecordFailure counts one terminally failed row.
func (t *Tracker) RecordFailure(index int, durationMs int64, errMsg string) {
	t.mu.Lock()
	t.processed++
	t.failed++
	t.addSampleLocked(float64(durationMs))
	ev, due := t.maybeEventLocked(evaluation.EventError)
	ev.CurrentIndex = intPtr(index)
	ev.CurrentError = errMsg
	t.mu.Unlock()
	if due {
		t.emit(ev)
	}
}

// RecordRetry emits a retry event immediately; retries are never
// rate-limited so callers can watch flapping rows in real time.
func (t *Tracker) RecordRetry(index int, errMsg string, attempt int) {
	t.mu.Lock()
	ev := t.eventLocked(evaluation.EventRetry)
	ev.CurrentIndex = intPtr(index)
	ev.CurrentError = errMsg
	ev.RetryCount = attempt
	t.mu.Unlock()
	t.emit(ev)
}

// SkipRows bumps processed and successful by n without duration sampling.
// Used when resuming past a prefix the caller asserts was done.
func (t *Tracker) SkipRows(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.processed += n
	t.successful += n
	t.mu.Unlock()
}

// seed installs counts recovered from a resume snapshot.
func (t *Tracker) seed(successful, failed int) {
	t.mu.Lock()
	t.processed += successful + failed
	t.successful += successful
	t.failed += failed
	t.mu.Unlock()
}

// Complete emits a completed event immediately with the final counters.
func (t *Tracker) Complete() {
	t.mu.Lock()
	ev := t.eventLocked(evaluation.EventCompleted)
	t.mu.Unlock()
	t.emit(ev)
}

// Paused emits a paused event immediately.
func (t *Tracker) Paused() {
	t.mu.Lock()
	ev := t.eventLocked(evaluation.EventPaused)
	t.mu.Unlock()
	t.emit(ev)
}

// Resumed emits a resumed event immediately.
func (t *Tracker) Resumed() {
	t.mu.Lock()
	ev := t.eventLocked(evaluation.EventResumed)
	t.mu.Unlock()
	t.emit(ev)
}

// Current returns the latest derived event without emitting it.
func (t *Tracker) Current() evaluation.ProgressEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eventLocked(evaluation.EventProgress)
}

func (t *Tracker) addSampleLocked(durMs float64) {
	if len(t.samples) == rollingWindowCap {
		t.sampleSum -= t.samples[0]
		t.samples = t.samples[1:]
	}
	t.samples = append(t.samples, durMs)
	t.sampleSum += durMs
}

// maybeEventLocked builds an event and reports whether the cadence allows
// emitting it now.
func (t *Tracker) maybeEventLocked(kind evaluation.EventKind) (evaluation.ProgressEvent, bool) {
	ev := t.eventLocked(kind)
	if ev.Timestamp.Sub(t.lastEmit) < t.interval {
		return ev, false
	}
	t.lastEmit = ev.Timestamp
	return ev, true
}

// eventLocked snapshots the counters into a ProgressEvent.
func (t *Tracker) eventLocked(kind evaluation.EventKind) evaluation.ProgressEvent {
	ev := evaluation.ProgressEvent{
		Kind:           kind,
		Timestamp:      t.now(),
		TotalRows:      t.total,
		ProcessedRows:  t.processed,
		SuccessfulRows: t.successful,
		FailedRows:     t.failed,
	}
	if t.total > 0 {
		ev.PercentComplete = float64(t.processed) / float64(t.total) * 100
	}
	if len(t.samples) > 0 {
		avg := t.sampleSum / float64(len(t.samples))
		ev.AverageRowTimeMs = &avg
		if remaining := t.total - t.processed; remaining > 0 && avg > 0 {
			eta := int64(float64(remaining) * avg)
			ev.EstimatedTimeRemainingMs = &eta
		}
	}
	if t.cost != nil && t.cost.TokensPerRow > 0 {
		spent := t.totalTokens
		if spent == 0 {
			spent = int64(t.processed) * t.cost.TokensPerRow
		}
		remainingTokens := int64(t.total-t.processed) * t.cost.TokensPerRow
		ev.Cost = &evaluation.CostEstimate{
			EstimatedCost:   float64(spent+remainingTokens) / 1e6 * t.cost.PricePerMillionTokens,
			RemainingTokens: remainingTokens,
		}
	}
	return ev
}

// emit invokes the callback outside the lock with a value snapshot. The
// callback is run synchronously; a slow callback delays the caller, not
// other rows' counters.
func (t *Tracker) emit(ev evaluation.ProgressEvent) {
	if t.onProgress == nil {
		return
	}
	t.onProgress(ev)
}

func intPtr(i int) *int { return &i }

// Package batch implements the concurrent orchestrator that applies a
// fixed evaluator set to every row of a tabular source, under bounded
// parallelism and sliding-window rate limits, with per-row retry, live
// progress emission, optional crash-recovery state, and incremental
// result streaming.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/export"
	"github.com/loveholidays/eval-kit/pkg/input"
)

// Engine drives the row pipeline: it owns the gate, tracker, streaming
// sink, and state manager, and borrows them to each per-row task. One
// Evaluate call may be active at a time.
type Engine struct {
	evaluators []evaluation.Evaluator
	opts       Options
	policy     retryPolicy
	gate       *Gate
	tracer     trace.Tracer

	running atomic.Bool

	// mu guards the result list and processed set, and serializes the
	// five-step commit (sink, callback, append, tracker, state).
	mu        sync.Mutex
	results   []evaluation.RowResult
	processed evaluation.IndexSet

	tracker *Tracker
	state   *StateManager
	sink    export.Sink

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	abortMu   sync.Mutex
	abortErr  error
	stopAdmit context.CancelFunc
}

// New builds an Engine over the evaluator set. Evaluators run in
// declaration order (or concurrently per row in parallel mode) and their
// outcomes keep that order in every RowResult.
func New(evaluators []evaluation.Evaluator, opts Options) (*Engine, error) {
	if len(evaluators) == 0 {
		return nil, fmt.Errorf("%w: at least one evaluator required", evaluation.ErrInvalidConfig)
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &Engine{
		evaluators: evaluators,
		opts:       opts,
		policy:     newRetryPolicy(opts.Retry),
		gate:       NewGate(opts.Concurrency, opts.RateLimit),
		tracer:     otel.Tracer("batch.engine"),
		processed:  evaluation.NewIndexSet(),
	}, nil
}

// Evaluate runs the batch to completion and returns the assembled result.
// It returns an error for configuration problems, caller cancellation, or
// a terminal row failure under StopOnError; individual row failures are
// otherwise contained in their RowResults.
func (e *Engine) Evaluate(ctx context.Context, in InputConfig) (*evaluation.BatchResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, evaluation.ErrBatchRunning
	}
	defer e.running.Store(false)

	rows, echo, err := e.resolveInput(in)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "batch.evaluate",
		trace.WithAttributes(attribute.Int("batch.rows", len(rows))))
	defer span.End()

	batchID := uuid.NewString()
	startedAt := time.Now().UTC()

	e.mu.Lock()
	e.results = nil
	e.processed = evaluation.NewIndexSet()
	for i := 0; i < in.StartIndex; i++ {
		e.processed.Add(i)
	}
	resumedSuccesses, resumedFailures := 0, 0
	if snap := e.opts.ResumeFromState; snap != nil {
		batchID = snap.BatchID
		startedAt = snap.StartedAt
		e.processed = snap.Processed.Clone()
		e.results = append([]evaluation.RowResult(nil), snap.Results...)
		for _, r := range e.results {
			if r.Succeeded() {
				resumedSuccesses++
			} else {
				resumedFailures++
			}
		}
	}
	e.mu.Unlock()

	if e.opts.StreamExport != nil {
		sink, err := export.NewSink(*e.opts.StreamExport)
		if err != nil {
			return nil, err
		}
		if err := sink.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize stream export: %w", err)
		}
		e.sink = sink
	}

	if e.opts.stateEnabled() {
		e.state = NewStateManager(e.opts.StatePath, e.opts.SaveStateInterval, e.opts.OnStateSave)
		e.state.Initialize(evaluation.StateSnapshot{
			Version:    evaluation.StateSchemaVersion,
			BatchID:    batchID,
			StartedAt:  startedAt,
			Input:      echo,
			Evaluators: e.evaluatorNames(),
			TotalRows:  len(rows),
			Processed:  e.processedCopy(),
			Results:    e.Results(),
		})
	}

	// pauseMu also publishes the tracker to Pause/Resume callers.
	e.pauseMu.Lock()
	e.tracker = NewTracker(len(rows), e.opts.ProgressInterval, e.opts.OnProgress, e.opts.Cost)
	e.pauseMu.Unlock()
	e.tracker.Start()
	e.tracker.SkipRows(in.StartIndex)
	e.tracker.seed(resumedSuccesses, resumedFailures)

	slog.Info("batch started",
		slog.String("batch_id", batchID),
		slog.Int("total_rows", len(rows)),
		slog.Int("start_index", in.StartIndex),
		slog.Int("concurrency", e.opts.Concurrency),
		slog.Int("evaluators", len(e.evaluators)))

	runErr := e.submitAll(ctx, rows)

	e.tracker.Complete()
	var finalErr error
	if e.sink != nil {
		if err := e.sink.Finalize(); err != nil {
			finalErr = fmt.Errorf("finalize stream export: %w", err)
		}
		e.sink = nil
	}
	if e.state != nil {
		progress := e.tracker.Current()
		e.state.Update(func(s *evaluation.StateSnapshot) { s.Progress = &progress })
		if err := e.state.Cleanup(); err != nil {
			slog.Warn("final state save failed", slog.Any("error", err))
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if finalErr != nil {
		return nil, finalErr
	}

	result := e.assemble(batchID, startedAt)
	slog.Info("batch completed",
		slog.String("batch_id", batchID),
		slog.Int("successful", result.SuccessfulRows),
		slog.Int("failed", result.FailedRows),
		slog.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// Export performs a post-hoc bulk export of the accumulated results.
func (e *Engine) Export(ctx context.Context, cfg export.Config) error {
	return export.Write(ctx, cfg, e.Results())
}

// Results returns a defensive copy of the committed results.
func (e *Engine) Results() []evaluation.RowResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]evaluation.RowResult(nil), e.results...)
}

// State returns a copy of the live snapshot, or nil when state management
// is not active.
func (e *Engine) State() *evaluation.StateSnapshot {
	if e.state == nil {
		return nil
	}
	snap := e.state.Snapshot()
	return &snap
}

// Pause holds submission of not-yet-started rows; in-flight rows finish.
func (e *Engine) Pause() {
	e.pauseMu.Lock()
	if e.paused {
		e.pauseMu.Unlock()
		return
	}
	e.paused = true
	e.resumeCh = make(chan struct{})
	t := e.tracker
	e.pauseMu.Unlock()
	if t != nil {
		t.Paused()
	}
}

// Resume releases a Pause.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	if !e.paused {
		e.pauseMu.Unlock()
		return
	}
	e.paused = false
	close(e.resumeCh)
	t := e.tracker
	e.pauseMu.Unlock()
	if t != nil {
		t.Resumed()
	}
}

func (e *Engine) awaitResume(ctx context.Context) error {
	for {
		e.pauseMu.Lock()
		if !e.paused {
			e.pauseMu.Unlock()
			return nil
		}
		ch := e.resumeCh
		e.pauseMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (e *Engine) resolveInput(in InputConfig) ([]evaluation.Input, evaluation.InputEcho, error) {
	if err := validateOpts.Struct(&in); err != nil {
		return nil, evaluation.InputEcho{}, fmt.Errorf("%w: %v", evaluation.ErrInvalidConfig, err)
	}
	echo := evaluation.InputEcho{
		Path:       in.Path,
		Format:     string(in.Format),
		StartIndex: in.StartIndex,
	}
	if in.Rows != nil {
		echo.Rows = len(in.Rows)
		return in.Rows, echo, nil
	}
	if in.Path == "" {
		return nil, echo, fmt.Errorf("%w: input requires rows or a path", evaluation.ErrInvalidConfig)
	}
	rows, err := input.ReadFile(in.Path, in.Format, input.ReadOptions{CSV: in.CSV, ArrayPath: in.ArrayPath})
	if err != nil {
		return nil, echo, err
	}
	echo.Rows = len(rows)
	return rows, echo, nil
}

// submitAll pushes rows through the gate in chunks of 2×concurrency,
// awaiting each chunk before starting the next. This bounds outstanding
// scheduled tasks without serializing them.
func (e *Engine) submitAll(ctx context.Context, rows []evaluation.Input) error {
	admitCtx, cancelAdmit := context.WithCancel(ctx)
	defer cancelAdmit()
	e.abortMu.Lock()
	e.abortErr = nil
	e.stopAdmit = cancelAdmit
	e.abortMu.Unlock()

	chunk := 2 * e.opts.Concurrency
	for start := 0; start < len(rows); start += chunk {
		if e.aborted() != nil {
			break
		}
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		var wg sync.WaitGroup
		for idx := start; idx < end; idx++ {
			if e.aborted() != nil {
				break
			}
			if err := e.awaitResume(ctx); err != nil {
				break
			}
			if e.isProcessed(idx) {
				continue
			}
			wg.Add(1)
			go func(idx int, row evaluation.Input) {
				defer wg.Done()
				// Admission waits on admitCtx so an abort refuses rows
				// still queued at the gate; the row itself runs on the
				// caller's ctx and finishes naturally.
				err := e.gate.Run(admitCtx, func() error {
					return e.processRow(ctx, idx, row)
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					e.setAbort(err)
				}
			}(idx, rows[idx])
		}
		wg.Wait()
	}
	if err := e.aborted(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// processRow is the per-row state machine: attempt, classify, back off,
// and eventually commit either a success or a terminal failure. It runs
// inside one gate admission; retry sleeps happen while the slot is held.
func (e *Engine) processRow(ctx context.Context, idx int, row evaluation.Input) error {
	if e.isProcessed(idx) {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "batch.row",
		trace.WithAttributes(attribute.Int("row.index", idx)))
	defer span.End()

	effective := row.MergeDefaults(e.opts.DefaultInput)
	id := effective.ID
	if id == "" {
		id = fmt.Sprintf("row-%d", idx)
	}
	start := time.Now()
	retries := 0

	for {
		outcomes, err := e.runEvaluators(ctx, effective)
		if err == nil {
			res := evaluation.RowResult{
				ID:         id,
				Index:      idx,
				Input:      effective,
				Outcomes:   outcomes,
				Timestamp:  time.Now().UTC(),
				DurationMs: time.Since(start).Milliseconds(),
				RetryCount: retries,
			}
			if e.opts.CombineScores != nil {
				combined := evaluation.NumericScore(e.opts.CombineScores(outcomes))
				res.CombinedScore = &combined
			}
			err = e.commitSuccess(ctx, res)
			if err == nil {
				return nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		msg := err.Error()
		if e.policy.shouldRetry(retries, msg) {
			attempt := retries + 1
			e.tracker.RecordRetry(idx, msg, attempt)
			observability.RowRetriesTotal.Inc()
			delay := e.policy.delayFor(attempt)
			slog.Warn("row retry scheduled",
				slog.Int("row_index", idx),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", msg))
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
			retries = attempt
			continue
		}

		res := evaluation.RowResult{
			ID:         id,
			Index:      idx,
			Input:      row,
			Timestamp:  time.Now().UTC(),
			DurationMs: time.Since(start).Milliseconds(),
			RetryCount: retries,
			Error:      msg,
		}
		if e.opts.CombineScores != nil {
			na := evaluation.CategoricalScore(evaluation.ScoreNA)
			res.CombinedScore = &na
		}
		e.commitFailure(ctx, res)
		slog.Error("row failed terminally",
			slog.Int("row_index", idx),
			slog.Int("retries", retries),
			slog.String("error", msg))
		if e.opts.StopOnError {
			abortErr := fmt.Errorf("row %d failed: %s: %w", idx, msg, evaluation.ErrBatchAborted)
			e.setAbort(abortErr)
			return abortErr
		}
		return nil
	}
}

// runEvaluators runs the configured set against the effective input. In
// parallel mode all evaluators are dispatched concurrently; the first
// error in declaration order wins. Outcome order always matches
// declaration order.
func (e *Engine) runEvaluators(ctx context.Context, in evaluation.Input) ([]evaluation.Outcome, error) {
	n := len(e.evaluators)
	outcomes := make([]evaluation.Outcome, n)

	if e.opts.ExecutionMode == ExecutionSequential {
		for i, ev := range e.evaluators {
			out, err := e.runOne(ctx, ev, in)
			if err != nil {
				return nil, err
			}
			outcomes[i] = out
		}
		return outcomes, nil
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, ev := range e.evaluators {
		wg.Add(1)
		go func(i int, ev evaluation.Evaluator) {
			defer wg.Done()
			outcomes[i], errs[i] = e.runOne(ctx, ev, in)
		}(i, ev)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (e *Engine) runOne(ctx context.Context, ev evaluation.Evaluator, in evaluation.Input) (evaluation.Outcome, error) {
	start := time.Now()
	out, err := e.callWithTimeout(ctx, ev, in)
	elapsed := time.Since(start)
	observability.EvaluatorDuration.WithLabelValues(ev.Name()).Observe(elapsed.Seconds())
	if err != nil {
		return evaluation.Outcome{}, fmt.Errorf("evaluator %q: %w", ev.Name(), err)
	}
	if out.Name == "" {
		out.Name = ev.Name()
	}
	if out.Stats.ExecutionTimeMs == 0 {
		out.Stats.ExecutionTimeMs = elapsed.Milliseconds()
	}
	return out, nil
}

// callWithTimeout races the evaluator against the configured fuse. The
// fuse does not depend on the evaluator honoring its context.
func (e *Engine) callWithTimeout(ctx context.Context, ev evaluation.Evaluator, in evaluation.Input) (evaluation.Outcome, error) {
	if e.opts.Timeout <= 0 {
		return ev.Evaluate(ctx, in)
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type reply struct {
		out evaluation.Outcome
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := ev.Evaluate(cctx, in)
		ch <- reply{out: out, err: err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return evaluation.Outcome{}, err
		}
		return evaluation.Outcome{}, fmt.Errorf("timeout after %dms", e.opts.Timeout.Milliseconds())
	}
}

// commitSuccess performs the strict commit sequence: export, callback,
// in-memory append + processed set, tracker, state. An error from the
// first two steps leaves no trace and re-enters the row's retry loop.
func (e *Engine) commitSuccess(ctx context.Context, res evaluation.RowResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != nil {
		if err := e.sink.ExportResult(ctx, res); err != nil {
			observability.ExportFailuresTotal.WithLabelValues(string(e.opts.StreamExport.Format)).Inc()
			return fmt.Errorf("stream export: %w", err)
		}
		observability.ExportsTotal.WithLabelValues(string(e.opts.StreamExport.Format)).Inc()
	}
	if e.opts.OnResult != nil {
		if err := e.opts.OnResult(ctx, &res); err != nil {
			return fmt.Errorf("result callback: %w", err)
		}
	}
	e.results = append(e.results, res)
	e.processed.Add(res.Index)

	tokens := res.TotalTokens()
	e.tracker.RecordSuccess(res.Index, res.DurationMs, tokens)
	observability.RowsProcessedTotal.WithLabelValues("success").Inc()
	observability.RowDuration.Observe(float64(res.DurationMs) / 1000)
	if tokens > 0 {
		observability.TokensUsedTotal.Add(float64(tokens))
	}

	if e.state != nil {
		progress := e.tracker.Current()
		e.state.Update(func(s *evaluation.StateSnapshot) {
			s.Processed.Add(res.Index)
			s.Results = append(s.Results, res)
			s.Progress = &progress
		})
	}
	return nil
}

// commitFailure records a terminal RowResult. Failed rows stream through
// the sink like successes so every committed row has a projection in the
// byte stream; a sink error here has no retry loop to re-enter and is
// logged instead.
func (e *Engine) commitFailure(ctx context.Context, res evaluation.RowResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink != nil {
		if err := e.sink.ExportResult(ctx, res); err != nil {
			observability.ExportFailuresTotal.WithLabelValues(string(e.opts.StreamExport.Format)).Inc()
			slog.Error("stream export of failed row",
				slog.Int("row_index", res.Index),
				slog.Any("error", err))
		} else {
			observability.ExportsTotal.WithLabelValues(string(e.opts.StreamExport.Format)).Inc()
		}
	}
	e.results = append(e.results, res)
	e.processed.Add(res.Index)

	e.tracker.RecordFailure(res.Index, res.DurationMs, res.Error)
	observability.RowsProcessedTotal.WithLabelValues("failure").Inc()
	observability.RowDuration.Observe(float64(res.DurationMs) / 1000)

	if e.state != nil {
		progress := e.tracker.Current()
		e.state.Update(func(s *evaluation.StateSnapshot) {
			s.Processed.Add(res.Index)
			s.Results = append(s.Results, res)
			s.Progress = &progress
		})
	}
}

func (e *Engine) assemble(batchID string, startedAt time.Time) *evaluation.BatchResult {
	results := e.Results()
	completedAt := time.Now().UTC()

	successful, failed := 0, 0
	var durationSum float64
	var tokens int64
	for _, r := range results {
		if r.Succeeded() {
			successful++
		} else {
			failed++
		}
		durationSum += float64(r.DurationMs)
		tokens += r.TotalTokens()
	}
	summary := evaluation.BatchSummary{}
	if len(results) > 0 {
		summary.AverageProcessingTimeMs = durationSum / float64(len(results))
		summary.ErrorRate = float64(failed) / float64(len(results))
	}
	if tokens > 0 {
		summary.TotalTokensUsed = tokens
	}
	return &evaluation.BatchResult{
		BatchID:        batchID,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		DurationMs:     completedAt.Sub(startedAt).Milliseconds(),
		TotalRows:      len(results),
		SuccessfulRows: successful,
		FailedRows:     failed,
		Results:        results,
		Summary:        summary,
	}
}

func (e *Engine) evaluatorNames() []string {
	names := make([]string, len(e.evaluators))
	for i, ev := range e.evaluators {
		names[i] = ev.Name()
	}
	return names
}

func (e *Engine) isProcessed(idx int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed.Has(idx)
}

func (e *Engine) processedCopy() evaluation.IndexSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed.Clone()
}

func (e *Engine) setAbort(err error) {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	if e.abortErr == nil {
		e.abortErr = err
		if e.stopAdmit != nil {
			e.stopAdmit()
		}
	}
}

func (e *Engine) aborted() error {
	e.abortMu.Lock()
	defer e.abortMu.Unlock()
	return e.abortErr
}

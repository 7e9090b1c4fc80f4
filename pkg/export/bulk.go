package export

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// Write performs a post-hoc bulk export of results. File destinations
// reuse the streaming sinks; webhooks post chunked batch payloads. Unlike
// the streaming webhook sink, bulk delivery failures propagate to the
// caller, who asked for the export explicitly and can rerun it.
func Write(ctx context.Context, cfg Config, results []evaluation.RowResult) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Format == FormatWebhook {
		return writeWebhookBatches(ctx, cfg, results)
	}
	sink, err := NewSink(cfg)
	if err != nil {
		return err
	}
	if err := sink.Initialize(); err != nil {
		return err
	}
	for _, r := range results {
		if err := sink.ExportResult(ctx, r); err != nil {
			_ = sink.Finalize()
			return err
		}
	}
	if err := sink.Finalize(); err != nil {
		return err
	}
	observability.ExportsTotal.WithLabelValues(string(cfg.Format)).Inc()
	return nil
}

func writeWebhookBatches(ctx context.Context, cfg Config, results []evaluation.RowResult) error {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultWebhookBatchSize
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	projected := make([]map[string]any, 0, len(results))
	for _, r := range results {
		proj, keep, err := cfg.project(r)
		if err != nil {
			return err
		}
		if keep {
			projected = append(projected, proj)
		}
	}
	for start := 0; start < len(projected); start += batchSize {
		end := start + batchSize
		if end > len(projected) {
			end = len(projected)
		}
		chunk := projected[start:end]
		payload := map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"results":   chunk,
			"count":     len(chunk),
		}
		if err := deliver(ctx, client, method, cfg.URL, cfg.Headers, payload); err != nil {
			observability.ExportFailuresTotal.WithLabelValues(string(FormatWebhook)).Inc()
			return fmt.Errorf("bulk webhook export: %w", err)
		}
		observability.ExportsTotal.WithLabelValues(string(FormatWebhook)).Inc()
	}
	return nil
}

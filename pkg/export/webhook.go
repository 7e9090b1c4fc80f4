package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// webhookRetryPause sits between the two delivery attempts.
const webhookRetryPause = time.Second

// webhookSink posts each committed row to an HTTP endpoint. A failed
// delivery is retried exactly once; a second failure is logged and
// swallowed so a flaky endpoint cannot stall the batch's commit path.
// File sinks take the opposite trade-off and surface their errors.
type webhookSink struct {
	cfg    Config
	client *http.Client
	method string
}

func newWebhookSink(cfg Config) *webhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	return &webhookSink{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		method: method,
	}
}

func (s *webhookSink) Initialize() error { return nil }

func (s *webhookSink) ExportResult(ctx context.Context, r evaluation.RowResult) error {
	proj, keep, err := s.cfg.project(r)
	if err != nil {
		return err
	}
	if !keep {
		return nil
	}
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"result":    proj,
	}
	if err := deliver(ctx, s.client, s.method, s.cfg.URL, s.cfg.Headers, payload); err != nil {
		observability.ExportFailuresTotal.WithLabelValues(string(FormatWebhook)).Inc()
		slog.Error("webhook export failed after retry; dropping",
			slog.String("url", s.cfg.URL),
			slog.Int("row_index", r.Index),
			slog.Any("error", err))
		return nil
	}
	observability.ExportsTotal.WithLabelValues(string(FormatWebhook)).Inc()
	return nil
}

func (s *webhookSink) Finalize() error { return nil }

// deliver sends one payload with a single constant-pause retry.
func deliver(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", ulid.Make().String())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(webhookRetryPause), 1), ctx)
	return backoff.Retry(op, bo)
}

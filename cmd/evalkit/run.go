package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loveholidays/eval-kit/internal/config"
	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/batch"
	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

func newRunCmd() *cobra.Command {
	var (
		statePath   string
		resumePath  string
		metricsAddr string
		quiet       bool
	)
	cmd := &cobra.Command{
		Use:   "run <job-spec.yaml>",
		Short: "Run a batch evaluation from a YAML job spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)
			observability.InitMetrics()

			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}
			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracer, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.AppEnv)
			if err != nil {
				slog.Error("failed to setup tracing", slog.Any("error", err))
			}
			defer func() {
				if shutdownTracer != nil {
					_ = shutdownTracer(context.Background())
				}
			}()

			spec, err := config.LoadJobSpec(args[0])
			if err != nil {
				return err
			}
			job, err := spec.Compile(cfg)
			if err != nil {
				return err
			}
			if statePath != "" {
				job.Options.StatePath = statePath
			}
			if resumePath != "" {
				snap, err := batch.LoadState(resumePath)
				if err != nil {
					return err
				}
				job.Options.ResumeFromState = snap
				if job.Options.StatePath == "" {
					job.Options.StatePath = resumePath
				}
			}
			if !quiet && job.Options.OnProgress == nil {
				job.Options.OnProgress = printProgress(cmd)
			}

			engine, err := batch.New(job.Evaluators, job.Options)
			if err != nil {
				return err
			}
			result, err := engine.Evaluate(ctx, job.Input)
			if err != nil {
				return err
			}
			if job.Export != nil {
				if err := engine.Export(ctx, *job.Export); err != nil {
					return err
				}
			}
			return printSummary(cmd, result)
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "path for periodic state snapshots")
	cmd.Flags().StringVar(&resumePath, "resume", "", "state snapshot to resume from")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on (overrides METRICS_ADDR)")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress progress output")
	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}

func printProgress(cmd *cobra.Command) func(evaluation.ProgressEvent) {
	return func(ev evaluation.ProgressEvent) {
		switch ev.Kind {
		case evaluation.EventProgress, evaluation.EventError:
			fmt.Fprintf(cmd.ErrOrStderr(), "\r%d/%d rows (%.1f%%), %d failed",
				ev.ProcessedRows, ev.TotalRows, ev.PercentComplete, ev.FailedRows)
		case evaluation.EventRetry:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nretry %d: %s\n", ev.RetryCount, ev.CurrentError)
		case evaluation.EventCompleted:
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}

func printSummary(cmd *cobra.Command, result *evaluation.BatchResult) error {
	summary := map[string]any{
		"batchId":        result.BatchID,
		"totalRows":      result.TotalRows,
		"successfulRows": result.SuccessfulRows,
		"failedRows":     result.FailedRows,
		"durationMs":     result.DurationMs,
		"summary":        result.Summary,
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

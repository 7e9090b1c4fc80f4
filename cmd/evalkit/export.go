package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/loveholidays/eval-kit/internal/config"
	"github.com/loveholidays/eval-kit/internal/observability"
	"github.com/loveholidays/eval-kit/pkg/batch"
	"github.com/loveholidays/eval-kit/pkg/export"
)

func newExportCmd() *cobra.Command {
	var (
		format    string
		outPath   string
		appendTo  bool
		url       string
		method    string
		timeout   time.Duration
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "export <state.json>",
		Short: "Bulk-export the results of a saved state snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			observability.SetupLogger(cfg.ServiceName, cfg.AppEnv)

			snap, err := batch.LoadState(args[0])
			if err != nil {
				return err
			}
			exportCfg := export.Config{
				Format:           export.Format(format),
				Path:             outPath,
				AppendToExisting: appendTo,
				URL:              url,
				Method:           method,
				Timeout:          timeout,
				BatchSize:        batchSize,
			}
			return export.Write(cmd.Context(), exportCfg, snap.Results)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "export format: csv, json, or webhook")
	cmd.Flags().StringVar(&outPath, "out", "", "output file for csv/json formats")
	cmd.Flags().BoolVar(&appendTo, "append", false, "append to an existing csv file")
	cmd.Flags().StringVar(&url, "url", "", "webhook endpoint")
	cmd.Flags().StringVar(&method, "method", "", "webhook method (POST or PUT)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "webhook timeout")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "webhook bulk batch size")
	return cmd
}

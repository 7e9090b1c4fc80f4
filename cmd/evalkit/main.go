// Package main provides the evalkit command line interface: run a batch
// evaluation from a YAML job spec, or bulk-export the results of a saved
// state snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Injected at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "evalkit",
		Short:         "Batch evaluation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newExportCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "evalkit: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the evalkit version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

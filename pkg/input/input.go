// Package input parses tabular row sources into the engine's row type.
// Delimited-text and structured-document files are supported, with an
// auto format that resolves by file extension and falls back to content
// sniffing.
package input

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// Format selects the parser.
type Format string

// Input formats; FormatAuto is valid only on the input side.
const (
	FormatAuto Format = "auto"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ReadOptions carries format-specific parser options.
type ReadOptions struct {
	CSV CSVOptions
	// ArrayPath is a dotted path to the row array inside a structured
	// document whose root is not itself an array.
	ArrayPath string
}

// ReadFile parses path into a finite ordered row sequence.
func ReadFile(path string, format Format, opts ReadOptions) ([]evaluation.Input, error) {
	if format == "" || format == FormatAuto {
		detected, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = detected
	}
	switch format {
	case FormatCSV:
		return readCSV(path, opts.CSV)
	case FormatJSON:
		return readJSON(path, opts.ArrayPath)
	default:
		return nil, fmt.Errorf("%w: input format %q", evaluation.ErrUnsupportedFormat, format)
	}
}

// DetectFormat resolves a file's format by extension, then by content
// sniff when the extension is missing or unknown.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect input format of %s: %w", path, err)
	}
	switch {
	case mt.Is("application/json"):
		return FormatJSON, nil
	case mt.Is("text/csv"), mt.Is("text/tab-separated-values"):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: cannot detect format of %s (%s)", evaluation.ErrUnsupportedFormat, path, mt.String())
}

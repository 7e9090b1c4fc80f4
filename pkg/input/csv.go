package input

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
	"github.com/loveholidays/eval-kit/pkg/textx"
)

// semanticFields maps lower-cased column names onto Input fields.
var semanticFields = map[string]string{
	"id":            "id",
	"candidatetext": "candidateText",
	"referencetext": "referenceText",
	"sourcetext":    "sourceText",
	"prompt":        "prompt",
	"contenttype":   "contentType",
	"language":      "language",
}

// CSVOptions tunes the delimited-text parser.
type CSVOptions struct {
	// Comma is the field separator; zero means ','.
	Comma rune
	// NoHeader treats the first record as data; columns are then named
	// col0, col1, ... and FieldMapping is the only way to reach the
	// semantic fields.
	NoHeader bool
	// LazyQuotes mirrors encoding/csv: permit bare quotes inside fields.
	LazyQuotes bool
	// SkipEmptyLines drops records whose every field is blank.
	SkipEmptyLines bool
	// FieldMapping renames source columns to semantic field names
	// (e.g. "answer" -> "candidateText") before interpretation.
	FieldMapping map[string]string
}

func readCSV(path string, opts CSVOptions) ([]evaluation.Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv input: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	if opts.Comma != 0 {
		r.Comma = opts.Comma
	}
	r.LazyQuotes = opts.LazyQuotes
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var header []string
	if !opts.NoHeader {
		rec, err := r.Read()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		header = rec
	}

	var rows []evaluation.Input
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(rows), err)
		}
		if opts.SkipEmptyLines && isBlank(rec) {
			continue
		}
		if header == nil {
			header = make([]string, len(rec))
			for i := range rec {
				header[i] = fmt.Sprintf("col%d", i)
			}
			// first data record still needs parsing below
		}
		row, err := recordToInput(header, rec, opts.FieldMapping)
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func recordToInput(header, rec []string, mapping map[string]string) (evaluation.Input, error) {
	var in evaluation.Input
	for i, raw := range rec {
		if i >= len(header) {
			break
		}
		name := header[i]
		if mapped, ok := mapping[name]; ok {
			name = mapped
		}
		value := textx.SanitizeText(raw)
		switch semanticFields[strings.ToLower(name)] {
		case "id":
			in.ID = value
		case "candidateText":
			in.CandidateText = value
		case "referenceText":
			in.ReferenceText = value
		case "sourceText":
			in.SourceText = value
		case "prompt":
			in.Prompt = value
		case "contentType":
			in.ContentType = value
		case "language":
			in.Language = value
		default:
			if in.Extra == nil {
				in.Extra = make(map[string]any)
			}
			in.Extra[name] = value
		}
	}
	if in.CandidateText == "" {
		return evaluation.Input{}, fmt.Errorf("%w: candidateText", evaluation.ErrMissingField)
	}
	return in, nil
}

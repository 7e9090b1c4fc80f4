package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// standardColumns lead every delimited-text record, in this order. Each
// column belongs to a top-level result field so the include/exclude lists
// select columns by the same names as the JSON projections.
var standardColumns = []struct{ name, field string }{
	{"id", "id"}, {"index", "index"}, {"timestamp", "timestamp"},
	{"durationMs", "durationMs"}, {"retryCount", "retryCount"},
	{"error", "error"},
	{"candidateText", "input"}, {"referenceText", "input"},
	{"sourceText", "input"}, {"prompt", "input"},
	{"contentType", "input"}, {"language", "input"},
}

// outcomeColumns are emitted per evaluator when outcomes are flattened.
var outcomeColumns = []string{"score", "feedback", "executionTimeMs", "tokensTotal", "evalError"}

// csvSink writes one delimited-text record per committed row. The column
// shape (extra input fields, evaluator count) is derived from the first
// exported row; later rows are projected onto that shape.
type csvSink struct {
	cfg Config

	file          *os.File
	w             *csv.Writer
	headerWritten bool

	shaped    bool
	extraCols []string
	evalCount int
}

func newCSVSink(cfg Config) *csvSink {
	return &csvSink{cfg: cfg}
}

// Initialize opens the destination. Append mode onto an existing file
// skips header emission; otherwise the file is truncated and the header
// goes out with the first record.
func (s *csvSink) Initialize() error {
	if s.cfg.AppendToExisting {
		if _, err := os.Stat(s.cfg.Path); err == nil {
			f, err := os.OpenFile(s.cfg.Path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open csv for append: %w", err)
			}
			s.file = f
			s.w = csv.NewWriter(f)
			s.headerWritten = true
			return nil
		}
	}
	f, err := os.Create(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	s.file = f
	s.w = csv.NewWriter(f)
	return nil
}

func (s *csvSink) ExportResult(_ context.Context, r evaluation.RowResult) error {
	if s.cfg.FilterCondition != nil && !s.cfg.FilterCondition(r) {
		return nil
	}
	if !s.shaped {
		s.shape(r)
	}
	if !s.headerWritten {
		if err := s.w.Write(s.header()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		s.headerWritten = true
	}
	if err := s.w.Write(s.record(r)); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func (s *csvSink) Finalize() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("flush csv: %w", err)
	}
	return s.file.Close()
}

func (s *csvSink) shape(r evaluation.RowResult) {
	for name := range r.Input.Extra {
		s.extraCols = append(s.extraCols, name)
	}
	sort.Strings(s.extraCols)
	s.evalCount = len(r.Outcomes)
	s.shaped = true
}

// keepField applies the include/exclude lists to a top-level field name,
// mirroring Config.project for the other destinations.
func (s *csvSink) keepField(field string) bool {
	if len(s.cfg.IncludeFields) > 0 {
		found := false
		for _, f := range s.cfg.IncludeFields {
			if f == field {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, f := range s.cfg.ExcludeFields {
		if f == field {
			return false
		}
	}
	return true
}

func (s *csvSink) header() []string {
	var cols []string
	for _, c := range standardColumns {
		if s.keepField(c.field) {
			cols = append(cols, c.name)
		}
	}
	if s.keepField("input") {
		for _, name := range s.extraCols {
			cols = append(cols, "input_"+name)
		}
	}
	if s.keepField("results") {
		switch {
		case !s.cfg.flatten():
			cols = append(cols, "results")
		case s.evalCount == 1:
			cols = append(cols, outcomeColumns...)
		default:
			for i := 0; i < s.evalCount; i++ {
				for _, c := range outcomeColumns {
					cols = append(cols, fmt.Sprintf("eval%d_%s", i, c))
				}
			}
		}
	}
	if s.keepField("combinedScore") {
		cols = append(cols, "combinedScore")
	}
	return cols
}

func (s *csvSink) record(r evaluation.RowResult) []string {
	standard := []string{
		r.ID,
		strconv.Itoa(r.Index),
		r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		strconv.FormatInt(r.DurationMs, 10),
		strconv.Itoa(r.RetryCount),
		r.Error,
		r.Input.CandidateText,
		r.Input.ReferenceText,
		r.Input.SourceText,
		r.Input.Prompt,
		r.Input.ContentType,
		r.Input.Language,
	}
	var rec []string
	for i, c := range standardColumns {
		if s.keepField(c.field) {
			rec = append(rec, standard[i])
		}
	}
	if s.keepField("input") {
		for _, name := range s.extraCols {
			rec = append(rec, extraCell(r.Input.Extra[name]))
		}
	}
	if s.keepField("results") {
		if !s.cfg.flatten() {
			data, err := json.Marshal(r.Outcomes)
			if err != nil {
				data = []byte("[]")
			}
			rec = append(rec, string(data))
		} else {
			for i := 0; i < s.evalCount; i++ {
				var o evaluation.Outcome
				if i < len(r.Outcomes) {
					o = r.Outcomes[i]
				}
				var tokens int64
				if o.Stats.Tokens != nil {
					tokens = o.Stats.Tokens.Total
				}
				rec = append(rec,
					o.Score.String(),
					o.Feedback,
					strconv.FormatInt(o.Stats.ExecutionTimeMs, 10),
					strconv.FormatInt(tokens, 10),
					o.Error,
				)
			}
		}
	}
	if s.keepField("combinedScore") {
		var combined string
		if r.CombinedScore != nil {
			combined = r.CombinedScore.String()
		}
		rec = append(rec, combined)
	}
	return rec
}

func extraCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

// jsonSink writes a structured-document array incrementally: the opening
// bracket at Initialize, comma-separated projections per row, and the
// closing bracket at Finalize.
type jsonSink struct {
	cfg   Config
	file  *os.File
	first bool
}

func newJSONSink(cfg Config) *jsonSink {
	return &jsonSink{cfg: cfg, first: true}
}

func (s *jsonSink) Initialize() error {
	f, err := os.Create(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("create json export: %w", err)
	}
	if _, err := f.WriteString("["); err != nil {
		_ = f.Close()
		return fmt.Errorf("write json export: %w", err)
	}
	s.file = f
	return nil
}

func (s *jsonSink) ExportResult(_ context.Context, r evaluation.RowResult) error {
	proj, keep, err := s.cfg.project(r)
	if err != nil {
		return err
	}
	if !keep {
		return nil
	}
	data, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("marshal json export: %w", err)
	}
	sep := ",\n"
	if s.first {
		sep = "\n"
		s.first = false
	}
	if _, err := s.file.WriteString(sep); err != nil {
		return fmt.Errorf("write json export: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write json export: %w", err)
	}
	return nil
}

func (s *jsonSink) Finalize() error {
	if s.file == nil {
		return nil
	}
	if _, err := s.file.WriteString("\n]\n"); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("finalize json export: %w", err)
	}
	return s.file.Close()
}

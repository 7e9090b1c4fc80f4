package evaluation

import (
	"encoding/json"
	"sort"
	"time"
)

// StateSchemaVersion guards snapshot compatibility across releases.
const StateSchemaVersion = 1

// IndexSet is a set of row indices that marshals as a sorted JSON array.
type IndexSet map[int]struct{}

// NewIndexSet builds a set from the given indices.
func NewIndexSet(indices ...int) IndexSet {
	s := make(IndexSet, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Add inserts i into the set.
func (s IndexSet) Add(i int) { s[i] = struct{}{} }

// Has reports whether i is in the set.
func (s IndexSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

// Sorted returns the indices in ascending order.
func (s IndexSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Clone returns an independent copy.
func (s IndexSet) Clone() IndexSet {
	out := make(IndexSet, len(s))
	for i := range s {
		out[i] = struct{}{}
	}
	return out
}

// MarshalJSON emits the sorted index slice.
func (s IndexSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON reads an index slice.
func (s *IndexSet) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err != nil {
		return err
	}
	*s = NewIndexSet(indices...)
	return nil
}

// InputEcho records where a batch's rows came from, for resume diagnostics.
type InputEcho struct {
	Path       string `json:"path,omitempty"`
	Format     string `json:"format,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	StartIndex int    `json:"startIndex,omitempty"`
}

// StateSnapshot is a durable image of batch progress sufficient to resume
// processing from a partial run.
type StateSnapshot struct {
	Version     int            `json:"version"`
	BatchID     string         `json:"batchId"`
	StartedAt   time.Time      `json:"startedAt"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Input       InputEcho      `json:"input"`
	Evaluators  []string       `json:"evaluators"`
	TotalRows   int            `json:"totalRows"`
	Processed   IndexSet       `json:"processedRows"`
	Results     []RowResult    `json:"results"`
	Progress    *ProgressEvent `json:"progress,omitempty"`
}

// Clone returns a deep enough copy for handing to user callbacks: the
// processed set and result slice are duplicated, row contents are shared.
func (s StateSnapshot) Clone() StateSnapshot {
	out := s
	out.Processed = s.Processed.Clone()
	out.Results = append([]RowResult(nil), s.Results...)
	if s.Evaluators != nil {
		out.Evaluators = append([]string(nil), s.Evaluators...)
	}
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	return out
}

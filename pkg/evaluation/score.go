package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ScoreNA is the combined-score sentinel recorded on terminal row failure.
const ScoreNA = "N/A"

// Score is the verdict value of an evaluator: either a bounded number or a
// categorical label. It marshals as a bare JSON number or string.
type Score struct {
	Value *float64
	Label string
}

// NumericScore builds a numeric Score.
func NumericScore(v float64) Score {
	return Score{Value: &v}
}

// CategoricalScore builds a categorical Score.
func CategoricalScore(label string) Score {
	return Score{Label: label}
}

// IsNumeric reports whether the score carries a number.
func (s Score) IsNumeric() bool { return s.Value != nil }

// Float64 returns the numeric value, or zero for categorical scores.
func (s Score) Float64() float64 {
	if s.Value == nil {
		return 0
	}
	return *s.Value
}

// String renders the score for human-facing cells: numbers without
// exponent notation, labels verbatim.
func (s Score) String() string {
	if s.Value != nil {
		return strconv.FormatFloat(*s.Value, 'f', -1, 64)
	}
	return s.Label
}

// MarshalJSON emits a number, a string, or null for the zero Score.
func (s Score) MarshalJSON() ([]byte, error) {
	if s.Value != nil {
		return json.Marshal(*s.Value)
	}
	if s.Label == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s.Label)
}

// UnmarshalJSON accepts a number, a string, or null.
func (s *Score) UnmarshalJSON(data []byte) error {
	*s = Score{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		s.Value = &num
		return nil
	}
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return fmt.Errorf("score must be a number or a string: %w", err)
	}
	s.Label = label
	return nil
}

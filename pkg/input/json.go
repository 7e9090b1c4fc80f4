package input

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

func readJSON(path, arrayPath string) ([]evaluation.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read json input: %w", err)
	}
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse json input: %w", err)
	}
	if arrayPath != "" {
		root, err = resolvePath(root, arrayPath)
		if err != nil {
			return nil, err
		}
	}
	arr, ok := root.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: json input root is not an array (arrayPath %q)", evaluation.ErrInvalidConfig, arrayPath)
	}
	rows := make([]evaluation.Input, 0, len(arr))
	for i, elem := range arr {
		obj, ok := elem.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: json row %d is not an object", evaluation.ErrInvalidConfig, i)
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("json row %d: %w", i, err)
		}
		var in evaluation.Input
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("json row %d: %w", i, err)
		}
		if in.CandidateText == "" {
			return nil, fmt.Errorf("json row %d: %w: candidateText", i, evaluation.ErrMissingField)
		}
		rows = append(rows, in)
	}
	return rows, nil
}

// resolvePath walks a dotted key path through nested objects.
func resolvePath(root any, path string) (any, error) {
	cur := root
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: arrayPath %q does not resolve to an array", evaluation.ErrInvalidConfig, path)
		}
		cur, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("%w: arrayPath %q: key %q not found", evaluation.ErrInvalidConfig, path, key)
		}
	}
	return cur, nil
}

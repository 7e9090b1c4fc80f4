package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loveholidays/eval-kit/pkg/evaluation"
)

func sampleRow(index int) evaluation.RowResult {
	return evaluation.RowResult{
		ID:    "row-" + string(rune('0'+index)),
		Index: index,
		Input: evaluation.Input{
			CandidateText: "candidate",
			ReferenceText: "reference",
			Language:      "en",
			Extra:         map[string]any{"team": "search", "weight": 1.5},
		},
		Outcomes: []evaluation.Outcome{
			{
				Name:     "exact_match",
				Score:    evaluation.NumericScore(87.5),
				Feedback: "close enough",
				Stats:    evaluation.ProcessingStats{ExecutionTimeMs: 12},
			},
		},
		Timestamp:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		DurationMs: 120,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"csv with path", Config{Format: FormatCSV, Path: "/tmp/x.csv"}, false},
		{"csv without path", Config{Format: FormatCSV}, true},
		{"json without path", Config{Format: FormatJSON}, true},
		{"webhook with url", Config{Format: FormatWebhook, URL: "http://example.com"}, false},
		{"webhook without url", Config{Format: FormatWebhook}, true},
		{"unknown format", Config{Format: "xml", Path: "/tmp/x"}, true},
		{"bad method", Config{Format: FormatWebhook, URL: "http://example.com", Method: "DELETE"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, evaluation.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCSVSinkFlattenedSingleEvaluator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.csv")
	sink := newCSVSink(Config{Format: FormatCSV, Path: path})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(1)))
	require.NoError(t, sink.Finalize())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	header := records[0]
	assert.Equal(t, "id", header[0])
	assert.Equal(t, "index", header[1])
	// extras sorted, prefixed, after the standard columns
	assert.Contains(t, header, "input_team")
	assert.Contains(t, header, "input_weight")
	// single evaluator: unprefixed outcome columns
	assert.Contains(t, header, "score")
	assert.Contains(t, header, "feedback")
	assert.NotContains(t, header, "results")
	assert.Equal(t, "combinedScore", header[len(header)-1])

	row := records[1]
	assert.Equal(t, "row-0", row[0])
	assert.Equal(t, "0", row[1])
	idx := indexOf(header, "score")
	assert.Equal(t, "87.5", row[idx])
	assert.Equal(t, "search", row[indexOf(header, "input_team")])
	assert.Equal(t, "1.5", row[indexOf(header, "input_weight")])
}

func TestCSVSinkMultiEvaluatorPrefixes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.csv")
	row := sampleRow(0)
	row.Outcomes = append(row.Outcomes, evaluation.Outcome{
		Name:  "lexical",
		Score: evaluation.NumericScore(40),
	})

	sink := newCSVSink(Config{Format: FormatCSV, Path: path})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), row))
	require.NoError(t, sink.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "eval0_score")
	assert.Contains(t, string(data), "eval1_score")
	assert.NotContains(t, string(data), ",score,")
}

func TestCSVSinkResultsColumnWhenNotFlattening(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.csv")
	off := false
	sink := newCSVSink(Config{Format: FormatCSV, Path: path, FlattenOutcomes: &off})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, sink.Finalize())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	header := records[0]
	assert.Contains(t, header, "results")
	assert.NotContains(t, header, "score")

	var outcomes []evaluation.Outcome
	require.NoError(t, json.Unmarshal([]byte(records[1][indexOf(header, "results")]), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, "exact_match", outcomes[0].Name)
}

func TestCSVSinkAppendSkipsHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.csv")

	first := newCSVSink(Config{Format: FormatCSV, Path: path})
	require.NoError(t, first.Initialize())
	require.NoError(t, first.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, first.Finalize())

	second := newCSVSink(Config{Format: FormatCSV, Path: path, AppendToExisting: true})
	require.NoError(t, second.Initialize())
	require.NoError(t, second.ExportResult(context.Background(), sampleRow(1)))
	require.NoError(t, second.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Equal(t, 1, strings.Count(content, "id,index,"))
	assert.Contains(t, content, "row-0")
	assert.Contains(t, content, "row-1")
}

func TestCSVSinkAppendToMissingFileWritesHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fresh.csv")
	sink := newCSVSink(Config{Format: FormatCSV, Path: path, AppendToExisting: true})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, sink.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "id,index,"))
}

func TestCSVSinkFieldProjection(t *testing.T) {
	t.Parallel()

	t.Run("include", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "out.csv")
		sink := newCSVSink(Config{
			Format:        FormatCSV,
			Path:          path,
			IncludeFields: []string{"id", "error", "results"},
		})
		require.NoError(t, sink.Initialize())
		require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
		require.NoError(t, sink.Finalize())

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		records, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		header := records[0]
		assert.Equal(t, []string{"id", "error", "score", "feedback", "executionTimeMs", "tokensTotal", "evalError"}, header)
		assert.Equal(t, "row-0", records[1][0])
		assert.Equal(t, "87.5", records[1][indexOf(header, "score")])
	})

	t.Run("exclude", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "out.csv")
		sink := newCSVSink(Config{
			Format:        FormatCSV,
			Path:          path,
			ExcludeFields: []string{"input", "timestamp"},
		})
		require.NoError(t, sink.Initialize())
		require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
		require.NoError(t, sink.Finalize())

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()
		records, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		header := records[0]
		assert.NotContains(t, header, "candidateText")
		assert.NotContains(t, header, "input_team")
		assert.NotContains(t, header, "timestamp")
		assert.Contains(t, header, "id")
		assert.Contains(t, header, "score")
		assert.Len(t, records[1], len(header))
	})
}

func TestJSONSinkRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.json")
	sink := newJSONSink(Config{Format: FormatJSON, Path: path})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(1)))
	require.NoError(t, sink.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "row-0", rows[0]["id"])
	assert.Equal(t, "row-1", rows[1]["id"])
}

func TestJSONSinkEmptyArray(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.json")
	sink := newJSONSink(Config{Format: FormatJSON, Path: path})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.Finalize())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Empty(t, rows)
}

func TestProjectionIncludeExcludeFilter(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Format:        FormatJSON,
		IncludeFields: []string{"id", "index", "results"},
		FilterCondition: func(r evaluation.RowResult) bool {
			return r.Index%2 == 0
		},
	}

	proj, keep, err := cfg.project(sampleRow(0))
	require.NoError(t, err)
	require.True(t, keep)
	assert.Len(t, proj, 3)
	assert.Contains(t, proj, "id")
	assert.NotContains(t, proj, "input")

	_, keep, err = cfg.project(sampleRow(1))
	require.NoError(t, err)
	assert.False(t, keep)

	excl := Config{Format: FormatJSON, ExcludeFields: []string{"input"}}
	proj, keep, err = excl.project(sampleRow(0))
	require.NoError(t, err)
	require.True(t, keep)
	assert.NotContains(t, proj, "input")
	assert.Contains(t, proj, "id")
}

func TestWebhookSinkDelivers(t *testing.T) {
	t.Parallel()
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got.Store(payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := newWebhookSink(Config{
		Format:  FormatWebhook,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "token"},
	})
	require.NoError(t, sink.Initialize())
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	require.NoError(t, sink.Finalize())

	payload := got.Load().(map[string]any)
	assert.NotEmpty(t, payload["timestamp"])
	result := payload["result"].(map[string]any)
	assert.Equal(t, "row-0", result["id"])
}

func TestWebhookSinkRetriesOnce(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := newWebhookSink(Config{Format: FormatWebhook, URL: srv.URL})
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	assert.Equal(t, int64(2), hits.Load())
}

func TestWebhookSinkSwallowsRepeatedFailure(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := newWebhookSink(Config{Format: FormatWebhook, URL: srv.URL})
	// delivery failure must not surface to the commit path
	require.NoError(t, sink.ExportResult(context.Background(), sampleRow(0)))
	assert.Equal(t, int64(2), hits.Load(), "initial attempt plus one retry")
}

func TestWriteBulkCSV(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bulk.csv")
	err := Write(context.Background(), Config{Format: FormatCSV, Path: path},
		[]evaluation.RowResult{sampleRow(0), sampleRow(1)})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "row-0")
	assert.Contains(t, string(data), "row-1")
}

func TestWriteBulkWebhookChunks(t *testing.T) {
	t.Parallel()
	var counts []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Results []map[string]any `json:"results"`
			Count   int              `json:"count"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, len(payload.Results), payload.Count)
		counts = append(counts, payload.Count)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	results := make([]evaluation.RowResult, 5)
	for i := range results {
		results[i] = sampleRow(i)
	}
	err := Write(context.Background(), Config{Format: FormatWebhook, URL: srv.URL, BatchSize: 2}, results)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, counts)
}

func TestWriteBulkWebhookFailurePropagates(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Write(context.Background(), Config{Format: FormatWebhook, URL: srv.URL},
		[]evaluation.RowResult{sampleRow(0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk webhook export")
}

func indexOf(header []string, col string) int {
	for i, h := range header {
		if h == col {
			return i
		}
	}
	return -1
}

package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/models"
)

// funcTool adapts a function to the Tool interface for tests.
type funcTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) Result
}

func (f funcTool) Name() string { return f.name }

func (f funcTool) Execute(ctx context.Context, params json.RawMessage) Result {
	return f.fn(ctx, params)
}

func queryFromParams(t *testing.T, params json.RawMessage) string {
	t.Helper()
	var p struct {
		Query string `json:"query"`
	}
	require.NoError(t, json.Unmarshal(params, &p))
	return p.Query
}

func TestFanOutKeepsDispatchOrder(t *testing.T) {
	// Later themes finish first; slots must still line up with themes.
	search := funcTool{name: ToolWebSearch, fn: func(ctx context.Context, params json.RawMessage) Result {
		var p struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(params, &p)

		switch p.Query {
		case "alpha":
			time.Sleep(50 * time.Millisecond)
		case "beta":
			time.Sleep(20 * time.Millisecond)
		}
		return Result{
			Content: "findings for " + p.Query,
			Sources: []string{"https://example.com/" + p.Query},
		}
	}}

	results := FanOut(context.Background(), search, []string{"alpha", "beta", "gamma"}, 5)

	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Query)
	assert.Equal(t, "beta", results[1].Query)
	assert.Equal(t, "gamma", results[2].Query)
	assert.Equal(t, "findings for alpha", results[0].Findings)
	assert.Equal(t, []string{"https://example.com/gamma"}, results[2].Sources)
}

func TestFanOutRunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	search := funcTool{name: ToolWebSearch, fn: func(ctx context.Context, params json.RawMessage) Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return Result{Content: "ok"}
	}}

	FanOut(context.Background(), search, []string{"a", "b", "c"}, 5)

	assert.Equal(t, int32(3), peak.Load(), "all workers should run at once")
}

func TestFanOutCapsThemeCount(t *testing.T) {
	var calls atomic.Int32
	search := funcTool{name: ToolWebSearch, fn: func(ctx context.Context, params json.RawMessage) Result {
		calls.Add(1)
		return Result{Content: "ok"}
	}}

	results := FanOut(context.Background(), search, []string{"a", "b", "c", "d", "e"}, 3)

	assert.Len(t, results, 3)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "c", results[2].Query)
}

func TestFanOutCancelledWorkersReportErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	search := funcTool{name: ToolWebSearch, fn: func(ctx context.Context, params json.RawMessage) Result {
		ran.Store(true)
		return Result{}
	}}

	results := FanOut(ctx, search, []string{"a", "b"}, 5)

	assert.False(t, ran.Load(), "search must not run once the context is cancelled")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Empty(t, r.Findings)
		assert.Contains(t, r.Error, "search cancelled")
	}
}

func TestFanOutToolFailuresLandInSlots(t *testing.T) {
	search := funcTool{name: ToolWebSearch, fn: func(ctx context.Context, params json.RawMessage) Result {
		if queryFromParams(t, params) == "bad" {
			return Result{Err: "search API returned 500"}
		}
		return Result{Content: "ok", Sources: []string{"https://example.com/good"}}
	}}

	results := FanOut(context.Background(), search, []string{"good", "bad"}, 5)

	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "search API returned 500", results[1].Error)
	assert.Empty(t, results[1].Findings)
}

func TestMergeSearchResultsDeduplicatesSources(t *testing.T) {
	findings, sources := MergeSearchResults([]models.SearchResult{
		{
			Query:    "alpha",
			Findings: "alpha findings",
			Sources:  []string{"https://a.example", "https://shared.example"},
		},
		{
			Query:    "beta",
			Findings: "beta findings",
			Sources:  []string{"https://shared.example", "https://b.example"},
		},
	})

	// First-seen order wins for duplicated sources.
	assert.Equal(t, []string{"https://a.example", "https://shared.example", "https://b.example"}, sources)
	assert.Contains(t, findings, "## Search: alpha")
	assert.Contains(t, findings, "alpha findings")
	assert.Contains(t, findings, "## Search: beta")
	assert.Contains(t, findings, findingsSeparator)
}

func TestMergeSearchResultsReportsFailures(t *testing.T) {
	findings, sources := MergeSearchResults([]models.SearchResult{
		{Query: "ok", Findings: "worked", Sources: []string{"https://ok.example"}},
		{Query: "broken", Error: "search timed out after 60s"},
	})

	assert.Equal(t, []string{"https://ok.example"}, sources)
	assert.Contains(t, findings, `Search "broken" failed: search timed out after 60s`)
	assert.Contains(t, findings, "worked")
}

func TestMergeSearchResultsEmpty(t *testing.T) {
	findings, sources := MergeSearchResults(nil)
	assert.Empty(t, findings)
	assert.Empty(t, sources)
}

func TestAnySucceeded(t *testing.T) {
	assert.False(t, AnySucceeded(nil))
	assert.False(t, AnySucceeded([]models.SearchResult{{Query: "a", Error: "boom"}}))
	assert.True(t, AnySucceeded([]models.SearchResult{
		{Query: "a", Error: "boom"},
		{Query: "b", Findings: "fine"},
	}))
}

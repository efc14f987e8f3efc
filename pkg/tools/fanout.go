package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/quarrylabs/quarry/pkg/models"
)

// findingsSeparator joins the per-theme findings when a fan-out is merged
// into a single tool record.
const findingsSeparator = "\n\n---\n\n"

// FanOut runs one search per theme concurrently and collects the outcomes
// into dispatch-order slots: slot i always belongs to themes[i] no matter
// which worker finishes first. Themes beyond maxSearches are dropped. A
// worker that observes cancellation reports empty findings with the reason
// in SearchResult.Error.
func FanOut(ctx context.Context, search Tool, themes []string, maxSearches int) []models.SearchResult {
	if maxSearches > 0 && len(themes) > maxSearches {
		themes = themes[:maxSearches]
	}
	results := make([]models.SearchResult, len(themes))

	var wg sync.WaitGroup
	for i, theme := range themes {
		wg.Add(1)
		go func(slot int, theme string) {
			defer wg.Done()
			results[slot] = runSearch(ctx, search, theme)
		}(i, theme)
	}
	wg.Wait()
	return results
}

func runSearch(ctx context.Context, search Tool, theme string) models.SearchResult {
	if err := ctx.Err(); err != nil {
		return models.SearchResult{
			Query: theme,
			Error: fmt.Sprintf("search cancelled: %v", err),
		}
	}

	params, err := json.Marshal(map[string]string{"query": theme})
	if err != nil {
		return models.SearchResult{
			Query: theme,
			Error: fmt.Sprintf("failed to encode search params: %v", err),
		}
	}

	r := search.Execute(ctx, params)
	return models.SearchResult{
		Query:    theme,
		Findings: r.Content,
		Sources:  r.Sources,
		Error:    r.Err,
	}
}

// MergeSearchResults flattens fan-out slots into one findings text and a
// source list deduplicated in first-seen order. Failed slots contribute a
// failure line instead of findings so the model sees what went wrong.
func MergeSearchResults(results []models.SearchResult) (string, []string) {
	parts := make([]string, 0, len(results))
	var sources []string
	seen := make(map[string]bool)

	for _, r := range results {
		if r.Error != "" {
			parts = append(parts, fmt.Sprintf("Search %q failed: %s", r.Query, r.Error))
			continue
		}
		if r.Findings != "" {
			parts = append(parts, fmt.Sprintf("## Search: %s\n\n%s", r.Query, r.Findings))
		}
		for _, src := range r.Sources {
			if seen[src] {
				continue
			}
			seen[src] = true
			sources = append(sources, src)
		}
	}
	return strings.Join(parts, findingsSeparator), sources
}

// AnySucceeded reports whether at least one fan-out slot completed without a
// worker-level error.
func AnySucceeded(results []models.SearchResult) bool {
	for _, r := range results {
		if r.Error == "" {
			return true
		}
	}
	return false
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
)

func searchConfig(baseURL string) config.SearchConfig {
	return config.SearchConfig{
		APIKey:                "test-key",
		BaseURL:               baseURL,
		TimeoutSeconds:        5,
		MaxResults:            5,
		FetchContent:          false,
		BiEncoderThreshold:    0.3,
		CrossEncoderThreshold: 0.2,
		MLDevice:              "cpu",
		CacheTTLMinutes:       15,
	}
}

func searchAPIStub(t *testing.T, hits []searchHit) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp searchAPIResponse
		resp.Web.Results = hits
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)
	return server
}

func searchParams(t *testing.T, query string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"query": query})
	require.NoError(t, err)
	return raw
}

func TestWebSearchSendsAPIHeaders(t *testing.T) {
	var gotToken, gotDevice, gotQuery, gotCount string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotDevice = r.Header.Get("X-ML-Device")
		gotQuery = r.URL.Query().Get("q")
		gotCount = r.URL.Query().Get("count")
		fmt.Fprint(w, `{"web":{"results":[]}}`)
	}))
	t.Cleanup(server.Close)

	ws := NewWebSearch(searchConfig(server.URL))
	ws.Execute(context.Background(), searchParams(t, "golang concurrency"))

	assert.Equal(t, "test-key", gotToken)
	assert.Equal(t, "cpu", gotDevice)
	assert.Equal(t, "golang concurrency", gotQuery)
	assert.Equal(t, "5", gotCount)
}

func TestWebSearchNoResultsIsSuccess(t *testing.T) {
	server := searchAPIStub(t, nil)
	ws := NewWebSearch(searchConfig(server.URL))

	result := ws.Execute(context.Background(), searchParams(t, "golang concurrency"))

	assert.False(t, result.Failed())
	assert.Equal(t, `No results found for "golang concurrency".`, result.Content)
	assert.Empty(t, result.Sources)
}

func TestWebSearchRanksSourcesByRelevance(t *testing.T) {
	server := searchAPIStub(t, []searchHit{
		{
			Title:       "Partial match",
			URL:         "https://example.com/partial",
			Description: "An overview of golang concurrency for newcomers to the language",
		},
		{
			Title:       "Full match",
			URL:         "https://example.com/full",
			Description: "Golang concurrency patterns explained with worked examples and benchmarks",
		},
	})
	ws := NewWebSearch(searchConfig(server.URL))

	result := ws.Execute(context.Background(), searchParams(t, "golang concurrency patterns"))

	require.False(t, result.Failed(), result.Err)
	require.Equal(t, []string{"https://example.com/full", "https://example.com/partial"}, result.Sources)

	fullIdx := strings.Index(result.Content, "### Full match")
	partialIdx := strings.Index(result.Content, "### Partial match")
	require.GreaterOrEqual(t, fullIdx, 0)
	require.GreaterOrEqual(t, partialIdx, 0)
	assert.Less(t, fullIdx, partialIdx)

	// The source list trails the findings.
	assert.Contains(t, result.Content, "Sources:")
}

func TestWebSearchFallsBackToSnippetsWhenNothingClearsFloors(t *testing.T) {
	server := searchAPIStub(t, []searchHit{
		{Title: "Unrelated A", URL: "https://example.com/a", Description: "Cooking pasta at home"},
		{Title: "Unrelated B", URL: "https://example.com/b", Description: "Gardening through winter"},
	})
	ws := NewWebSearch(searchConfig(server.URL))

	result := ws.Execute(context.Background(), searchParams(t, "quantum cryptography"))

	require.False(t, result.Failed(), result.Err)
	// Unranked fallback keeps the API order and carries every source.
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, result.Sources)
	assert.Contains(t, result.Content, "Cooking pasta at home")
	assert.Contains(t, result.Content, "Gardening through winter")
}

func TestWebSearchAPIErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	ws := NewWebSearch(searchConfig(server.URL))
	result := ws.Execute(context.Background(), searchParams(t, "anything"))

	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "search API returned 429")
	assert.Contains(t, result.Err, "rate limited")
}

func TestWebSearchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		fmt.Fprint(w, `{"web":{"results":[]}}`)
	}))
	t.Cleanup(server.Close)

	cfg := searchConfig(server.URL)
	cfg.TimeoutSeconds = 1
	ws := NewWebSearch(cfg)

	result := ws.Execute(context.Background(), searchParams(t, "anything"))

	require.True(t, result.Failed())
	assert.Equal(t, "search timed out after 1s", result.Err)
}

func TestWebSearchRequiresQuery(t *testing.T) {
	ws := NewWebSearch(searchConfig("http://unused"))

	result := ws.Execute(context.Background(), json.RawMessage(`{}`))
	require.True(t, result.Failed())
	assert.Equal(t, "query is required", result.Err)

	result = ws.Execute(context.Background(), json.RawMessage(`{"query":"   "}`))
	assert.True(t, result.Failed())
}

func TestWebSearchMalformedParams(t *testing.T) {
	ws := NewWebSearch(searchConfig("http://unused"))

	result := ws.Execute(context.Background(), json.RawMessage(`{"query":`))
	require.True(t, result.Failed())
	assert.Contains(t, result.Err, "invalid web_search params")
}

func TestWebSearchUsesCachedPageContent(t *testing.T) {
	var pageFetches atomic.Int32
	pageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageFetches.Add(1)
		fmt.Fprint(w, "<html><body><p>unused</p></body></html>")
	}))
	t.Cleanup(pageServer.Close)

	server := searchAPIStub(t, []searchHit{
		{Title: "Cached page", URL: pageServer.URL, Description: "golang concurrency patterns summary"},
	})

	cfg := searchConfig(server.URL)
	cfg.FetchContent = true
	ws := NewWebSearch(cfg)

	// Pre-seed the cache so the fetch path must not touch the page server.
	ws.cache.Set(pageServer.URL,
		"Golang concurrency patterns rely on goroutines and channels to structure parallel work safely and clearly.")

	result := ws.Execute(context.Background(), searchParams(t, "golang concurrency patterns"))

	require.False(t, result.Failed(), result.Err)
	assert.Contains(t, result.Content, "goroutines and channels")
	assert.Equal(t, int32(0), pageFetches.Load())
}

func TestWebSearchFetchesAndExtractsPages(t *testing.T) {
	body := strings.Repeat("<p>Golang concurrency patterns describe how goroutines and channels "+
		"compose into pipelines, fan-out workers and cancellation trees in production services.</p>", 6)
	pageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><head><title>Patterns</title></head><body><article>%s</article></body></html>", body)
	}))
	t.Cleanup(pageServer.Close)

	server := searchAPIStub(t, []searchHit{
		{Title: "Patterns", URL: pageServer.URL, Description: "golang concurrency patterns reference"},
	})

	cfg := searchConfig(server.URL)
	cfg.FetchContent = true
	ws := NewWebSearch(cfg)

	result := ws.Execute(context.Background(), searchParams(t, "golang concurrency patterns"))

	require.False(t, result.Failed(), result.Err)
	assert.Contains(t, result.Content, "pipelines")
	assert.Equal(t, []string{pageServer.URL}, result.Sources)

	// The extracted text is now cached for the next search.
	cached, ok := ws.cache.Get(pageServer.URL)
	require.True(t, ok)
	assert.Contains(t, cached, "pipelines")
}

func TestWebSearchPageFetchFailureFallsBackToSnippet(t *testing.T) {
	pageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(pageServer.Close)

	server := searchAPIStub(t, []searchHit{
		{Title: "Broken link", URL: pageServer.URL, Description: "golang concurrency patterns in depth"},
	})

	cfg := searchConfig(server.URL)
	cfg.FetchContent = true
	ws := NewWebSearch(cfg)

	result := ws.Execute(context.Background(), searchParams(t, "golang concurrency patterns"))

	require.False(t, result.Failed(), result.Err)
	assert.Contains(t, result.Content, "golang concurrency patterns in depth")
	assert.Equal(t, []string{pageServer.URL}, result.Sources)
}

func TestQueryTerms(t *testing.T) {
	terms := queryTerms("The Go runtime: scheduling, GC and the Go runtime")
	// Short words drop out, duplicates collapse, case folds.
	assert.Equal(t, []string{"the", "runtime", "scheduling", "and"}, terms)
}

func TestScorePassagesFloors(t *testing.T) {
	terms := queryTerms("golang concurrency patterns")
	require.Len(t, terms, 3)

	passages := scorePassages(terms, []string{
		"Golang concurrency patterns explained in detail",
		"A gardening guide with no overlap at all",
	}, 0.3, 0.2)

	require.Len(t, passages, 1)
	assert.Contains(t, passages[0].text, "explained in detail")
	assert.Greater(t, passages[0].score, 0.2)
}

func TestScorePassagesSortsBestFirst(t *testing.T) {
	terms := queryTerms("golang concurrency patterns")

	passages := scorePassages(terms, []string{
		"Notes about golang concurrency for beginners",
		"Golang concurrency patterns side by side",
	}, 0.1, 0.0)

	require.Len(t, passages, 2)
	assert.Greater(t, passages[0].score, passages[1].score)
	assert.Contains(t, passages[0].text, "side by side")
}

func TestSplitChunks(t *testing.T) {
	long := strings.Repeat("All work and no play makes for dull research output. ", 15)
	chunks := splitChunks(long + "\n\nshort\n\n" + long)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.GreaterOrEqual(t, len(c), chunkMinChars)
	}
	// The sub-minimum paragraph is not kept as its own chunk.
	for _, c := range chunks {
		assert.NotEqual(t, "short", c)
	}
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Nil(t, splitChunks(""))
	assert.Empty(t, splitChunks("tiny"))
}

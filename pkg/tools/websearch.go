package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	readability "github.com/go-shiori/go-readability"

	"github.com/quarrylabs/quarry/pkg/config"
)

const (
	// pageFetchTimeout bounds a single page download; the overall search
	// budget comes from config.SearchConfig.TimeoutSeconds.
	pageFetchTimeout = 10 * time.Second

	// chunkMaxChars is the target size of a page passage before scoring.
	chunkMaxChars = 500
	// chunkMinChars drops boilerplate fragments (nav labels, captions).
	chunkMinChars = 50

	// snippetsPerSource caps how many passages one page contributes.
	snippetsPerSource = 3

	mlDeviceHeader = "X-ML-Device"
)

// WebSearch queries a Brave-compatible search API and, when content fetching
// is enabled, downloads the result pages, extracts readable text and keeps
// the passages most relevant to the query. Page fetches go through a TTL
// cache so repeated searches within a run do not refetch the same URLs.
type WebSearch struct {
	cfg    config.SearchConfig
	client *http.Client
	cache  *Cache
}

// NewWebSearch builds the search adapter from configuration.
func NewWebSearch(cfg config.SearchConfig) *WebSearch {
	return &WebSearch{
		cfg:    cfg,
		client: &http.Client{Timeout: pageFetchTimeout},
		cache:  NewCache(cfg.CacheTTL()),
	}
}

// Name implements Tool.
func (w *WebSearch) Name() string { return ToolWebSearch }

type webSearchParams struct {
	Query string `json:"query"`
}

// searchAPIResponse mirrors the subset of the Brave web search response the
// adapter reads.
type searchAPIResponse struct {
	Web struct {
		Results []searchHit `json:"results"`
	} `json:"web"`
}

type searchHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// passage is one scored snippet attributed to a source page.
type passage struct {
	text  string
	score float64
}

// sourceFindings groups the surviving passages of one search hit.
type sourceFindings struct {
	hit      searchHit
	passages []passage
	best     float64
}

// Execute runs one search. Params: {"query": "..."}. An empty result set is
// a success with explanatory content; network and API failures come back
// through Result.Err.
func (w *WebSearch) Execute(ctx context.Context, params json.RawMessage) Result {
	var p webSearchParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Result{Err: fmt.Sprintf("invalid web_search params: %v", err)}
		}
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return Result{Err: "query is required"}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout())
	defer cancel()

	hits, err := w.queryAPI(ctx, p.Query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Err: fmt.Sprintf("search timed out after %ds", w.cfg.TimeoutSeconds)}
		}
		return Result{Err: err.Error()}
	}
	if len(hits) == 0 {
		return Result{Content: fmt.Sprintf("No results found for %q.", p.Query)}
	}

	findings := w.collectFindings(ctx, p.Query, hits)
	return formatFindings(p.Query, findings)
}

// queryAPI calls the search endpoint and decodes the hit list.
func (w *WebSearch) queryAPI(ctx context.Context, query string) ([]searchHit, error) {
	endpoint, err := url.Parse(w.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search base URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(w.maxResults()))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.cfg.APIKey)
	if w.cfg.MLDevice != "" {
		// Backend hint for deployments that run their own ranking service.
		req.Header.Set(mlDeviceHeader, w.cfg.MLDevice)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := decoded.Web.Results
	if len(hits) > w.maxResults() {
		hits = hits[:w.maxResults()]
	}
	return hits, nil
}

func (w *WebSearch) maxResults() int {
	if w.cfg.MaxResults > 0 {
		return w.cfg.MaxResults
	}
	return 5
}

// collectFindings turns search hits into scored, per-source passages. When
// content fetching is disabled (or every page fails) the API snippets stand
// in for page text.
func (w *WebSearch) collectFindings(ctx context.Context, query string, hits []searchHit) []sourceFindings {
	pages := make([]string, len(hits))
	if w.cfg.FetchContent {
		var wg sync.WaitGroup
		for i, hit := range hits {
			wg.Add(1)
			go func(i int, pageURL string) {
				defer wg.Done()
				pages[i] = w.fetchPageText(ctx, pageURL)
			}(i, hit.URL)
		}
		wg.Wait()
	}

	terms := queryTerms(query)
	findings := make([]sourceFindings, 0, len(hits))
	for i, hit := range hits {
		candidates := []string{}
		if hit.Description != "" {
			candidates = append(candidates, hit.Description)
		}
		candidates = append(candidates, splitChunks(pages[i])...)

		passages := scorePassages(terms, candidates,
			w.cfg.BiEncoderThreshold, w.cfg.CrossEncoderThreshold)
		if len(passages) == 0 {
			continue
		}
		if len(passages) > snippetsPerSource {
			passages = passages[:snippetsPerSource]
		}
		findings = append(findings, sourceFindings{
			hit:      hit,
			passages: passages,
			best:     passages[0].score,
		})
	}

	if len(findings) == 0 {
		// Nothing cleared the relevance floors. Fall back to the raw
		// snippets unranked rather than returning an empty answer.
		for _, hit := range hits {
			text := hit.Description
			if text == "" {
				text = hit.Title
			}
			if text == "" {
				continue
			}
			findings = append(findings, sourceFindings{
				hit:      hit,
				passages: []passage{{text: text}},
			})
		}
		return findings
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].best > findings[j].best
	})
	return findings
}

// fetchPageText downloads one page and extracts its readable text, consulting
// the cache first. Failures return empty text; the hit's snippet still
// represents the source.
func (w *WebSearch) fetchPageText(ctx context.Context, pageURL string) string {
	if pageURL == "" {
		return ""
	}
	if cached, ok := w.cache.Get(pageURL); ok {
		return cached
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "quarry-research/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Debug("Page fetch failed", "url", pageURL, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Debug("Page fetch returned non-OK status", "url", pageURL, "status", resp.StatusCode)
		return ""
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, 1<<20), parsed)
	if err != nil {
		slog.Debug("Readability extraction failed", "url", pageURL, "error", err)
		return ""
	}

	text := strings.TrimSpace(article.TextContent)
	w.cache.Set(pageURL, text)
	return text
}

// formatFindings renders grouped findings and the source list.
func formatFindings(query string, findings []sourceFindings) Result {
	if len(findings) == 0 {
		return Result{Content: fmt.Sprintf("No results found for %q.", query)}
	}

	var b strings.Builder
	sources := make([]string, 0, len(findings))
	for _, f := range findings {
		title := f.hit.Title
		if title == "" {
			title = f.hit.URL
		}
		fmt.Fprintf(&b, "### %s\n%s\n", title, f.hit.URL)
		for _, p := range f.passages {
			fmt.Fprintf(&b, "  - %s\n", strings.TrimSpace(p.text))
		}
		b.WriteString("\n")
		sources = append(sources, f.hit.URL)
	}

	b.WriteString("Sources:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "  %s\n", src)
	}

	return Result{Content: strings.TrimSpace(b.String()), Sources: sources}
}

// queryTerms lowercases the query and keeps terms long enough to carry
// meaning for overlap scoring.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// scorePassages ranks candidate texts against the query in two stages. The
// first stage keeps candidates whose term coverage clears coarseFloor; the
// second refines the survivors with adjacent-pair overlap and drops anything
// below fineFloor. Results come back sorted best first.
func scorePassages(terms []string, candidates []string, coarseFloor, fineFloor float64) []passage {
	if len(terms) == 0 {
		return nil
	}

	kept := make([]passage, 0, len(candidates))
	for _, text := range candidates {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		coarse := termCoverage(terms, text)
		if coarse < coarseFloor {
			continue
		}
		fine := (coarse + pairCoverage(terms, text)) / 2
		if fine < fineFloor {
			continue
		}
		kept = append(kept, passage{text: text, score: fine})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].score > kept[j].score
	})
	return kept
}

// termCoverage is the fraction of query terms present in text.
func termCoverage(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// pairCoverage is the fraction of adjacent query term pairs that appear near
// each other in text. Single-term queries score full marks when the term is
// present at all.
func pairCoverage(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	if len(terms) < 2 {
		return termCoverage(terms, text)
	}
	matched := 0
	for i := 0; i < len(terms)-1; i++ {
		first := strings.Index(lower, terms[i])
		if first < 0 {
			continue
		}
		second := strings.Index(lower, terms[i+1])
		if second < 0 {
			continue
		}
		// Near each other: within one chunk's worth of text.
		if abs(first-second) <= chunkMaxChars {
			matched++
		}
	}
	return float64(matched) / float64(len(terms)-1)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// splitChunks packs page text into passage-sized chunks on paragraph
// boundaries, discarding fragments too short to be useful.
func splitChunks(text string) []string {
	if text == "" {
		return nil
	}
	paragraphs := strings.Split(text, "\n")

	var chunks []string
	var current strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if len(chunk) >= chunkMinChars {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > chunkMaxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(para)
		// Oversized single paragraphs flush immediately rather than
		// splitting mid-sentence.
		if current.Len() >= chunkMaxChars {
			flush()
		}
	}
	flush()
	return chunks
}

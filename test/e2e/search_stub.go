package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// SearchHit is one canned result the search stub returns for a query.
type SearchHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// searchStub mimics the Brave web search API: hits are keyed by the exact
// `q` parameter, and every received query is recorded for assertions.
// Unknown queries return an empty result set, which the adapter treats as a
// successful "no results" answer.
type searchStub struct {
	mu      sync.Mutex
	results map[string][]SearchHit
	queries []string

	server *httptest.Server
}

func newSearchStub(results map[string][]SearchHit) *searchStub {
	s := &searchStub{results: results}
	if s.results == nil {
		s.results = make(map[string][]SearchHit)
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *searchStub) handle(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	s.mu.Lock()
	s.queries = append(s.queries, query)
	hits := s.results[query]
	s.mu.Unlock()

	resp := map[string]any{
		"web": map[string]any{
			"results": hits,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Queries returns every `q` parameter received, in arrival order.
func (s *searchStub) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	copy(out, s.queries)
	return out
}

func (s *searchStub) close() {
	s.server.Close()
}

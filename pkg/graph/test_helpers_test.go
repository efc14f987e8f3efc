package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/masking"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// scriptedLLM pops canned completions in order and records every request,
// so a test can assert both what the engine asked and how often.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (s *scriptedLLM) push(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted llm exhausted by request %d", len(s.requests))
	}
	text := s.responses[0]
	s.responses = s.responses[1:]
	return &llm.Response{
		Text:  text,
		Usage: llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// stubTool adapts a plain function into a tools.Tool.
type stubTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) tools.Result
}

func (s *stubTool) Name() string { return s.name }

func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) tools.Result {
	return s.fn(ctx, params)
}

// searchByQuery builds a search stub answering from a query-to-result map.
// Unknown queries fail.
func searchByQuery(results map[string]tools.Result) tools.Tool {
	return &stubTool{name: tools.ToolWebSearch, fn: func(_ context.Context, params json.RawMessage) tools.Result {
		var p struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return tools.Result{Err: err.Error()}
		}
		res, ok := results[p.Query]
		if !ok {
			return tools.Result{Err: fmt.Sprintf("no stubbed result for %q", p.Query)}
		}
		return res
	}}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MinPlanSteps:                  1,
		MaxPlanSteps:                  10,
		MaxSubsteps:                   3,
		MaxExecutorCalls:              5,
		MaxSearchesPerStep:            3,
		MaxFileReadChars:              8000,
		TerminalOutputLimit:           4000,
		TerminalDefaultTimeoutSeconds: 30,
		TerminalMaxTimeoutSeconds:     300,
	}
}

// testHarness bundles a real sqlite-backed store, a scripted model, and an
// engine wired the way production wires it.
type testHarness struct {
	llm       *scriptedLLM
	store     *store.Store
	runs      *services.RunService
	approvals *services.ApprovalService
	engine    *Engine
	runID     string
}

func newHarness(t *testing.T, cfg config.EngineConfig, search tools.Tool) *testHarness {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		Dir:    t.TempDir(),
		File:   "graph_test.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runs := services.NewRunService(st)
	run, err := runs.CreateRun(context.Background(), "alice", models.CreateRunRequest{Title: "graph test"})
	require.NoError(t, err)

	if search == nil {
		search = &stubTool{name: tools.ToolWebSearch, fn: func(context.Context, json.RawMessage) tools.Result {
			return tools.Result{Err: "no search stub configured"}
		}}
	}

	client := &scriptedLLM{}
	approvals := services.NewApprovalService(st)
	engine := NewEngine(EngineDeps{
		LLM:       client,
		Search:    search,
		Terminal:  tools.NewTerminal(cfg),
		FileRead:  tools.NewFileRead(cfg),
		Knowledge: tools.NewKnowledge(),
		Publisher: events.NewPublisher(services.NewEventService(st), events.NewBroker()),
		Approvals: approvals,
		Tokens:    runs,
		Masking:   masking.NewService(),
		Config:    cfg,
	})

	return &testHarness{
		llm:       client,
		store:     st,
		runs:      runs,
		approvals: approvals,
		engine:    engine,
		runID:     run.ID,
	}
}

func (h *testHarness) driver() *Driver {
	return NewDriver(h.engine, h.store, h.runID)
}

// Canned completions assembled from the formats the prompts ask for.

func planText(steps ...string) string {
	out := ""
	for i, s := range steps {
		out += fmt.Sprintf("%d. %s\n", i+1, s)
	}
	return out
}

func knowledgeDecision(answer string) string {
	params, _ := json.Marshal(map[string]string{"answer": answer})
	return "REASONING: I already know this.\nDECISION: knowledge\nPARAMS: " + string(params)
}

func searchDecision(themes ...string) string {
	params, _ := json.Marshal(map[string][]string{"themes": themes})
	return "REASONING: Need current information.\nDECISION: web_search\nPARAMS: " + string(params)
}

func terminalDecision(command string) string {
	params, _ := json.Marshal(map[string]string{"command": command})
	return "REASONING: Inspect the environment.\nDECISION: terminal\nPARAMS: " + string(params)
}

func fileReadDecision(path string) string {
	params, _ := json.Marshal(map[string]string{"path": path})
	return "REASONING: The file holds the answer.\nDECISION: read_file\nPARAMS: " + string(params)
}

const (
	sufficientJSON = `{"reasoning": "enough collected", "decision": "SUFFICIENT"}`
	approveVerdict = "DECISION: APPROVE\nThe findings answer the step."
	doneDecision   = "REASONING: Nothing more to run.\nDECISION: DONE"
)

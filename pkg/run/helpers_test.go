package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/graph"
	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/masking"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// scriptedLLM pops canned completions in order and records every request.
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

// gatedLLM holds one request open until the test releases it, so the test
// can act while the driver is provably mid-node.
type gatedLLM struct {
	scriptedLLM
	gateOn  int64         // 1-based index of the request to hold
	seen    atomic.Int64
	entered chan struct{} // closed when the gated request arrives
	release chan struct{} // the gated request waits on this
}

func newGatedLLM(gateOn int) *gatedLLM {
	return &gatedLLM{
		gateOn:  int64(gateOn),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if g.seen.Add(1) == g.gateOn {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.scriptedLLM.Complete(ctx, req)
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

func testConfig(maxConcurrent int) config.EngineConfig {
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
		MaxConcurrentRuns:             maxConcurrent,
	}
}

// managerHarness bundles a sqlite-backed store, a scripted model, and a
// Manager wired the way main wires it.
type managerHarness struct {
	store     *store.Store
	runs      *services.RunService
	approvals *services.ApprovalService
	events    *services.EventService
	manager   *Manager
	runID     string
}

func newManagerHarness(t *testing.T, cfg config.EngineConfig, client llm.Client) *managerHarness {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		Dir:    t.TempDir(),
		File:   "run_test.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runs := services.NewRunService(st)
	approvals := services.NewApprovalService(st)
	eventService := services.NewEventService(st)
	publisher := events.NewPublisher(eventService, events.NewBroker())

	failSearch := &stubTool{name: tools.ToolWebSearch, fn: func(context.Context, json.RawMessage) tools.Result {
		return tools.Result{Err: "no search stub configured"}
	}}
	engine := graph.NewEngine(graph.EngineDeps{
		LLM:       client,
		Search:    failSearch,
		Terminal:  tools.NewTerminal(cfg),
		FileRead:  tools.NewFileRead(cfg),
		Knowledge: tools.NewKnowledge(),
		Publisher: publisher,
		Approvals: approvals,
		Tokens:    runs,
		Masking:   masking.NewService(),
		Config:    cfg,
	})

	m := NewManager(engine, st, runs, approvals, publisher, nil, cfg)
	t.Cleanup(m.Close)

	run, err := runs.CreateRun(context.Background(), "alice", models.CreateRunRequest{Title: "manager test"})
	require.NoError(t, err)

	return &managerHarness{
		store:     st,
		runs:      runs,
		approvals: approvals,
		events:    eventService,
		manager:   m,
		runID:     run.ID,
	}
}

func (h *managerHarness) waitStatus(t *testing.T, runID string, want models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := h.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached status %s", want)
}

func (h *managerHarness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.LiveCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "manager never went idle")
}

func (h *managerHarness) status(t *testing.T) models.RunStatus {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), h.runID)
	require.NoError(t, err)
	return run.Status
}

func (h *managerHarness) eventTypes(t *testing.T) []string {
	t.Helper()
	records, err := h.events.GetEventsSince(context.Background(), h.runID, 0, 1000)
	require.NoError(t, err)
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.Type)
	}
	return types
}

// eventPayload returns the payload of the first event of the given type.
func (h *managerHarness) eventPayload(t *testing.T, eventType string) json.RawMessage {
	t.Helper()
	records, err := h.events.GetEventsSince(context.Background(), h.runID, 0, 1000)
	require.NoError(t, err)
	for _, r := range records {
		if r.Type == eventType {
			return r.Payload
		}
	}
	t.Fatalf("no %s event recorded", eventType)
	return nil
}

// parkPausedRun seeds a checkpointed single-step run in paused status, as
// if the user paused it before the executor began.
func (h *managerHarness) parkPausedRun(t *testing.T, query string) {
	t.Helper()
	ctx := context.Background()
	state := models.NewRunState(query, testConfig(1).MaxExecutorCalls)
	state.AppendMessage(models.MessageRoleUser, query)
	state.Plan = []models.PlanStep{{
		ID:          "step-1",
		Description: "Find the answer",
		Status:      models.StepStatusTODO,
		MaxSubsteps: 3,
	}}
	require.NoError(t, h.store.SaveCheckpoint(ctx, h.runID, 0, "start", string(graph.NodeExecutorEntry), state))
	require.NoError(t, h.runs.SetStatus(ctx, h.runID, models.RunStatusPaused))
}

// Canned completions in the formats the prompts ask for.

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

func terminalDecision(command string) string {
	params, _ := json.Marshal(map[string]string{"command": command})
	return "REASONING: Inspect the environment.\nDECISION: terminal\nPARAMS: " + string(params)
}

const (
	sufficientJSON = `{"reasoning": "enough collected", "decision": "SUFFICIENT"}`
	approveVerdict = "DECISION: APPROVE\nThe findings answer the step."
	reportText     = "# Report\n\nAll done."
)

// knowledgeStepScript is the completion sequence for one approved
// knowledge step followed by the report.
func knowledgeStepScript(answer string) []string {
	return []string{knowledgeDecision(answer), sufficientJSON, approveVerdict, reportText}
}

// Package graph implements the research engine: a graph of nodes operating
// on one mutable run state. The driver advances the graph node by node,
// persisting a checkpoint after every execution, so a run survives process
// restarts and can suspend indefinitely on human input.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/masking"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// NodeName identifies a node in the run graph.
type NodeName string

// Outer nodes.
const (
	NodePlanner    NodeName = "planner"
	NodeEvaluator  NodeName = "evaluator"
	NodeStrategist NodeName = "strategist"
	NodeReporter   NodeName = "reporter"
)

// Executor subgraph nodes.
const (
	NodeExecutorEntry   NodeName = "executor_entry"
	NodeDecision        NodeName = "decision"
	NodeThemeIdentifier NodeName = "theme_identifier"
	NodeParallelSearch  NodeName = "parallel_search"
	NodeTerminalPrepare NodeName = "terminal_prepare"
	NodeTerminalGate    NodeName = "terminal_gate"
	NodeTerminalExecute NodeName = "terminal_execute"
	NodeFileRead        NodeName = "file_read"
	NodeKnowledge       NodeName = "knowledge"
	NodeAccumulate      NodeName = "accumulate"
	NodeSufficiency     NodeName = "sufficiency"
	NodeExecutorExit    NodeName = "executor_exit"
)

// NodeEnd is the terminal marker. It is never executed; reaching it means
// the run is done.
const NodeEnd NodeName = "end"

// NodeResult is a node's directed transition. Suspend tells the driver to
// checkpoint and park the run until external input relaunches it (plan
// confirmation, terminal approval).
type NodeResult struct {
	Next    NodeName
	Suspend bool
}

// NodeFunc advances the state by one node. It mutates state in place; the
// driver persists the result.
type NodeFunc func(ctx context.Context, runID string, state *models.RunState) (NodeResult, error)

// ApprovalStore is the engine's view of the terminal-approval coordinator.
type ApprovalStore interface {
	CreatePending(ctx context.Context, runID, command string) (*models.Approval, error)
	Get(ctx context.Context, runID, hash string) (*models.Approval, error)
	Consume(ctx context.Context, runID, hash string) error
}

// TokenSink receives token usage accounting as LLM calls complete.
type TokenSink interface {
	AddTokens(ctx context.Context, runID string, tokens int) error
}

// EngineDeps wires an Engine. Masking is optional; without it tool output is
// recorded as produced.
type EngineDeps struct {
	LLM       llm.Client
	Search    tools.Tool
	Terminal  tools.Tool
	FileRead  tools.Tool
	Knowledge tools.Tool
	Publisher *events.Publisher
	Approvals ApprovalStore
	Tokens    TokenSink
	Masking   *masking.Service
	Config    config.EngineConfig
}

// Engine holds the dependencies node functions need. One Engine serves every
// run in the process; all per-run position lives in RunState and the
// checkpoint store.
type Engine struct {
	llm       llm.Client
	search    tools.Tool
	terminal  tools.Tool
	fileRead  tools.Tool
	knowledge tools.Tool
	publisher *events.Publisher
	approvals ApprovalStore
	tokens    TokenSink
	masking   *masking.Service
	cfg       config.EngineConfig
}

// NewEngine builds the engine from its dependencies.
func NewEngine(deps EngineDeps) *Engine {
	return &Engine{
		llm:       deps.LLM,
		search:    deps.Search,
		terminal:  deps.Terminal,
		fileRead:  deps.FileRead,
		knowledge: deps.Knowledge,
		publisher: deps.Publisher,
		approvals: deps.Approvals,
		tokens:    deps.Tokens,
		masking:   deps.Masking,
		cfg:       deps.Config,
	}
}

// node resolves a node name to its function.
func (e *Engine) node(name NodeName) (NodeFunc, error) {
	switch name {
	case NodePlanner:
		return e.planner, nil
	case NodeEvaluator:
		return e.evaluator, nil
	case NodeStrategist:
		return e.strategist, nil
	case NodeReporter:
		return e.reporter, nil
	case NodeExecutorEntry:
		return e.executorEntry, nil
	case NodeDecision:
		return e.decision, nil
	case NodeThemeIdentifier:
		return e.themeIdentifier, nil
	case NodeParallelSearch:
		return e.parallelSearch, nil
	case NodeTerminalPrepare:
		return e.terminalPrepare, nil
	case NodeTerminalGate:
		return e.terminalGate, nil
	case NodeTerminalExecute:
		return e.terminalExecute, nil
	case NodeFileRead:
		return e.fileReadNode, nil
	case NodeKnowledge:
		return e.knowledgeNode, nil
	case NodeAccumulate:
		return e.accumulate, nil
	case NodeSufficiency:
		return e.sufficiency, nil
	case NodeExecutorExit:
		return e.executorExit, nil
	default:
		return nil, fmt.Errorf("unknown graph node %q", name)
	}
}

// complete performs one LLM call and books its token usage against the run.
func (e *Engine) complete(ctx context.Context, runID string, req llm.Request) (string, error) {
	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if e.tokens != nil && resp.Usage.TotalTokens > 0 {
		if err := e.tokens.AddTokens(ctx, runID, resp.Usage.TotalTokens); err != nil {
			slog.Warn("Failed to record token usage", "run_id", runID, "error", err)
		}
	}
	return resp.Text, nil
}

// Event emission is best-effort: a failed persist or broadcast is logged
// and the run keeps moving.

func (e *Engine) emitMessage(ctx context.Context, runID string, role models.MessageRole, content string) {
	err := e.publisher.PublishMessage(ctx, runID, events.MessagePayload{Role: role, Content: content})
	if err != nil {
		slog.Warn("Failed to publish message event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitToolCall(ctx context.Context, runID, stepID string, rec models.ToolCallRecord) {
	err := e.publisher.PublishToolCall(ctx, runID, events.ToolCallPayload{
		StepID:  stepID,
		CallID:  rec.ID,
		Tool:    rec.Tool,
		Params:  rec.Params,
		Result:  rec.Result,
		Success: rec.Success,
		Error:   rec.Error,
	})
	if err != nil {
		slog.Warn("Failed to publish tool_call event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitPlanUpdate(ctx context.Context, runID string, plan []models.PlanStep) {
	err := e.publisher.PublishPlanUpdate(ctx, runID, events.PlanUpdatePayload{Plan: plan})
	if err != nil {
		slog.Warn("Failed to publish plan_update event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitStepStart(ctx context.Context, runID string, index int, step *models.PlanStep) {
	err := e.publisher.PublishStepStart(ctx, runID, events.StepStartPayload{
		StepID:      step.ID,
		StepIndex:   index,
		Description: step.Description,
	})
	if err != nil {
		slog.Warn("Failed to publish step_start event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitStepComplete(ctx context.Context, runID string, index int, step *models.PlanStep) {
	err := e.publisher.PublishStepComplete(ctx, runID, events.StepCompletePayload{
		StepID:    step.ID,
		StepIndex: index,
		Status:    step.Status,
		Result:    step.Result,
	})
	if err != nil {
		slog.Warn("Failed to publish step_complete event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitSearchParallel(ctx context.Context, runID string, themes []string, results []models.SearchResult) {
	err := e.publisher.PublishSearchParallel(ctx, runID, events.SearchParallelPayload{
		Themes:  themes,
		Results: results,
	})
	if err != nil {
		slog.Warn("Failed to publish search_parallel event", "run_id", runID, "error", err)
	}
}

func (e *Engine) emitPhaseChange(ctx context.Context, runID string, phase models.Phase) {
	err := e.publisher.PublishPhaseChange(ctx, runID, events.PhaseChangePayload{Phase: phase})
	if err != nil {
		slog.Warn("Failed to publish phase_change event", "run_id", runID, "error", err)
	}
}

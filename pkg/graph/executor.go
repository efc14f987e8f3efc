package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// executorEntry opens one attempt at the current step: per-step scratch is
// reset, the step goes IN_PROGRESS, and the decision loop begins.
func (e *Engine) executorEntry(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	step := state.CurrentStep()
	if step == nil {
		slog.Warn("Executor reached without a current step", "run_id", runID, "step_index", state.CurrentStepIndex)
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}

	state.ResetExecutor()
	step.Status = models.StepStatusInProgress
	state.Phase = models.PhaseExecuting
	e.emitStepStart(ctx, runID, state.CurrentStepIndex, step)
	return NodeResult{Next: NodeDecision}, nil
}

// decision picks the next tool. Handed-off search themes short-circuit the
// model on the first round; afterwards the model routes on the collected
// history.
func (e *Engine) decision(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	step := state.CurrentStep()
	if step == nil {
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}

	if state.ExecutorCallCount >= state.MaxExecutorCalls {
		state.ExecutorSufficient = true
		return NodeResult{Next: NodeExecutorExit}, nil
	}

	if len(state.SearchThemes) > 0 && len(state.ExecutorToolHistory) == 0 {
		params, err := json.Marshal(map[string][]string{"themes": state.SearchThemes})
		if err != nil {
			return NodeResult{}, fmt.Errorf("failed to encode search themes: %w", err)
		}
		state.ExecutorDecision = &models.Decision{
			Tool:      models.DecisionWebSearch,
			Params:    params,
			Reasoning: "Searching the themes handed off by the previous stage.",
		}
		return NodeResult{Next: NodeThemeIdentifier}, nil
	}

	text, err := e.complete(ctx, runID, llm.Request{
		System:   decisionSystemPrompt(),
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: decisionUserPrompt(state, step)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("tool decision failed: %w", err)
	}

	parsed := parseDecision(text)
	tool := parsed.Tool
	if tool == "" {
		slog.Warn("Unrecognized tool decision, ending the loop", "run_id", runID, "step_id", step.ID)
		tool = models.DecisionDone
	}
	state.ExecutorDecision = &models.Decision{
		Tool:      tool,
		Params:    parsed.Params,
		Reasoning: parsed.Reasoning,
	}

	switch tool {
	case models.DecisionWebSearch:
		return NodeResult{Next: NodeThemeIdentifier}, nil
	case models.DecisionTerminal:
		return NodeResult{Next: NodeTerminalPrepare}, nil
	case models.DecisionReadFile:
		return NodeResult{Next: NodeFileRead}, nil
	case models.DecisionKnowledge:
		return NodeResult{Next: NodeKnowledge}, nil
	default:
		return NodeResult{Next: NodeExecutorExit}, nil
	}
}

// fileReadNode runs the single-shot file read the decision asked for.
func (e *Engine) fileReadNode(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	params := decisionParams(state.ExecutorDecision)
	res := e.fileRead.Execute(ctx, params)
	e.recordToolCall(ctx, runID, state, tools.ToolFileRead, params, res)
	return NodeResult{Next: NodeAccumulate}, nil
}

// knowledgeNode records the model's own answer as a tool result.
func (e *Engine) knowledgeNode(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	params := decisionParams(state.ExecutorDecision)
	res := e.knowledge.Execute(ctx, params)
	e.recordToolCall(ctx, runID, state, tools.ToolKnowledge, params, res)
	return NodeResult{Next: NodeAccumulate}, nil
}

// accumulate folds pending parallel search results into a single history
// record. Single-shot tools record themselves, so for them this node only
// restores the executing phase.
func (e *Engine) accumulate(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	if state.ParallelSearchResults != nil {
		findings, sources := tools.MergeSearchResults(state.ParallelSearchResults)
		params, err := json.Marshal(map[string][]string{"themes": state.SearchThemes})
		if err != nil {
			return NodeResult{}, fmt.Errorf("failed to encode search themes: %w", err)
		}
		rec := models.ToolCallRecord{
			ID:      state.NextToolCallID(),
			Tool:    tools.ToolWebSearch,
			Params:  params,
			Result:  findings,
			Sources: sources,
			Success: tools.AnySucceeded(state.ParallelSearchResults),
		}
		if !rec.Success {
			rec.Error = workerErrors(state.ParallelSearchResults)
		}
		state.ExecutorToolHistory = append(state.ExecutorToolHistory, rec)
		state.ExecutorCallCount++
		state.ParallelSearchResults = nil

		stepID := ""
		if step := state.CurrentStep(); step != nil {
			stepID = step.ID
		}
		e.emitToolCall(ctx, runID, stepID, rec)
	}

	state.Phase = models.PhaseExecuting
	return NodeResult{Next: NodeSufficiency}, nil
}

// workerErrors joins per-worker failures into one record error.
func workerErrors(results []models.SearchResult) string {
	var parts []string
	for _, r := range results {
		if r.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Query, r.Error))
		}
	}
	if len(parts) == 0 {
		return "no search worker returned findings"
	}
	return strings.Join(parts, "; ")
}

// sufficiency decides whether the collected results settle the step. Budget
// exhaustion is always sufficient; an empty history always continues.
func (e *Engine) sufficiency(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	if state.ExecutorCallCount >= state.MaxExecutorCalls {
		state.ExecutorSufficient = true
		return NodeResult{Next: NodeExecutorExit}, nil
	}
	if len(state.ExecutorToolHistory) == 0 {
		state.ExecutorSufficient = false
		return NodeResult{Next: NodeDecision}, nil
	}

	step := state.CurrentStep()
	if step == nil {
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}

	text, err := e.complete(ctx, runID, llm.Request{
		System:   sufficiencySystemPrompt,
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: sufficiencyUserPrompt(state, step)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("sufficiency check failed: %w", err)
	}

	sufficient, reasoning := parseSufficiency(text)
	state.ExecutorSufficient = sufficient
	slog.Debug("Sufficiency judged", "run_id", runID, "step_id", step.ID, "sufficient", sufficient, "reasoning", previewText(reasoning, historyPreviewChars))
	if sufficient {
		return NodeResult{Next: NodeExecutorExit}, nil
	}
	return NodeResult{Next: NodeDecision}, nil
}

// executorExit composes the attempt's findings from successful tool calls
// and hands control to the evaluator. The tool history survives until the
// next attempt so the evaluator can see an all-failure round.
func (e *Engine) executorExit(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	var findings []string
	var failures []string
	for _, rec := range state.ExecutorToolHistory {
		if rec.Success && rec.Result != "" {
			findings = append(findings, fmt.Sprintf("[%s] %s", rec.Tool, rec.Result))
		} else if !rec.Success {
			failures = append(failures, fmt.Sprintf("%s: %s", rec.Tool, rec.Error))
		}
	}
	if len(findings) == 0 {
		if len(failures) > 0 {
			findings = []string{fmt.Sprintf(
				"No tool call succeeded (%d attempted). Errors: %s",
				len(state.ExecutorToolHistory), strings.Join(failures, "; "))}
		} else {
			findings = []string{"No information was gathered for this step."}
		}
	}

	state.StepFindings = findings
	state.ExecutorDecision = nil
	state.PendingTerminal = nil
	state.ParallelSearchResults = nil
	state.Phase = models.PhaseEvaluating
	return NodeResult{Next: NodeEvaluator}, nil
}

// recordToolCall appends one finished tool invocation to the step history
// and spends one budget unit. Terminal and file output is masked here, the
// one point every result passes on its way to the checkpoint and the event
// stream; search findings come from the public web and pass through as is.
func (e *Engine) recordToolCall(ctx context.Context, runID string, state *models.RunState, tool string, params json.RawMessage, res tools.Result) {
	if e.masking != nil && (tool == tools.ToolTerminal || tool == tools.ToolFileRead) {
		res.Content = e.masking.Mask(res.Content)
	}
	rec := models.ToolCallRecord{
		ID:      state.NextToolCallID(),
		Tool:    tool,
		Params:  params,
		Result:  res.Content,
		Sources: res.Sources,
		Success: !res.Failed(),
		Error:   res.Err,
	}
	state.ExecutorToolHistory = append(state.ExecutorToolHistory, rec)
	state.ExecutorCallCount++

	stepID := ""
	if step := state.CurrentStep(); step != nil {
		stepID = step.ID
	}
	e.emitToolCall(ctx, runID, stepID, rec)
}

// decisionParams returns the decision's params, or an empty object when the
// decision carried none.
func decisionParams(d *models.Decision) json.RawMessage {
	if d == nil || len(d.Params) == 0 {
		return json.RawMessage("{}")
	}
	return d.Params
}

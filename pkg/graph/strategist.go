package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
)

// strategist plans a retry for a failed step: alternative search queries
// that the next executor attempt starts from. The handoff travels in
// SearchThemes, which the decision node honors without consulting the model.
func (e *Engine) strategist(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	step := state.CurrentStep()
	if step == nil {
		slog.Warn("Strategist reached without a current step", "run_id", runID, "step_index", state.CurrentStepIndex)
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}

	text, err := e.complete(ctx, runID, llm.Request{
		System:   strategistSystemPrompt,
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: strategistUserPrompt(state, step)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("recovery planning failed: %w", err)
	}

	queries := parseSearchQueries(text, e.cfg.MaxSearchesPerStep)
	if len(queries) == 0 {
		queries = fallbackQueries(step.Description)
	}
	slog.Debug("Recovery queries prepared", "run_id", runID, "step_id", step.ID, "queries", len(queries))

	state.SearchThemes = queries
	state.StepFindings = nil
	state.LastError = ""
	return NodeResult{Next: NodeExecutorEntry}, nil
}

// fallbackQueries derives retry queries from the step itself when the model
// output yields none.
func fallbackQueries(description string) []string {
	return []string{
		description,
		description + " alternative approaches",
	}
}

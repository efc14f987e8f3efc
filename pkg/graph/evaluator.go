package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
)

// evaluator judges the current step's findings and routes the run onward:
// approve advances the plan, fail hands the step to the strategist while
// attempts remain, skip advances without recording an attempt.
func (e *Engine) evaluator(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	step := state.CurrentStep()
	if step == nil {
		slog.Warn("Evaluator reached without a current step", "run_id", runID, "step_index", state.CurrentStepIndex)
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}

	verdict, reasoning, err := e.judgeStep(ctx, runID, state, step)
	if err != nil {
		return NodeResult{}, fmt.Errorf("step evaluation failed: %w", err)
	}
	slog.Debug("Step evaluated", "run_id", runID, "step_id", step.ID, "verdict", verdict)

	switch verdict {
	case "SKIP":
		step.Status = models.StepStatusSkipped
		step.Result = "Skipped: " + reasoning
		e.emitStepComplete(ctx, runID, state.CurrentStepIndex, step)
		return e.advancePlan(ctx, runID, state), nil

	case "FAIL":
		step.Substeps = append(step.Substeps, models.Substep{
			ID:            step.CurrentSubstepIndex + 1,
			SearchQueries: append([]string(nil), state.SearchThemes...),
			Findings:      append([]string(nil), state.StepFindings...),
			Status:        models.SubstepStatusFailed,
			Error:         reasoning,
		})
		// Partial findings from a failed attempt still feed the report.
		step.AccumulatedFindings = append(step.AccumulatedFindings, state.StepFindings...)

		if step.CurrentSubstepIndex+1 < step.MaxSubsteps {
			step.CurrentSubstepIndex++
			state.LastError = reasoning
			state.Phase = models.PhaseRecovering
			e.emitPlanUpdate(ctx, runID, state.Plan)
			return NodeResult{Next: NodeStrategist}, nil
		}

		step.Status = models.StepStatusFailed
		step.Error = fmt.Sprintf("all %d attempts failed", step.MaxSubsteps)
		e.emitStepComplete(ctx, runID, state.CurrentStepIndex, step)
		return e.advancePlan(ctx, runID, state), nil

	default: // APPROVE
		step.Substeps = append(step.Substeps, models.Substep{
			ID:            step.CurrentSubstepIndex + 1,
			SearchQueries: append([]string(nil), state.SearchThemes...),
			Findings:      append([]string(nil), state.StepFindings...),
			Status:        models.SubstepStatusDone,
		})
		step.AccumulatedFindings = append(step.AccumulatedFindings, state.StepFindings...)
		step.Status = models.StepStatusDone
		step.Result = reasoning
		e.emitStepComplete(ctx, runID, state.CurrentStepIndex, step)
		return e.advancePlan(ctx, runID, state), nil
	}
}

// judgeStep produces the verdict for the current attempt. An attempt whose
// every tool call failed is a deterministic FAIL; the model never sees it.
func (e *Engine) judgeStep(ctx context.Context, runID string, state *models.RunState, step *models.PlanStep) (string, string, error) {
	if len(state.ExecutorToolHistory) > 0 && !anySucceeded(state.ExecutorToolHistory) {
		return "FAIL", "every tool call in this attempt failed", nil
	}

	text, err := e.complete(ctx, runID, llm.Request{
		System:   evaluatorSystemPrompt,
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: evaluatorUserPrompt(state, step)}},
	})
	if err != nil {
		return "", "", err
	}
	verdict, reasoning := parseVerdict(text)
	return verdict, reasoning, nil
}

func anySucceeded(history []models.ToolCallRecord) bool {
	for _, rec := range history {
		if rec.Success {
			return true
		}
	}
	return false
}

// advancePlan moves past the current step, clearing per-step scratch, and
// routes to the next TODO step or to reporting when none remain.
func (e *Engine) advancePlan(ctx context.Context, runID string, state *models.RunState) NodeResult {
	state.CurrentStepIndex++
	state.StepFindings = nil
	state.SearchThemes = nil
	state.LastError = ""
	e.emitPlanUpdate(ctx, runID, state.Plan)

	if state.HasRemainingTODO() {
		return NodeResult{Next: NodeExecutorEntry}
	}
	state.Phase = models.PhaseReporting
	return NodeResult{Next: NodeReporter}
}

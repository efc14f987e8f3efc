package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
)

// planner turns the user's question (plus rejection feedback on a replan)
// into an ordered plan and suspends the run for confirmation. The approve
// transition is pre-recorded in the checkpoint; a rejection rewrites it to
// point back here.
func (e *Engine) planner(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	text, err := e.complete(ctx, runID, llm.Request{
		System:   plannerSystemPrompt(e.cfg.MinPlanSteps, e.cfg.MaxPlanSteps),
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: plannerUserPrompt(state)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("plan generation failed: %w", err)
	}

	descriptions := parsePlanSteps(text)
	if len(descriptions) == 0 {
		// Unparseable output still yields a workable single-step plan.
		descriptions = []string{state.OriginalQuery}
	}

	plan := make([]models.PlanStep, 0, len(descriptions))
	for _, desc := range descriptions {
		plan = append(plan, models.PlanStep{
			ID:          uuid.NewString(),
			Description: desc,
			Status:      models.StepStatusTODO,
			MaxSubsteps: e.cfg.MaxSubsteps,
		})
	}

	if len(state.Messages) == 0 {
		state.AppendMessage(models.MessageRoleUser, state.OriginalQuery)
		e.emitMessage(ctx, runID, models.MessageRoleUser, state.OriginalQuery)
	}
	state.AppendMessage(models.MessageRoleAssistant, text)
	e.emitMessage(ctx, runID, models.MessageRoleAssistant, text)

	state.Plan = plan
	state.CurrentStepIndex = 0
	// Rejection feedback is consumed by the prompt above; the revised plan
	// waits for a fresh verdict.
	state.NeedsReplan = false
	state.UserResponse = ""
	state.Phase = models.PhaseAwaitingConfirmation
	e.emitPlanUpdate(ctx, runID, state.Plan)

	return NodeResult{Next: NodeExecutorEntry, Suspend: true}, nil
}

package graph

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
)

// reporter composes the final report from the full plan, accumulated
// findings included, and closes the run.
func (e *Engine) reporter(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	state.Phase = models.PhaseReporting

	text, err := e.complete(ctx, runID, llm.Request{
		System:   reporterSystemPrompt,
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: reporterUserPrompt(state)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("report generation failed: %w", err)
	}

	state.AppendMessage(models.MessageRoleAssistant, text)
	e.emitMessage(ctx, runID, models.MessageRoleAssistant, text)
	state.Phase = models.PhaseDone
	return NodeResult{Next: NodeEnd}, nil
}

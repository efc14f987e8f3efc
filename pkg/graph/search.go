package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/llm"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// themeIdentifier settles the queries for the upcoming parallel search.
// Precedence: themes in the decision params, then themes already on the
// state, then the model. The final fallback is the step description itself.
func (e *Engine) themeIdentifier(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	step := state.CurrentStep()
	if step == nil {
		state.Phase = models.PhaseReporting
		return NodeResult{Next: NodeReporter}, nil
	}
	state.Phase = models.PhaseIdentifyingThemes

	if themes := decisionThemes(state.ExecutorDecision); len(themes) > 0 {
		state.SearchThemes = themes
		return NodeResult{Next: NodeParallelSearch}, nil
	}
	if len(state.SearchThemes) > 0 {
		return NodeResult{Next: NodeParallelSearch}, nil
	}

	text, err := e.complete(ctx, runID, llm.Request{
		System:   themeSystemPrompt,
		Messages: []llm.Message{{Role: models.MessageRoleUser, Content: themeUserPrompt(state.OriginalQuery, step)}},
	})
	if err != nil {
		return NodeResult{}, fmt.Errorf("theme identification failed: %w", err)
	}

	themes := parseSearchQueries(text, e.cfg.MaxSearchesPerStep)
	if len(themes) == 0 {
		themes = []string{step.Description}
	}
	state.SearchThemes = themes
	return NodeResult{Next: NodeParallelSearch}, nil
}

// decisionThemes extracts explicit themes from the decision params.
func decisionThemes(d *models.Decision) []string {
	if d == nil || len(d.Params) == 0 {
		return nil
	}
	var p struct {
		Themes []string `json:"themes"`
	}
	if err := json.Unmarshal(d.Params, &p); err != nil {
		return nil
	}
	var themes []string
	for _, t := range p.Themes {
		if s := strings.TrimSpace(t); s != "" {
			themes = append(themes, s)
		}
	}
	return themes
}

// parallelSearch fans the settled themes out to concurrent search workers
// and parks the raw results for accumulation.
func (e *Engine) parallelSearch(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	state.Phase = models.PhaseSearching

	themes := state.SearchThemes
	if max := e.cfg.MaxSearchesPerStep; max > 0 && len(themes) > max {
		themes = themes[:max]
		state.SearchThemes = themes
	}

	results := tools.FanOut(ctx, e.search, themes, e.cfg.MaxSearchesPerStep)
	state.ParallelSearchResults = results
	e.emitSearchParallel(ctx, runID, themes, results)
	return NodeResult{Next: NodeAccumulate}, nil
}

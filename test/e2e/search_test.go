package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 3: Parallel Search Fan-Out
// ────────────────────────────────────────────────────────────

func TestE2E_ParallelSearch(t *testing.T) {
	// LLM script: plan → search decision with three themes → report. The
	// fan-out itself makes no model calls.
	llm := NewScriptedLLM()
	llm.Add(planText("Establish the economics of grid storage"))
	llm.Add(searchDecision("grid battery costs", "storage deployment 2025", "battery duration trends"))
	llm.Add(sufficientJSON, approveVerdict, reportText)

	// Overlapping sources across themes; the merged record must keep the
	// first occurrence of each.
	results := map[string][]SearchHit{
		"grid battery costs": {
			{Title: "Cost survey", URL: "https://example.com/battery-costs", Description: "Grid battery costs fell 40% since 2020."},
			{Title: "LCOE analysis", URL: "https://example.com/lcoe", Description: "Grid battery costs now undercut gas peakers."},
		},
		"storage deployment 2025": {
			{Title: "LCOE analysis", URL: "https://example.com/lcoe", Description: "Storage deployment 2025 doubled year over year."},
			{Title: "Pipeline report", URL: "https://example.com/expansion", Description: "Storage deployment 2025 pipelines keep expanding."},
		},
		"battery duration trends": {
			{Title: "Pipeline report", URL: "https://example.com/expansion", Description: "Battery duration trends favor longer systems."},
			{Title: "Duration study", URL: "https://example.com/duration", Description: "Battery duration trends lengthen as cells get cheaper."},
		},
	}

	app := NewTestApp(t, WithLLM(llm), WithSearchResults(results))

	run := app.CreateRun(t, "Grid storage economics")
	runID := run["id"].(string)

	app.StartResearch(t, runID, "What do grid batteries cost now?")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")
	app.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app.WaitIdle(t)

	// All three themes hit the search API, concurrently in any order.
	assert.ElementsMatch(t,
		[]string{"grid battery costs", "storage deployment 2025", "battery duration trends"},
		app.SearchStub.Queries())

	// The fan-out collapsed into a single history record with deduplicated
	// sources in theme order.
	state, _, _, err := app.Store.LatestCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, state.ExecutorToolHistory, 1)
	rec := state.ExecutorToolHistory[0]
	assert.Equal(t, "web_search", rec.Tool)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{
		"https://example.com/battery-costs",
		"https://example.com/lcoe",
		"https://example.com/expansion",
		"https://example.com/duration",
	}, rec.Sources)
	assert.Contains(t, rec.Result, "## Search: grid battery costs")
	assert.Contains(t, rec.Result, "## Search: battery duration trends")

	// One tool_call event for the whole fan-out, plus one search_parallel
	// event with the per-worker results.
	toolCalls := app.EventPayloads(t, runID, "tool_call")
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "web_search", toolCalls[0]["tool"])
	params, ok := toolCalls[0]["params"].(map[string]any)
	require.True(t, ok, "tool_call params should decode as an object")
	themes, _ := params["themes"].([]any)
	require.Len(t, themes, 3)
	assert.Equal(t, "grid battery costs", themes[0])

	parallel := app.EventPayloads(t, runID, "search_parallel")
	require.Len(t, parallel, 1)
	workerResults, _ := parallel[0]["results"].([]any)
	assert.Len(t, workerResults, 3)

	assert.Equal(t, 5, llm.CallCount())
}

// ────────────────────────────────────────────────────────────
// Scenario 4: Failed Attempt, Strategist Recovery
// ────────────────────────────────────────────────────────────

func TestE2E_StepRecovery(t *testing.T) {
	// LLM script: the first attempt searches and gets failed by the
	// evaluator; the strategist hands refined queries to a second attempt,
	// which the decision node runs without consulting the model.
	llm := NewScriptedLLM()
	llm.Add(planText("Establish the state of fusion energy"))
	llm.Add(searchDecision("fusion energy milestone"))
	llm.Add(sufficientJSON, failVerdict)
	llm.Add("SEARCH: fusion pilot plants 2025\nSEARCH: tokamak net energy results")
	llm.Add(sufficientJSON, approveVerdict, reportText)

	results := map[string][]SearchHit{
		"fusion energy milestone": {
			{Title: "Press release", URL: "https://example.com/first-pass", Description: "Fusion energy milestone claimed. FIRST-PASS"},
		},
		"fusion pilot plants 2025": {
			{Title: "Funding review", URL: "https://example.com/pilot-plants", Description: "Fusion pilot plants 2025 under review. SECOND-PASS"},
		},
		"tokamak net energy results": {
			{Title: "Replication", URL: "https://example.com/tokamak", Description: "Tokamak net energy results confirmed. SECOND-PASS"},
		},
	}

	app := NewTestApp(t, WithLLM(llm), WithSearchResults(results))

	run := app.CreateRun(t, "Fusion energy status")
	runID := run["id"].(string)

	app.StartResearch(t, runID, "How close is fusion to the grid?")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")
	app.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app.WaitIdle(t)

	// The step carries both attempts: the failed one with its queries and
	// error, the recovery one with the strategist's queries.
	state, _, _, err := app.Store.LatestCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, state.Plan, 1)
	step := state.Plan[0]
	assert.Equal(t, models.StepStatusDone, step.Status)
	require.Len(t, step.Substeps, 2)

	assert.Equal(t, models.SubstepStatusFailed, step.Substeps[0].Status)
	assert.Equal(t, []string{"fusion energy milestone"}, step.Substeps[0].SearchQueries)
	assert.Equal(t, "The findings do not cover the step.", step.Substeps[0].Error)

	assert.Equal(t, models.SubstepStatusDone, step.Substeps[1].Status)
	assert.Equal(t, []string{"fusion pilot plants 2025", "tokamak net energy results"}, step.Substeps[1].SearchQueries)

	// Findings from the failed attempt still feed the report, ahead of the
	// recovery findings.
	require.Len(t, step.AccumulatedFindings, 2)
	assert.Contains(t, step.AccumulatedFindings[0], "FIRST-PASS")
	assert.Contains(t, step.AccumulatedFindings[1], "SECOND-PASS")

	// The step started twice and completed once, with a recovery phase in
	// between.
	starts := app.EventPayloads(t, runID, "step_start")
	require.Len(t, starts, 2)
	assert.Equal(t, 0, toInt(starts[0]["step_index"]))
	assert.Equal(t, 0, toInt(starts[1]["step_index"]))

	completes := app.EventPayloads(t, runID, "step_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, "DONE", completes[0]["status"])

	phases := app.EventPayloads(t, runID, "phase_change")
	var phaseNames []string
	for _, p := range phases {
		phaseNames = append(phaseNames, p["phase"].(string))
	}
	assert.Contains(t, phaseNames, "recovering")

	assert.Equal(t, 8, llm.CallCount())
	assert.ElementsMatch(t,
		[]string{"fusion energy milestone", "fusion pilot plants 2025", "tokamak net energy results"},
		app.SearchStub.Queries())
}

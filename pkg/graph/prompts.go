package graph

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/models"
)

// Result previews keep decision prompts bounded: tool history entries get a
// short preview, the working findings a larger one.
const (
	historyPreviewChars  = 200
	findingsPreviewChars = 1200
)

func previewText(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func plannerSystemPrompt(minSteps, maxSteps int) string {
	return fmt.Sprintf(`You are a research planner. Break the user's question into concrete, self-contained research steps.

Rules:
- Produce between %d and %d steps.
- Each step must be answerable on its own by searching, running commands, reading files, or recalling knowledge.
- Order steps so later ones can build on earlier findings.
- Output ONLY the numbered list, one step per line:
1. <first step>
2. <second step>`, minSteps, maxSteps)
}

func plannerUserPrompt(state *models.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", state.OriginalQuery)
	if state.NeedsReplan {
		b.WriteString("\nThe previous plan was rejected by the user.\n")
		b.WriteString("Rejected plan:\n")
		b.WriteString(renderPlan(state.Plan))
		if state.UserResponse != "" {
			fmt.Fprintf(&b, "\nUser feedback: %s\n", state.UserResponse)
		}
		b.WriteString("\nProduce a revised plan that addresses the feedback.")
	}
	return b.String()
}

const themeSystemPrompt = `You identify web search queries for a research step.

Output 1 to 3 search queries, each on its own line prefixed with "SEARCH:".
Make the queries specific and diverse; do not repeat the step verbatim unless it already is a good query.`

func themeUserPrompt(query string, step *models.PlanStep) string {
	return fmt.Sprintf("Overall research question: %s\n\nCurrent step: %s", query, step.Description)
}

func decisionSystemPrompt() string {
	return `You are the executor of a research step. Choose the single next action.

Available tools:
- web_search: search the web. PARAMS: {"themes": ["query", ...]} (1-3 queries, optional; omit to let the system derive them)
- terminal: run a shell command (requires human approval). PARAMS: {"command": "...", "timeout": seconds}
- read_file: read a local file. PARAMS: {"path": "...", "start_line": N, "end_line": M} (lines optional; "path:10-20" shorthand works)
- knowledge: answer from your own knowledge. PARAMS: {"answer": "full answer text"}
- DONE: stop gathering; enough information has been collected. PARAMS: {}

Respond with exactly this triple:
REASONING: <why this action>
DECISION: <web_search | terminal | read_file | knowledge | DONE>
PARAMS: <JSON object>`
}

func decisionUserPrompt(state *models.RunState, step *models.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research question: %s\n", state.OriginalQuery)
	fmt.Fprintf(&b, "Current step: %s\n", step.Description)
	fmt.Fprintf(&b, "Remaining tool budget: %d of %d calls\n",
		state.MaxExecutorCalls-state.ExecutorCallCount, state.MaxExecutorCalls)

	if len(state.ExecutorToolHistory) > 0 {
		b.WriteString("\nTool calls so far:\n")
		for _, rec := range state.ExecutorToolHistory {
			status := "ok"
			if !rec.Success {
				status = "FAILED: " + rec.Error
			}
			fmt.Fprintf(&b, "%d. [%s] %s — %s\n",
				rec.ID, rec.Tool, status, previewText(rec.Result, historyPreviewChars))
		}
	}

	if results := successfulResults(state.ExecutorToolHistory); results != "" {
		b.WriteString("\nCollected results:\n")
		b.WriteString(previewText(results, findingsPreviewChars))
		b.WriteString("\n")
	}
	return b.String()
}

func successfulResults(history []models.ToolCallRecord) string {
	var parts []string
	for _, rec := range history {
		if rec.Success && rec.Result != "" {
			parts = append(parts, rec.Result)
		}
	}
	return strings.Join(parts, "\n\n")
}

const sufficiencySystemPrompt = `You judge whether collected results materially address a research step.

Respond with only a JSON object:
{"reasoning": "<short justification>", "decision": "SUFFICIENT" or "CONTINUE"}

"SUFFICIENT" when the results answer the step well enough to move on; "CONTINUE" when more gathering is needed.`

func sufficiencyUserPrompt(state *models.RunState, step *models.PlanStep) string {
	return fmt.Sprintf("Step: %s\n\nCollected results:\n%s",
		step.Description,
		previewText(successfulResults(state.ExecutorToolHistory), findingsPreviewChars))
}

const evaluatorSystemPrompt = `You evaluate whether a research step succeeded given its findings.

First line must be exactly one of:
DECISION: APPROVE
DECISION: FAIL
DECISION: SKIP

APPROVE when the findings address the step. FAIL when they are wrong, empty or off-target and another attempt could do better. SKIP when the step turned out to be unnecessary.
After the first line, explain your decision in a short paragraph.`

func evaluatorUserPrompt(state *models.RunState, step *models.PlanStep) string {
	findings := strings.Join(state.StepFindings, "\n\n")
	if findings == "" {
		findings = "(no findings)"
	}
	return fmt.Sprintf("Overall research question: %s\n\nStep: %s\n\nFindings:\n%s",
		state.OriginalQuery, step.Description, findings)
}

const strategistSystemPrompt = `A research step failed. Propose alternative search queries that approach it differently.

Rules:
- Output 1 to 3 queries, each on its own line prefixed with "SEARCH:".
- Do not repeat queries that already failed; change the angle, the vocabulary or the scope.
- Do not add new research steps; stay within the failed step.`

func strategistUserPrompt(state *models.RunState, step *models.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed step: %s\n", step.Description)
	if state.LastError != "" {
		fmt.Fprintf(&b, "Failure reason: %s\n", state.LastError)
	}
	if len(step.Substeps) > 0 {
		b.WriteString("\nPrevious attempts:\n")
		for _, sub := range step.Substeps {
			fmt.Fprintf(&b, "- attempt %d (%s): queries %v",
				sub.ID, sub.Status, sub.SearchQueries)
			if sub.Error != "" {
				fmt.Fprintf(&b, " — %s", sub.Error)
			}
			b.WriteString("\n")
		}
	}
	if len(step.AccumulatedFindings) > 0 {
		b.WriteString("\nPartial findings so far:\n")
		b.WriteString(previewText(strings.Join(step.AccumulatedFindings, "\n\n"), findingsPreviewChars))
		b.WriteString("\n")
	}
	return b.String()
}

const reporterSystemPrompt = `You write the final research report.

Write a well-structured Markdown report that answers the original question from the step findings. Start with a title and a short summary, then one section per significant topic. Cite sources inline where the findings carry URLs. Note explicitly when a step failed or was skipped and what that means for confidence in the answer.`

func reporterUserPrompt(state *models.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\n\n", state.OriginalQuery)
	b.WriteString("Executed plan and findings:\n")
	for i, step := range state.Plan {
		fmt.Fprintf(&b, "\n%d. [%s] %s\n", i+1, step.Status, step.Description)
		if step.Result != "" {
			fmt.Fprintf(&b, "   Outcome: %s\n", step.Result)
		}
		if step.Error != "" {
			fmt.Fprintf(&b, "   Error: %s\n", step.Error)
		}
		for _, finding := range step.AccumulatedFindings {
			fmt.Fprintf(&b, "   - %s\n", finding)
		}
	}
	return b.String()
}

// renderPlan formats a plan for prompt input.
func renderPlan(plan []models.PlanStep) string {
	var b strings.Builder
	for i, step := range plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step.Description)
	}
	return b.String()
}

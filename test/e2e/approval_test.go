package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 5: Terminal Command Approval Gate
// ────────────────────────────────────────────────────────────

func TestE2E_TerminalApproval(t *testing.T) {
	const command = "echo hello-from-quarry"

	// LLM script: plan → terminal decision → sufficiency → verdict → report.
	// The approval wait itself makes no model calls.
	llm := NewScriptedLLM()
	llm.Add(planText("Inspect the local environment"))
	llm.Add(terminalDecision(command))
	llm.Add(sufficientJSON, approveVerdict, reportText)

	app := NewTestApp(t, WithLLM(llm))

	run := app.CreateRun(t, "Local environment report")
	runID := run["id"].(string)

	ws := app.ConnectWS(t, runID)
	defer ws.Close()

	app.StartResearch(t, runID, "What does this machine look like?")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")

	// The run parks at the approval gate with the staged command.
	evt, err := ws.WaitForEventType("approval_needed", 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, command, evt.Parsed["command"])

	approval := app.WaitForPendingApproval(t, runID)
	hash := models.CommandHash(command)
	assert.Equal(t, hash, approval.CommandHash)
	assert.Equal(t, command, approval.CommandText)

	// The gate holds run status at active; only the approval is pending.
	run = app.GetRun(t, runID)
	assert.Equal(t, "active", run["status"])

	listed := app.ListApprovals(t, runID)
	approvals, _ := listed["approvals"].([]any)
	require.Len(t, approvals, 1)

	// Granting wakes the run; the command executes and the run completes.
	resp := app.RespondApproval(t, runID, hash, true)
	assert.Equal(t, models.ApprovalGranted, models.ApprovalDecision(toInt(resp["approved"])))

	app.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app.WaitIdle(t)

	state, _, _, err := app.Store.LatestCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, state.ExecutorToolHistory, 1)
	rec := state.ExecutorToolHistory[0]
	assert.Equal(t, "terminal", rec.Tool)
	assert.True(t, rec.Success)
	assert.Contains(t, rec.Result, "hello-from-quarry")

	// The decision is consumed so a resumed run cannot replay it.
	stored, err := app.Approvals.Get(context.Background(), runID, hash)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalGranted, stored.Approved)
	assert.NotNil(t, stored.ConsumedAt)

	// Both halves of the exchange are on the event log.
	types := app.EventTypes(t, runID)
	assert.Contains(t, types, "approval_needed")
	assert.Contains(t, types, "approval_response")

	responses := app.EventPayloads(t, runID, "approval_response")
	require.Len(t, responses, 1)
	assert.Equal(t, "granted", responses[0]["approved"])

	assert.Equal(t, 5, llm.CallCount())
}

func TestE2E_TerminalDenied(t *testing.T) {
	const command = "cat /etc/passwd"

	// LLM script: after the denial the decision loop falls back to the
	// model's own knowledge and the run still completes.
	llm := NewScriptedLLM()
	llm.Add(planText("Check local accounts"))
	llm.Add(terminalDecision(command))
	llm.Add(knowledgeDecision("Standard system accounts only; nothing bespoke."))
	llm.Add(sufficientJSON, approveVerdict, reportText)

	app := NewTestApp(t, WithLLM(llm))

	run := app.CreateRun(t, "Account audit")
	runID := run["id"].(string)

	app.StartResearch(t, runID, "Which accounts exist here?")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")

	app.WaitForPendingApproval(t, runID)
	hash := models.CommandHash(command)
	resp := app.RespondApproval(t, runID, hash, false)
	assert.Equal(t, models.ApprovalDenied, models.ApprovalDecision(toInt(resp["approved"])))

	app.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app.WaitIdle(t)

	// The denied command never ran; it is on the history as a failure and
	// the knowledge call carried the step.
	state, _, _, err := app.Store.LatestCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, state.ExecutorToolHistory, 2)
	assert.Equal(t, "terminal", state.ExecutorToolHistory[0].Tool)
	assert.False(t, state.ExecutorToolHistory[0].Success)
	assert.Equal(t, "denied by user", state.ExecutorToolHistory[0].Error)
	assert.Equal(t, "knowledge", state.ExecutorToolHistory[1].Tool)
	assert.True(t, state.ExecutorToolHistory[1].Success)

	responses := app.EventPayloads(t, runID, "approval_response")
	require.Len(t, responses, 1)
	assert.Equal(t, "denied", responses[0]["approved"])

	assert.Equal(t, 6, llm.CallCount())
}

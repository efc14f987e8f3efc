package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario 6: Crash and Resume from Checkpoint
// ────────────────────────────────────────────────────────────

func TestE2E_CrashResume(t *testing.T) {
	dir := t.TempDir()

	// First process: plan approved, step one completes, then the model call
	// for step two hangs until shutdown cancels it.
	blocked := make(chan struct{}, 1)
	llm1 := NewScriptedLLM()
	llm1.Add(planText("Collect the basics", "Sum it up"))
	llm1.Add(knowledgeDecision("Basic facts collected."), sufficientJSON, approveVerdict)
	llm1.AddEntry(ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	app1 := NewTestApp(t, WithLLM(llm1), WithDatabaseDir(dir))

	run := app1.CreateRun(t, "Two step layover")
	runID := run["id"].(string)

	app1.StartResearch(t, runID, "Explain, then summarize.")
	app1.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app1.SendMessage(t, runID, "approve")

	select {
	case <-blocked:
	case <-time.After(15 * time.Second):
		t.Fatal("run never reached the blocked completion")
	}
	// The process dies mid-step. The run stays active in the database.
	app1.Shutdown()

	// Second process over the same database: boot marks the orphaned run
	// interrupted, resume picks up at the step-two decision checkpoint.
	llm2 := NewScriptedLLM()
	llm2.Add(knowledgeStepScript("Summary assembled from step one findings.")...)

	app2 := NewTestApp(t, WithLLM(llm2), WithDatabaseDir(dir))

	run = app2.GetRun(t, runID)
	assert.Equal(t, "interrupted", run["status"])

	app2.ResumeResearch(t, runID)
	app2.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app2.WaitIdle(t)

	report := app2.GetReport(t, runID)
	assert.Equal(t, reportText, report["report"])

	// Step one ran in the first process only; step two finished in the
	// second. Neither repeated.
	starts := app2.EventPayloads(t, runID, "step_start")
	require.Len(t, starts, 2)
	assert.Equal(t, 0, toInt(starts[0]["step_index"]))
	assert.Equal(t, 1, toInt(starts[1]["step_index"]))

	completes := app2.EventPayloads(t, runID, "step_complete")
	require.Len(t, completes, 2)
	assert.Equal(t, 0, toInt(completes[0]["step_index"]))
	assert.Equal(t, 1, toInt(completes[1]["step_index"]))

	runStarts := app2.EventPayloads(t, runID, "run_start")
	require.Len(t, runStarts, 2)
	assert.Nil(t, runStarts[0]["resumed"])
	assert.Equal(t, true, runStarts[1]["resumed"])

	assert.Len(t, app2.EventPayloads(t, runID, "run_complete"), 1)
	assert.Equal(t, 4, llm2.CallCount())
}

// ────────────────────────────────────────────────────────────
// Pause and Resume at the Approval Gate
// ────────────────────────────────────────────────────────────

func TestE2E_PauseResume(t *testing.T) {
	const command = "uname -a"

	llm := NewScriptedLLM()
	llm.Add(planText("Identify the host system"))
	llm.Add(terminalDecision(command))
	llm.Add(sufficientJSON, approveVerdict, reportText)

	app := NewTestApp(t, WithLLM(llm))

	run := app.CreateRun(t, "Host survey")
	runID := run["id"].(string)

	app.StartResearch(t, runID, "What system is this?")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")
	app.WaitForPendingApproval(t, runID)

	// A run parked at the gate pauses directly.
	app.PauseResearch(t, runID)
	app.WaitForRunStatus(t, runID, models.RunStatusPaused)
	assert.Contains(t, app.EventTypes(t, runID), "run_paused")

	// Resume relaunches the driver, which parks at the still-pending gate.
	app.ResumeResearch(t, runID)
	approval := app.WaitForPendingApproval(t, runID)
	assert.Equal(t, models.ApprovalPending, approval.Approved)

	// Granting finishes the run.
	app.RespondApproval(t, runID, models.CommandHash(command), true)
	app.WaitForRunStatus(t, runID, models.RunStatusCompleted)
	app.WaitIdle(t)

	assert.Equal(t, 5, llm.CallCount())
}

// ────────────────────────────────────────────────────────────
// Cancellation of a Live Run
// ────────────────────────────────────────────────────────────

func TestE2E_Cancellation(t *testing.T) {
	// The first step's decision call hangs; cancel interrupts it.
	blocked := make(chan struct{}, 1)
	llm := NewScriptedLLM()
	llm.Add(planText("Chase an answer that never comes"))
	llm.AddEntry(ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	app := NewTestApp(t, WithLLM(llm))

	run := app.CreateRun(t, "Doomed run")
	runID := run["id"].(string)

	app.StartResearch(t, runID, "Block forever, please.")
	app.WaitForRunStatus(t, runID, models.RunStatusAwaitingConfirmation)
	app.SendMessage(t, runID, "approve")

	select {
	case <-blocked:
	case <-time.After(15 * time.Second):
		t.Fatal("run never reached the blocked completion")
	}

	app.CancelResearch(t, runID)
	app.WaitForRunStatus(t, runID, models.RunStatusFailed)
	app.WaitIdle(t)

	errs := app.EventPayloads(t, runID, "run_error")
	require.Len(t, errs, 1)
	assert.Equal(t, "cancelled by user", errs[0]["error"])

	// Terminal runs reject further research verbs.
	resp := app.postJSON(t, "/api/v1/research/start",
		map[string]string{"run_id": runID, "message": "again"}, http.StatusConflict)
	assert.NotEmpty(t, resp["message"])
}

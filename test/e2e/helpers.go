package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// CreateRun creates a run and returns the parsed response.
func (app *TestApp) CreateRun(t *testing.T, title string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/runs", map[string]string{"title": title}, http.StatusCreated)
}

// StartResearch posts the opening research message for a run.
func (app *TestApp) StartResearch(t *testing.T, runID, message string) map[string]any {
	t.Helper()
	body := map[string]string{"run_id": runID, "message": message}
	return app.postJSON(t, "/api/v1/research/start", body, http.StatusOK)
}

// SendMessage posts a user message to a run. During plan confirmation the
// manager reads "approve" and "reject:..." messages as the confirmation.
func (app *TestApp) SendMessage(t *testing.T, runID, message string) map[string]any {
	t.Helper()
	body := map[string]string{"run_id": runID, "message": message}
	return app.postJSON(t, "/api/v1/research/message", body, http.StatusOK)
}

// PauseResearch requests a pause at the next node boundary.
func (app *TestApp) PauseResearch(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/research/pause", map[string]string{"run_id": runID}, http.StatusOK)
}

// ResumeResearch resumes a paused or interrupted run.
func (app *TestApp) ResumeResearch(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/research/resume", map[string]string{"run_id": runID}, http.StatusOK)
}

// CancelResearch cancels a run for good.
func (app *TestApp) CancelResearch(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.postJSON(t, "/api/v1/research/cancel", map[string]string{"run_id": runID}, http.StatusOK)
}

// GetRun retrieves a run by ID.
func (app *TestApp) GetRun(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/runs/"+runID, http.StatusOK)
}

// GetState retrieves the client-facing state snapshot of a run.
func (app *TestApp) GetState(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/research/state/"+runID, http.StatusOK)
}

// GetReport retrieves the finished report of a run.
func (app *TestApp) GetReport(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/research/report/"+runID, http.StatusOK)
}

// ListApprovals retrieves the pending approvals of a run.
func (app *TestApp) ListApprovals(t *testing.T, runID string) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/approvals/"+runID, http.StatusOK)
}

// RespondApproval grants or denies a pending terminal approval.
func (app *TestApp) RespondApproval(t *testing.T, runID, hash string, approved bool) map[string]any {
	t.Helper()
	body := map[string]bool{"approved": approved}
	return app.postJSON(t, "/api/v1/approvals/"+runID+"/"+hash, body, http.StatusOK)
}

// ListEvents retrieves the full persisted event log of a run.
func (app *TestApp) ListEvents(t *testing.T, runID string) []any {
	t.Helper()
	return app.getJSONArray(t, "/api/v1/runs/"+runID+"/events?limit=1000", http.StatusOK)
}

// GetSystemInfo calls GET /api/v1/system/info.
func (app *TestApp) GetSystemInfo(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/api/v1/system/info", http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]any {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

// ConnectWS opens a WebSocket connection to a run's event stream.
func (app *TestApp) ConnectWS(t *testing.T, runID string) *WSClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(app.BaseURL, "http") + "/ws/" + runID
	client, err := WSConnect(context.Background(), wsURL, app.UserID)
	require.NoError(t, err)
	return client
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", app.UserID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", app.UserID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, path string, expectedStatus int) []any {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", app.UserID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForRunStatus polls the store until the run reaches one of the expected
// statuses. Returns the status it landed on.
func (app *TestApp) WaitForRunStatus(t *testing.T, runID string, expected ...models.RunStatus) models.RunStatus {
	t.Helper()
	var actual models.RunStatus
	require.Eventually(t, func() bool {
		r, err := app.Store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		actual = r.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"run %s did not reach status %v", runID, expected)
	return actual
}

// WaitForSnapshot polls the run's state snapshot until the predicate holds
// and returns the matching snapshot.
func (app *TestApp) WaitForSnapshot(t *testing.T, runID string, pred func(*models.StateSnapshot) bool) *models.StateSnapshot {
	t.Helper()
	var snap *models.StateSnapshot
	require.Eventually(t, func() bool {
		s, err := app.Manager.Snapshot(context.Background(), runID)
		if err != nil || !pred(s) {
			return false
		}
		snap = s
		return true
	}, 30*time.Second, 100*time.Millisecond,
		"run %s never reached the expected state", runID)
	return snap
}

// WaitForPendingApproval polls until the run has parked on a pending
// terminal approval and returns it. Parked means the driver goroutine has
// finished suspending, so a response wakes a settled run, not a moving one.
func (app *TestApp) WaitForPendingApproval(t *testing.T, runID string) *models.Approval {
	t.Helper()
	var approval *models.Approval
	require.Eventually(t, func() bool {
		pending, err := app.Store.ListPendingApprovals(context.Background(), runID)
		if err != nil || len(pending) == 0 {
			return false
		}
		if app.Manager.LiveCount() != 0 {
			return false
		}
		approval = pending[0]
		return true
	}, 30*time.Second, 100*time.Millisecond,
		"run %s never parked on a terminal approval", runID)
	return approval
}

// WaitIdle waits until no driver goroutine is live.
func (app *TestApp) WaitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Manager.LiveCount() == 0
	}, 30*time.Second, 50*time.Millisecond, "run manager never went idle")
}

// ────────────────────────────────────────────────────────────
// Persisted Event Helpers
// ────────────────────────────────────────────────────────────

// EventTypes returns the type of every persisted event of a run, in
// insertion order.
func (app *TestApp) EventTypes(t *testing.T, runID string) []string {
	t.Helper()
	records, err := app.EventService.GetEventsSince(context.Background(), runID, 0, 1000)
	require.NoError(t, err)
	types := make([]string, 0, len(records))
	for _, r := range records {
		types = append(types, r.Type)
	}
	return types
}

// EventPayloads returns the decoded payloads of every persisted event of the
// given type, in insertion order.
func (app *TestApp) EventPayloads(t *testing.T, runID, eventType string) []map[string]any {
	t.Helper()
	records, err := app.EventService.GetEventsSince(context.Background(), runID, 0, 1000)
	require.NoError(t, err)
	var payloads []map[string]any
	for _, r := range records {
		if r.Type != eventType {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		payloads = append(payloads, payload)
	}
	return payloads
}

// ────────────────────────────────────────────────────────────
// WebSocket Event Assertions
// ────────────────────────────────────────────────────────────

// ExpectedEvent is one entry of an expected event sequence. Only non-empty
// fields are checked against the received event.
type ExpectedEvent struct {
	Type      string
	Phase     string // phase_change events
	Status    string // step_complete events
	StepIndex string // step_start and step_complete events, as a decimal string
}

// AssertEventsInOrder verifies that each expected event appears among the
// received WS events in the correct relative order. Extra events are
// tolerated; only the expected sequence must be found in order.
//
// Persistent events are deduplicated by db_event_id and sorted before
// matching: a client that connects mid-run can see the same event once live
// and once via catchup, and the two paths do not promise a global order.
// Connection-scoped messages (connected, state_sync, pong) carry no
// db_event_id and are filtered out.
func AssertEventsInOrder(t *testing.T, actual []WSEvent, expected []ExpectedEvent) {
	t.Helper()

	seen := make(map[float64]bool)
	var filtered []WSEvent
	for _, e := range actual {
		dbID, hasID := e.Parsed["db_event_id"].(float64)
		if !hasID || seen[dbID] {
			continue
		}
		seen[dbID] = true
		filtered = append(filtered, e)
	}
	sort.Slice(filtered, func(i, j int) bool {
		idI, _ := filtered[i].Parsed["db_event_id"].(float64)
		idJ, _ := filtered[j].Parsed["db_event_id"].(float64)
		return idI < idJ
	})

	expectedIdx := 0
	actualIdx := 0
	for expectedIdx < len(expected) && actualIdx < len(filtered) {
		if matchesExpected(filtered[actualIdx], expected[expectedIdx]) {
			expectedIdx++
		}
		actualIdx++
	}

	if !assert.Equal(t, len(expected), expectedIdx,
		"not all expected WS events found in order (matched %d/%d)", expectedIdx, len(expected)) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Expected events (unmatched from index %d):\n", expectedIdx))
		for i := expectedIdx; i < len(expected); i++ {
			sb.WriteString(fmt.Sprintf("  [%d] %s\n", i, formatExpected(expected[i])))
		}
		sb.WriteString("Actual events received:\n")
		for i, e := range filtered {
			sb.WriteString(fmt.Sprintf("  [%d] type=%s", i, e.Type))
			if p, ok := e.Parsed["phase"]; ok {
				sb.WriteString(fmt.Sprintf(" phase=%v", p))
			}
			if si, ok := e.Parsed["step_index"]; ok {
				sb.WriteString(fmt.Sprintf(" step_index=%v", si))
			}
			if s, ok := e.Parsed["status"]; ok {
				sb.WriteString(fmt.Sprintf(" status=%v", s))
			}
			sb.WriteString("\n")
		}
		t.Log(sb.String())
	}
}

// matchesExpected checks one received event against an expected spec.
func matchesExpected(actual WSEvent, expected ExpectedEvent) bool {
	if actual.Type != expected.Type {
		return false
	}
	if expected.Phase != "" {
		if p, _ := actual.Parsed["phase"].(string); p != expected.Phase {
			return false
		}
	}
	if expected.Status != "" {
		if s, _ := actual.Parsed["status"].(string); s != expected.Status {
			return false
		}
	}
	if expected.StepIndex != "" {
		idx, ok := actual.Parsed["step_index"].(float64)
		if !ok || strconv.Itoa(int(idx)) != expected.StepIndex {
			return false
		}
	}
	return true
}

// formatExpected returns a readable string for an expected event.
func formatExpected(e ExpectedEvent) string {
	s := "type=" + e.Type
	if e.Phase != "" {
		s += " phase=" + e.Phase
	}
	if e.Status != "" {
		s += " status=" + e.Status
	}
	if e.StepIndex != "" {
		s += " step_index=" + e.StepIndex
	}
	return s
}

// toInt converts a JSON-decoded numeric value (typically float64) to int.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// ────────────────────────────────────────────────────────────
// Canned Completions
// ────────────────────────────────────────────────────────────

// Canned completions in the formats the engine prompts ask for.

func planText(steps ...string) string {
	out := ""
	for i, s := range steps {
		out += fmt.Sprintf("%d. %s\n", i+1, s)
	}
	return out
}

func knowledgeDecision(answer string) string {
	params, _ := json.Marshal(map[string]string{"answer": answer})
	return "REASONING: I already know this.\nDECISION: knowledge\nPARAMS: " + string(params)
}

func searchDecision(themes ...string) string {
	params, _ := json.Marshal(map[string][]string{"themes": themes})
	return "REASONING: Need current information.\nDECISION: web_search\nPARAMS: " + string(params)
}

func terminalDecision(command string) string {
	params, _ := json.Marshal(map[string]string{"command": command})
	return "REASONING: Inspect the environment.\nDECISION: terminal\nPARAMS: " + string(params)
}

const (
	sufficientJSON = `{"reasoning": "enough collected", "decision": "SUFFICIENT"}`
	approveVerdict = "DECISION: APPROVE\nThe findings answer the step."
	failVerdict    = "DECISION: FAIL\nThe findings do not cover the step."
	reportText     = "# Report\n\nAll done."
)

// knowledgeStepScript is the completion sequence for one approved knowledge
// step followed by the report: decision, sufficiency, verdict, report.
func knowledgeStepScript(answer string) []string {
	return []string{knowledgeDecision(answer), sufficientJSON, approveVerdict, reportText}
}

package events

import (
	"encoding/json"

	"github.com/quarrylabs/quarry/pkg/models"
)

// PhaseChangePayload is the payload for phase_change events.
// Published whenever a node moves the run to a new phase.
type PhaseChangePayload struct {
	Type      string       `json:"type"` // always EventTypePhaseChange
	RunID     string       `json:"run_id"`
	Phase     models.Phase `json:"phase"`
	Timestamp string       `json:"timestamp"` // RFC3339Nano
}

// MessagePayload is the payload for message events.
// Published when a node appends to the run's message log.
type MessagePayload struct {
	Type      string             `json:"type"` // always EventTypeMessage
	RunID     string             `json:"run_id"`
	Role      models.MessageRole `json:"role"`
	Content   string             `json:"content"`
	Timestamp string             `json:"timestamp"` // RFC3339Nano
}

// ToolCallPayload is the payload for tool_call events.
// Published when a tool record lands in the executor history.
type ToolCallPayload struct {
	Type      string          `json:"type"` // always EventTypeToolCall
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	CallID    int             `json:"call_id"` // monotonic within the step
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    string          `json:"result,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano
}

// StepStartPayload is the payload for step_start events.
// Published when the executor marks a plan step IN_PROGRESS.
type StepStartPayload struct {
	Type        string `json:"type"` // always EventTypeStepStart
	RunID       string `json:"run_id"`
	StepID      string `json:"step_id"`
	StepIndex   int    `json:"step_index"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// StepCompletePayload is the payload for step_complete events.
// Published at the evaluator boundary when a step reaches DONE, FAILED, or
// SKIPPED.
type StepCompletePayload struct {
	Type      string            `json:"type"` // always EventTypeStepComplete
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id"`
	StepIndex int               `json:"step_index"`
	Status    models.StepStatus `json:"status"`
	Result    string            `json:"result,omitempty"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano
}

// SearchParallelPayload is the payload for search_parallel events.
// Published after a fan-out completes, before the accumulator merges it.
type SearchParallelPayload struct {
	Type      string                `json:"type"` // always EventTypeSearchParallel
	RunID     string                `json:"run_id"`
	Themes    []string              `json:"themes"`
	Results   []models.SearchResult `json:"results,omitempty"`
	Timestamp string                `json:"timestamp"` // RFC3339Nano
}

// PlanUpdatePayload is the payload for plan_update events.
// Published when the planner produces or revises the plan.
type PlanUpdatePayload struct {
	Type      string            `json:"type"` // always EventTypePlanUpdate
	RunID     string            `json:"run_id"`
	Plan      []models.PlanStep `json:"plan"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano
}

// ApprovalNeededPayload is the payload for approval_needed events.
// Published when the driver suspends on a terminal command approval.
type ApprovalNeededPayload struct {
	Type           string `json:"type"` // always EventTypeApprovalNeeded
	RunID          string `json:"run_id"`
	CommandHash    string `json:"command_hash"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// ApprovalResponsePayload is the payload for approval_response events.
// Published when a client resolves a pending approval.
type ApprovalResponsePayload struct {
	Type        string `json:"type"` // always EventTypeApprovalResponse
	RunID       string `json:"run_id"`
	CommandHash string `json:"command_hash"`
	Approved    string `json:"approved"` // "granted" or "denied"
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// RunStartPayload is the payload for run_start events.
type RunStartPayload struct {
	Type      string `json:"type"` // always EventTypeRunStart
	RunID     string `json:"run_id"`
	Query     string `json:"query,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunCompletePayload is the payload for run_complete events.
type RunCompletePayload struct {
	Type      string `json:"type"` // always EventTypeRunComplete
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunErrorPayload is the payload for run_error events.
type RunErrorPayload struct {
	Type      string `json:"type"` // always EventTypeRunError
	RunID     string `json:"run_id"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// RunPausedPayload is the payload for run_paused events.
type RunPausedPayload struct {
	Type      string `json:"type"` // always EventTypeRunPaused
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// StateSyncPayload is the full-state snapshot sent to one WebSocket client
// on connect and on request_state. Never persisted.
type StateSyncPayload struct {
	Type      string                `json:"type"` // always EventTypeStateSync
	RunID     string                `json:"run_id"`
	State     *models.StateSnapshot `json:"state"`
	Timestamp string                `json:"timestamp"` // RFC3339Nano
}

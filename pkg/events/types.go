// Package events provides real-time event delivery for research runs: a
// persist-then-broadcast publisher, an in-process broker, and the WebSocket
// connection manager.
//
// Every broadcast event is first written to the events table, which assigns
// the monotonic id clients use as a catchup cursor. The broker then fans the
// enriched payload out to the run's subscribers. Delivery is best-effort:
// a subscriber that cannot keep up is dropped and its connection closed;
// the persisted log lets it recover via catchup after reconnecting.
package events

// Persistent event types (stored in the events table, then broadcast).
const (
	// Engine progress
	EventTypePhaseChange    = "phase_change"
	EventTypeMessage        = "message"
	EventTypeToolCall       = "tool_call"
	EventTypeStepStart      = "step_start"
	EventTypeStepComplete   = "step_complete"
	EventTypeSearchParallel = "search_parallel"
	EventTypePlanUpdate     = "plan_update"

	// Human-in-the-loop
	EventTypeApprovalNeeded   = "approval_needed"
	EventTypeApprovalResponse = "approval_response"

	// Run lifecycle
	EventTypeRunStart    = "run_start"
	EventTypeRunComplete = "run_complete"
	EventTypeRunError    = "run_error"
	EventTypeRunPaused   = "run_paused"
)

// Connection-scoped message types (sent directly to one WebSocket client,
// never persisted).
const (
	EventTypeConnected       = "connected"
	EventTypeStateSync       = "state_sync"
	EventTypePong            = "pong"
	EventTypeCatchupOverflow = "catchup_overflow"
)

// RunChannel returns the broker channel name for a run's events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return "run:" + runID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Type        string `json:"type"`                    // "ping", "request_state", "catchup"
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventRecorder persists an event and returns its database id.
// Implemented by services.EventService.
type EventRecorder interface {
	RecordEvent(ctx context.Context, runID, eventType string, payload json.RawMessage) (int64, error)
}

// Publisher publishes run events for WebSocket delivery.
// Every event is stored in the events table first, then broadcast on the
// run's broker channel with the assigned db_event_id injected so clients
// can track their catchup cursor.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Type, RunID, and Timestamp are stamped here so callers only
// fill the domain fields.
type Publisher struct {
	recorder EventRecorder
	broker   *Broker
}

// NewPublisher creates a Publisher backed by the given recorder and broker.
func NewPublisher(recorder EventRecorder, broker *Broker) *Publisher {
	return &Publisher{recorder: recorder, broker: broker}
}

// --- Typed public methods ---

// PublishPhaseChange publishes a phase_change event.
// Fired whenever a node moves the run to a new phase.
func (p *Publisher) PublishPhaseChange(ctx context.Context, runID string, payload PhaseChangePayload) error {
	payload.Type = EventTypePhaseChange
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal PhaseChangePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypePhaseChange, payloadJSON)
}

// PublishMessage publishes a message event.
// Fired when a node appends to the run's message log.
func (p *Publisher) PublishMessage(ctx context.Context, runID string, payload MessagePayload) error {
	payload.Type = EventTypeMessage
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal MessagePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeMessage, payloadJSON)
}

// PublishToolCall publishes a tool_call event.
// Fired after each tool execution lands in the executor history.
func (p *Publisher) PublishToolCall(ctx context.Context, runID string, payload ToolCallPayload) error {
	payload.Type = EventTypeToolCall
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ToolCallPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeToolCall, payloadJSON)
}

// PublishStepStart publishes a step_start event.
func (p *Publisher) PublishStepStart(ctx context.Context, runID string, payload StepStartPayload) error {
	payload.Type = EventTypeStepStart
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal StepStartPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeStepStart, payloadJSON)
}

// PublishStepComplete publishes a step_complete event.
// Fired at the evaluator boundary when a step reaches a terminal status.
func (p *Publisher) PublishStepComplete(ctx context.Context, runID string, payload StepCompletePayload) error {
	payload.Type = EventTypeStepComplete
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal StepCompletePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeStepComplete, payloadJSON)
}

// PublishSearchParallel publishes a search_parallel event.
// Fired after a search fan-out completes with its per-theme results.
func (p *Publisher) PublishSearchParallel(ctx context.Context, runID string, payload SearchParallelPayload) error {
	payload.Type = EventTypeSearchParallel
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SearchParallelPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeSearchParallel, payloadJSON)
}

// PublishPlanUpdate publishes a plan_update event.
// Fired when the planner produces or revises the plan.
func (p *Publisher) PublishPlanUpdate(ctx context.Context, runID string, payload PlanUpdatePayload) error {
	payload.Type = EventTypePlanUpdate
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal PlanUpdatePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypePlanUpdate, payloadJSON)
}

// PublishApprovalNeeded publishes an approval_needed event.
// Fired when the engine suspends on a terminal command approval.
func (p *Publisher) PublishApprovalNeeded(ctx context.Context, runID string, payload ApprovalNeededPayload) error {
	payload.Type = EventTypeApprovalNeeded
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ApprovalNeededPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeApprovalNeeded, payloadJSON)
}

// PublishApprovalResponse publishes an approval_response event.
// Fired when a client resolves a pending approval.
func (p *Publisher) PublishApprovalResponse(ctx context.Context, runID string, payload ApprovalResponsePayload) error {
	payload.Type = EventTypeApprovalResponse
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ApprovalResponsePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeApprovalResponse, payloadJSON)
}

// PublishRunStart publishes a run_start event.
func (p *Publisher) PublishRunStart(ctx context.Context, runID string, payload RunStartPayload) error {
	payload.Type = EventTypeRunStart
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunStartPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeRunStart, payloadJSON)
}

// PublishRunComplete publishes a run_complete event.
func (p *Publisher) PublishRunComplete(ctx context.Context, runID string, payload RunCompletePayload) error {
	payload.Type = EventTypeRunComplete
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunCompletePayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeRunComplete, payloadJSON)
}

// PublishRunError publishes a run_error event.
func (p *Publisher) PublishRunError(ctx context.Context, runID string, payload RunErrorPayload) error {
	payload.Type = EventTypeRunError
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunErrorPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeRunError, payloadJSON)
}

// PublishRunPaused publishes a run_paused event.
func (p *Publisher) PublishRunPaused(ctx context.Context, runID string, payload RunPausedPayload) error {
	payload.Type = EventTypeRunPaused
	payload.RunID = runID
	payload.Timestamp = stampTime(payload.Timestamp)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RunPausedPayload: %w", err)
	}
	return p.persistAndBroadcast(ctx, runID, EventTypeRunPaused, payloadJSON)
}

// --- Internal core ---

// persistAndBroadcast stores a pre-marshaled event and broadcasts it on the
// run's channel. The broadcast copy carries the assigned db_event_id so
// clients can advance their catchup cursor; the persisted copy does not,
// the id lives in the events table row itself.
func (p *Publisher) persistAndBroadcast(ctx context.Context, runID, eventType string, payloadJSON []byte) error {
	eventID, err := p.recorder.RecordEvent(ctx, runID, eventType, payloadJSON)
	if err != nil {
		return fmt.Errorf("failed to persist %s event: %w", eventType, err)
	}

	broadcast, err := injectDBEventID(payloadJSON, eventID)
	if err != nil {
		return err
	}

	p.broker.Publish(RunChannel(runID), broadcast)
	return nil
}

// injectDBEventID adds db_event_id to the JSON payload for broadcast
// delivery.
func injectDBEventID(payloadJSON []byte, dbEventID int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enriched broadcast payload: %w", err)
	}
	return enriched, nil
}

// stampTime fills in an event timestamp unless the caller already set one.
func stampTime(existing string) string {
	if existing != "" {
		return existing
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

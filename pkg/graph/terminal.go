package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// terminalPrepare stages the decided shell command for human approval and
// suspends the run at the gate. A command already resolved earlier in the
// run (same hash) skips the wait and replays the stored decision.
func (e *Engine) terminalPrepare(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	params := decisionParams(state.ExecutorDecision)
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	// Malformed params surface as an empty command below.
	_ = json.Unmarshal(params, &p)

	command := strings.TrimSpace(p.Command)
	if command == "" {
		e.recordToolCall(ctx, runID, state, tools.ToolTerminal, params, tools.Result{Err: "command is required"})
		return NodeResult{Next: NodeDecision}, nil
	}

	hash := models.CommandHash(command)
	state.PendingTerminal = &models.PendingTerminal{
		Command:        command,
		Hash:           hash,
		TimeoutSeconds: p.Timeout,
	}
	state.Phase = models.PhaseAwaitingTerminal

	approval, err := e.approvals.CreatePending(ctx, runID, command)
	if err != nil {
		return NodeResult{}, fmt.Errorf("failed to stage approval request: %w", err)
	}
	if approval.Approved == models.ApprovalPending {
		if err := e.publisher.PublishApprovalNeeded(ctx, runID, events.ApprovalNeededPayload{
			CommandHash:    hash,
			Command:        command,
			TimeoutSeconds: p.Timeout,
		}); err != nil {
			slog.Warn("Failed to publish approval_needed event", "run_id", runID, "error", err)
		}
		return NodeResult{Next: NodeTerminalGate, Suspend: true}, nil
	}

	// Already granted or denied for this run; the gate replays it.
	return NodeResult{Next: NodeTerminalGate}, nil
}

// terminalGate reads the human decision. Granted proceeds to execution,
// denied records a failed call and returns to deciding, pending parks the
// run again. The gate, not the adapter, is what keeps an unapproved command
// from running.
func (e *Engine) terminalGate(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	pending := state.PendingTerminal
	if pending == nil {
		slog.Warn("Terminal gate without a staged command", "run_id", runID)
		state.Phase = models.PhaseExecuting
		return NodeResult{Next: NodeDecision}, nil
	}

	approval, err := e.approvals.Get(ctx, runID, pending.Hash)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// The request vanished underneath us; stage it again rather
			// than guess.
			if _, err := e.approvals.CreatePending(ctx, runID, pending.Command); err != nil {
				return NodeResult{}, fmt.Errorf("failed to restage approval request: %w", err)
			}
			return NodeResult{Next: NodeTerminalGate, Suspend: true}, nil
		}
		return NodeResult{}, fmt.Errorf("failed to load approval: %w", err)
	}

	switch approval.Approved {
	case models.ApprovalGranted:
		if err := e.approvals.Consume(ctx, runID, pending.Hash); err != nil {
			slog.Warn("Failed to mark approval consumed", "run_id", runID, "hash", pending.Hash, "error", err)
		}
		state.PendingTerminal = nil
		state.Phase = models.PhaseExecuting
		return NodeResult{Next: NodeTerminalExecute}, nil

	case models.ApprovalDenied:
		if err := e.approvals.Consume(ctx, runID, pending.Hash); err != nil {
			slog.Warn("Failed to mark approval consumed", "run_id", runID, "hash", pending.Hash, "error", err)
		}
		e.recordToolCall(ctx, runID, state, tools.ToolTerminal,
			decisionParams(state.ExecutorDecision), tools.Result{Err: "denied by user"})
		state.PendingTerminal = nil
		state.Phase = models.PhaseExecuting
		return NodeResult{Next: NodeDecision}, nil

	default:
		// Relaunched without a response; park again.
		return NodeResult{Next: NodeTerminalGate, Suspend: true}, nil
	}
}

// terminalExecute runs the approved command. The command travels in the
// decision params, which produced the approved hash in the first place.
func (e *Engine) terminalExecute(ctx context.Context, runID string, state *models.RunState) (NodeResult, error) {
	params := decisionParams(state.ExecutorDecision)
	res := e.terminal.Execute(ctx, params)
	e.recordToolCall(ctx, runID, state, tools.ToolTerminal, params, res)
	state.PendingTerminal = nil
	return NodeResult{Next: NodeAccumulate}, nil
}

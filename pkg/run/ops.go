package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/graph"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
)

// StartResearch begins research on a run that has none yet. The question
// is the message when given, the run title otherwise.
func (m *Manager) StartResearch(ctx context.Context, userID, runID, message string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", services.ErrConflict, runID, run.Status)
	}
	if _, _, _, err := m.store.LatestCheckpoint(ctx, runID); err == nil {
		return fmt.Errorf("%w: research already started for run %s", services.ErrConflict, runID)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check run state: %w", err)
	}

	query := strings.TrimSpace(message)
	if query == "" {
		query = strings.TrimSpace(run.Title)
	}
	if query == "" {
		return services.NewValidationError("message", "a research question is required")
	}

	h, err := m.reserve(runID)
	if err != nil {
		return err
	}
	m.setStatus(ctx, runID, models.RunStatusActive)
	if err := m.publisher.PublishRunStart(ctx, runID, events.RunStartPayload{Query: query}); err != nil {
		m.logger.Warn("Failed to publish run_start event", "run_id", runID, "error", err)
	}
	m.logger.Info("Research started", "run_id", runID)
	m.notifySlackStart(ctx, runID, query)

	m.spawn(runID, h, func(ctx context.Context, d *graph.Driver) (graph.Outcome, error) {
		return d.Start(ctx, query)
	})
	return nil
}

// SendMessage routes a free-form client message by run state: no state yet
// starts research, a pending plan treats it as confirmation, anything else
// records it and resumes the run.
func (m *Manager) SendMessage(ctx context.Context, userID, runID, message string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return services.NewValidationError("message", "message must not be empty")
	}

	state, seq, next, err := m.store.LatestCheckpoint(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return m.StartResearch(ctx, userID, runID, message)
	}
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", services.ErrConflict, runID, run.Status)
	}

	if state.Phase == models.PhaseAwaitingConfirmation {
		approved, note, ok := parseConfirmation(message)
		if !ok {
			// Free text while a plan waits is change feedback.
			approved, note = false, message
		}
		return m.confirmPlan(ctx, runID, state, seq, approved, note)
	}

	if m.IsLive(runID) {
		return fmt.Errorf("%w: run %s is executing", services.ErrConflict, runID)
	}

	h, err := m.reserve(runID)
	if err != nil {
		return err
	}
	state.AppendMessage(models.MessageRoleUser, message)
	state.UserResponse = message
	if err := m.store.SaveCheckpoint(ctx, runID, seq+1, "user_message", next, state); err != nil {
		m.release(runID, h)
		return fmt.Errorf("failed to record message: %w", err)
	}
	if err := m.publisher.PublishMessage(ctx, runID, events.MessagePayload{Role: models.MessageRoleUser, Content: message}); err != nil {
		m.logger.Warn("Failed to publish message event", "run_id", runID, "error", err)
	}
	m.setStatus(ctx, runID, models.RunStatusActive)
	if err := m.publisher.PublishRunStart(ctx, runID, events.RunStartPayload{Resumed: true}); err != nil {
		m.logger.Warn("Failed to publish run_start event", "run_id", runID, "error", err)
	}
	m.spawn(runID, h, func(ctx context.Context, d *graph.Driver) (graph.Outcome, error) {
		return d.Resume(ctx)
	})
	return nil
}

// ConfirmPlan resolves a pending plan confirmation.
func (m *Manager) ConfirmPlan(ctx context.Context, userID, runID string, approved bool, feedback string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusAwaitingConfirmation {
		return fmt.Errorf("%w: run %s is not awaiting plan confirmation", services.ErrConflict, runID)
	}
	state, seq, _, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	if state.Phase != models.PhaseAwaitingConfirmation {
		return fmt.Errorf("%w: run %s has no pending plan", services.ErrConflict, runID)
	}
	return m.confirmPlan(ctx, runID, state, seq, approved, feedback)
}

// confirmPlan is the plan-confirmation mutator: it writes a checkpoint the
// way a node execution would and relaunches the driver from it.
func (m *Manager) confirmPlan(ctx context.Context, runID string, state *models.RunState, seq int, approved bool, feedback string) error {
	h, err := m.reserve(runID)
	if err != nil {
		return err
	}

	logged := feedback
	if logged == "" {
		if approved {
			logged = "approve"
		} else {
			logged = "reject"
		}
	}
	state.AppendMessage(models.MessageRoleUser, logged)

	next := graph.NodeExecutorEntry
	if approved {
		state.NeedsReplan = false
		state.UserResponse = ""
	} else {
		state.NeedsReplan = true
		state.UserResponse = feedback
		state.Phase = models.PhasePlanning
		next = graph.NodePlanner
	}

	if err := m.store.SaveCheckpoint(ctx, runID, seq+1, "confirm_plan", string(next), state); err != nil {
		m.release(runID, h)
		return fmt.Errorf("failed to record plan confirmation: %w", err)
	}
	if err := m.publisher.PublishMessage(ctx, runID, events.MessagePayload{Role: models.MessageRoleUser, Content: logged}); err != nil {
		m.logger.Warn("Failed to publish message event", "run_id", runID, "error", err)
	}
	m.setStatus(ctx, runID, models.RunStatusActive)
	m.logger.Info("Plan confirmation resolved", "run_id", runID, "approved", approved)

	m.spawn(runID, h, func(ctx context.Context, d *graph.Driver) (graph.Outcome, error) {
		return d.Resume(ctx)
	})
	return nil
}

// RespondApproval resolves a terminal-command approval and wakes the
// parked driver.
func (m *Manager) RespondApproval(ctx context.Context, userID, runID, hash string, approved bool) (*models.Approval, error) {
	approval, err := m.approvals.Respond(ctx, userID, runID, hash, approved)
	if err != nil {
		return nil, err
	}
	if err := m.publisher.PublishApprovalResponse(ctx, runID, events.ApprovalResponsePayload{
		CommandHash: hash,
		Approved:    approval.Approved.String(),
	}); err != nil {
		m.logger.Warn("Failed to publish approval_response event", "run_id", runID, "error", err)
	}

	if !m.IsLive(runID) {
		h, err := m.reserve(runID)
		if err != nil {
			// The decision is durable; the run can be resumed once a
			// slot frees up.
			m.logger.Warn("Approval recorded but run not relaunched", "run_id", runID, "error", err)
			return approval, nil
		}
		m.setStatus(ctx, runID, models.RunStatusActive)
		m.spawn(runID, h, func(ctx context.Context, d *graph.Driver) (graph.Outcome, error) {
			return d.Resume(ctx)
		})
	}
	return approval, nil
}

// Pause asks a live driver to stop at the next node boundary. A run parked
// on a terminal approval is paused directly.
func (m *Manager) Pause(ctx context.Context, userID, runID string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	h, live := m.live[runID]
	m.mu.Unlock()
	if live {
		h.driver.RequestPause()
		m.logger.Info("Pause requested", "run_id", runID)
		return nil
	}

	if run.Status == models.RunStatusActive {
		m.setStatus(ctx, runID, models.RunStatusPaused)
		if err := m.publisher.PublishRunPaused(ctx, runID, events.RunPausedPayload{}); err != nil {
			m.logger.Warn("Failed to publish run_paused event", "run_id", runID, "error", err)
		}
		return nil
	}
	return fmt.Errorf("%w: run %s is %s", services.ErrConflict, runID, run.Status)
}

// Resume relaunches a paused or interrupted run from its latest
// checkpoint.
func (m *Manager) Resume(ctx context.Context, userID, runID string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	if m.IsLive(runID) {
		return fmt.Errorf("%w: run %s is already executing", services.ErrConflict, runID)
	}
	if run.Status == models.RunStatusAwaitingConfirmation {
		return fmt.Errorf("%w: run %s awaits plan confirmation", services.ErrConflict, runID)
	}
	if !run.Status.Resumable() && run.Status != models.RunStatusActive {
		return fmt.Errorf("%w: run %s is %s", services.ErrConflict, runID, run.Status)
	}
	if _, _, _, err := m.store.LatestCheckpoint(ctx, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: research has not started for run %s", services.ErrConflict, runID)
		}
		return fmt.Errorf("failed to load run state: %w", err)
	}

	h, err := m.reserve(runID)
	if err != nil {
		return err
	}
	m.setStatus(ctx, runID, models.RunStatusActive)
	if err := m.publisher.PublishRunStart(ctx, runID, events.RunStartPayload{Resumed: true}); err != nil {
		m.logger.Warn("Failed to publish run_start event", "run_id", runID, "error", err)
	}
	m.logger.Info("Run resumed", "run_id", runID)

	m.spawn(runID, h, func(ctx context.Context, d *graph.Driver) (graph.Outcome, error) {
		return d.Resume(ctx)
	})
	return nil
}

// Cancel stops a run for good: a live driver is cancelled, a parked run is
// marked failed directly.
func (m *Manager) Cancel(ctx context.Context, userID, runID string) error {
	run, err := m.runs.GetRun(ctx, userID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", services.ErrConflict, runID, run.Status)
	}

	m.mu.Lock()
	h, live := m.live[runID]
	m.mu.Unlock()
	if live {
		h.userCancel.Store(true)
		h.cancel()
		m.logger.Info("Cancel requested", "run_id", runID)
		return nil
	}

	m.setStatus(ctx, runID, models.RunStatusFailed)
	m.publishError(ctx, runID, "cancelled by user")
	m.logger.Info("Run cancelled", "run_id", runID)
	m.notifySlackTerminal(ctx, runID, models.RunStatusFailed, "", "cancelled by user")
	return nil
}

// Snapshot implements events.StateProvider: the current client-facing view
// of a run. Ownership is the caller's concern.
func (m *Manager) Snapshot(ctx context.Context, runID string) (*models.StateSnapshot, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", services.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	snapshot := &models.StateSnapshot{
		Phase:     models.PhasePlanning,
		IsRunning: m.IsLive(runID),
		Status:    run.Status,
	}
	state, _, _, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot, nil
		}
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	snapshot.Phase = state.Phase
	snapshot.Plan = state.Plan
	snapshot.CurrentStepIndex = state.CurrentStepIndex
	snapshot.Messages = state.Messages
	return snapshot, nil
}

// parseConfirmation recognizes the approve[:note] / reject[:feedback]
// forms. The first token decides; the remainder is the note.
func parseConfirmation(message string) (approved bool, note string, ok bool) {
	trimmed := strings.TrimSpace(message)
	head := trimmed
	rest := ""
	if i := strings.IndexAny(trimmed, ": \t\n"); i >= 0 {
		head, rest = trimmed[:i], strings.TrimSpace(trimmed[i+1:])
	}
	switch strings.ToLower(head) {
	case "approve":
		return true, rest, true
	case "reject":
		return false, rest, true
	}
	return false, "", false
}

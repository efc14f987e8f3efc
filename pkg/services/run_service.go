package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/store"
)

// RunService manages run metadata and ownership checks. Engine-side status
// transitions bypass ownership (the driver acts on behalf of the owner).
type RunService struct {
	store *store.Store
}

// NewRunService creates a new RunService
func NewRunService(st *store.Store) *RunService {
	return &RunService{store: st}
}

// CreateRun creates a run owned by userID.
func (s *RunService) CreateRun(ctx context.Context, userID string, req models.CreateRunRequest) (*models.Run, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}

	run := &models.Run{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  req.Title,
		Status: models.RunStatusActive,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun returns a run after checking ownership.
func (s *RunService) GetRun(ctx context.Context, userID, runID string) (*models.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if run.UserID != userID {
		return nil, ErrForbidden
	}
	return run, nil
}

// ListRuns returns all runs owned by userID, newest first.
func (s *RunService) ListRuns(ctx context.Context, userID string) (*models.RunListResponse, error) {
	runs, err := s.store.ListRuns(ctx, userID)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return &models.RunListResponse{Runs: runs, TotalCount: len(runs)}, nil
}

// UpdateTitle renames a run after checking ownership.
func (s *RunService) UpdateTitle(ctx context.Context, userID, runID, title string) (*models.Run, error) {
	if title == "" {
		return nil, NewValidationError("title", "required")
	}
	if _, err := s.GetRun(ctx, userID, runID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateRunTitle(ctx, runID, title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetRun(ctx, userID, runID)
}

// DeleteRun removes a run and everything hanging off it (approvals,
// checkpoints, events cascade in the store).
func (s *RunService) DeleteRun(ctx context.Context, userID, runID string) error {
	if _, err := s.GetRun(ctx, userID, runID); err != nil {
		return err
	}
	if err := s.store.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// SetStatus updates the run status without an ownership check. Engine-only.
func (s *RunService) SetStatus(ctx context.Context, runID string, status models.RunStatus) error {
	if !status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	if err := s.store.UpdateRunStatus(ctx, runID, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// AddTokens accumulates LLM token usage onto the run. Engine-only.
func (s *RunService) AddTokens(ctx context.Context, runID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	if err := s.store.AddRunTokens(ctx, runID, tokens); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// MarkInterruptedAtBoot flips every active run to interrupted. Called once
// at startup before any driver launches: an active run without a live
// driver crashed mid-flight.
func (s *RunService) MarkInterruptedAtBoot(ctx context.Context) (int64, error) {
	return s.store.MarkActiveRunsInterrupted(ctx)
}

// CleanupOldRuns removes terminal runs whose last update is older than
// maxAge. Checkpoints, tool calls, approvals, and events cascade.
func (s *RunService) CleanupOldRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.store.DeleteTerminalRunsBefore(writeCtx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old runs: %w", err)
	}
	return count, nil
}

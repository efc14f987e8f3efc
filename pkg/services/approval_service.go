package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/store"
)

// ApprovalService manages terminal-command approvals. The driver persists
// pending requests and consumes decisions; clients resolve them.
type ApprovalService struct {
	store *store.Store
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(st *store.Store) *ApprovalService {
	return &ApprovalService{store: st}
}

// CreatePending records a pending approval for the command, reusing an
// existing row for the same (run, command) pair. Engine-only.
func (s *ApprovalService) CreatePending(ctx context.Context, runID, command string) (*models.Approval, error) {
	if command == "" {
		return nil, NewValidationError("command", "required")
	}
	hash := models.CommandHash(command)
	approval, err := s.store.CreateApproval(ctx, runID, hash, command)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return approval, nil
}

// Get returns one approval without an ownership check. Engine-only.
func (s *ApprovalService) Get(ctx context.Context, runID, hash string) (*models.Approval, error) {
	approval, err := s.store.GetApproval(ctx, runID, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return approval, nil
}

// ListPending returns the unresolved approvals of a run the caller owns.
func (s *ApprovalService) ListPending(ctx context.Context, userID, runID string) ([]*models.Approval, error) {
	if err := s.checkOwnership(ctx, userID, runID); err != nil {
		return nil, err
	}
	approvals, err := s.store.ListPendingApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}
	if approvals == nil {
		approvals = []*models.Approval{}
	}
	return approvals, nil
}

// Respond writes the caller's decision. Resolution is compare-and-set:
// re-submitting the same decision is an idempotent no-op, and flipping a
// decision the driver already consumed is a conflict.
func (s *ApprovalService) Respond(ctx context.Context, userID, runID, hash string, approved bool) (*models.Approval, error) {
	if err := s.checkOwnership(ctx, userID, runID); err != nil {
		return nil, err
	}

	decision := models.ApprovalDenied
	if approved {
		decision = models.ApprovalGranted
	}

	ok, err := s.store.ResolveApproval(ctx, runID, hash, decision)
	if err != nil {
		return nil, err
	}
	if ok {
		return s.Get(ctx, runID, hash)
	}

	// No row changed: the approval is missing or already consumed.
	existing, err := s.Get(ctx, runID, hash)
	if err != nil {
		return nil, err
	}
	if existing.Approved == decision {
		return existing, nil
	}
	return nil, fmt.Errorf("approval already %s: %w", existing.Approved, ErrConflict)
}

// Consume freezes a resolved decision once the driver has acted on it.
// Engine-only, idempotent.
func (s *ApprovalService) Consume(ctx context.Context, runID, hash string) error {
	return s.store.ConsumeApproval(ctx, runID, hash)
}

func (s *ApprovalService) checkOwnership(ctx context.Context, userID, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if run.UserID != userID {
		return ErrForbidden
	}
	return nil
}

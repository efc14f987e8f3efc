package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/models"
)

// CreateApproval inserts a pending approval for (runID, hash), or leaves an
// existing row untouched. Returns the row as stored, so callers see a prior
// decision for the same command.
func (s *Store) CreateApproval(ctx context.Context, runID, hash, command string) (*models.Approval, error) {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO approvals (run_id, command_hash, command_text, approved, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (run_id, command_hash) DO NOTHING`),
		runID, hash, command, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to insert approval: %w", err)
	}
	return s.GetApproval(ctx, runID, hash)
}

// GetApproval fetches one approval. Returns sql.ErrNoRows (wrapped) when
// missing.
func (s *Store) GetApproval(ctx context.Context, runID, hash string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT run_id, command_hash, command_text, approved, consumed_at, created_at, updated_at
		FROM approvals WHERE run_id = $1 AND command_hash = $2`), runID, hash)
	return scanApproval(row)
}

// ListPendingApprovals returns a run's unresolved approvals, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, runID string) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT run_id, command_hash, command_text, approved, consumed_at, created_at, updated_at
		FROM approvals WHERE run_id = $1 AND approved = 0
		ORDER BY created_at ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approvals: %w", err)
	}
	return approvals, nil
}

// ResolveApproval writes a decision with compare-and-set semantics: the
// update lands only while the decision has not been consumed by the driver.
// Returns false when no row changed (missing row, or already consumed).
func (s *Store) ResolveApproval(ctx context.Context, runID, hash string, decision models.ApprovalDecision) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE approvals SET approved = $1, updated_at = $2
		WHERE run_id = $3 AND command_hash = $4 AND consumed_at IS NULL`),
		int(decision), now(), runID, hash)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ConsumeApproval marks a resolved decision as acted upon by the driver.
// After this the decision is frozen: flips are rejected at the service
// layer. Idempotent.
func (s *Store) ConsumeApproval(ctx context.Context, runID, hash string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE approvals SET consumed_at = $1, updated_at = $2
		WHERE run_id = $3 AND command_hash = $4 AND consumed_at IS NULL`),
		ts, ts, runID, hash)
	if err != nil {
		return fmt.Errorf("failed to consume approval: %w", err)
	}
	return nil
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		a        models.Approval
		approved int
		consumed sql.NullTime
	)
	err := row.Scan(&a.RunID, &a.CommandHash, &a.CommandText, &approved, &consumed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("approval not found: %w", err)
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}
	a.Approved = models.ApprovalDecision(approved)
	if consumed.Valid {
		t := consumed.Time
		a.ConsumedAt = &t
	}
	return &a, nil
}

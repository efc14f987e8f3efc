package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/pkg/models"
)

// CreateRun inserts a new run record. CreatedAt/UpdatedAt are set here.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	ts := now()
	run.CreatedAt = ts
	run.UpdatedAt = ts
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO runs (id, user_id, title, status, total_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		run.ID, run.UserID, run.Title, string(run.Status), run.TotalTokens, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id. Returns sql.ErrNoRows (wrapped) when the run
// does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, title, status, total_tokens, created_at, updated_at
		FROM runs WHERE id = $1`), id)
	return scanRun(row)
}

// ListRuns returns a user's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, title, status, total_tokens, created_at, updated_at
		FROM runs WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus sets the run status. Returns sql.ErrNoRows when the run is
// unknown.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`),
		string(status), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return requireRow(res, id)
}

// UpdateRunTitle sets the run title.
func (s *Store) UpdateRunTitle(ctx context.Context, id string, title string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET title = $1, updated_at = $2 WHERE id = $3`),
		title, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run title: %w", err)
	}
	return requireRow(res, id)
}

// AddRunTokens adds the given token count onto the run's total.
func (s *Store) AddRunTokens(ctx context.Context, id string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET total_tokens = total_tokens + $1, updated_at = $2 WHERE id = $3`),
		tokens, now(), id)
	if err != nil {
		return fmt.Errorf("failed to add run tokens: %w", err)
	}
	return requireRow(res, id)
}

// DeleteRun removes a run. Approvals, checkpoints, and events cascade via
// foreign keys.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM runs WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return requireRow(res, id)
}

// MarkActiveRunsInterrupted flips every active run to interrupted. Called
// once at startup: an active run with no live driver crashed mid-flight.
func (s *Store) MarkActiveRunsInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET status = $1, updated_at = $2 WHERE status = $3`),
		string(models.RunStatusInterrupted), now(), string(models.RunStatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count interrupted runs: %w", err)
	}
	return n, nil
}

// DeleteTerminalRunsBefore removes completed and failed runs last touched
// before the cutoff. Dependent rows cascade. Returns the number of runs
// removed.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM runs WHERE status IN ($1, $2) AND updated_at < $3`),
		string(models.RunStatusCompleted), string(models.RunStatusFailed), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run    models.Run
		status string
	)
	err := row.Scan(&run.ID, &run.UserID, &run.Title, &status, &run.TotalTokens, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found: %w", err)
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}

// requireRow converts a zero-row update into sql.ErrNoRows so services can
// map it to their not-found sentinel.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found: %w", id, sql.ErrNoRows)
	}
	return nil
}

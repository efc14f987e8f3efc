package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/models"
)

// SaveCheckpoint appends one checkpoint: the state after `node` executed and
// the pending transition `next`. (run_id, seq) is unique; writes are durable
// before the call returns.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, seq int, node, next string, state *models.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO checkpoints (run_id, seq, node, next_node, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		runID, seq, node, next, string(data), now())
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for a run: the state as of
// the last completed node, its sequence number, and the pending transition.
// Returns sql.ErrNoRows (wrapped) when the run has no checkpoints.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*models.RunState, int, string, error) {
	var (
		seq  int
		next string
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT seq, next_node, state FROM checkpoints
		WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`), runID).Scan(&seq, &next, &raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, "", fmt.Errorf("no checkpoints for run %s: %w", runID, err)
		}
		return nil, 0, "", fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, 0, "", fmt.Errorf("failed to deserialize run state: %w", err)
	}
	return &state, seq, next, nil
}

// ListCheckpoints returns a run's checkpoint sequence numbers in ascending
// order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT seq FROM checkpoints WHERE run_id = $1 ORDER BY seq ASC`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var seqs []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return seqs, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventRecord is one persisted notifier event. IDs are assigned by the
// database and are monotonic per table, so they double as catchup cursors.
type EventRecord struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertEvent persists one event and returns its assigned id.
func (s *Store) InsertEvent(ctx context.Context, runID, eventType string, payload json.RawMessage) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO events (run_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`),
		runID, eventType, string(payload), now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

// ListEventsAfter returns up to limit events for a run with id greater than
// afterID, in id order. afterID 0 reads from the beginning.
func (s *Store) ListEventsAfter(ctx context.Context, runID string, afterID int64, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, run_id, type, payload, created_at
		FROM events WHERE run_id = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`),
		runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var (
			rec EventRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Type, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Payload = json.RawMessage(raw)
		events = append(events, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore trims events older than the cutoff across all runs.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM events WHERE created_at < $1`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}

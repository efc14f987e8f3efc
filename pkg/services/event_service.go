package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/pkg/store"
)

// EventService manages the persisted event log behind the notifier.
type EventService struct {
	store *store.Store
}

// NewEventService creates a new EventService
func NewEventService(st *store.Store) *EventService {
	return &EventService{store: st}
}

// RecordEvent persists one event and returns its assigned id. Uses a
// background write context so a cancelled request cannot drop an event that
// the broadcaster is about to announce.
func (s *EventService) RecordEvent(httpCtx context.Context, runID, eventType string, payload json.RawMessage) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := s.store.InsertEvent(ctx, runID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to record event: %w", err)
	}
	return id, nil
}

// GetEventsSince retrieves up to limit events for a run with id greater
// than sinceID, oldest first.
func (s *EventService) GetEventsSince(ctx context.Context, runID string, sinceID int64, limit int) ([]*store.EventRecord, error) {
	events, err := s.store.ListEventsAfter(ctx, runID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	return events, nil
}

// ListEvents is GetEventsSince behind an ownership check, for the REST
// listing endpoint.
func (s *EventService) ListEvents(ctx context.Context, userID, runID string, sinceID int64, limit int) ([]*store.EventRecord, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, ErrNotFound
	}
	if run.UserID != userID {
		return nil, ErrForbidden
	}
	return s.GetEventsSince(ctx, runID, sinceID, limit)
}

// CleanupExpiredEvents removes events older than the TTL across all runs.
func (s *EventService) CleanupExpiredEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.store.DeleteEventsBefore(writeCtx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired events: %w", err)
	}
	return count, nil
}

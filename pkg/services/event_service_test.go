package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventServiceRecordAndCatchup(t *testing.T) {
	st := newTestStore(t)
	runs := NewRunService(st)
	events := NewEventService(st)
	ctx := context.Background()

	run := createRunFor(t, runs, "alice", "eventful")

	var last int64
	for i := 0; i < 3; i++ {
		id, err := events.RecordEvent(ctx, run.ID, "message", json.RawMessage(`{"content":"hello"}`))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}

	all, err := events.GetEventsSince(ctx, run.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "message", all[0].Type)

	tail, err := events.GetEventsSince(ctx, run.ID, all[0].ID, 100)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestEventServiceListOwnership(t *testing.T) {
	st := newTestStore(t)
	runs := NewRunService(st)
	events := NewEventService(st)
	ctx := context.Background()

	run := createRunFor(t, runs, "alice", "guarded")
	_, err := events.RecordEvent(ctx, run.ID, "run_start", json.RawMessage(`{}`))
	require.NoError(t, err)

	got, err := events.ListEvents(ctx, "alice", run.ID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = events.ListEvents(ctx, "mallory", run.ID, 0, 100)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = events.ListEvents(ctx, "alice", "missing", 0, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventServiceCleanupExpired(t *testing.T) {
	st := newTestStore(t)
	runs := NewRunService(st)
	events := NewEventService(st)
	ctx := context.Background()

	run := createRunFor(t, runs, "alice", "expiring")
	_, err := events.RecordEvent(ctx, run.ID, "message", json.RawMessage(`{}`))
	require.NoError(t, err)

	// nothing is older than an hour yet
	n, err := events.CleanupExpiredEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a negative TTL puts the cutoff in the future, expiring everything
	n, err = events.CleanupExpiredEvents(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

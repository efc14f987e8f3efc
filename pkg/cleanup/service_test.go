package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/store"
)

func newRetentionHarness(t *testing.T) (*store.Store, *services.RunService, *services.EventService) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		Dir:    t.TempDir(),
		File:   "cleanup_test.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, services.NewRunService(st), services.NewEventService(st)
}

func seedRun(t *testing.T, runs *services.RunService, status models.RunStatus) string {
	t.Helper()
	run, err := runs.CreateRun(context.Background(), "alice", models.CreateRunRequest{Title: "retention test"})
	require.NoError(t, err)
	if status != models.RunStatusActive {
		require.NoError(t, runs.SetStatus(context.Background(), run.ID, status))
	}
	return run.ID
}

// retentionConfig uses zero ages so everything already written counts as
// expired, standing in for rows aged past a real retention window.
func retentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:         true,
		RunMaxAgeHours:  0,
		EventTTLHours:   0,
		IntervalMinutes: 60,
	}
}

func TestRunAllDeletesOldTerminalRuns(t *testing.T) {
	st, runs, events := newRetentionHarness(t)
	ctx := context.Background()

	completed := seedRun(t, runs, models.RunStatusCompleted)
	failed := seedRun(t, runs, models.RunStatusFailed)
	active := seedRun(t, runs, models.RunStatusActive)

	svc := NewService(retentionConfig(), runs, events)
	svc.runAll(ctx)

	_, err := st.GetRun(ctx, completed)
	assert.ErrorIs(t, err, sql.ErrNoRows, "completed run should be deleted")
	_, err = st.GetRun(ctx, failed)
	assert.ErrorIs(t, err, sql.ErrNoRows, "failed run should be deleted")
	_, err = st.GetRun(ctx, active)
	assert.NoError(t, err, "active run must survive retention regardless of age")
}

func TestRunAllPreservesRecentData(t *testing.T) {
	st, runs, events := newRetentionHarness(t)
	ctx := context.Background()

	completed := seedRun(t, runs, models.RunStatusCompleted)
	_, err := events.RecordEvent(ctx, completed, "run_complete", json.RawMessage(`{}`))
	require.NoError(t, err)

	cfg := retentionConfig()
	cfg.RunMaxAgeHours = 720
	cfg.EventTTLHours = 72
	svc := NewService(cfg, runs, events)
	svc.runAll(ctx)

	_, err = st.GetRun(ctx, completed)
	assert.NoError(t, err, "recent terminal run must survive a 30 day window")

	remaining, err := events.GetEventsSince(ctx, completed, 0, 100)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "recent event must survive a 72 hour TTL")
}

func TestRunAllDeletesExpiredEvents(t *testing.T) {
	_, runs, events := newRetentionHarness(t)
	ctx := context.Background()

	runID := seedRun(t, runs, models.RunStatusActive)
	_, err := events.RecordEvent(ctx, runID, "message", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = events.RecordEvent(ctx, runID, "run_start", json.RawMessage(`{}`))
	require.NoError(t, err)

	svc := NewService(retentionConfig(), runs, events)
	svc.runAll(ctx)

	remaining, err := events.GetEventsSince(ctx, runID, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, remaining, "events past their TTL should be deleted")
}

func TestStartRunsSweepImmediately(t *testing.T) {
	st, runs, events := newRetentionHarness(t)

	completed := seedRun(t, runs, models.RunStatusCompleted)

	svc := NewService(retentionConfig(), runs, events)
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := st.GetRun(context.Background(), completed)
		return errors.Is(err, sql.ErrNoRows)
	}, 5*time.Second, 20*time.Millisecond, "first sweep should run at startup, not after the first tick")
}

func TestDisabledRetentionIsNoOp(t *testing.T) {
	st, runs, events := newRetentionHarness(t)
	ctx := context.Background()

	completed := seedRun(t, runs, models.RunStatusCompleted)

	cfg := retentionConfig()
	cfg.Enabled = false
	svc := NewService(cfg, runs, events)
	svc.Start(ctx)
	svc.Stop()

	_, err := st.GetRun(ctx, completed)
	assert.NoError(t, err, "disabled retention must not delete anything")
}

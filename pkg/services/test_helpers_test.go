package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/store"
)

// newTestStore opens a throwaway SQLite store under t.TempDir.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DatabaseDriverSQLite,
		Dir:    t.TempDir(),
		File:   "services_test.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// createRunFor is a shortcut that creates a run through the service layer.
func createRunFor(t *testing.T, svc *RunService, userID, title string) *models.Run {
	t.Helper()
	run, err := svc.CreateRun(context.Background(), userID, models.CreateRunRequest{Title: title})
	require.NoError(t, err)
	return run
}

package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/archiver/internal/config"
	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/store"
	"github.com/roach88/archiver/internal/testutil"
)

// executeRoot runs the root command with args and returns stdout and stderr.
func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func testDB(t *testing.T) (string, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return path, st
}

// fixedModel claims and finishes invalidations at 2024-06-01T12:00:00Z.
func fixedModel(st *store.Store) *invalidation.Model {
	clock := testutil.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return invalidation.NewModel(st, invalidation.WithClock(clock.Now))
}

func insertDay(t *testing.T, m *invalidation.Model, site int64, day string) int64 {
	t.Helper()
	id, inserted, err := m.Insert(context.Background(), invalidation.Invalidation{
		SiteID: site,
		Period: invalidation.PeriodDay,
		Date1:  day,
		Date2:  day,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

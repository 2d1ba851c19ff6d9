package debtflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/debtflow/pkg/api"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a workflow started
// before a simulated process restart is picked up and finished by the next
// process sharing the same database file.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "debtflow_bundle.db")

	// --- Phase 1: create the entity and publish the first message, no
	// workers running.

	db1 := openSQLite(t, dbPath)
	bundle1, err := NewSQLiteBundle(db1, Options{Delayer: api.NoDelay{}})
	require.NoError(t, err)

	e, err := bundle1.CreateEntity(ctx)
	require.NoError(t, err)
	require.NoError(t, bundle1.StartWorkflow(ctx, e.ID, nil))

	n, err := bundle1.Broker.Len(ctx, api.ChannelGenerateDocument)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a fresh bundle over the same file.

	db2 := openSQLite(t, dbPath)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, Options{Delayer: api.NoDelay{}})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle2.Run(runCtx) }()

	got, err := bundle2.WaitForCompletion(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, got.Completed())
	require.NoError(t, got.CheckInvariants())

	stop()
	require.NoError(t, <-done)
}

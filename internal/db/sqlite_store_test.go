// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/internal/db/dbtest"
	"github.com/stretchr/testify/require"
)

// newSQLiteStore opens a migrated store in a fresh temporary file.
func newSQLiteStore(t *testing.T) db.Store {
	t.Helper()

	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "heritage.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// TestSQLiteStore runs the store behaviour tests on SQLite.
func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	dbtest.RunStoreTests(t, newSQLiteStore)
}

// TestSQLiteReopen checks that data survives closing the database and that
// migrations are idempotent.
func TestSQLiteReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heritage.db")

	store, err := db.OpenSQLite(path)
	require.NoError(t, err)

	s := dbtest.Schedule(t, "reopen")
	require.NoError(t, store.PutSchedule(t.Context(), s))
	require.NoError(t, store.PutCompiledOutput(
		t.Context(), dbtest.Compile(t, s),
	))
	require.NoError(t, store.Close())

	store, err = db.OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetSchedule(t.Context(), "reopen")
	require.NoError(t, err)
	require.Equal(t, s.Version, got.Version)

	outputs, err := store.ListCompiledOutputs(t.Context(), "reopen")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
}

// TestSQLiteArchiveTrigger checks that the database itself refuses to
// rewrite archived outputs.
func TestSQLiteArchiveTrigger(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "heritage.db"))
	require.NoError(t, err)
	defer store.Close()

	s := dbtest.Schedule(t, "trigger")
	require.NoError(t, store.PutSchedule(ctx, s))
	require.NoError(t, store.PutCompiledOutput(ctx, dbtest.Compile(t, s)))

	for _, stmt := range []string{
		`DELETE FROM compiled_outputs`,
		`UPDATE compiled_outputs SET version = 7`,
	} {
		err := store.ExecuteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, stmt)
			return err
		})
		require.ErrorContains(t, err, "append only", stmt)
	}

	outputs, err := store.ListCompiledOutputs(ctx, "trigger")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
}

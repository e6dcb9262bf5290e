// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kvdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/internal/db/dbtest"
	"github.com/stretchr/testify/require"
)

const defaultDBTimeout = 10 * time.Second

// newTestStore opens a store over a temporary bdb database.
func newTestStore(t *testing.T) db.Store {
	t.Helper()

	store, err := Open(
		filepath.Join(t.TempDir(), "heritage.db"), defaultDBTimeout,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// TestStore runs the store behaviour tests on walletdb.
func TestStore(t *testing.T) {
	t.Parallel()

	dbtest.RunStoreTests(t, newTestStore)
}

// TestStoreReopen checks that Open finds an existing database.
func TestStoreReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "heritage.db")

	store, err := Open(path, defaultDBTimeout)
	require.NoError(t, err)

	s := dbtest.Schedule(t, "reopen")
	require.NoError(t, store.PutSchedule(t.Context(), s))
	require.NoError(t, store.Close())

	store, err = Open(path, defaultDBTimeout)
	require.NoError(t, err)
	defer store.Close()

	ids, err := store.ListSchedules(t.Context())
	require.NoError(t, err)
	require.Equal(t, []heritage.ScheduleID{"reopen"}, ids)
}

// TestNewNilDB checks the constructor guard.
func TestNewNilDB(t *testing.T) {
	t.Parallel()

	store, err := New(nil)
	require.ErrorIs(t, err, db.ErrNilDB)
	require.Nil(t, store)
}

// TestVersionKeyOrder checks that big endian keys sort like versions, which
// ListCompiledOutputs relies on.
func TestVersionKeyOrder(t *testing.T) {
	t.Parallel()

	require.Less(t, string(versionKey(255)), string(versionKey(256)))
	require.Less(t, string(versionKey(1)), string(versionKey(1<<24)))
}

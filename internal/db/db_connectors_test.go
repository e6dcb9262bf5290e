// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDriverName = "heritage-test-driver"

var (
	registerDriverOnce sync.Once
	testDriver         *mockDriver
)

// newMockedTestDB returns a *sql.DB backed by a mock driver. It avoids any
// network or disk usage, so it only suits constructor tests that need a non
// nil database handle.
func newMockedTestDB(t *testing.T) *sql.DB {
	t.Helper()

	registerDriverOnce.Do(func() {
		testDriver = &mockDriver{}
		testDriver.On("Open", mock.Anything).Return(&mockConn{}, nil)

		sql.Register(testDriverName, testDriver)
	})

	db, err := sql.Open(testDriverName, "")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// TestNewSQLStore checks that both SQL constructors guard against a nil
// *sql.DB and pick the placeholder style of their backend.
func TestNewSQLStore(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		newStore func(*sql.DB) (*SQLStore, error)
		dialect  dialect
	}{{
		name:     "sqlite",
		newStore: NewSQLiteStore,
		dialect:  sqliteDialect,
	}, {
		name:     "postgres",
		newStore: NewPostgresStore,
		dialect:  postgresDialect,
	}}

	for _, tc := range testCases {
		t.Run(tc.name+" nil db", func(t *testing.T) {
			t.Parallel()

			store, err := tc.newStore(nil)
			require.ErrorIs(t, err, ErrNilDB)
			require.Nil(t, store)
		})

		t.Run(tc.name+" valid db", func(t *testing.T) {
			t.Parallel()

			sqlDB := newMockedTestDB(t)

			store, err := tc.newStore(sqlDB)
			require.NoError(t, err)
			require.Equal(t, sqlDB, store.db)
			require.Equal(t, tc.dialect, store.dialect)
		})
	}
}

// TestRebind checks placeholder rewriting for numbered parameter backends.
func TestRebind(t *testing.T) {
	t.Parallel()

	query := `UPDATE schedules SET reset_height = ?, reset_time = ? ` +
		`WHERE id = ?`

	require.Equal(t, query, sqliteDialect.rebind(query))
	require.Equal(t,
		`UPDATE schedules SET reset_height = $1, reset_time = $2 `+
			`WHERE id = $3`,
		postgresDialect.rebind(query),
	)
}

// TestCastUint32 checks the bounds of stored integers.
func TestCastUint32(t *testing.T) {
	t.Parallel()

	v, err := castUint32(900_000)
	require.NoError(t, err)
	require.Equal(t, uint32(900_000), v)

	_, err = castUint32(-1)
	require.ErrorIs(t, err, ErrCastingOverflow)

	_, err = castUint32(1 << 32)
	require.ErrorIs(t, err, ErrCastingOverflow)
}

// mockDriver implements a bare-bones SQL driver so tests can obtain a *sql.DB
// without depending on an external database.
type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Open(name string) (driver.Conn, error) {
	args := m.Called(name)
	conn, _ := args.Get(0).(driver.Conn)

	return conn, args.Error(1)
}

// mockConn is a connection that refuses every statement.
type mockConn struct{}

var errMockConn = errors.New("mock connection")

func (mockConn) Prepare(string) (driver.Stmt, error) {
	return nil, errMockConn
}

func (mockConn) Close() error {
	return nil
}

func (mockConn) Begin() (driver.Tx, error) {
	return nil, errMockConn
}

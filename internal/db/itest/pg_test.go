// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build itest && test_db_postgres

package itest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/internal/db/dbtest"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared container instance. Tests share the container, never a
	// database: each test gets its own.
	pgContainer *postgres.PostgresContainer

	// Ensure the container is created only once.
	pgContainerOnce sync.Once

	// Error of the container creation, returned to every later caller.
	pgContainerErr error

	// Timeout for waiting for the postgres container to start, including
	// the image download.
	pgInitTimeout = 2 * time.Minute

	// Timeout for terminating the postgres container after the suite.
	pgTerminateTimeout = 1 * time.Minute

	dbNameChars = regexp.MustCompile(`[^a-z0-9_]`)
)

// TestMain terminates the shared postgres container once the suite is done
// so that no docker resources leak.
func TestMain(m *testing.M) {
	code := m.Run()

	if pgContainer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), pgTerminateTimeout,
		)
		defer cancel()

		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate postgres container: %v\n",
				err)
		}
	}

	os.Exit(code)
}

// getPostgresContainer returns the shared PostgreSQL container, starting it
// on first use.
func getPostgresContainer(ctx context.Context) (*postgres.PostgresContainer,
	error) {

	pgContainerOnce.Do(func() {
		pgContainer, pgContainerErr = postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:18-alpine"),
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategyAndDeadline(
				pgInitTimeout, wait.ForListeningPort("5432/tcp"),
			),
		)
	})

	return pgContainer, pgContainerErr
}

// sanitizedPgDBName turns a test name into a valid database name.
func sanitizedPgDBName(t *testing.T) string {
	dbName := dbNameChars.ReplaceAllString(strings.ToLower(t.Name()), "_")

	// PostgreSQL database names are limited to 63 characters.
	if len(dbName) > 63 {
		dbName = dbName[:63]
	}

	return dbName
}

// newPostgresStore creates a database for the test, migrates it and returns
// the store.
func newPostgresStore(t *testing.T) db.Store {
	t.Helper()
	ctx := t.Context()

	container, err := getPostgresContainer(ctx)
	require.NoError(t, err, "failed to get postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	adminDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err, "failed to open admin connection")
	t.Cleanup(func() {
		_ = adminDB.Close()
	})

	dbName := sanitizedPgDBName(t)
	_, err = adminDB.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err, "failed to create test database")

	store, err := db.OpenPostgres(
		strings.Replace(connStr, "/postgres?", "/"+dbName+"?", 1),
	)
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// TestPostgresStore runs the store behaviour tests on PostgreSQL.
func TestPostgresStore(t *testing.T) {
	dbtest.RunStoreTests(t, newPostgresStore)
}

// TestPostgresArchiveTrigger checks that the database itself refuses to
// rewrite archived outputs.
func TestPostgresArchiveTrigger(t *testing.T) {
	ctx := t.Context()

	store := newPostgresStore(t)

	s := dbtest.Schedule(t, "trigger")
	require.NoError(t, store.PutSchedule(ctx, s))
	require.NoError(t, store.PutCompiledOutput(ctx, dbtest.Compile(t, s)))

	sqlStore, ok := store.(*db.SQLStore)
	require.True(t, ok)

	err := sqlStore.ExecuteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM compiled_outputs WHERE schedule_id = $1`,
			"trigger",
		)
		return err
	})
	require.ErrorContains(t, err, "append only")

	outputs, err := store.ListCompiledOutputs(ctx, "trigger")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
}

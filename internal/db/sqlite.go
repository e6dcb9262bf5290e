// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// NewSQLiteStore returns a Store over an SQLite database whose migrations
// have been applied.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqliteDialect)
}

// sqliteDSN returns the connection string used for the database at path.
func sqliteDSN(path string) string {
	// Enable foreign keys (required for proper constraint enforcement).
	dsn := path + "?_pragma=foreign_keys=on"

	// WAL allows readers alongside the single writer.
	dsn += "&_pragma=journal_mode=WAL"

	// Take the write lock when the transaction starts so that read then
	// write transactions cannot deadlock.
	dsn += "&_txlock=immediate"

	// Retry acquiring locks for 5 seconds instead of failing with
	// SQLITE_BUSY right away.
	dsn += "&_pragma=busy_timeout=5000"

	return dsn
}

// OpenSQLite opens or creates the SQLite database at path, applies the
// migrations and returns the store.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := ApplySQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened sqlite store at %s", path)

	return NewSQLiteStore(db)
}

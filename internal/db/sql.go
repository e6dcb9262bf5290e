// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package db

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcheritage/heritage/heritage"
)

// dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound for backends using '$n'.
type dialect struct {
	name           string
	numberedParams bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numberedParams: true}
)

// rebind rewrites '?' placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numberedParams {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}

		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

// SQLStore is the database/sql implementation of Store. It serves both the
// SQLite and the PostgreSQL backend.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// execInTx runs fn inside a transaction that is committed when fn succeeds
// and rolled back otherwise.
func execInTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ExecuteTx executes a function within a database transaction. The
// transaction is committed when fn returns nil and rolled back otherwise.
func (s *SQLStore) ExecuteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return execInTx(ctx, s.db, fn)
}

// scheduleRow is the column set of the schedules table.
type scheduleRow struct {
	id           string
	version      int64
	originHeight int64
	originTime   int64
	resetHeight  int64
	resetTime    int64
	tiers        []byte
}

func newScheduleRow(s *heritage.Schedule) (*scheduleRow, error) {
	var buf bytes.Buffer
	if err := heritage.EncodeTiers(&buf, s.Tiers); err != nil {
		return nil, fmt.Errorf("encode tiers: %w", err)
	}

	return &scheduleRow{
		id:           string(s.ID),
		version:      int64(s.Version),
		originHeight: int64(s.Origin.Height),
		originTime:   s.Origin.Time.Unix(),
		resetHeight:  int64(s.ResetReference.Height),
		resetTime:    s.ResetReference.Time.Unix(),
		tiers:        buf.Bytes(),
	}, nil
}

func (r *scheduleRow) schedule() (*heritage.Schedule, error) {
	version, err := castUint32(r.version)
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	originHeight, err := castUint32(r.originHeight)
	if err != nil {
		return nil, fmt.Errorf("origin height: %w", err)
	}
	resetHeight, err := castUint32(r.resetHeight)
	if err != nil {
		return nil, fmt.Errorf("reset height: %w", err)
	}

	tiers, err := heritage.DecodeTiers(bytes.NewReader(r.tiers))
	if err != nil {
		return nil, err
	}

	return heritage.RestoreSchedule(
		heritage.ScheduleID(r.id), version, tiers,
		heritage.NewChainPoint(originHeight, time.Unix(r.originTime, 0)),
		heritage.NewChainPoint(resetHeight, time.Unix(r.resetTime, 0)),
	)
}

// ErrCastingOverflow is returned when a stored integer does not fit its Go
// type.
var ErrCastingOverflow = errors.New("casting overflow")

func castUint32(v int64) (uint32, error) {
	if v < 0 || v > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d does not fit uint32",
			ErrCastingOverflow, v)
	}

	return uint32(v), nil
}

// PutSchedule creates or replaces a schedule. Storing an older version, or a
// different tier list under the stored version, fails with
// ErrVersionConflict.
func (s *SQLStore) PutSchedule(ctx context.Context,
	sched *heritage.Schedule) error {

	row, err := newScheduleRow(sched)
	if err != nil {
		return err
	}

	return s.ExecuteTx(ctx, func(tx *sql.Tx) error {
		var (
			version int64
			tiers   []byte
		)
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT version, tiers FROM schedules WHERE id = ?`,
		), row.id).Scan(&version, &tiers)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO schedules (id, version, `+
					`origin_height, origin_time, `+
					`reset_height, reset_time, tiers) `+
					`VALUES (?, ?, ?, ?, ?, ?, ?)`,
			), row.id, row.version, row.originHeight,
				row.originTime, row.resetHeight, row.resetTime,
				row.tiers)
			if err != nil {
				return fmt.Errorf("insert schedule %s: %w",
					row.id, err)
			}

			log.Debugf("Stored schedule %s v%d", row.id,
				row.version)

			return nil

		case err != nil:
			return fmt.Errorf("read schedule %s: %w", row.id, err)
		}

		if err := checkVersion(row, version, tiers); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE schedules SET version = ?, origin_height = ?, `+
				`origin_time = ?, reset_height = ?, `+
				`reset_time = ?, tiers = ? WHERE id = ?`,
		), row.version, row.originHeight, row.originTime,
			row.resetHeight, row.resetTime, row.tiers, row.id)
		if err != nil {
			return fmt.Errorf("update schedule %s: %w", row.id, err)
		}

		log.Debugf("Updated schedule %s to v%d", row.id, row.version)

		return nil
	})
}

// checkVersion guards a schedule write against the stored version.
func checkVersion(row *scheduleRow, storedVersion int64,
	storedTiers []byte) error {

	switch {
	case row.version < storedVersion:
		return fmt.Errorf("%w: schedule %s is at v%d, got v%d",
			ErrVersionConflict, row.id, storedVersion, row.version)

	case row.version == storedVersion &&
		!bytes.Equal(row.tiers, storedTiers):

		return fmt.Errorf("%w: schedule %s v%d has other tiers",
			ErrVersionConflict, row.id, row.version)
	}

	return nil
}

// GetSchedule returns the stored schedule with the given ID.
func (s *SQLStore) GetSchedule(ctx context.Context,
	id heritage.ScheduleID) (*heritage.Schedule, error) {

	var row scheduleRow
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, version, origin_height, origin_time, `+
			`reset_height, reset_time, tiers `+
			`FROM schedules WHERE id = ?`,
	), string(id)).Scan(
		&row.id, &row.version, &row.originHeight, &row.originTime,
		&row.resetHeight, &row.resetTime, &row.tiers,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)

	case err != nil:
		return nil, fmt.Errorf("read schedule %s: %w", id, err)
	}

	return row.schedule()
}

// ListSchedules returns the IDs of all stored schedules.
func (s *SQLStore) ListSchedules(ctx context.Context) ([]heritage.ScheduleID,
	error) {

	rows, err := s.db.QueryContext(
		ctx, `SELECT id FROM schedules ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var ids []heritage.ScheduleID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, heritage.ScheduleID(id))
	}

	return ids, rows.Err()
}

// PutCompiledOutput archives out. The schedule must exist and already be at
// the output's version or later.
func (s *SQLStore) PutCompiledOutput(ctx context.Context,
	out *heritage.CompiledOutput) error {

	data, err := out.Bytes()
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	pkScript, err := out.PkScript()
	if err != nil {
		return err
	}

	id := string(out.ScheduleID)

	return s.ExecuteTx(ctx, func(tx *sql.Tx) error {
		var version int64
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT version FROM schedules WHERE id = ?`,
		), id).Scan(&version)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)

		case err != nil:
			return fmt.Errorf("read schedule %s: %w", id, err)

		case int64(out.Version) > version:
			return fmt.Errorf("%w: schedule %s is at v%d, output "+
				"is v%d", ErrVersionConflict, id, version,
				out.Version)
		}

		// Concurrent writers of the same version both end up comparing
		// against whichever row won the insert.
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO compiled_outputs (schedule_id, version, `+
				`pk_script, output) VALUES (?, ?, ?, ?) `+
				`ON CONFLICT (schedule_id, version) DO NOTHING`,
		), id, int64(out.Version), pkScript, data)
		if err != nil {
			return fmt.Errorf("insert output %s v%d: %w", id,
				out.Version, err)
		}

		var stored []byte
		err = tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT output FROM compiled_outputs `+
				`WHERE schedule_id = ? AND version = ?`,
		), id, int64(out.Version)).Scan(&stored)
		if err != nil {
			return fmt.Errorf("read output %s v%d: %w", id,
				out.Version, err)
		}

		if !bytes.Equal(stored, data) {
			return fmt.Errorf("%w: output %s v%d is already "+
				"archived with other content",
				ErrVersionConflict, id, out.Version)
		}

		return nil
	})
}

// GetCompiledOutput returns the archived output of a version.
func (s *SQLStore) GetCompiledOutput(ctx context.Context,
	id heritage.ScheduleID, version uint32) (*heritage.CompiledOutput,
	error) {

	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT output FROM compiled_outputs `+
			`WHERE schedule_id = ? AND version = ?`,
	), string(id), int64(version)).Scan(&data)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s v%d", ErrOutputNotFound, id,
			version)

	case err != nil:
		return nil, fmt.Errorf("read output %s v%d: %w", id, version,
			err)
	}

	return heritage.DecodeCompiledOutputBytes(data)
}

// ListCompiledOutputs returns all archived outputs of a schedule by
// ascending version. An unknown schedule yields ErrScheduleNotFound.
func (s *SQLStore) ListCompiledOutputs(ctx context.Context,
	id heritage.ScheduleID) ([]*heritage.CompiledOutput, error) {

	var outputs []*heritage.CompiledOutput
	err := s.ExecuteTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT 1 FROM schedules WHERE id = ?`,
		), string(id)).Scan(&exists)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)

		case err != nil:
			return fmt.Errorf("read schedule %s: %w", id, err)
		}

		rows, err := tx.QueryContext(ctx, s.dialect.rebind(
			`SELECT output FROM compiled_outputs `+
				`WHERE schedule_id = ? ORDER BY version`,
		), string(id))
		if err != nil {
			return fmt.Errorf("list outputs %s: %w", id, err)
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}

			out, err := heritage.DecodeCompiledOutputBytes(data)
			if err != nil {
				return err
			}
			outputs = append(outputs, out)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return outputs, nil
}

// UpdateResetReference stores ref as the reset reference of a schedule.
func (s *SQLStore) UpdateResetReference(ctx context.Context,
	id heritage.ScheduleID, ref heritage.ChainPoint) error {

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE schedules SET reset_height = ?, reset_time = ? `+
			`WHERE id = ?`,
	), int64(ref.Height), ref.Time.Unix(), string(id))
	if err != nil {
		return fmt.Errorf("update reset reference %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	log.Debugf("Schedule %s reset reference now %v", id, ref)

	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

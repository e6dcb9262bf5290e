// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package db persists heritage schedules and the archive of their compiled
// outputs.
//
// The archive is append only. Coins received under an old descriptor
// version can only be spent with the compiled output of that version, so a
// compiled output is never updated or removed once stored.
package db

import (
	"context"
	"errors"

	"github.com/btcheritage/heritage/heritage"
)

var (
	// ErrNilDB is returned when a store is constructed without a database
	// handle.
	ErrNilDB = errors.New("nil database")

	// ErrScheduleNotFound is returned when the requested schedule does
	// not exist.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrOutputNotFound is returned when no compiled output exists for
	// the requested version.
	ErrOutputNotFound = errors.New("compiled output not found")

	// ErrVersionConflict is returned when a write would rewrite history:
	// storing a schedule older than the stored one, a different tier list
	// under an existing version, or different bytes for an archived
	// compiled output.
	ErrVersionConflict = errors.New("descriptor version conflict")
)

// Store is the persistence boundary of the heritage wallet.
type Store interface {
	// PutSchedule creates or replaces a schedule. The stored version may
	// only move forward.
	PutSchedule(ctx context.Context, s *heritage.Schedule) error

	// GetSchedule returns the latest stored version of a schedule.
	GetSchedule(ctx context.Context,
		id heritage.ScheduleID) (*heritage.Schedule, error)

	// ListSchedules returns the IDs of every stored schedule in
	// ascending order.
	ListSchedules(ctx context.Context) ([]heritage.ScheduleID, error)

	// PutCompiledOutput archives the compiled output of one descriptor
	// version. Storing identical bytes again is a no-op.
	PutCompiledOutput(ctx context.Context,
		out *heritage.CompiledOutput) error

	// GetCompiledOutput returns the archived output of a version.
	GetCompiledOutput(ctx context.Context, id heritage.ScheduleID,
		version uint32) (*heritage.CompiledOutput, error)

	// ListCompiledOutputs returns every archived output of a schedule by
	// ascending version.
	ListCompiledOutputs(ctx context.Context,
		id heritage.ScheduleID) ([]*heritage.CompiledOutput, error)

	// UpdateResetReference stores a new reset reference for a schedule
	// without touching its tiers or version.
	UpdateResetReference(ctx context.Context, id heritage.ScheduleID,
		ref heritage.ChainPoint) error

	// Close releases the underlying database.
	Close() error
}

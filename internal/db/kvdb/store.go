// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvdb implements the heritage store on top of walletdb.
//
// Layout:
//
//	schedules/
//	  <id>/
//	    meta            encoded schedule
//	    versions/
//	      <version>     encoded compiled output, version as 4 byte BE
package kvdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcsuite/btcwallet/walletdb"

	// Registers the "bdb" walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

var (
	schedulesBucketKey = []byte("schedules")
	metaKey            = []byte("meta")
	versionsBucketKey  = []byte("versions")
)

// errMissingBucket is returned when a schedule has lost one of its nested
// buckets.
var errMissingBucket = errors.New("missing bucket")

// Store is the walletdb implementation of db.Store.
type Store struct {
	db walletdb.DB
}

var _ db.Store = (*Store)(nil)

// New returns a store over an open walletdb database, creating the top level
// bucket when needed.
func New(dbConn walletdb.DB) (*Store, error) {
	if dbConn == nil {
		return nil, db.ErrNilDB
	}

	err := walletdb.Update(dbConn, func(tx walletdb.ReadWriteTx) error {
		if tx.ReadWriteBucket(schedulesBucketKey) != nil {
			return nil
		}

		_, err := tx.CreateTopLevelBucket(schedulesBucketKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schedules bucket: %w", err)
	}

	return &Store{db: dbConn}, nil
}

// Open opens the bolt database at path, creating it when it does not exist.
func Open(path string, timeout time.Duration) (*Store, error) {
	var (
		dbConn walletdb.DB
		err    error
	)

	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		dbConn, err = walletdb.Create("bdb", path, true, timeout, false)
	} else {
		dbConn, err = walletdb.Open("bdb", path, true, timeout, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open bdb %s: %w", path, err)
	}

	store, err := New(dbConn)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	return store, nil
}

func versionKey(version uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], version)

	return k[:]
}

// scheduleBucket returns the bucket of id, or ErrScheduleNotFound.
func scheduleBucket(tx walletdb.ReadTx,
	id heritage.ScheduleID) (walletdb.ReadBucket, error) {

	top := tx.ReadBucket(schedulesBucketKey)
	if top == nil {
		return nil, fmt.Errorf("%w: schedules", errMissingBucket)
	}

	b := top.NestedReadBucket([]byte(id))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", db.ErrScheduleNotFound, id)
	}

	return b, nil
}

func readSchedule(b walletdb.ReadBucket) (*heritage.Schedule, error) {
	meta := b.Get(metaKey)
	if meta == nil {
		return nil, fmt.Errorf("%w: meta", errMissingBucket)
	}

	return heritage.DecodeScheduleBytes(meta)
}

// PutSchedule creates or replaces a schedule. Storing an older version, or a
// different tier list under the stored version, fails with
// db.ErrVersionConflict.
func (s *Store) PutSchedule(_ context.Context, sched *heritage.Schedule) error {
	meta, err := sched.Bytes()
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		top := tx.ReadWriteBucket(schedulesBucketKey)
		if top == nil {
			return fmt.Errorf("%w: schedules", errMissingBucket)
		}

		b := top.NestedReadWriteBucket([]byte(sched.ID))
		if b == nil {
			b, err = top.CreateBucket([]byte(sched.ID))
			if err != nil {
				return err
			}

			if _, err := b.CreateBucket(versionsBucketKey); err != nil {
				return err
			}

			log.Debugf("Stored schedule %s v%d", sched.ID,
				sched.Version)

			return b.Put(metaKey, meta)
		}

		stored, err := readSchedule(b)
		if err != nil {
			return err
		}

		if err := checkVersion(stored, sched); err != nil {
			return err
		}

		return b.Put(metaKey, meta)
	})
}

// checkVersion guards a schedule write against the stored version.
func checkVersion(stored, next *heritage.Schedule) error {
	if next.Version < stored.Version {
		return fmt.Errorf("%w: schedule %s is at v%d, got v%d",
			db.ErrVersionConflict, next.ID, stored.Version,
			next.Version)
	}

	if next.Version > stored.Version {
		return nil
	}

	var a, b bytes.Buffer
	if err := heritage.EncodeTiers(&a, stored.Tiers); err != nil {
		return err
	}
	if err := heritage.EncodeTiers(&b, next.Tiers); err != nil {
		return err
	}

	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		return fmt.Errorf("%w: schedule %s v%d has other tiers",
			db.ErrVersionConflict, next.ID, next.Version)
	}

	return nil
}

// GetSchedule returns the stored schedule with the given ID.
func (s *Store) GetSchedule(_ context.Context,
	id heritage.ScheduleID) (*heritage.Schedule, error) {

	var sched *heritage.Schedule
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b, err := scheduleBucket(tx, id)
		if err != nil {
			return err
		}

		sched, err = readSchedule(b)
		return err
	})
	if err != nil {
		return nil, err
	}

	return sched, nil
}

// ListSchedules returns the IDs of all stored schedules. Bolt iterates keys
// in byte order.
func (s *Store) ListSchedules(_ context.Context) ([]heritage.ScheduleID,
	error) {

	var ids []heritage.ScheduleID
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		top := tx.ReadBucket(schedulesBucketKey)
		if top == nil {
			return fmt.Errorf("%w: schedules", errMissingBucket)
		}

		return top.ForEach(func(k, v []byte) error {
			// Schedules are nested buckets, which have no value.
			if v == nil {
				ids = append(ids, heritage.ScheduleID(k))
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// PutCompiledOutput archives out. The schedule must exist and already be at
// the output's version or later.
func (s *Store) PutCompiledOutput(_ context.Context,
	out *heritage.CompiledOutput) error {

	data, err := out.Bytes()
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		top := tx.ReadWriteBucket(schedulesBucketKey)
		if top == nil {
			return fmt.Errorf("%w: schedules", errMissingBucket)
		}

		b := top.NestedReadWriteBucket([]byte(out.ScheduleID))
		if b == nil {
			return fmt.Errorf("%w: %s", db.ErrScheduleNotFound,
				out.ScheduleID)
		}

		sched, err := readSchedule(b)
		if err != nil {
			return err
		}
		if out.Version > sched.Version {
			return fmt.Errorf("%w: schedule %s is at v%d, output "+
				"is v%d", db.ErrVersionConflict, sched.ID,
				sched.Version, out.Version)
		}

		versions := b.NestedReadWriteBucket(versionsBucketKey)
		if versions == nil {
			return fmt.Errorf("%w: versions of %s",
				errMissingBucket, out.ScheduleID)
		}

		key := versionKey(out.Version)
		if stored := versions.Get(key); stored != nil {
			if bytes.Equal(stored, data) {
				return nil
			}

			return fmt.Errorf("%w: output %s v%d is already "+
				"archived with other content",
				db.ErrVersionConflict, out.ScheduleID,
				out.Version)
		}

		return versions.Put(key, data)
	})
}

// GetCompiledOutput returns the archived output of a version.
func (s *Store) GetCompiledOutput(_ context.Context, id heritage.ScheduleID,
	version uint32) (*heritage.CompiledOutput, error) {

	var data []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b, err := scheduleBucket(tx, id)
		if err != nil {
			return err
		}

		versions := b.NestedReadBucket(versionsBucketKey)
		if versions == nil {
			return fmt.Errorf("%w: versions of %s",
				errMissingBucket, id)
		}

		stored := versions.Get(versionKey(version))
		if stored == nil {
			return fmt.Errorf("%w: %s v%d", db.ErrOutputNotFound,
				id, version)
		}

		// Bolt values are only valid inside the transaction.
		data = append([]byte(nil), stored...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return heritage.DecodeCompiledOutputBytes(data)
}

// ListCompiledOutputs returns all archived outputs of a schedule. Version
// keys are big endian, so bolt order is ascending version order.
func (s *Store) ListCompiledOutputs(_ context.Context,
	id heritage.ScheduleID) ([]*heritage.CompiledOutput, error) {

	var outputs []*heritage.CompiledOutput
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b, err := scheduleBucket(tx, id)
		if err != nil {
			return err
		}

		versions := b.NestedReadBucket(versionsBucketKey)
		if versions == nil {
			return fmt.Errorf("%w: versions of %s",
				errMissingBucket, id)
		}

		return versions.ForEach(func(_, v []byte) error {
			out, err := heritage.DecodeCompiledOutputBytes(v)
			if err != nil {
				return err
			}
			outputs = append(outputs, out)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return outputs, nil
}

// UpdateResetReference stores ref as the reset reference of a schedule.
func (s *Store) UpdateResetReference(_ context.Context,
	id heritage.ScheduleID, ref heritage.ChainPoint) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		top := tx.ReadWriteBucket(schedulesBucketKey)
		if top == nil {
			return fmt.Errorf("%w: schedules", errMissingBucket)
		}

		b := top.NestedReadWriteBucket([]byte(id))
		if b == nil {
			return fmt.Errorf("%w: %s", db.ErrScheduleNotFound, id)
		}

		sched, err := readSchedule(b)
		if err != nil {
			return err
		}

		meta, err := sched.WithResetReference(ref).Bytes()
		if err != nil {
			return err
		}

		log.Debugf("Schedule %s reset reference now %v", id, ref)

		return b.Put(metaKey, meta)
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

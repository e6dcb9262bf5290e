// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcsuite/btcd/btcutil"
)

// CreateSchedule validates tiers, stores a new schedule starting at origin
// and archives its first compiled output.
func (w *Wallet) CreateSchedule(ctx context.Context, id heritage.ScheduleID,
	tiers []heritage.Tier, origin heritage.ChainPoint) (*heritage.Schedule,
	error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.cfg.Store.GetSchedule(ctx, id)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrScheduleExists, id)

	case !errors.Is(err, db.ErrScheduleNotFound):
		return nil, err
	}

	s, err := heritage.NewSchedule(id, tiers, origin)
	if err != nil {
		return nil, err
	}

	if err := w.commit(ctx, s); err != nil {
		return nil, err
	}

	log.Infof("Created schedule %v with %d tiers at %v", id, len(s.Tiers),
		origin)

	return s, nil
}

// EditSchedule replaces the tiers of a schedule. The schedule moves to the
// next descriptor version; outputs of earlier versions stay archived so that
// coins received under them remain spendable.
func (w *Wallet) EditSchedule(ctx context.Context, id heritage.ScheduleID,
	tiers []heritage.Tier) (*heritage.Schedule, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	current, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := current.EditTiers(tiers)
	if err != nil {
		return nil, err
	}

	if err := w.commit(ctx, next); err != nil {
		return nil, err
	}

	log.Infof("Schedule %v edited, now at version %d", id, next.Version)

	return next, nil
}

// RestoreSchedule recreates a schedule from the descriptors exported for
// each of its versions, oldest first, and archives every recovered output.
// The reset reference starts at origin; a sync afterwards moves it to the
// latest owner spend on chain. The guard rails are not checked since the
// schedule was accepted when it was first created.
//
// Restoring a schedule that is already stored at the same current version
// only fills in missing archived outputs.
func (w *Wallet) RestoreSchedule(ctx context.Context, id heritage.ScheduleID,
	descs []string, origin heritage.ChainPoint) (*heritage.Schedule, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	s, outputs, err := heritage.Restore(id, descs, origin)
	if err != nil {
		return nil, err
	}

	stored, err := w.cfg.Store.GetSchedule(ctx, id)
	switch {
	case errors.Is(err, db.ErrScheduleNotFound):
		// The archive only accepts outputs of versions the stored
		// schedule has reached.
		if err := w.cfg.Store.PutSchedule(ctx, s); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, err

	default:
		same, err := sameCurrentOutput(stored, outputs)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fmt.Errorf("%w: %s", ErrScheduleExists, id)
		}

		s = stored
	}

	for _, out := range outputs {
		if err := w.cfg.Store.PutCompiledOutput(ctx, out); err != nil {
			return nil, fmt.Errorf("archive version %d: %w",
				out.Version, err)
		}
	}

	log.Infof("Restored schedule %v at version %d with %d tiers", id,
		s.Version, len(s.Tiers))

	return s, nil
}

// sameCurrentOutput reports whether the stored schedule is at the version of
// the last restored output and compiles to it.
func sameCurrentOutput(stored *heritage.Schedule,
	outputs []*heritage.CompiledOutput) (bool, error) {

	last := outputs[len(outputs)-1]
	if stored.Version != last.Version {
		return false, nil
	}

	out, err := heritage.Compile(stored)
	if err != nil {
		return false, err
	}

	return out.Descriptor() == last.Descriptor(), nil
}

// commit checks the rules, compiles s and stores both. The caller must hold
// the write lock.
func (w *Wallet) commit(ctx context.Context, s *heritage.Schedule) error {
	if w.cfg.EnforceRules {
		if err := heritage.ValidateRules(s, w.cfg.Rules); err != nil {
			return err
		}
	}

	out, err := heritage.Compile(s)
	if err != nil {
		return err
	}

	if err := w.cfg.Store.PutSchedule(ctx, s); err != nil {
		return err
	}

	return w.cfg.Store.PutCompiledOutput(ctx, out)
}

// Schedule returns the current version of a schedule.
func (w *Wallet) Schedule(ctx context.Context,
	id heritage.ScheduleID) (*heritage.Schedule, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.cfg.Store.GetSchedule(ctx, id)
}

// Schedules returns the IDs of every stored schedule.
func (w *Wallet) Schedules(ctx context.Context) ([]heritage.ScheduleID,
	error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.cfg.Store.ListSchedules(ctx)
}

// Outputs returns the compiled outputs of every version of a schedule by
// ascending version.
func (w *Wallet) Outputs(ctx context.Context,
	id heritage.ScheduleID) ([]*heritage.CompiledOutput, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	_, outputs, err := w.snapshot(ctx, id)

	return outputs, err
}

// Address returns the receive address of the current version of a schedule.
func (w *Wallet) Address(ctx context.Context,
	id heritage.ScheduleID) (btcutil.Address, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, outputs, err := w.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	out := outputs[len(outputs)-1]
	if out.Version != s.Version {
		return nil, fmt.Errorf("%w: schedule %v v%d has no output",
			db.ErrOutputNotFound, id, s.Version)
	}

	return out.Address(w.cfg.ChainParams)
}

// Descriptors returns the descriptors of every version of a schedule. They
// are the backup of the schedule: each one rebuilds the scripts of the
// coins received under its version.
func (w *Wallet) Descriptors(ctx context.Context,
	id heritage.ScheduleID) ([]string, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	_, outputs, err := w.snapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	descs := make([]string, 0, len(outputs))
	for _, out := range outputs {
		descs = append(descs, out.Descriptor())
	}

	return descs, nil
}

// snapshot loads a schedule with all its archived outputs. The caller must
// hold the lock.
func (w *Wallet) snapshot(ctx context.Context,
	id heritage.ScheduleID) (*heritage.Schedule,
	[]*heritage.CompiledOutput, error) {

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	outputs, err := w.cfg.Store.ListCompiledOutputs(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if len(outputs) == 0 {
		return nil, nil, fmt.Errorf("%w: schedule %v has no outputs",
			db.ErrOutputNotFound, id)
	}

	return s, outputs, nil
}

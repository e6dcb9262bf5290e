// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/keys"
	"github.com/btcheritage/heritage/spend"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// ChainTip returns the best block of the chain source.
func (w *Wallet) ChainTip(ctx context.Context) (heritage.ChainPoint, error) {
	return w.cfg.Chain.Tip(ctx)
}

// EligiblePaths returns the ranks that can spend the current version of a
// schedule at the chain tip, measured from its stored reset reference.
func (w *Wallet) EligiblePaths(ctx context.Context,
	id heritage.ScheduleID) ([]uint32, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	tip, err := w.cfg.Chain.Tip(ctx)
	if err != nil {
		return nil, err
	}

	return heritage.EligiblePaths(s, s.ResetReference, tip), nil
}

// Maturities returns when each tier of a schedule matures from its stored
// reset reference.
func (w *Wallet) Maturities(ctx context.Context,
	id heritage.ScheduleID) (map[uint32]heritage.Maturity, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	tip, err := w.cfg.Chain.Tip(ctx)
	if err != nil {
		return nil, err
	}

	return heritage.NewSelector(s, s.ResetReference, tip).Maturities(), nil
}

// SpendPath returns the spend data of rank for the current version of a
// schedule.
func (w *Wallet) SpendPath(ctx context.Context, id heritage.ScheduleID,
	rank uint32) (*heritage.SpendPath, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	path, _, err := w.spendPath(ctx, s, s.Version, rank)

	return path, err
}

// spendPath resolves the path of rank through the output of version. The
// caller must hold the lock.
func (w *Wallet) spendPath(ctx context.Context, s *heritage.Schedule,
	version, rank uint32) (*heritage.SpendPath, *heritage.CompiledOutput,
	error) {

	out, err := w.cfg.Store.GetCompiledOutput(ctx, s.ID, version)
	if err != nil {
		return nil, nil, err
	}

	tip, err := w.cfg.Chain.Tip(ctx)
	if err != nil {
		return nil, nil, err
	}

	path, err := heritage.SpendData(s, out, rank, s.ResetReference, tip)
	if err != nil {
		return nil, nil, err
	}

	return path, out, nil
}

// HeirView lists every schedule naming xonly as a tier key, with when that
// tier matures and whether it can spend now.
func (w *Wallet) HeirView(ctx context.Context,
	xonly []byte) ([]heritage.HeirEntry, error) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	ids, err := w.cfg.Store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}

	schedules := make([]*heritage.Schedule, 0, len(ids))
	for _, id := range ids {
		s, err := w.cfg.Store.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}

	tip, err := w.cfg.Chain.Tip(ctx)
	if err != nil {
		return nil, err
	}

	return heritage.HeirView(schedules, xonly, tip), nil
}

// CreateSpend builds an unsigned PSBT spending utxos of a schedule through
// the leaf of rank. All utxos must have been received under the same
// descriptor version; the path is taken from that version's output.
func (w *Wallet) CreateSpend(ctx context.Context, id heritage.ScheduleID,
	rank uint32, utxos []spend.UTXO, outputs []*wire.TxOut,
	fee spend.FeePolicy, drainTo []byte) (*psbt.Packet, error) {

	if len(utxos) == 0 {
		return nil, spend.ErrNoInputs
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	s, err := w.cfg.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	version := utxos[0].Version
	for _, u := range utxos[1:] {
		if u.Version != version {
			return nil, fmt.Errorf("%w: versions %d and %d",
				spend.ErrMixedDescriptorVersions, version,
				u.Version)
		}
	}

	path, out, err := w.spendPath(ctx, s, version, rank)
	if err != nil {
		return nil, err
	}

	packet, err := w.assembler.Assemble(&spend.Request{
		UTXOs:   utxos,
		Output:  out,
		Path:    path,
		Outputs: outputs,
		Fee:     fee,
		DrainTo: drainTo,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created spend of %d inputs of schedule %v v%d through "+
		"rank %d", len(utxos), id, version, rank)

	return packet, nil
}

// SignSpend signs every input of packet with the key of rank and returns
// the final transaction. Key provider errors are returned unchanged and the
// packet is left unsigned.
func (w *Wallet) SignSpend(ctx context.Context, packet *psbt.Packet,
	rank uint32) (*wire.MsgTx, error) {

	if w.cfg.Keys == nil {
		return nil, ErrNoKeyProvider
	}

	if err := keys.SignPacket(ctx, w.cfg.Keys, packet, rank); err != nil {
		return nil, err
	}

	tx, err := keys.Finalize(packet)
	if err != nil {
		return nil, err
	}

	log.Infof("Signed spend %v with rank %d", tx.TxHash(), rank)

	return tx, nil
}

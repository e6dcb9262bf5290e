// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the chain data a heritage wallet consumes and the
// backends that supply it.
package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("chain backend unavailable")
)

// SpendEvent is one input of a transaction spending a watched output.
type SpendEvent struct {
	// Txid is the spending transaction.
	Txid chainhash.Hash

	// InputIndex is the index of the spending input.
	InputIndex uint32

	// PrevOut is the outpoint being spent.
	PrevOut wire.OutPoint

	// PkScript is the output script of the outpoint being spent.
	PkScript []byte

	// Witness is the witness of the spending input.
	Witness wire.TxWitness

	// Confirmed reports whether the transaction is in the best chain.
	Confirmed bool

	// Block is the chain point of the confirming block. It is zero for
	// unconfirmed transactions.
	Block heritage.ChainPoint
}

// String returns a short description of the event.
func (e SpendEvent) String() string {
	status := "unconfirmed"
	if e.Confirmed {
		status = fmt.Sprintf("confirmed at %v", e.Block)
	}

	return fmt.Sprintf("%v:%d spends %v (%s)", e.Txid, e.InputIndex,
		e.PrevOut, status)
}

// Source is a chain data backend. Implementations must report whether each
// event is confirmed and may include unconfirmed events.
type Source interface {
	// Tip returns the height and median time past of the best block.
	Tip(ctx context.Context) (heritage.ChainPoint, error)

	// ConfirmedEvents returns every input spending an output locked to one
	// of pkScripts, ordered by confirmation with unconfirmed events last.
	ConfirmedEvents(ctx context.Context, pkScripts [][]byte) ([]SpendEvent,
		error)

	// BackEnd returns the name of the backend.
	BackEnd() string
}

// WatchSet indexes output scripts for lookup.
type WatchSet map[string]struct{}

// NewWatchSet returns a watch set over pkScripts.
func NewWatchSet(pkScripts [][]byte) WatchSet {
	set := make(WatchSet, len(pkScripts))
	for _, script := range pkScripts {
		set[string(script)] = struct{}{}
	}

	return set
}

// Contains reports whether pkScript is watched.
func (w WatchSet) Contains(pkScript []byte) bool {
	_, ok := w[string(pkScript)]
	return ok
}

// TxEvents returns an event for every input of tx spending a watched output.
// prevScript returns the output script spent by the input at the given
// index, or nil if unknown.
func TxEvents(tx *wire.MsgTx, watched WatchSet,
	prevScript func(int) []byte, confirmed bool,
	block heritage.ChainPoint) []SpendEvent {

	var (
		events []SpendEvent
		txid   = tx.TxHash()
	)

	for i, txIn := range tx.TxIn {
		script := prevScript(i)
		if script == nil || !watched.Contains(script) {
			continue
		}

		ev := SpendEvent{
			Txid:       txid,
			InputIndex: uint32(i),
			PrevOut:    txIn.PreviousOutPoint,
			PkScript:   script,
			Witness:    txIn.Witness,
			Confirmed:  confirmed,
		}
		if confirmed {
			ev.Block = block
		}

		events = append(events, ev)
	}

	return events
}

// SortEvents orders events by confirmation height, then txid and input.
// Unconfirmed events come last.
func SortEvents(events []SpendEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]

		switch {
		case a.Confirmed != b.Confirmed:
			return a.Confirmed

		case a.Block.Height != b.Block.Height:
			return a.Block.Height < b.Block.Height

		case a.Txid != b.Txid:
			return bytes.Compare(a.Txid[:], b.Txid[:]) < 0
		}

		return a.InputIndex < b.InputIndex
	})
}

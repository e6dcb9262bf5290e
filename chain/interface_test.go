// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestTxEvents checks only inputs spending watched scripts become events.
func TestTxEvents(t *testing.T) {
	t.Parallel()

	watchedScript := []byte{0x51, 0x20, 0x01}
	otherScript := []byte{0x51, 0x20, 0x02}

	tx := wire.NewMsgTx(2)
	for i := 0; i < 3; i++ {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i)},
				Index: uint32(i),
			},
			Witness: wire.TxWitness{{byte(i)}},
		})
	}

	prevScripts := [][]byte{watchedScript, otherScript, watchedScript}
	block := heritage.NewChainPoint(100, time.Unix(1_700_000_000, 0))

	events := TxEvents(
		tx, NewWatchSet([][]byte{watchedScript}),
		func(i int) []byte { return prevScripts[i] }, true, block,
	)
	require.Len(t, events, 2)
	require.EqualValues(t, 0, events[0].InputIndex)
	require.EqualValues(t, 2, events[1].InputIndex)
	require.Equal(t, tx.TxHash(), events[1].Txid)
	require.Equal(t, wire.TxWitness{{2}}, events[1].Witness)
	require.Equal(t, block, events[1].Block)

	events = TxEvents(
		tx, NewWatchSet([][]byte{watchedScript}),
		func(i int) []byte { return prevScripts[i] }, false, block,
	)
	require.Len(t, events, 2)
	require.True(t, events[0].Block.IsZero())
}

// TestSortEvents checks events are ordered by confirmation.
func TestSortEvents(t *testing.T) {
	t.Parallel()

	at := func(h uint32) heritage.ChainPoint {
		return heritage.NewChainPoint(h, time.Unix(int64(h)*600, 0))
	}

	events := []SpendEvent{
		{Txid: chainhash.Hash{9}},
		{Txid: chainhash.Hash{3}, Confirmed: true, Block: at(20)},
		{Txid: chainhash.Hash{2}, Confirmed: true, Block: at(10),
			InputIndex: 1},
		{Txid: chainhash.Hash{2}, Confirmed: true, Block: at(10)},
		{Txid: chainhash.Hash{1}, Confirmed: true, Block: at(20)},
	}

	SortEvents(events)

	require.Equal(t, chainhash.Hash{2}, events[0].Txid)
	require.EqualValues(t, 0, events[0].InputIndex)
	require.EqualValues(t, 1, events[1].InputIndex)
	require.Equal(t, chainhash.Hash{1}, events[2].Txid)
	require.Equal(t, chainhash.Hash{3}, events[3].Txid)
	require.False(t, events[4].Confirmed)
}

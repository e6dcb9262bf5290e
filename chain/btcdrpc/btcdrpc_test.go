// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcdrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockRPC is a mock implementation of the rpcClient interface.
type mockRPC struct {
	mock.Mock
}

var _ rpcClient = (*mockRPC)(nil)

func (m *mockRPC) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult,
	error) {

	args := m.Called()
	return args.Get(0).(*btcjson.GetBlockChainInfoResult), args.Error(1)
}

func (m *mockRPC) GetBlockHash(height int64) (*chainhash.Hash, error) {
	args := m.Called(height)
	return args.Get(0).(*chainhash.Hash), args.Error(1)
}

func (m *mockRPC) GetBlockHeader(hash *chainhash.Hash) (*wire.BlockHeader,
	error) {

	args := m.Called(hash)
	return args.Get(0).(*wire.BlockHeader), args.Error(1)
}

func (m *mockRPC) GetBlockHeaderVerbose(hash *chainhash.Hash) (
	*btcjson.GetBlockHeaderVerboseResult, error) {

	args := m.Called(hash)
	return args.Get(0).(*btcjson.GetBlockHeaderVerboseResult), args.Error(1)
}

func (m *mockRPC) SearchRawTransactionsVerbose(address btcutil.Address, skip,
	count int, includePrevOut, reverse bool, filterAddrs []string) (
	[]*btcjson.SearchRawTransactionsResult, error) {

	args := m.Called(address.EncodeAddress(), skip)
	if res := args.Get(0); res != nil {
		return res.([]*btcjson.SearchRawTransactionsResult),
			args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockRPC) Shutdown() {
	m.Called()
}

// TestTip checks the tip comes from getblockchaininfo.
func TestTip(t *testing.T) {
	t.Parallel()

	rpc := &mockRPC{}
	rpc.On("GetBlockChainInfo").Return(&btcjson.GetBlockChainInfoResult{
		Blocks:     850_000,
		MedianTime: 1_720_000_000,
	}, nil)

	c := newClient(rpc, &chaincfg.RegressionNetParams)

	tip, err := c.Tip(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 850_000, tip.Height)
	require.Equal(t, int64(1_720_000_000), tip.Time.Unix())

	rpc.AssertExpectations(t)
}

// TestConfirmedEvents checks spends of watched outputs are reported with the
// median time past of their block.
func TestConfirmedEvents(t *testing.T) {
	t.Parallel()

	var scalar [32]byte
	scalar[31] = 9
	_, pub := btcec.PrivKeyFromBytes(scalar[:])

	pkScript, err := txscript.PayToTaprootScript(pub)
	require.NoError(t, err)

	addr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(pub), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	// A transaction with one watched input and one foreign input.
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
		Witness:          wire.TxWitness{{0x01}, {0x02}, {0x03}},
	})
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{2}},
	})
	tx.AddTxOut(wire.NewTxOut(1_000, pkScript))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	blockHash := chainhash.Hash{0xbb}
	confirmed := &btcjson.SearchRawTransactionsResult{
		Hex:           hex.EncodeToString(buf.Bytes()),
		Txid:          tx.TxHash().String(),
		BlockHash:     blockHash.String(),
		Confirmations: 3,
		Vin: []btcjson.VinPrevOut{{
			PrevOut: &btcjson.PrevOut{
				Addresses: []string{addr.EncodeAddress()},
			},
		}, {
			PrevOut: &btcjson.PrevOut{
				Addresses: []string{"bcrt1qother"},
			},
		}},
	}

	rpc := &mockRPC{}
	rpc.On("SearchRawTransactionsVerbose", addr.EncodeAddress(), 0).Return(
		[]*btcjson.SearchRawTransactionsResult{confirmed}, nil,
	)
	rpc.On("GetBlockHeaderVerbose", &blockHash).Return(
		&btcjson.GetBlockHeaderVerboseResult{Height: 12}, nil,
	).Once()

	// Blocks 2..12 have timestamps 1000, 1100, ..., 2000.
	for h := int64(2); h <= 12; h++ {
		hash := chainhash.Hash{byte(h)}
		rpc.On("GetBlockHash", h).Return(&hash, nil).Once()
		rpc.On("GetBlockHeader", &hash).Return(&wire.BlockHeader{
			Timestamp: time.Unix(1000+(h-2)*100, 0),
		}, nil).Once()
	}

	c := newClient(rpc, &chaincfg.RegressionNetParams)

	events, err := c.ConfirmedEvents(
		context.Background(), [][]byte{pkScript},
	)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, tx.TxHash(), ev.Txid)
	require.EqualValues(t, 0, ev.InputIndex)
	require.Equal(t, chainhash.Hash{1}, ev.PrevOut.Hash)
	require.Equal(t, pkScript, ev.PkScript)
	require.Len(t, ev.Witness, 3)
	require.True(t, ev.Confirmed)
	require.EqualValues(t, 12, ev.Block.Height)
	require.Equal(t, int64(1500), ev.Block.Time.Unix())

	// A second query hits the block cache.
	_, err = c.ConfirmedEvents(context.Background(), [][]byte{pkScript})
	require.NoError(t, err)

	rpc.AssertExpectations(t)
}

// TestConfirmedEventsNoHistory checks an unused address yields no events.
func TestConfirmedEventsNoHistory(t *testing.T) {
	t.Parallel()

	var scalar [32]byte
	scalar[31] = 10
	_, pub := btcec.PrivKeyFromBytes(scalar[:])

	pkScript, err := txscript.PayToTaprootScript(pub)
	require.NoError(t, err)

	rpc := &mockRPC{}
	rpc.On("SearchRawTransactionsVerbose", mock.Anything, 0).Return(
		nil, &btcjson.RPCError{
			Code:    btcjson.ErrRPCNoTxInfo,
			Message: "No information available about address",
		},
	)

	c := newClient(rpc, &chaincfg.RegressionNetParams)

	events, err := c.ConfirmedEvents(
		context.Background(), [][]byte{pkScript},
	)
	require.NoError(t, err)
	require.Empty(t, events)
}

// TestConfigValidation checks the required config options.
func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&Config{Chain: &chaincfg.RegressionNetParams})
	require.Error(t, err)

	_, err = New(&Config{
		Chain: &chaincfg.RegressionNetParams,
		Conn:  &rpcclient.ConnConfig{Host: "localhost:18334"},
	})
	require.Error(t, err)

	c, err := New(&Config{
		Chain: &chaincfg.RegressionNetParams,
		Conn: &rpcclient.ConnConfig{
			Host:       "localhost:18334",
			DisableTLS: true,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "btcd", c.BackEnd())
	c.Stop()
}
